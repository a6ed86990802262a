// Package ticket implements the opaque token that tells a receiver where to
// find a peer and which content to ask it for.
package ticket

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"peerdrop/internal/blob"
	"peerdrop/pkg/utils"
)

// Prefix starts every serialized ticket
const Prefix = "blob"

// version is bumped whenever the payload layout changes
const version = 1

var (
	ErrTicketParse   = errors.New("failed to parse ticket")
	ErrInvalidNodeID = errors.New("invalid node id")
)

// NodeID is the static public key of a peer
type NodeID [32]byte

// ParseNodeID parses the hex form of a node id
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidNodeID, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form for log lines
func (id NodeID) Short() string {
	return id.String()[:10]
}

// MarshalText implements encoding.TextMarshaler
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NodeAddr is everything known about how to reach a peer
type NodeAddr struct {
	NodeID          NodeID   `json:"node_id"`
	RelayURL        string   `json:"relay_url,omitempty"`
	DirectAddresses []string `json:"direct_addresses,omitempty"`
}

// HasAddressing reports whether the address can be dialled without a
// discovery lookup.
func (a NodeAddr) HasAddressing() bool {
	return a.RelayURL != "" || len(a.DirectAddresses) > 0
}

// Clone returns a deep copy
func (a NodeAddr) Clone() NodeAddr {
	out := a
	if len(a.DirectAddresses) > 0 {
		out.DirectAddresses = slices.Clone(a.DirectAddresses)
	} else {
		out.DirectAddresses = nil
	}
	return out
}

// Ticket is an immutable pointer to content held by a peer
type Ticket struct {
	addr   NodeAddr
	hash   blob.Hash
	format blob.Format
}

// payload is the JSON body behind the base32 text form
type payload struct {
	Version int         `json:"v"`
	Node    NodeID      `json:"node"`
	Relay   string      `json:"relay,omitempty"`
	Addrs   []string    `json:"addrs,omitempty"`
	Hash    blob.Hash   `json:"hash"`
	Format  blob.Format `json:"format"`
}

// New builds a ticket. The address is copied.
func New(addr NodeAddr, hash blob.Hash, format blob.Format) Ticket {
	return Ticket{addr: addr.Clone(), hash: hash, format: format}
}

// NodeAddr returns a copy of the peer address
func (t Ticket) NodeAddr() NodeAddr {
	return t.addr.Clone()
}

// Hash returns the root content hash
func (t Ticket) Hash() blob.Hash {
	return t.hash
}

// Format returns how the root hash is interpreted
func (t Ticket) Format() blob.Format {
	return t.format
}

// HashAndFormat returns the root content identifier
func (t Ticket) HashAndFormat() blob.HashAndFormat {
	return blob.HashAndFormat{Hash: t.hash, Format: t.format}
}

// String serializes the ticket
func (t Ticket) String() string {
	encoded, err := utils.Encode(payload{
		Version: version,
		Node:    t.addr.NodeID,
		Relay:   t.addr.RelayURL,
		Addrs:   t.addr.DirectAddresses,
		Hash:    t.hash,
		Format:  t.format,
	})
	if err != nil {
		// every field has an infallible text form
		panic(fmt.Sprintf("ticket: %v", err))
	}
	return Prefix + encoded
}

// Parse reads a ticket from its text form
func Parse(s string) (Ticket, error) {
	s = strings.TrimSpace(utils.RemoveQuotes(strings.TrimSpace(s)))
	if !strings.HasPrefix(strings.ToLower(s), Prefix) {
		return Ticket{}, fmt.Errorf("%w: missing %q prefix", ErrTicketParse, Prefix)
	}

	p, err := utils.Decode[payload](s[len(Prefix):])
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: %w", ErrTicketParse, err)
	}
	if p.Version != version {
		return Ticket{}, fmt.Errorf("%w: unsupported version %d", ErrTicketParse, p.Version)
	}

	addr := NodeAddr{NodeID: p.Node, RelayURL: p.Relay, DirectAddresses: p.Addrs}
	return New(addr, p.Hash, p.Format), nil
}
