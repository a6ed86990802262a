package ticket

import (
	"fmt"
	"strings"
)

// AddrInfoOptions selects which parts of a NodeAddr are embedded in a ticket.
// More information makes a connection more likely to succeed but the ticket
// longer.
type AddrInfoOptions int

const (
	// Id embeds only the node id; receivers fall back to discovery
	Id AddrInfoOptions = iota
	// RelayAndAddresses embeds the relay url and the direct addresses
	RelayAndAddresses
	// Relay embeds the relay url
	Relay
	// Addresses embeds the direct addresses
	Addresses
)

// String returns the string representation of AddrInfoOptions
func (o AddrInfoOptions) String() string {
	switch o {
	case Id:
		return "id"
	case RelayAndAddresses:
		return "relay-and-addresses"
	case Relay:
		return "relay"
	case Addresses:
		return "addresses"
	default:
		return "unknown"
	}
}

// ParseAddrInfoOptions parses the text form used on the command line
func ParseAddrInfoOptions(s string) (AddrInfoOptions, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "id":
		return Id, nil
	case "relay-and-addresses", "relayandaddresses":
		return RelayAndAddresses, nil
	case "relay":
		return Relay, nil
	case "addresses":
		return Addresses, nil
	default:
		return Id, fmt.Errorf("unknown ticket type %q (want id, relay, addresses or relay-and-addresses)", s)
	}
}

// Apply projects addr through the options. addr itself is not modified.
func (o AddrInfoOptions) Apply(addr NodeAddr) NodeAddr {
	out := addr.Clone()
	switch o {
	case Id:
		out.DirectAddresses = nil
		out.RelayURL = ""
	case RelayAndAddresses:
		// nothing to do
	case Relay:
		out.DirectAddresses = nil
	case Addresses:
		out.RelayURL = ""
	}
	return out
}
