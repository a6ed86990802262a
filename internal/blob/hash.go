// Package blob defines content identifiers: BLAKE2b-256 hashes, the format
// tag that says how a root hash is interpreted, hash sequences and the
// name-to-hash collections built on top of them.
package blob

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the length of a content hash in bytes
const HashSize = 32

var (
	ErrInvalidHash   = errors.New("invalid hash")
	ErrInvalidFormat = errors.New("invalid blob format")
	ErrInvalidSeq    = errors.New("invalid hash sequence")
)

// Hash identifies immutable content
type Hash [HashSize]byte

// Sum hashes data in one call
func Sum(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

// NewHasher returns a streaming hasher whose sum can be turned into a Hash
// with HashFromSum.
func NewHasher() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only fails for oversized keys
		panic(err)
	}
	return h
}

// HashFromSum converts the output of a NewHasher hasher
func HashFromSum(sum []byte) Hash {
	var h Hash
	copy(h[:], sum)
	return h
}

// ParseHash parses the hex text form of a hash
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidHash, HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// String returns the lowercase hex form
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns an abbreviated form for log lines
func (h Hash) Short() string {
	return h.String()[:10]
}

// IsZero reports whether h is the zero value
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Format says how the content behind a root hash is interpreted
type Format int

const (
	// Raw content is a single opaque blob
	Raw Format = iota
	// HashSeq content is a sequence of child hashes
	HashSeq
)

// String returns the string representation of Format
func (f Format) String() string {
	switch f {
	case Raw:
		return "raw"
	case HashSeq:
		return "hashseq"
	default:
		return "unknown"
	}
}

// ParseFormat parses the text form of a Format
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "raw":
		return Raw, nil
	case "hashseq":
		return HashSeq, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (f Format) MarshalText() ([]byte, error) {
	if f != Raw && f != HashSeq {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFormat, int(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (f *Format) UnmarshalText(text []byte) error {
	parsed, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// HashAndFormat is a root content identifier
type HashAndFormat struct {
	Hash   Hash
	Format Format
}

func (hf HashAndFormat) String() string {
	return fmt.Sprintf("%s(%s)", hf.Format, hf.Hash)
}

// HashSeqList is an ordered list of child hashes. Its encoding is the plain
// concatenation of the hashes.
type HashSeqList []Hash

// Encode returns the wire/storage bytes of the sequence
func (s HashSeqList) Encode() []byte {
	out := make([]byte, 0, len(s)*HashSize)
	for _, h := range s {
		out = append(out, h[:]...)
	}
	return out
}

// Hash returns the hash of the encoded sequence
func (s HashSeqList) Hash() Hash {
	return Sum(s.Encode())
}

// DecodeHashSeq parses the concatenated form
func DecodeHashSeq(data []byte) (HashSeqList, error) {
	if len(data)%HashSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of %d", ErrInvalidSeq, len(data), HashSize)
	}
	seq := make(HashSeqList, 0, len(data)/HashSize)
	for i := 0; i < len(data); i += HashSize {
		var h Hash
		copy(h[:], data[i:i+HashSize])
		seq = append(seq, h)
	}
	return seq, nil
}
