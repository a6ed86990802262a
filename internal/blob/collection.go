package blob

import (
	"errors"
	"fmt"
	"strings"

	"peerdrop/pkg/utils"
)

// collectionHeader tags the meta blob so unrelated blobs are not mistaken
// for a collection.
const collectionHeader = "CollectionV0."

var ErrInvalidCollection = errors.New("invalid collection")

// Entry is one named file in a collection
type Entry struct {
	Name string
	Hash Hash
}

// Collection is an ordered name to hash mapping. On disk and on the wire it
// is a meta blob listing the names plus a hash sequence [meta, h1 .. hn].
type Collection struct {
	entries []Entry
}

// collectionMeta is the JSON body of the meta blob
type collectionMeta struct {
	Header string   `json:"header"`
	Names  []string `json:"names"`
}

// Putter stores bytes and returns their hash
type Putter interface {
	ImportBytes(data []byte) (Hash, error)
}

// Getter reads a whole blob
type Getter interface {
	ReadAll(hash Hash) ([]byte, error)
}

// ValidateName checks that name is a '/' separated relative path
func ValidateName(name string) error {
	for _, part := range strings.Split(name, "/") {
		if err := utils.ValidatePathComponent(part); err != nil {
			return fmt.Errorf("%w: name %q: %w", ErrInvalidCollection, name, err)
		}
	}
	return nil
}

// Push appends an entry, keeping insertion order
func (c *Collection) Push(name string, hash Hash) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	c.entries = append(c.entries, Entry{Name: name, Hash: hash})
	return nil
}

// Len returns the number of entries
func (c *Collection) Len() int {
	return len(c.entries)
}

// Entries returns the entries in insertion order
func (c *Collection) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// First returns the first entry if there is one
func (c *Collection) First() (Entry, bool) {
	if len(c.entries) == 0 {
		return Entry{}, false
	}
	return c.entries[0], true
}

// Meta encodes the meta blob
func (c *Collection) Meta() ([]byte, error) {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.Name
	}
	data, err := utils.EncodeJSON(collectionMeta{Header: collectionHeader, Names: names})
	if err != nil {
		return nil, fmt.Errorf("failed to encode collection meta: %w", err)
	}
	return data, nil
}

// Store writes the meta blob and hash sequence and returns the root hash
func (c *Collection) Store(s Putter) (Hash, error) {
	meta, err := c.Meta()
	if err != nil {
		return Hash{}, err
	}
	metaHash, err := s.ImportBytes(meta)
	if err != nil {
		return Hash{}, fmt.Errorf("failed to store collection meta: %w", err)
	}

	seq := make(HashSeqList, 0, len(c.entries)+1)
	seq = append(seq, metaHash)
	for _, e := range c.entries {
		seq = append(seq, e.Hash)
	}
	root, err := s.ImportBytes(seq.Encode())
	if err != nil {
		return Hash{}, fmt.Errorf("failed to store hash sequence: %w", err)
	}
	return root, nil
}

// DecodeCollection pairs a hash sequence with its meta blob
func DecodeCollection(seq HashSeqList, meta []byte) (*Collection, error) {
	if len(seq) == 0 {
		return nil, fmt.Errorf("%w: empty hash sequence", ErrInvalidCollection)
	}
	if Sum(meta) != seq[0] {
		return nil, fmt.Errorf("%w: meta blob does not match hash sequence", ErrInvalidCollection)
	}
	m, err := utils.DecodeJSON[collectionMeta](meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCollection, err)
	}
	if m.Header != collectionHeader {
		return nil, fmt.Errorf("%w: unexpected header %q", ErrInvalidCollection, m.Header)
	}
	if len(m.Names) != len(seq)-1 {
		return nil, fmt.Errorf("%w: %d names for %d blobs", ErrInvalidCollection, len(m.Names), len(seq)-1)
	}

	c := &Collection{}
	for i, name := range m.Names {
		if err := c.Push(name, seq[i+1]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCollection reads a collection rooted at a hash sequence from s
func LoadCollection(s Getter, root Hash) (*Collection, error) {
	raw, err := s.ReadAll(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read hash sequence %s: %w", root.Short(), err)
	}
	seq, err := DecodeHashSeq(raw)
	if err != nil {
		return nil, err
	}
	if len(seq) == 0 {
		return nil, fmt.Errorf("%w: empty hash sequence", ErrInvalidCollection)
	}
	meta, err := s.ReadAll(seq[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read collection meta: %w", err)
	}
	return DecodeCollection(seq, meta)
}
