package blob

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBlobs map[Hash][]byte

func (m memBlobs) ImportBytes(data []byte) (Hash, error) {
	h := Sum(data)
	m[h] = append([]byte(nil), data...)
	return h, nil
}

func (m memBlobs) ReadAll(hash Hash) ([]byte, error) {
	data, ok := m[hash]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", hash.Short())
	}
	return data, nil
}

func TestHashTextRoundTrip(t *testing.T) {
	h := Sum([]byte("hello"))

	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	data, err := json.Marshal(HashAndFormat{Hash: h, Format: HashSeq})
	require.NoError(t, err)

	var hf HashAndFormat
	require.NoError(t, json.Unmarshal(data, &hf))
	assert.Equal(t, h, hf.Hash)
	assert.Equal(t, HashSeq, hf.Format)

	_, err = ParseHash("abcd")
	assert.ErrorIs(t, err, ErrInvalidHash)
	_, err = ParseFormat("zip")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestStreamingHasherMatchesSum(t *testing.T) {
	hasher := NewHasher()
	_, _ = hasher.Write([]byte("hel"))
	_, _ = hasher.Write([]byte("lo"))
	assert.Equal(t, Sum([]byte("hello")), HashFromSum(hasher.Sum(nil)))
}

func TestHashSeqDecode(t *testing.T) {
	seq := HashSeqList{Sum([]byte("a")), Sum([]byte("b"))}

	decoded, err := DecodeHashSeq(seq.Encode())
	require.NoError(t, err)
	assert.Equal(t, seq, decoded)

	_, err = DecodeHashSeq(make([]byte, HashSize+1))
	assert.ErrorIs(t, err, ErrInvalidSeq)
}

func TestCollectionStoreAndLoad(t *testing.T) {
	blobs := memBlobs{}
	c := &Collection{}
	require.NoError(t, c.Push("dir/a.txt", Sum([]byte("aaa"))))
	require.NoError(t, c.Push("dir/sub/b.txt", Sum([]byte("bbb"))))

	root, err := c.Store(blobs)
	require.NoError(t, err)

	loaded, err := LoadCollection(blobs, root)
	require.NoError(t, err)
	assert.Equal(t, c.Entries(), loaded.Entries())

	first, ok := loaded.First()
	require.True(t, ok)
	assert.Equal(t, "dir/a.txt", first.Name)
}

func TestCollectionRejectsUnsafeNames(t *testing.T) {
	c := &Collection{}
	assert.ErrorIs(t, c.Push("../evil", Hash{}), ErrInvalidCollection)
	assert.ErrorIs(t, c.Push("", Hash{}), ErrInvalidCollection)
	assert.Equal(t, 0, c.Len())

	meta, err := json.Marshal(collectionMeta{Header: collectionHeader, Names: []string{"a/../../etc"}})
	require.NoError(t, err)
	_, err = DecodeCollection(HashSeqList{Sum(meta), Sum([]byte("x"))}, meta)
	assert.ErrorIs(t, err, ErrInvalidCollection)
}

func TestDecodeCollectionMismatch(t *testing.T) {
	meta, err := json.Marshal(collectionMeta{Header: collectionHeader, Names: []string{"a", "b"}})
	require.NoError(t, err)

	_, err = DecodeCollection(HashSeqList{Sum(meta), Sum([]byte("x"))}, meta)
	assert.ErrorIs(t, err, ErrInvalidCollection)

	_, err = DecodeCollection(HashSeqList{Sum([]byte("other"))}, meta)
	assert.ErrorIs(t, err, ErrInvalidCollection)
}
