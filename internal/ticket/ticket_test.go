package ticket

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/internal/blob"
)

func testAddr() NodeAddr {
	var id NodeID
	for i := range id {
		id[i] = byte(i + 1)
	}
	return NodeAddr{
		NodeID:          id,
		RelayURL:        "https://peerdrop-default-rtdb.firebaseio.com",
		DirectAddresses: []string{"192.168.1.7:4919", "[fe80::1]:4919"},
	}
}

func TestTicketRoundTripAllOptions(t *testing.T) {
	hash := blob.Sum([]byte("content"))
	options := []AddrInfoOptions{Id, RelayAndAddresses, Relay, Addresses}
	formats := []blob.Format{blob.Raw, blob.HashSeq}

	for _, opt := range options {
		for _, format := range formats {
			t.Run(opt.String()+"/"+format.String(), func(t *testing.T) {
				addr := opt.Apply(testAddr())
				original := New(addr, hash, format)

				text := original.String()
				assert.True(t, strings.HasPrefix(text, Prefix))

				parsed, err := Parse(text)
				require.NoError(t, err)
				assert.Equal(t, addr, parsed.NodeAddr())
				assert.Equal(t, hash, parsed.Hash())
				assert.Equal(t, format, parsed.Format())
				assert.Equal(t, text, parsed.String())
			})
		}
	}
}

func TestApplyOptions(t *testing.T) {
	addr := testAddr()

	id := Id.Apply(addr)
	assert.Empty(t, id.RelayURL)
	assert.Empty(t, id.DirectAddresses)
	assert.False(t, id.HasAddressing())

	relay := Relay.Apply(addr)
	assert.Equal(t, addr.RelayURL, relay.RelayURL)
	assert.Empty(t, relay.DirectAddresses)

	addrs := Addresses.Apply(addr)
	assert.Empty(t, addrs.RelayURL)
	assert.Equal(t, addr.DirectAddresses, addrs.DirectAddresses)

	full := RelayAndAddresses.Apply(addr)
	assert.Equal(t, addr, full)

	// the input is never modified
	assert.Equal(t, testAddr(), addr)
}

func TestParseAddrInfoOptions(t *testing.T) {
	for _, opt := range []AddrInfoOptions{Id, RelayAndAddresses, Relay, Addresses} {
		parsed, err := ParseAddrInfoOptions(opt.String())
		require.NoError(t, err)
		assert.Equal(t, opt, parsed)
	}
	_, err := ParseAddrInfoOptions("everything")
	assert.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"wrong prefix", "nodeabcdef"},
		{"bad base32", "blob!!!!"},
		{"bad json", "blob" + "mfrggzdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.ErrorIs(t, err, ErrTicketParse)
		})
	}
}

func TestParseToleratesQuotesAndWhitespace(t *testing.T) {
	original := New(testAddr(), blob.Sum([]byte("x")), blob.HashSeq)
	parsed, err := Parse("  \"" + original.String() + "\"\n")
	require.NoError(t, err)
	assert.Equal(t, original.Hash(), parsed.Hash())
}

func TestTicketIsImmutable(t *testing.T) {
	addr := testAddr()
	tk := New(addr, blob.Sum([]byte("x")), blob.Raw)

	addr.DirectAddresses[0] = "10.0.0.1:1"
	got := tk.NodeAddr()
	assert.Equal(t, "192.168.1.7:4919", got.DirectAddresses[0])

	got.DirectAddresses[0] = "changed"
	assert.Equal(t, "192.168.1.7:4919", tk.NodeAddr().DirectAddresses[0])
}

func TestNodeIDText(t *testing.T) {
	id := testAddr().NodeID
	parsed, err := ParseNodeID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseNodeID("zz")
	assert.ErrorIs(t, err, ErrInvalidNodeID)
}
