// Package identity manages the static Curve25519 key that names this node.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"

	"peerdrop/internal/ticket"
)

var ErrInvalidSecret = errors.New("invalid secret key")

// Identity is a node's static keypair
type Identity struct {
	key noise.DHKey
}

// Generate creates a fresh random identity
func Generate() (*Identity, error) {
	key, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &Identity{key: key}, nil
}

// FromSecret rebuilds an identity from the hex encoded private key
func FromSecret(secretHex string) (*Identity, error) {
	secret, err := hex.DecodeString(strings.TrimSpace(secretHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	if len(secret) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSecret, curve25519.ScalarSize, len(secret))
	}
	public, err := curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return &Identity{key: noise.DHKey{Private: secret, Public: public}}, nil
}

// LoadOrGenerate uses secretHex when it is set and generates a new identity
// otherwise. When announce is true a generated secret is logged so the user
// can pin it in the configuration.
func LoadOrGenerate(secretHex string, announce bool) (*Identity, error) {
	if secretHex != "" {
		return FromSecret(secretHex)
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if announce {
		logrus.WithFields(logrus.Fields{
			"function": "LoadOrGenerate",
			"node_id":  id.NodeID().Short(),
			"secret":   id.SecretHex(),
		}).Info("Using newly generated secret key, set PEERDROP_SECRET to keep this identity")
	}
	return id, nil
}

// NodeID returns the public half as a node id
func (i *Identity) NodeID() ticket.NodeID {
	var id ticket.NodeID
	copy(id[:], i.key.Public)
	return id
}

// Keypair returns the static key for Noise handshakes
func (i *Identity) Keypair() noise.DHKey {
	return i.key
}

// SecretHex returns the private key in the form accepted by FromSecret
func (i *Identity) SecretHex() string {
	return hex.EncodeToString(i.key.Private)
}
