package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/flynn/noise"

	"peerdrop/internal/ticket"
)

const (
	// maxFrameSize bounds one encrypted frame on the wire
	maxFrameSize = 65535
	// maxPlaintext leaves room for the AEAD tag
	maxPlaintext = maxFrameSize - 16

	handshakePrologue = "peerdrop/noise/1"
)

var (
	ErrHandshakeFailed = errors.New("noise handshake failed")
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

// SecureConn is an authenticated, encrypted stream over a raw transport
// stream. Reads and writes may be used concurrently with each other.
type SecureConn struct {
	raw    io.ReadWriteCloser
	remote ticket.NodeID

	readMu  sync.Mutex
	recv    *noise.CipherState
	pending []byte
	frame   []byte

	writeMu sync.Mutex
	send    *noise.CipherState
	out     []byte

	closeOnce sync.Once
	closeErr  error
}

// RemoteNode returns the authenticated static key of the peer
func (c *SecureConn) RemoteNode() ticket.NodeID {
	return c.remote
}

// Read decrypts the next frame when no plaintext is buffered
func (c *SecureConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.pending) == 0 {
		ciphertext, err := readFrame(c.raw, c.frame[:0])
		if err != nil {
			return 0, err
		}
		c.frame = ciphertext[:0]
		plaintext, err := c.recv.Decrypt(c.pending[:0], nil, ciphertext)
		if err != nil {
			return 0, fmt.Errorf("failed to decrypt frame: %w", err)
		}
		c.pending = plaintext
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write encrypts p in frames of at most maxPlaintext bytes
func (c *SecureConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}

		buf := append(c.out[:0], 0, 0)
		buf, err := c.send.Encrypt(buf, nil, chunk)
		if err != nil {
			return written, fmt.Errorf("failed to encrypt frame: %w", err)
		}
		binary.BigEndian.PutUint16(buf[:2], uint16(len(buf)-2))
		if _, err := c.raw.Write(buf); err != nil {
			return written, err
		}
		c.out = buf[:0]

		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close closes the underlying stream
func (c *SecureConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[2:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader, buf []byte) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint16(header[:]))
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// handshakeGuard closes raw if ctx ends before the handshake does
func handshakeGuard(ctx context.Context, raw io.Closer) func() bool {
	return context.AfterFunc(ctx, func() { raw.Close() })
}

// SecureClient runs the initiator side of a Noise IK handshake. The peer
// must prove ownership of the static key named by remote.
func SecureClient(ctx context.Context, raw io.ReadWriteCloser, local noise.DHKey, remote ticket.NodeID) (*SecureConn, error) {
	stop := handshakeGuard(ctx, raw)
	defer stop()

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		Prologue:      []byte(handshakePrologue),
		StaticKeypair: local,
		PeerStatic:    append([]byte(nil), remote[:]...),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if err := writeFrame(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, ctxErr(ctx, err))
	}

	reply, err := readFrame(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, ctxErr(ctx, err))
	}
	_, toResponder, toInitiator, err := hs.ReadMessage(nil, reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	return &SecureConn{raw: raw, remote: remote, send: toResponder, recv: toInitiator}, nil
}

// SecureServer runs the responder side of a Noise IK handshake and learns
// the initiator's static key from it
func SecureServer(ctx context.Context, raw io.ReadWriteCloser, local noise.DHKey) (*SecureConn, error) {
	stop := handshakeGuard(ctx, raw)
	defer stop()

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     false,
		Prologue:      []byte(handshakePrologue),
		StaticKeypair: local,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	first, err := readFrame(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, ctxErr(ctx, err))
	}
	if _, _, _, err := hs.ReadMessage(nil, first); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	reply, toResponder, toInitiator, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if err := writeFrame(raw, reply); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, ctxErr(ctx, err))
	}

	var remote ticket.NodeID
	copy(remote[:], hs.PeerStatic())
	return &SecureConn{raw: raw, remote: remote, send: toInitiator, recv: toResponder}, nil
}

// ctxErr prefers the context error over the I/O error it caused
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
