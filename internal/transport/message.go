package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"peerdrop/internal/blob"
	"peerdrop/pkg/utils"
)

// MessageType identifies a protocol frame
type MessageType uint8

const (
	// Requests
	MSG_GET_SIZES MessageType = iota + 1
	MSG_GET

	// Responses
	MSG_SIZES
	MSG_BLOB_HEADER
	MSG_BLOB_DATA
	MSG_BLOB_END
	MSG_TRANSFER_END
	MSG_ERROR
)

const (
	// MaxManifestSize caps the size response of a single request
	MaxManifestSize = 32 * 1024 * 1024
	// maxControlSize caps every other frame
	maxControlSize = 1024 * 1024
	// blobChunkSize is the payload size of one MSG_BLOB_DATA frame
	blobChunkSize = 64 * 1024

	headerSize = 5
)

var (
	ErrMessageTooLarge   = errors.New("message exceeds size limit")
	ErrUnexpectedMessage = errors.New("unexpected message")
	ErrRemote            = errors.New("remote error")
)

func (t MessageType) String() string {
	switch t {
	case MSG_GET_SIZES:
		return "GET_SIZES"
	case MSG_GET:
		return "GET"
	case MSG_SIZES:
		return "SIZES"
	case MSG_BLOB_HEADER:
		return "BLOB_HEADER"
	case MSG_BLOB_DATA:
		return "BLOB_DATA"
	case MSG_BLOB_END:
		return "BLOB_END"
	case MSG_TRANSFER_END:
		return "TRANSFER_END"
	case MSG_ERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Message is one protocol frame: [type:1][len:4][payload]
type Message struct {
	Type    MessageType
	Payload []byte
}

// Request asks for the sizes or the content of a root
type Request struct {
	Hash   blob.Hash   `json:"hash"`
	Format blob.Format `json:"format"`
}

func (r Request) HashAndFormat() blob.HashAndFormat {
	return blob.HashAndFormat{Hash: r.Hash, Format: r.Format}
}

// Sizes describes every blob a GET for the same root will stream. For a
// hash sequence Hashes is the decoded sequence, whose concatenation hashes
// to the root. For a raw root it holds the root alone and Name may carry a
// suggested file name.
type Sizes struct {
	Hashes []blob.Hash `json:"hashes"`
	Sizes  []uint64    `json:"sizes"`
	Name   string      `json:"name,omitempty"`
}

// Total sums the declared sizes
func (s *Sizes) Total() uint64 {
	var total uint64
	for _, size := range s.Sizes {
		total += size
	}
	return total
}

// BlobHeader opens the stream of one child blob
type BlobHeader struct {
	Index int    `json:"index"`
	Size  uint64 `json:"size"`
}

// ErrorPayload carries a failure description to the peer
type ErrorPayload struct {
	Message string `json:"message"`
}

// WriteMessage writes a single frame
func WriteMessage(w io.Writer, msgType MessageType, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	buf[0] = byte(msgType)
	binary.BigEndian.PutUint32(buf[1:headerSize], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write %s: %w", msgType, err)
	}
	return nil
}

// WriteJSON writes a frame with a JSON encoded payload
func WriteJSON(w io.Writer, msgType MessageType, v any) error {
	payload, err := utils.EncodeJSON(v)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", msgType, err)
	}
	return WriteMessage(w, msgType, payload)
}

// ReadMessage reads a single frame whose payload may not exceed limit
func ReadMessage(r io.Reader, limit uint32) (Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}
	msgType := MessageType(header[0])
	size := binary.BigEndian.Uint32(header[1:])
	if size > limit {
		return Message{}, fmt.Errorf("%w: %s of %d bytes, limit %d", ErrMessageTooLarge, msgType, size, limit)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("failed to read %s payload: %w", msgType, err)
	}
	return Message{Type: msgType, Payload: payload}, nil
}

// DecodePayload parses a JSON payload of the expected type, turning
// MSG_ERROR frames into ErrRemote
func DecodePayload[T any](msg Message, want MessageType) (T, error) {
	var zero T
	if msg.Type == MSG_ERROR {
		return zero, remoteError(msg)
	}
	if msg.Type != want {
		return zero, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedMessage, msg.Type, want)
	}
	v, err := utils.DecodeJSON[T](msg.Payload)
	if err != nil {
		return zero, fmt.Errorf("failed to deserialize %s: %w", want, err)
	}
	return v, nil
}

func remoteError(msg Message) error {
	p, err := utils.DecodeJSON[ErrorPayload](msg.Payload)
	if err != nil {
		return fmt.Errorf("%w: undecodable error frame", ErrRemote)
	}
	return fmt.Errorf("%w: %s", ErrRemote, p.Message)
}
