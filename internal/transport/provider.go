package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/internal/blob"
	"peerdrop/internal/ticket"
	"peerdrop/pkg/types"
)

var ErrNotAnnounced = errors.New("content not announced")

// BlobSource is the read side of a blob store
type BlobSource interface {
	Open(hash blob.Hash) (*os.File, uint64, error)
	ReadAll(hash blob.Hash) ([]byte, error)
	Size(hash blob.Hash) (uint64, error)
}

// ProviderEventKind classifies provider events
type ProviderEventKind int

const (
	TransferStarted ProviderEventKind = iota
	TransferCompleted
	TransferAborted
)

func (k ProviderEventKind) String() string {
	switch k {
	case TransferStarted:
		return "started"
	case TransferCompleted:
		return "completed"
	case TransferAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ProviderEvent reports the progress of one GET on one connection
type ProviderEvent struct {
	Kind   ProviderEventKind
	ConnID uint64
	Remote ticket.NodeID
	Root   blob.HashAndFormat
	Stats  types.TransferStats
	Err    error
}

// Provider serves announced roots from a blob source
type Provider struct {
	source  BlobSource
	onEvent func(ProviderEvent)

	mu     sync.RWMutex
	roots  map[blob.HashAndFormat]string
	nextID uint64
}

// NewProvider creates a provider. onEvent may be nil.
func NewProvider(source BlobSource, onEvent func(ProviderEvent)) *Provider {
	if onEvent == nil {
		onEvent = func(ProviderEvent) {}
	}
	return &Provider{
		source:  source,
		onEvent: onEvent,
		roots:   make(map[blob.HashAndFormat]string),
	}
}

// Announce makes root available. name is offered to receivers of raw roots
// as a file name suggestion.
func (p *Provider) Announce(root blob.HashAndFormat, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roots[root] = name
}

func (p *Provider) lookup(root blob.HashAndFormat) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	name, ok := p.roots[root]
	return name, ok
}

// Serve answers requests on conn until the peer closes it or ctx ends. The
// connection is closed on return.
func (p *Provider) Serve(ctx context.Context, conn Conn) error {
	p.mu.Lock()
	p.nextID++
	connID := p.nextID
	p.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	log := logrus.WithFields(logrus.Fields{
		"function":      "Provider.Serve",
		"connection_id": connID,
		"node_id":       conn.RemoteNode().Short(),
	})
	log.Debug("Serving connection")

	for {
		msg, err := ReadMessage(conn, maxControlSize)
		if errors.Is(err, io.EOF) {
			log.Debug("Connection closed by peer")
			return nil
		}
		if err != nil {
			return ctxErr(ctx, fmt.Errorf("failed to read request: %w", err))
		}

		switch msg.Type {
		case MSG_GET_SIZES:
			req, err := DecodePayload[Request](msg, MSG_GET_SIZES)
			if err != nil {
				return err
			}
			if err := p.handleGetSizes(conn, req.HashAndFormat()); err != nil {
				return ctxErr(ctx, err)
			}

		case MSG_GET:
			req, err := DecodePayload[Request](msg, MSG_GET)
			if err != nil {
				return err
			}
			event := ProviderEvent{ConnID: connID, Remote: conn.RemoteNode(), Root: req.HashAndFormat()}
			event.Kind = TransferStarted
			p.onEvent(event)

			stats, err := p.handleGet(conn, req.HashAndFormat())
			if err != nil {
				event.Kind = TransferAborted
				event.Err = ctxErr(ctx, err)
				p.onEvent(event)
				return event.Err
			}
			event.Kind = TransferCompleted
			event.Stats = stats
			p.onEvent(event)
			log.WithFields(logrus.Fields{
				"root":       req.Hash.Short(),
				"bytes_sent": stats.BytesRead,
				"elapsed":    stats.Elapsed,
			}).Info("Transfer completed")

		default:
			p.sendError(conn, fmt.Sprintf("unexpected request %s", msg.Type))
			return fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Type)
		}
	}
}

func (p *Provider) sendError(w io.Writer, message string) {
	if err := WriteJSON(w, MSG_ERROR, ErrorPayload{Message: message}); err != nil {
		logrus.WithError(err).Debug("Failed to send error frame")
	}
}

// children resolves the blobs streamed for root, in order
func (p *Provider) children(root blob.HashAndFormat) ([]blob.Hash, string, error) {
	name, ok := p.lookup(root)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNotAnnounced, root)
	}
	if root.Format == blob.Raw {
		return []blob.Hash{root.Hash}, name, nil
	}

	raw, err := p.source.ReadAll(root.Hash)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read hash sequence: %w", err)
	}
	seq, err := blob.DecodeHashSeq(raw)
	if err != nil {
		return nil, "", err
	}
	return seq, "", nil
}

func (p *Provider) handleGetSizes(conn Conn, root blob.HashAndFormat) error {
	hashes, name, err := p.children(root)
	if err != nil {
		p.sendError(conn, err.Error())
		return err
	}

	sizes := make([]uint64, len(hashes))
	for i, h := range hashes {
		size, err := p.source.Size(h)
		if err != nil {
			p.sendError(conn, "content unavailable")
			return fmt.Errorf("failed to size blob %s: %w", h.Short(), err)
		}
		sizes[i] = size
	}
	return WriteJSON(conn, MSG_SIZES, Sizes{Hashes: hashes, Sizes: sizes, Name: name})
}

func (p *Provider) handleGet(conn Conn, root blob.HashAndFormat) (types.TransferStats, error) {
	start := time.Now()
	var stats types.TransferStats

	hashes, _, err := p.children(root)
	if err != nil {
		p.sendError(conn, err.Error())
		return stats, err
	}

	buf := make([]byte, blobChunkSize)
	for i, h := range hashes {
		n, err := p.sendBlob(conn, i, h, buf)
		stats.BytesRead += n
		if err != nil {
			return stats, err
		}
	}
	if err := WriteMessage(conn, MSG_TRANSFER_END, nil); err != nil {
		return stats, err
	}

	stats.Elapsed = time.Since(start)
	return stats, nil
}

func (p *Provider) sendBlob(conn Conn, index int, hash blob.Hash, buf []byte) (uint64, error) {
	f, size, err := p.source.Open(hash)
	if err != nil {
		p.sendError(conn, "content unavailable")
		return 0, fmt.Errorf("failed to open blob %s: %w", hash.Short(), err)
	}
	defer f.Close()

	if err := WriteJSON(conn, MSG_BLOB_HEADER, BlobHeader{Index: index, Size: size}); err != nil {
		return 0, err
	}

	var sent uint64
	for sent < size {
		want := uint64(len(buf))
		if remaining := size - sent; remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(f, buf[:want])
		if err != nil {
			p.sendError(conn, "content changed while sending")
			return sent, fmt.Errorf("failed to read blob %s: %w", hash.Short(), err)
		}
		if err := WriteMessage(conn, MSG_BLOB_DATA, buf[:n]); err != nil {
			return sent, err
		}
		sent += uint64(n)
	}
	return sent, WriteMessage(conn, MSG_BLOB_END, nil)
}
