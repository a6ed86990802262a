package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/internal/blob"
	"peerdrop/internal/store"
	"peerdrop/pkg/types"
)

var ErrManifestMismatch = errors.New("size manifest does not match root")

// BlobSink is the write side of a blob store
type BlobSink interface {
	ImportBytes(data []byte) (blob.Hash, error)
	Create(hash blob.Hash, size uint64) (*store.BlobWriter, error)
}

// Client issues requests over a single connection
type Client struct {
	conn Conn
}

// NewClient wraps conn. The client does not own the connection.
func NewClient(conn Conn) *Client {
	return &Client{conn: conn}
}

// GetSizes fetches and validates the size manifest of root
func (c *Client) GetSizes(ctx context.Context, root blob.HashAndFormat) (*Sizes, error) {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	if err := WriteJSON(c.conn, MSG_GET_SIZES, Request{Hash: root.Hash, Format: root.Format}); err != nil {
		return nil, ctxErr(ctx, err)
	}
	msg, err := ReadMessage(c.conn, MaxManifestSize)
	if err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("failed to read size manifest: %w", err))
	}
	sizes, err := DecodePayload[Sizes](msg, MSG_SIZES)
	if err != nil {
		return nil, err
	}

	if len(sizes.Hashes) != len(sizes.Sizes) {
		return nil, fmt.Errorf("%w: %d hashes, %d sizes", ErrManifestMismatch, len(sizes.Hashes), len(sizes.Sizes))
	}
	switch root.Format {
	case blob.Raw:
		if len(sizes.Hashes) != 1 || sizes.Hashes[0] != root.Hash {
			return nil, fmt.Errorf("%w: raw root must list itself", ErrManifestMismatch)
		}
	case blob.HashSeq:
		if blob.HashSeqList(sizes.Hashes).Hash() != root.Hash {
			return nil, fmt.Errorf("%w: hash sequence does not hash to %s", ErrManifestMismatch, root.Hash.Short())
		}
	}
	return &sizes, nil
}

// Download streams every blob listed in sizes into sink, emitting progress
// events on events. Sends on events block until received or ctx ends, so
// no event is dropped. events is closed on return; the last event is either
// AllDone or Abort.
func (c *Client) Download(ctx context.Context, root blob.HashAndFormat, sizes *Sizes, sink BlobSink, events chan<- types.ProgressEvent) (types.TransferStats, error) {
	defer close(events)

	emit := func(e types.ProgressEvent) error {
		select {
		case events <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	abort := func(err error) (types.TransferStats, error) {
		emit(types.Abort{Err: err})
		return types.TransferStats{}, err
	}

	stats, err := c.download(ctx, root, sizes, sink, emit)
	if err != nil {
		return abort(err)
	}
	if err := emit(types.AllDone{Stats: stats}); err != nil {
		return stats, err
	}
	return stats, nil
}

func (c *Client) download(ctx context.Context, root blob.HashAndFormat, sizes *Sizes, sink BlobSink, emit func(types.ProgressEvent) error) (types.TransferStats, error) {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	start := time.Now()
	var stats types.TransferStats

	if root.Format == blob.HashSeq {
		// the sequence itself was verified during negotiation
		if _, err := sink.ImportBytes(blob.HashSeqList(sizes.Hashes).Encode()); err != nil {
			return stats, fmt.Errorf("failed to store hash sequence: %w", err)
		}
	}

	if err := WriteJSON(c.conn, MSG_GET, Request{Hash: root.Hash, Format: root.Format}); err != nil {
		return stats, ctxErr(ctx, err)
	}

	for index, hash := range sizes.Hashes {
		n, err := c.receiveBlob(ctx, index, hash, sizes.Sizes[index], sink, emit)
		stats.BytesRead += n
		if err != nil {
			return stats, err
		}
	}

	msg, err := ReadMessage(c.conn, maxControlSize)
	if err != nil {
		return stats, ctxErr(ctx, err)
	}
	if msg.Type == MSG_ERROR {
		return stats, remoteError(msg)
	}
	if msg.Type != MSG_TRANSFER_END {
		return stats, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedMessage, msg.Type, MSG_TRANSFER_END)
	}

	stats.Elapsed = time.Since(start)
	logrus.WithFields(logrus.Fields{
		"function":   "Client.Download",
		"root":       root.Hash.Short(),
		"bytes_read": stats.BytesRead,
		"elapsed":    stats.Elapsed,
	}).Debug("Download finished")
	return stats, nil
}

func (c *Client) receiveBlob(ctx context.Context, index int, hash blob.Hash, size uint64, sink BlobSink, emit func(types.ProgressEvent) error) (uint64, error) {
	msg, err := ReadMessage(c.conn, maxControlSize)
	if err != nil {
		return 0, ctxErr(ctx, err)
	}
	header, err := DecodePayload[BlobHeader](msg, MSG_BLOB_HEADER)
	if err != nil {
		return 0, err
	}
	if header.Index != index || header.Size != size {
		return 0, fmt.Errorf("%w: blob %d announced as #%d with %d bytes, expected %d",
			ErrManifestMismatch, index, header.Index, header.Size, size)
	}

	id := uint64(index)
	if err := emit(types.Found{ID: id, Size: size}); err != nil {
		return 0, err
	}

	w, err := sink.Create(hash, size)
	if err != nil {
		return 0, err
	}

	for {
		msg, err := ReadMessage(c.conn, maxControlSize)
		if err != nil {
			w.Abort()
			return w.Written(), ctxErr(ctx, err)
		}

		switch msg.Type {
		case MSG_BLOB_DATA:
			if _, err := w.Write(msg.Payload); err != nil {
				w.Abort()
				return w.Written(), err
			}
			if err := emit(types.Progress{ID: id, Offset: w.Written()}); err != nil {
				w.Abort()
				return w.Written(), err
			}

		case MSG_BLOB_END:
			n := w.Written()
			if err := w.Commit(); err != nil {
				return n, err
			}
			return n, emit(types.Done{ID: id})

		case MSG_ERROR:
			w.Abort()
			return w.Written(), remoteError(msg)

		default:
			w.Abort()
			return w.Written(), fmt.Errorf("%w: %s inside blob %d", ErrUnexpectedMessage, msg.Type, index)
		}
	}
}
