package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"peerdrop/internal/blob"
	"peerdrop/internal/config"
	"peerdrop/internal/discovery"
	"peerdrop/internal/identity"
	"peerdrop/internal/reporter"
	"peerdrop/internal/store"
	"peerdrop/internal/ticket"
	"peerdrop/internal/transport"
	"peerdrop/pkg/types"
	"peerdrop/pkg/utils"
)

// ReceiverState tracks the receive flow
type ReceiverState int32

const (
	ReceiverIdle ReceiverState = iota
	ReceiverConnecting
	ReceiverNegotiating
	ReceiverDownloading
	ReceiverExporting
	ReceiverDone
	ReceiverFailed
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverIdle:
		return "idle"
	case ReceiverConnecting:
		return "connecting"
	case ReceiverNegotiating:
		return "negotiating"
	case ReceiverDownloading:
		return "downloading"
	case ReceiverExporting:
		return "exporting"
	case ReceiverDone:
		return "done"
	case ReceiverFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// progressBuffer decouples the download loop from the aggregator
const progressBuffer = 32

// ReceiverOptions configures the receiver application behavior
type ReceiverOptions struct {
	Ticket string // Required: ticket text from the sender
	// Destination is the output file for a single file (an existing
	// directory receives it under its own name), or the parent directory
	// for a collection. Empty asks Picker, then uses WorkDir.
	Destination string
	Picker      Picker
	// WorkDir holds the staging store and is the fallback destination.
	// Empty means the current directory.
	WorkDir string
	View    Publisher
}

// ReceiverApp downloads the content named by a ticket and exports it
type ReceiverApp struct {
	config    *config.Config
	identity  *identity.Identity
	relay     transport.Relay
	directory discovery.Directory
	clock     reporter.Clock
	state     atomic.Int32
}

// NewReceiverApp creates a new receiver application. relay and directory may
// be nil.
func NewReceiverApp(cfg *config.Config, id *identity.Identity, relay transport.Relay, directory discovery.Directory) *ReceiverApp {
	return &ReceiverApp{
		config:    cfg,
		identity:  id,
		relay:     relay,
		directory: directory,
		clock:     reporter.WallClock{},
	}
}

// State returns the current state of the flow
func (r *ReceiverApp) State() ReceiverState {
	return ReceiverState(r.state.Load())
}

func (r *ReceiverApp) setState(state ReceiverState) {
	previous := ReceiverState(r.state.Swap(int32(state)))
	logrus.WithFields(logrus.Fields{
		"function": "ReceiverApp.setState",
		"from":     previous.String(),
		"to":       state.String(),
	}).Debug("Receiver state changed")
}

// exportTarget is one entry of the received content and where it goes
type exportTarget struct {
	hash blob.Hash
	path string
}

// Run starts the receiver application with the given options
func (r *ReceiverApp) Run(ctx context.Context, opts *ReceiverOptions) (err error) {
	view := opts.View
	if view == nil {
		view = discardPublisher{}
	}
	// a successful receive leaves Finished as the final state
	view.Send(Idle{})
	defer func() {
		if err != nil {
			r.setState(ReceiverFailed)
			view.Send(Idle{})
		} else {
			r.setState(ReceiverDone)
		}
	}()

	tk, err := ticket.Parse(opts.Ticket)
	if err != nil {
		return err
	}
	root := tk.HashAndFormat()

	workDir := opts.WorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return fmt.Errorf("%w: %w", ErrFilesystem, err)
		}
	}

	r.setState(ReceiverConnecting)
	endpoint, err := transport.NewEndpoint(ctx, r.identity, transport.Options{
		Relay:            r.relay,
		Accept:           false,
		HandshakeTimeout: r.config.Transport.HandshakeTimeout,
		DialTimeout:      r.config.Transport.DialTimeout,
	})
	if err != nil {
		return err
	}
	defer endpoint.Close()

	conn, err := r.connect(ctx, endpoint, tk.NodeAddr())
	if err != nil {
		return err
	}
	defer conn.Close()

	r.setState(ReceiverNegotiating)
	client := transport.NewClient(conn)
	sizes, err := client.GetSizes(ctx, root)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrManifestFetchFailed, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "ReceiverApp.Run",
		"root":     root.String(),
		"blobs":    len(sizes.Hashes),
		"size":     sizes.Total(),
	}).Info("Size manifest received")

	stagingDir := filepath.Join(workDir, ".peerdrop-get-"+root.Hash.String())
	st, err := store.Load(stagingDir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	staged := true
	defer func() {
		st.Close()
		if !staged {
			if err := os.RemoveAll(stagingDir); err != nil {
				logrus.WithError(err).Warn("Failed to remove staging directory")
			}
		}
	}()

	r.setState(ReceiverDownloading)
	stats, err := r.download(ctx, client, root, sizes, st, view)
	if err != nil {
		return err
	}
	view.Send(Finished{Stats: stats})

	collection, err := loadReceived(st, root, sizes)
	if err != nil {
		return err
	}
	first, _ := collection.First()
	view.Send(Finished{Stats: stats, Path: utils.FirstComponent(first.Name)})

	r.setState(ReceiverExporting)
	targets, err := resolveTargets(ctx, collection, opts, workDir)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if err := st.Export(ctx, t.hash, t.path, store.ExportTryReference); err != nil {
			if errors.Is(err, store.ErrDestinationExists) || ctx.Err() != nil {
				return err
			}
			return fmt.Errorf("%w: %w", ErrFilesystem, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "ReceiverApp.Run",
		"files":      len(targets),
		"bytes_read": stats.BytesRead,
		"elapsed":    stats.Elapsed,
	}).Info("Receive completed")

	staged = false
	return nil
}

// connect dials the sender, resolving a bare node id through the directory
func (r *ReceiverApp) connect(ctx context.Context, endpoint *transport.NodeEndpoint, addr ticket.NodeAddr) (transport.Conn, error) {
	if !addr.HasAddressing() {
		if r.directory == nil {
			return nil, ErrNoDirectory
		}
		resolved, err := r.directory.Resolve(ctx, addr.NodeID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		addr = resolved
	}

	connectCtx := ctx
	if timeout := r.config.Receive.ConnectTimeout; timeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := endpoint.Connect(connectCtx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "ReceiverApp.connect",
		"node_id":  conn.RemoteNode().Short(),
	}).Info("Connected to sender")
	return conn, nil
}

// download runs the transfer and the progress aggregator side by side
func (r *ReceiverApp) download(ctx context.Context, client *transport.Client, root blob.HashAndFormat, sizes *transport.Sizes, st *store.FSStore, view Publisher) (types.TransferStats, error) {
	totalFiles := 1
	if root.Format == blob.HashSeq {
		totalFiles = reporter.TotalFiles(sizes.Sizes)
	}

	events := make(chan types.ProgressEvent, progressBuffer)
	aggregator := reporter.NewAggregator(sizes.Total(), totalFiles, func(s reporter.Snapshot) error {
		view.Send(ProgressUpdate{
			TotalSize:      s.TotalSize,
			BytesPerSecond: s.BytesPerSecond,
			TotalFiles:     s.TotalFiles,
			BytesDone:      s.BytesDone,
		})
		return nil
	})
	aggregator.SetClock(r.clock)

	g, gctx := errgroup.WithContext(ctx)
	var stats types.TransferStats
	g.Go(func() error {
		var err error
		stats, err = client.Download(gctx, root, sizes, st, events)
		return err
	})
	g.Go(func() error {
		return aggregator.Run(gctx, events)
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		return stats, err
	}
	return stats, nil
}

// loadReceived builds the name to hash mapping of the downloaded content
func loadReceived(st *store.FSStore, root blob.HashAndFormat, sizes *transport.Sizes) (*blob.Collection, error) {
	if root.Format == blob.HashSeq {
		return blob.LoadCollection(st, root.Hash)
	}

	// a directory holding one file is sent as a raw blob named <dir>/<file>
	name := sizes.Name
	if name == "" || blob.ValidateName(name) != nil {
		name = root.Hash.String()
	}
	c := &blob.Collection{}
	if err := c.Push(name, root.Hash); err != nil {
		return nil, err
	}
	return c, nil
}

// resolveTargets maps every entry to a local path. All paths are checked
// before anything is written so an existing file aborts the export early.
func resolveTargets(ctx context.Context, c *blob.Collection, opts *ReceiverOptions, workDir string) ([]exportTarget, error) {
	entries := c.Entries()
	var targets []exportTarget

	if len(entries) == 1 {
		entry := entries[0]
		path := opts.Destination
		if info, err := os.Stat(path); path != "" && err == nil && info.IsDir() {
			joined, err := utils.JoinRelative(path, filepath.Base(filepath.FromSlash(entry.Name)))
			if err != nil {
				return nil, err
			}
			path = joined
		}
		if path == "" && opts.Picker != nil {
			picked, ok, err := opts.Picker.PickFile(ctx, filepath.Base(filepath.FromSlash(entry.Name)))
			if err != nil {
				return nil, err
			}
			if ok {
				path = picked
			}
		}
		if path == "" {
			joined, err := utils.JoinRelative(workDir, entry.Name)
			if err != nil {
				return nil, err
			}
			path = joined
		}
		targets = append(targets, exportTarget{hash: entry.Hash, path: path})
	} else {
		dir := opts.Destination
		if dir == "" && opts.Picker != nil {
			picked, ok, err := opts.Picker.PickDir(ctx)
			if err != nil {
				return nil, err
			}
			if ok {
				dir = picked
			}
		}
		if dir == "" {
			dir = workDir
		}
		for _, entry := range entries {
			path, err := utils.JoinRelative(dir, entry.Name)
			if err != nil {
				return nil, err
			}
			targets = append(targets, exportTarget{hash: entry.Hash, path: path})
		}
	}

	if err := checkConflicts(targets); err != nil {
		return nil, err
	}
	for _, t := range targets {
		if _, err := os.Lstat(t.path); err == nil {
			return nil, fmt.Errorf("%w: %s", store.ErrDestinationExists, t.path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrFilesystem, err)
		}
	}
	return targets, nil
}

// checkConflicts rejects targets that repeat a path or that would need a
// file of one entry to also be a directory of another.
func checkConflicts(targets []exportTarget) error {
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		path := filepath.Clean(t.path)
		if _, ok := seen[path]; ok {
			return fmt.Errorf("%w: %s appears twice", ErrConflictingTargets, path)
		}
		seen[path] = struct{}{}
	}
	for path := range seen {
		for dir := filepath.Dir(path); dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			if _, ok := seen[dir]; ok {
				return fmt.Errorf("%w: %s is both a file and the parent of %s", ErrConflictingTargets, dir, path)
			}
		}
	}
	return nil
}
