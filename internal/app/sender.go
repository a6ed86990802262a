package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"peerdrop/internal/blob"
	"peerdrop/internal/config"
	"peerdrop/internal/discovery"
	"peerdrop/internal/identity"
	"peerdrop/internal/store"
	"peerdrop/internal/ticket"
	"peerdrop/internal/transport"
	"peerdrop/internal/watch"
)

// SenderState tracks the send flow
type SenderState int32

const (
	SenderIdle SenderState = iota
	SenderPackaging
	SenderAnnounced
	SenderServing
	SenderCompleted
	SenderCancelled
	SenderFailed
)

func (s SenderState) String() string {
	switch s {
	case SenderIdle:
		return "idle"
	case SenderPackaging:
		return "packaging"
	case SenderAnnounced:
		return "announced"
	case SenderServing:
		return "serving"
	case SenderCompleted:
		return "completed"
	case SenderCancelled:
		return "cancelled"
	case SenderFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SendOutcome is how a send that did not fail ended
type SendOutcome int

const (
	SendCompleted SendOutcome = iota
	SendCancelled
)

func (o SendOutcome) String() string {
	switch o {
	case SendCompleted:
		return "completed"
	case SendCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// SenderOptions configures the sender application behavior
type SenderOptions struct {
	Path string // Required: file or directory to send
	// TicketType selects which address parts go into the ticket
	TicketType ticket.AddrInfoOptions
	// ExpectedTransfers stops serving after this many complete transfers;
	// zero serves until cancelled
	ExpectedTransfers int
	// Cancel requests a cooperative stop when set to true. It is reset to
	// false when the flow starts.
	Cancel *watch.Value[bool]
	View   Publisher
}

// SenderApp packages a path, announces it and serves it
type SenderApp struct {
	config    *config.Config
	identity  *identity.Identity
	relay     transport.Relay
	directory discovery.Directory
	state     atomic.Int32
}

// NewSenderApp creates a new sender application. relay and directory may be
// nil.
func NewSenderApp(cfg *config.Config, id *identity.Identity, relay transport.Relay, directory discovery.Directory) *SenderApp {
	return &SenderApp{
		config:    cfg,
		identity:  id,
		relay:     relay,
		directory: directory,
	}
}

// State returns the current state of the flow
func (s *SenderApp) State() SenderState {
	return SenderState(s.state.Load())
}

func (s *SenderApp) setState(state SenderState) {
	previous := SenderState(s.state.Swap(int32(state)))
	logrus.WithFields(logrus.Fields{
		"function": "SenderApp.setState",
		"from":     previous.String(),
		"to":       state.String(),
	}).Debug("Sender state changed")
}

// packaged is the result of importing the source path
type packaged struct {
	root  blob.HashAndFormat
	name  string
	files int
	size  uint64
}

// Run starts the sender application with the given options
func (s *SenderApp) Run(ctx context.Context, opts *SenderOptions) (outcome SendOutcome, err error) {
	if opts.Path == "" {
		return SendCancelled, fmt.Errorf("path is required")
	}
	view := opts.View
	if view == nil {
		view = discardPublisher{}
	}
	cancel := opts.Cancel
	if cancel == nil {
		cancel = watch.New(false)
	}
	cancel.Send(false)

	defer func() {
		switch {
		case err != nil:
			s.setState(SenderFailed)
		case outcome == SendCancelled:
			s.setState(SenderCancelled)
		default:
			s.setState(SenderCompleted)
		}
		view.Send(Idle{})
	}()

	s.setState(SenderPackaging)
	storeDir, err := os.MkdirTemp("", "peerdrop-send-")
	if err != nil {
		return SendCancelled, fmt.Errorf("%w: failed to create send store: %w", ErrFilesystem, err)
	}
	defer os.RemoveAll(storeDir)

	st, err := store.Load(storeDir)
	if err != nil {
		return SendCancelled, fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	defer st.Close()

	pkg, err := packagePath(ctx, st, opts.Path)
	if err != nil {
		return SendCancelled, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "SenderApp.Run",
		"root":     pkg.root.String(),
		"files":    pkg.files,
		"size":     pkg.size,
	}).Info("Content imported")

	endpoint, err := transport.NewEndpoint(ctx, s.identity, transport.Options{
		ListenAddr:       s.config.Transport.ListenAddr,
		Relay:            s.relay,
		Accept:           true,
		HandshakeTimeout: s.config.Transport.HandshakeTimeout,
		DialTimeout:      s.config.Transport.DialTimeout,
	})
	if err != nil {
		return SendCancelled, err
	}
	defer endpoint.Close()

	var completed atomic.Int64
	progressed := make(chan struct{}, 1)
	provider := transport.NewProvider(st, func(e transport.ProviderEvent) {
		log := logrus.WithFields(logrus.Fields{
			"function":      "SenderApp.onProviderEvent",
			"connection_id": e.ConnID,
			"node_id":       e.Remote.Short(),
		})
		switch e.Kind {
		case transport.TransferStarted:
			log.Info("Transfer started")
		case transport.TransferCompleted:
			completed.Add(1)
			select {
			case progressed <- struct{}{}:
			default:
			}
		case transport.TransferAborted:
			log.WithError(e.Err).Warn("Transfer aborted")
		}
	})
	provider.Announce(pkg.root, pkg.name)

	full := endpoint.Addr()
	tk := ticket.New(opts.TicketType.Apply(full), pkg.root.Hash, pkg.root.Format)
	s.setState(SenderAnnounced)

	if s.directory != nil {
		if err := s.directory.Publish(ctx, full, s.config.Discovery.TTL); err != nil {
			logrus.WithError(err).Warn("Failed to publish address to discovery directory")
		} else {
			defer func() {
				if err := s.directory.Remove(context.Background(), full.NodeID); err != nil {
					logrus.WithError(err).Debug("Failed to remove address from discovery directory")
				}
			}()
		}
	}

	s.setState(SenderServing)
	view.Send(TicketReady{Ticket: tk})
	return s.serve(ctx, endpoint, provider, opts, cancel, &completed, progressed)
}

// serve accepts connections until cancelled, done or failed. The cancel
// signal is checked before each accepted connection is handed off;
// connections already being served run to completion.
func (s *SenderApp) serve(ctx context.Context, endpoint *transport.NodeEndpoint, provider *transport.Provider, opts *SenderOptions, cancel *watch.Value[bool], completed *atomic.Int64, progressed <-chan struct{}) (SendOutcome, error) {
	acceptCtx, stopAccept := context.WithCancel(ctx)
	defer stopAccept()

	done := func() bool {
		return opts.ExpectedTransfers > 0 && completed.Load() >= int64(opts.ExpectedTransfers)
	}

	// wakes Accept when the cancel signal flips or enough transfers finished
	go func() {
		for {
			changed := cancel.Changed()
			if cancel.Load() || done() {
				stopAccept()
				return
			}
			select {
			case <-changed:
			case <-progressed:
			case <-acceptCtx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	log := logrus.WithField("function", "SenderApp.serve")
	for {
		conn, err := endpoint.Accept(acceptCtx)
		if err != nil {
			// stop taking connections, let in-flight ones finish
			endpoint.Close()
			wg.Wait()

			switch {
			case ctx.Err() != nil:
				return SendCancelled, ctx.Err()
			case cancel.Load():
				log.Info("Send cancelled")
				return SendCancelled, nil
			case done():
				return SendCompleted, nil
			case errors.Is(err, transport.ErrEndpointClosed):
				return SendCancelled, nil
			default:
				return SendCancelled, fmt.Errorf("failed to accept connection: %w", err)
			}
		}

		if cancel.Load() || done() {
			conn.Close()
			stopAccept()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := provider.Serve(ctx, conn); err != nil {
				log.WithError(err).WithField("node_id", conn.RemoteNode().Short()).Warn("Connection ended with error")
			}
		}()
	}
}

// packagePath imports a file or a directory tree into st. A single file
// becomes a raw root; anything else becomes a collection.
func packagePath(ctx context.Context, st *store.FSStore, path string) (*packaged, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFilesystem, err)
	}

	type source struct {
		name string
		path string
	}
	var sources []source

	if !info.IsDir() {
		sources = append(sources, source{name: filepath.Base(abs), path: abs})
	} else {
		parent := filepath.Dir(abs)
		err := filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if !d.Type().IsRegular() {
				logrus.WithField("path", p).Warn("Skipping non-regular file")
				return nil
			}
			rel, err := filepath.Rel(parent, p)
			if err != nil {
				return err
			}
			sources = append(sources, source{name: filepath.ToSlash(rel), path: p})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to walk %s: %w", ErrFilesystem, path, err)
		}
		sort.Slice(sources, func(i, j int) bool { return sources[i].name < sources[j].name })
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: %s contains no files", ErrNothingToSend, path)
	}

	pkg := &packaged{files: len(sources)}
	c := &blob.Collection{}
	for _, src := range sources {
		hash, size, err := st.ImportFile(ctx, src.path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %w", ErrFilesystem, err)
		}
		if err := c.Push(src.name, hash); err != nil {
			return nil, err
		}
		pkg.size += size
	}

	if c.Len() == 1 {
		entry, _ := c.First()
		pkg.root = blob.HashAndFormat{Hash: entry.Hash, Format: blob.Raw}
		pkg.name = entry.Name
		return pkg, nil
	}

	root, err := c.Store(st)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	pkg.root = blob.HashAndFormat{Hash: root, Format: blob.HashSeq}
	return pkg, nil
}
