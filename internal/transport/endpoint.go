// Package transport moves blobs between nodes. Raw streams come from TCP
// for direct addresses or WebRTC data channels for the relay path; every
// stream is wrapped in a Noise IK session before the blob protocol runs.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/internal/identity"
	"peerdrop/internal/ticket"
)

var (
	ErrEndpointClosed = errors.New("endpoint closed")
	ErrNoRoute        = errors.New("no usable address for node")
)

// Conn is an authenticated stream to a remote node
type Conn interface {
	io.ReadWriteCloser
	RemoteNode() ticket.NodeID
}

// Endpoint accepts and opens connections for one local node
type Endpoint interface {
	Addr() ticket.NodeAddr
	Accept(ctx context.Context) (Conn, error)
	Connect(ctx context.Context, addr ticket.NodeAddr) (Conn, error)
	Close() error
}

// StreamListener yields raw inbound streams
type StreamListener interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
	Close() error
}

// Relay reaches nodes that have no usable direct address
type Relay interface {
	URL() string
	Listen(ctx context.Context, self ticket.NodeID) (StreamListener, error)
	Dial(ctx context.Context, remote ticket.NodeID) (io.ReadWriteCloser, error)
}

// Options configures a NodeEndpoint
type Options struct {
	// ListenAddr is the TCP bind address; empty disables direct inbound
	// connections
	ListenAddr string
	// Relay is optional
	Relay Relay
	// Accept enables inbound connections; dial-only endpoints leave it off
	Accept           bool
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
}

// NodeEndpoint is the Endpoint implementation used by both flows
type NodeEndpoint struct {
	id      *identity.Identity
	options Options

	listener      net.Listener
	relayListener StreamListener
	directAddrs   []string

	accepted  chan *SecureConn
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEndpoint binds the configured listeners
func NewEndpoint(ctx context.Context, id *identity.Identity, options Options) (*NodeEndpoint, error) {
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = 10 * time.Second
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = 5 * time.Second
	}

	e := &NodeEndpoint{
		id:       id,
		options:  options,
		accepted: make(chan *SecureConn),
		closed:   make(chan struct{}),
	}
	if !options.Accept {
		return e, nil
	}

	if options.ListenAddr != "" {
		l, err := net.Listen("tcp", options.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", options.ListenAddr, err)
		}
		e.listener = l
		e.directAddrs = directAddresses(l.Addr().(*net.TCPAddr))
	}

	if options.Relay != nil {
		rl, err := options.Relay.Listen(ctx, id.NodeID())
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to listen on relay: %w", err)
		}
		e.relayListener = rl
	}

	if e.listener != nil {
		e.wg.Add(1)
		go e.acceptLoop("tcp", func(ctx context.Context) (io.ReadWriteCloser, error) {
			return e.listener.Accept()
		})
	}
	if e.relayListener != nil {
		e.wg.Add(1)
		go e.acceptLoop("relay", e.relayListener.Accept)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewEndpoint",
		"node_id":  id.NodeID().Short(),
		"direct":   e.directAddrs,
		"relay":    e.relayURL(),
	}).Debug("Endpoint bound")

	return e, nil
}

func (e *NodeEndpoint) relayURL() string {
	if e.options.Relay == nil {
		return ""
	}
	return e.options.Relay.URL()
}

// Addr returns the full address of this node
func (e *NodeEndpoint) Addr() ticket.NodeAddr {
	addr := ticket.NodeAddr{NodeID: e.id.NodeID()}
	if e.relayListener != nil {
		addr.RelayURL = e.relayURL()
	}
	addr.DirectAddresses = append([]string(nil), e.directAddrs...)
	return addr
}

func (e *NodeEndpoint) acceptLoop(source string, accept func(context.Context) (io.ReadWriteCloser, error)) {
	defer e.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.closed
		cancel()
	}()

	log := logrus.WithFields(logrus.Fields{
		"function": "NodeEndpoint.acceptLoop",
		"source":   source,
	})

	for {
		raw, err := accept(ctx)
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
			}
			log.WithError(err).Warn("Accept failed, stopping listener")
			return
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			hsCtx, hsCancel := context.WithTimeout(ctx, e.options.HandshakeTimeout)
			defer hsCancel()

			conn, err := SecureServer(hsCtx, raw, e.id.Keypair())
			if err != nil {
				raw.Close()
				log.WithError(err).Debug("Rejected inbound stream")
				return
			}
			select {
			case e.accepted <- conn:
			case <-e.closed:
				conn.Close()
			}
		}()
	}
}

// Accept waits for the next authenticated inbound connection
func (e *NodeEndpoint) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-e.accepted:
		return conn, nil
	case <-e.closed:
		return nil, ErrEndpointClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connect tries every direct address of addr, then the relay
func (e *NodeEndpoint) Connect(ctx context.Context, addr ticket.NodeAddr) (Conn, error) {
	select {
	case <-e.closed:
		return nil, ErrEndpointClosed
	default:
	}

	log := logrus.WithFields(logrus.Fields{
		"function": "NodeEndpoint.Connect",
		"node_id":  addr.NodeID.Short(),
	})

	var errs []error
	dialer := net.Dialer{Timeout: e.options.DialTimeout}
	for _, direct := range addr.DirectAddresses {
		raw, err := dialer.DialContext(ctx, "tcp", direct)
		if err != nil {
			errs = append(errs, fmt.Errorf("dial %s: %w", direct, err))
			continue
		}
		conn, err := e.secure(ctx, raw, addr.NodeID)
		if err != nil {
			errs = append(errs, fmt.Errorf("handshake with %s: %w", direct, err))
			continue
		}
		log.WithField("address", direct).Debug("Connected directly")
		return conn, nil
	}

	if addr.RelayURL != "" && e.options.Relay != nil {
		if addr.RelayURL != e.options.Relay.URL() {
			log.WithFields(logrus.Fields{
				"ticket_relay": addr.RelayURL,
				"local_relay":  e.options.Relay.URL(),
			}).Warn("Ticket names a different relay, trying the configured one")
		}
		raw, err := e.options.Relay.Dial(ctx, addr.NodeID)
		if err != nil {
			errs = append(errs, fmt.Errorf("relay dial: %w", err))
		} else if conn, err := e.secure(ctx, raw, addr.NodeID); err != nil {
			errs = append(errs, fmt.Errorf("relay handshake: %w", err))
		} else {
			log.Debug("Connected through relay")
			return conn, nil
		}
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("%w %s", ErrNoRoute, addr.NodeID.Short())
	}
	return nil, errors.Join(errs...)
}

func (e *NodeEndpoint) secure(ctx context.Context, raw io.ReadWriteCloser, remote ticket.NodeID) (*SecureConn, error) {
	hsCtx, cancel := context.WithTimeout(ctx, e.options.HandshakeTimeout)
	defer cancel()
	conn, err := SecureClient(hsCtx, raw, e.id.Keypair(), remote)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

// Close stops accepting and waits for pending handshakes
func (e *NodeEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		if e.listener != nil {
			err = e.listener.Close()
		}
		if e.relayListener != nil {
			err = errors.Join(err, e.relayListener.Close())
		}
		e.wg.Wait()
	})
	return err
}

// directAddresses expands an unspecified bind address into the host's
// unicast addresses
func directAddresses(bound *net.TCPAddr) []string {
	port := bound.Port
	if !bound.IP.IsUnspecified() {
		return []string{net.JoinHostPort(bound.IP.String(), fmt.Sprint(port))}
	}

	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return []string{net.JoinHostPort("127.0.0.1", fmt.Sprint(port))}
	}

	var public, loopback []string
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLinkLocalUnicast() || ipNet.IP.IsMulticast() {
			continue
		}
		hostPort := net.JoinHostPort(ipNet.IP.String(), fmt.Sprint(port))
		if ipNet.IP.IsLoopback() {
			loopback = append(loopback, hostPort)
		} else {
			public = append(public, hostPort)
		}
	}
	return append(public, loopback...)
}
