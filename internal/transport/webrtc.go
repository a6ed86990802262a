package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"peerdrop/internal/config"
	"peerdrop/internal/signalling"
	"peerdrop/internal/ticket"
)

const (
	dataChannelLabel = "peerdrop"
	// maxMessageSize matches the SCTP message limit of pion
	maxMessageSize   = 65536
	channelOpenLimit = 30 * time.Second
	flowControlLimit = 30 * time.Second
	staleSessionAge  = 2 * time.Minute
)

var ErrPeerConnectionFailed = errors.New("peer connection failed")

// WebRTCRelay carries streams over WebRTC data channels, using the
// signalling service to exchange descriptions
type WebRTCRelay struct {
	cfg          config.WebRTCConfig
	signalling   *signalling.SignalingService
	api          *webrtc.API
	pollInterval time.Duration
}

// NewWebRTCRelay creates a relay with detached data channels
func NewWebRTCRelay(cfg config.WebRTCConfig, sig *signalling.SignalingService, pollInterval time.Duration) *WebRTCRelay {
	settings := webrtc.SettingEngine{}
	settings.DetachDataChannels()
	if cfg.IncludeLoopback {
		settings.SetIncludeLoopbackCandidate(true)
	}

	return &WebRTCRelay{
		cfg:          cfg,
		signalling:   sig,
		api:          webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		pollInterval: pollInterval,
	}
}

// URL returns the signalling store address
func (r *WebRTCRelay) URL() string {
	return r.signalling.URL()
}

func (r *WebRTCRelay) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := r.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: r.cfg.ICEServers(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

// Dial offers a connection to remote and waits for the data channel
func (r *WebRTCRelay) Dial(ctx context.Context, remote ticket.NodeID) (io.ReadWriteCloser, error) {
	pc, err := r.newPeerConnection()
	if err != nil {
		return nil, err
	}

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	opened := r.watchChannel(pc, dc, "dialer")

	nodeID := remote.String()
	sessionID, err := r.signalling.Offer(ctx, pc, nodeID)
	if sessionID != "" {
		defer func() {
			if err := r.signalling.ClearSession(context.Background(), nodeID, sessionID); err != nil {
				logrus.WithError(err).Debug("Failed to clear signalling session")
			}
		}()
	}
	if err != nil {
		pc.Close()
		return nil, err
	}

	timer := time.NewTimer(channelOpenLimit)
	defer timer.Stop()
	select {
	case res := <-opened:
		if res.err != nil {
			pc.Close()
			return nil, res.err
		}
		return res.stream, nil
	case <-timer.C:
		pc.Close()
		return nil, fmt.Errorf("timeout waiting for data channel to open")
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}
}

type openResult struct {
	stream *rtcStream
	err    error
}

// watchChannel wires flow control and connection state handling and
// reports once the channel is open and detached
func (r *WebRTCRelay) watchChannel(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, role string) <-chan openResult {
	result := make(chan openResult, 1)
	stream := &rtcStream{
		pc:          pc,
		dc:          dc,
		packetSize:  r.cfg.PacketSize,
		maxBuffered: r.cfg.MaxBufferedAmount,
		bufferLow:   make(chan struct{}, 1),
		failed:      make(chan struct{}),
		readBuf:     make([]byte, maxMessageSize),
	}

	dc.SetBufferedAmountLowThreshold(r.cfg.BufferedAmountLowThreshold)
	dc.OnBufferedAmountLow(func() {
		select {
		case stream.bufferLow <- struct{}{}:
		default:
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logrus.WithFields(logrus.Fields{
			"function": "WebRTCRelay.watchChannel",
			"role":     role,
			"state":    state.String(),
		}).Debug("Peer connection state changed")

		switch state {
		case webrtc.PeerConnectionStateFailed:
			stream.fail()
			// unblocks readers of the detached channel
			go stream.Close()
		case webrtc.PeerConnectionStateClosed:
			stream.fail()
		default:
			return
		}
		select {
		case result <- openResult{err: fmt.Errorf("%w: %s", ErrPeerConnectionFailed, state)}:
		default:
		}
	})

	dc.OnOpen(func() {
		res := openResult{stream: stream}
		raw, err := dc.Detach()
		if err != nil {
			res = openResult{err: fmt.Errorf("failed to detach data channel: %w", err)}
		} else {
			stream.setRaw(raw)
		}
		select {
		case result <- res:
		default:
		}
	})

	return result
}

// Listen answers offers addressed to self
func (r *WebRTCRelay) Listen(ctx context.Context, self ticket.NodeID) (StreamListener, error) {
	// fail early when the store is unreachable
	if _, err := r.signalling.Pending(ctx, self.String()); err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	l := &rtcListener{
		relay:   r,
		self:    self.String(),
		streams: make(chan io.ReadWriteCloser),
		seen:    make(map[string]struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	l.wg.Add(1)
	go l.poll(pollCtx)
	return l, nil
}

type rtcListener struct {
	relay   *WebRTCRelay
	self    string
	streams chan io.ReadWriteCloser
	seen    map[string]struct{}

	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (l *rtcListener) poll(ctx context.Context) {
	defer l.wg.Done()

	log := logrus.WithFields(logrus.Fields{
		"function": "rtcListener.poll",
		"node_id":  l.self,
	})
	ticker := time.NewTicker(l.relay.pollInterval)
	defer ticker.Stop()

	for {
		sessions, err := l.relay.signalling.Pending(ctx, l.self)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("Failed to poll signalling sessions")
		}
		for _, session := range sessions {
			if _, ok := l.seen[session.ID]; ok {
				continue
			}
			l.seen[session.ID] = struct{}{}
			if session.CreatedAt > 0 && time.Since(time.Unix(session.CreatedAt, 0)) > staleSessionAge {
				continue
			}
			l.wg.Add(1)
			go l.answer(ctx, session)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (l *rtcListener) answer(ctx context.Context, session signalling.Session) {
	defer l.wg.Done()

	log := logrus.WithFields(logrus.Fields{
		"function":   "rtcListener.answer",
		"session_id": session.ID,
	})

	pc, err := l.relay.newPeerConnection()
	if err != nil {
		log.WithError(err).Warn("Failed to create peer connection")
		return
	}

	channels := make(chan (<-chan openResult), 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		select {
		case channels <- l.relay.watchChannel(pc, dc, "listener"):
		default:
			// one data channel per connection
			dc.Close()
		}
	})

	if err := l.relay.signalling.Answer(ctx, pc, l.self, session); err != nil {
		log.WithError(err).Warn("Failed to answer offer")
		pc.Close()
		return
	}

	timer := time.NewTimer(channelOpenLimit)
	defer timer.Stop()

	var opened <-chan openResult
	select {
	case opened = <-channels:
	case <-timer.C:
		pc.Close()
		return
	case <-ctx.Done():
		pc.Close()
		return
	}

	select {
	case res := <-opened:
		if res.err != nil {
			log.WithError(res.err).Debug("Data channel did not open")
			pc.Close()
			return
		}
		select {
		case l.streams <- res.stream:
		case <-l.done:
			res.stream.Close()
		}
	case <-timer.C:
		pc.Close()
	case <-ctx.Done():
		pc.Close()
	}
}

func (l *rtcListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.done:
		return nil, ErrEndpointClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *rtcListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.cancel()
		l.wg.Wait()
	})
	return nil
}

// rtcStream turns a detached, message oriented data channel into a byte
// stream with buffered-amount flow control on writes
type rtcStream struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	rawMu sync.Mutex
	raw   io.ReadWriteCloser

	packetSize  int
	maxBuffered uint64
	bufferLow   chan struct{}

	readBuf []byte
	pending []byte

	failOnce  sync.Once
	failed    chan struct{}
	closeOnce sync.Once
}

func (s *rtcStream) setRaw(raw io.ReadWriteCloser) {
	s.rawMu.Lock()
	defer s.rawMu.Unlock()
	s.raw = raw
}

func (s *rtcStream) fail() {
	s.failOnce.Do(func() { close(s.failed) })
}

func (s *rtcStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		n, err := s.raw.Read(s.readBuf)
		if err != nil {
			return 0, err
		}
		s.pending = s.readBuf[:n]
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *rtcStream) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > s.packetSize {
			chunk = chunk[:s.packetSize]
		}
		if err := s.handleFlowControl(); err != nil {
			return written, err
		}
		if _, err := s.raw.Write(chunk); err != nil {
			return written, fmt.Errorf("failed to send data: %w", err)
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// handleFlowControl blocks while the send buffer is above the limit
func (s *rtcStream) handleFlowControl() error {
	if s.dc.BufferedAmount() <= s.maxBuffered {
		return nil
	}
	timer := time.NewTimer(flowControlLimit)
	defer timer.Stop()
	select {
	case <-s.bufferLow:
		return nil
	case <-s.failed:
		return ErrPeerConnectionFailed
	case <-timer.C:
		return fmt.Errorf("flow control timeout - WebRTC channel may be dead")
	}
}

func (s *rtcStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.fail()
		s.rawMu.Lock()
		if s.raw != nil {
			err = s.raw.Close()
		}
		s.rawMu.Unlock()
		err = errors.Join(err, s.pc.Close())
	})
	return err
}
