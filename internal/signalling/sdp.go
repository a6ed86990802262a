package signalling

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// WebRTCHandler implements SDPHandler with vanilla ICE: descriptions are
// exchanged only after candidate gathering has finished
type WebRTCHandler struct {
	// GatherTimeout bounds ICE gathering; zero waits for ctx only
	GatherTimeout time.Duration
}

// CreateOffer creates and sets an SDP offer for the peer connection
func (h *WebRTCHandler) CreateOffer(peerConn *webrtc.PeerConnection) (*webrtc.SessionDescription, error) {
	offer, err := peerConn.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := peerConn.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return &offer, nil
}

// CreateAnswer creates and sets an SDP answer for the peer connection
func (h *WebRTCHandler) CreateAnswer(peerConn *webrtc.PeerConnection) (*webrtc.SessionDescription, error) {
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := peerConn.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return &answer, nil
}

// WaitForICEGathering waits for ICE gathering to complete
func (h *WebRTCHandler) WaitForICEGathering(ctx context.Context, peerConn *webrtc.PeerConnection) error {
	gathered := webrtc.GatheringCompletePromise(peerConn)
	if h.GatherTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.GatherTimeout)
		defer cancel()
	}

	select {
	case <-gathered:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ICE gathering incomplete: %w", ctx.Err())
	}
}
