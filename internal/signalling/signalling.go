// Package signalling exchanges WebRTC offers and answers through a shared
// store. The connecting node posts an offer under the target node's id; the
// target polls for unanswered offers and answers each one.
package signalling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"peerdrop/pkg/utils"
)

var (
	ErrSessionNotFound = errors.New("signalling session not found")
	ErrAnswerTimeout   = errors.New("timeout waiting for answer")
)

// Session is one offer/answer exchange. Vanilla ICE only: both
// descriptions carry their full candidate lists.
type Session struct {
	ID        string `json:"sessionId"`
	Offer     string `json:"offer"`
	Answer    string `json:"answer"`
	CreatedAt int64  `json:"createdAt"`
}

// SignalingServer defines the interface for signaling storage operations
type SignalingServer interface {
	URL() string
	CreateSession(ctx context.Context, nodeID, offer string) (sessionID string, err error)
	PendingSessions(ctx context.Context, nodeID string) ([]Session, error)
	UpdateAnswer(ctx context.Context, nodeID, sessionID, answer string) error
	WaitForAnswer(ctx context.Context, nodeID, sessionID string) (answer string, err error)
	DeleteSession(ctx context.Context, nodeID, sessionID string) error
}

// SDPHandler defines the interface for WebRTC SDP operations
type SDPHandler interface {
	CreateOffer(peerConn *webrtc.PeerConnection) (*webrtc.SessionDescription, error)
	CreateAnswer(peerConn *webrtc.PeerConnection) (*webrtc.SessionDescription, error)
	WaitForICEGathering(ctx context.Context, peerConn *webrtc.PeerConnection) error
}

// SignalingService orchestrates the complete signaling flow using composition
type SignalingService struct {
	server SignalingServer
	sdp    SDPHandler
}

func NewSignalingService(server SignalingServer, sdp SDPHandler) *SignalingService {
	return &SignalingService{
		server: server,
		sdp:    sdp,
	}
}

// URL identifies the signalling store; it is published as the relay URL
func (s *SignalingService) URL() string {
	return s.server.URL()
}

// Offer posts an offer for nodeID and applies the answer to peerConn
func (s *SignalingService) Offer(ctx context.Context, peerConn *webrtc.PeerConnection, nodeID string) (string, error) {
	if _, err := s.sdp.CreateOffer(peerConn); err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.sdp.WaitForICEGathering(ctx, peerConn); err != nil {
		return "", fmt.Errorf("failed to wait for ICE gathering: %w", err)
	}

	finalOffer := peerConn.LocalDescription()
	if finalOffer == nil {
		return "", fmt.Errorf("local description is nil after ICE gathering")
	}
	encodedOffer, err := utils.Encode(*finalOffer)
	if err != nil {
		return "", fmt.Errorf("failed to encode offer SDP: %w", err)
	}

	sessionID, err := s.server.CreateSession(ctx, nodeID, encodedOffer)
	if err != nil {
		return "", fmt.Errorf("failed to create session with offer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "SignalingService.Offer",
		"node_id":    nodeID,
		"session_id": sessionID,
	}).Debug("Offer posted, waiting for answer")

	answer, err := s.server.WaitForAnswer(ctx, nodeID, sessionID)
	if err != nil {
		return sessionID, fmt.Errorf("failed to wait for answer: %w", err)
	}
	answerSD, err := utils.Decode[webrtc.SessionDescription](answer)
	if err != nil {
		return sessionID, fmt.Errorf("failed to decode answer SDP: %w", err)
	}
	if err := peerConn.SetRemoteDescription(answerSD); err != nil {
		return sessionID, fmt.Errorf("failed to set remote description: %w", err)
	}
	return sessionID, nil
}

// Answer applies the session's offer to peerConn and posts the answer
func (s *SignalingService) Answer(ctx context.Context, peerConn *webrtc.PeerConnection, nodeID string, session Session) error {
	offerSD, err := utils.Decode[webrtc.SessionDescription](session.Offer)
	if err != nil {
		return fmt.Errorf("failed to decode offer SDP: %w", err)
	}
	if err := peerConn.SetRemoteDescription(offerSD); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	if _, err := s.sdp.CreateAnswer(peerConn); err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.sdp.WaitForICEGathering(ctx, peerConn); err != nil {
		return fmt.Errorf("failed to wait for ICE gathering: %w", err)
	}

	finalAnswer := peerConn.LocalDescription()
	if finalAnswer == nil {
		return fmt.Errorf("local description is nil after ICE gathering")
	}
	encodedAnswer, err := utils.Encode(*finalAnswer)
	if err != nil {
		return fmt.Errorf("failed to encode answer SDP: %w", err)
	}

	if err := s.server.UpdateAnswer(ctx, nodeID, session.ID, encodedAnswer); err != nil {
		return fmt.Errorf("failed to upload answer: %w", err)
	}
	return nil
}

// Pending lists offers for nodeID that have no answer yet
func (s *SignalingService) Pending(ctx context.Context, nodeID string) ([]Session, error) {
	return s.server.PendingSessions(ctx, nodeID)
}

// ClearSession deletes a session by its ID
func (s *SignalingService) ClearSession(ctx context.Context, nodeID, sessionID string) error {
	return s.server.DeleteSession(ctx, nodeID, sessionID)
}

// pollAnswer polls get until it yields an answer, the timeout expires or
// ctx ends
func pollAnswer(ctx context.Context, interval, timeout time.Duration, get func(context.Context) (string, error)) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		answer, err := get(ctx)
		if err != nil {
			return "", err
		}
		if answer != "" {
			return answer, nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return "", ErrAnswerTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
