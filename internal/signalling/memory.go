package signalling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryServer keeps sessions in process. Both peers must share the same
// instance, which makes it useful for tests and single-host setups.
type MemoryServer struct {
	mu       sync.Mutex
	sessions map[string]map[string]*Session
	changed  chan struct{}
	timeout  time.Duration
}

func NewMemoryServer(answerTimeout time.Duration) *MemoryServer {
	return &MemoryServer{
		sessions: make(map[string]map[string]*Session),
		changed:  make(chan struct{}),
		timeout:  answerTimeout,
	}
}

func (m *MemoryServer) URL() string {
	return "memory://signalling"
}

// notify wakes every waiter; callers hold mu
func (m *MemoryServer) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *MemoryServer) CreateSession(ctx context.Context, nodeID, offer string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	if m.sessions[nodeID] == nil {
		m.sessions[nodeID] = make(map[string]*Session)
	}
	m.sessions[nodeID][id] = &Session{ID: id, Offer: offer, CreatedAt: time.Now().Unix()}
	m.notify()
	return id, nil
}

func (m *MemoryServer) PendingSessions(ctx context.Context, nodeID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []Session
	for _, s := range m.sessions[nodeID] {
		if s.Answer == "" {
			pending = append(pending, *s)
		}
	}
	return pending, nil
}

func (m *MemoryServer) UpdateAnswer(ctx context.Context, nodeID, sessionID, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[nodeID][sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.Answer = answer
	m.notify()
	return nil
}

func (m *MemoryServer) WaitForAnswer(ctx context.Context, nodeID, sessionID string) (string, error) {
	deadline := time.NewTimer(m.timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		s, ok := m.sessions[nodeID][sessionID]
		var answer string
		if ok {
			answer = s.Answer
		}
		changed := m.changed
		m.mu.Unlock()

		if !ok {
			return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		if answer != "" {
			return answer, nil
		}

		select {
		case <-changed:
		case <-deadline.C:
			return "", ErrAnswerTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (m *MemoryServer) DeleteSession(ctx context.Context, nodeID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions[nodeID], sessionID)
	m.notify()
	return nil
}
