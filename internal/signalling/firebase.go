package signalling

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"peerdrop/internal/config"
)

// NewDatabaseClient connects to the Firebase realtime database named in cfg
func NewDatabaseClient(ctx context.Context, cfg *config.FirebaseConfig) (*db.Client, error) {
	opt := option.WithCredentialsFile(cfg.CredentialsPath)

	firebaseConfig := &firebase.Config{
		ProjectID:   cfg.ProjectID,
		DatabaseURL: cfg.DatabaseURL,
	}

	app, err := firebase.NewApp(ctx, firebaseConfig, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}
	return client, nil
}

// FirebaseClient stores sessions at sessions/<nodeID>/<sessionID>
type FirebaseClient struct {
	url           string
	ref           *db.Ref
	pollInterval  time.Duration
	answerTimeout time.Duration
}

func NewFirebaseClient(client *db.Client, databaseURL string, cfg config.SignallingConfig) *FirebaseClient {
	return &FirebaseClient{
		url:           databaseURL,
		ref:           client.NewRef("sessions"),
		pollInterval:  cfg.PollInterval,
		answerTimeout: cfg.AnswerTimeout,
	}
}

func (f *FirebaseClient) URL() string {
	return f.url
}

func (f *FirebaseClient) CreateSession(ctx context.Context, nodeID, offer string) (string, error) {
	sessionID := uuid.NewString()

	sessionData := Session{
		ID:        sessionID,
		Offer:     offer,
		CreatedAt: time.Now().Unix(),
	}
	if err := f.ref.Child(nodeID).Child(sessionID).Set(ctx, sessionData); err != nil {
		return "", fmt.Errorf("error creating session: %w", err)
	}
	return sessionID, nil
}

func (f *FirebaseClient) PendingSessions(ctx context.Context, nodeID string) ([]Session, error) {
	var sessions map[string]Session
	if err := f.ref.Child(nodeID).Get(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("error listing sessions for %s: %w", nodeID, err)
	}

	pending := make([]Session, 0, len(sessions))
	for id, s := range sessions {
		if s.Answer != "" || s.Offer == "" {
			continue
		}
		s.ID = id
		pending = append(pending, s)
	}
	return pending, nil
}

func (f *FirebaseClient) UpdateAnswer(ctx context.Context, nodeID, sessionID, answer string) error {
	sessionRef := f.ref.Child(nodeID).Child(sessionID)

	var sessionData Session
	if err := sessionRef.Get(ctx, &sessionData); err != nil {
		return fmt.Errorf("error checking session existence for %s: %w", sessionID, err)
	}
	if sessionData.ID == "" {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	updates := map[string]any{
		"answer": answer,
	}
	if err := sessionRef.Update(ctx, updates); err != nil {
		return fmt.Errorf("error updating answer for session %s: %w", sessionID, err)
	}
	return nil
}

func (f *FirebaseClient) WaitForAnswer(ctx context.Context, nodeID, sessionID string) (string, error) {
	sessionRef := f.ref.Child(nodeID).Child(sessionID)

	answer, err := pollAnswer(ctx, f.pollInterval, f.answerTimeout, func(ctx context.Context) (string, error) {
		var sessionData Session
		if err := sessionRef.Get(ctx, &sessionData); err != nil {
			logrus.WithError(err).WithField("session_id", sessionID).Debug("Polling session failed")
			return "", nil
		}
		if sessionData.ID == "" {
			return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return sessionData.Answer, nil
	})
	if errors.Is(err, ErrAnswerTimeout) {
		if delErr := f.DeleteSession(ctx, nodeID, sessionID); delErr != nil {
			logrus.WithError(delErr).Debug("Failed to delete expired session")
		}
	}
	return answer, err
}

func (f *FirebaseClient) DeleteSession(ctx context.Context, nodeID, sessionID string) error {
	if err := f.ref.Child(nodeID).Child(sessionID).Delete(ctx); err != nil {
		return fmt.Errorf("error deleting session %s: %w", sessionID, err)
	}
	return nil
}
