// Package store defines persistence contracts for link sessions, access
// tokens, and webhook events. Implementations must make every method atomic:
// callers rely on the conditional writes below instead of holding locks
// across aggregator calls.
package store

import (
	"context"
	"errors"
	"time"

	"link-server/src/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a conditional write loses: an open session
	// already exists for the user, or a transition's expected state no longer
	// holds.
	ErrConflict = errors.New("store: conflict")
)

// SessionUpdate describes one state transition. Empty strings leave the
// corresponding column untouched.
type SessionUpdate struct {
	State         models.SessionState
	LinkToken     string
	ItemID        string
	FailureReason string
	At            time.Time
}

type SessionStore interface {
	// CreateSession inserts s unless the user already has an open session,
	// in which case it returns ErrConflict.
	CreateSession(ctx context.Context, s *models.LinkSession) error
	GetSession(ctx context.Context, id string) (*models.LinkSession, error)
	OpenSessionForUser(ctx context.Context, userID string) (*models.LinkSession, error)
	// TransitionSession applies u only if the session is currently in one of
	// from. Otherwise it returns ErrConflict. A link token is write-once.
	TransitionSession(ctx context.Context, id string, from []models.SessionState, u SessionUpdate) (*models.LinkSession, error)
	// DeleteSession removes a session that is still in state. Used to roll
	// back a pending session whose link token request timed out.
	DeleteSession(ctx context.Context, id string, state models.SessionState) error
	StaleSessions(ctx context.Context, now time.Time) ([]models.LinkSession, error)
	PurgeTerminalSessions(ctx context.Context, before time.Time) (int64, error)
}

type TokenStore interface {
	// SaveToken revokes the active token for (UserID, ItemID), if any, and
	// inserts t in the same atomic step.
	SaveToken(ctx context.Context, t *models.AccessToken) error
	// LatestToken returns the newest record for the pair, revoked or not.
	LatestToken(ctx context.Context, userID, itemID string) (*models.AccessToken, error)
	LatestTokenForItem(ctx context.Context, itemID string) (*models.AccessToken, error)
	// RevokeToken marks the active token revoked at at. It reports false
	// when the newest record was already revoked.
	RevokeToken(ctx context.Context, userID, itemID string, at time.Time) (bool, error)
}

type EventStore interface {
	// RecordEvent inserts e if its EventID is new and reports whether it did.
	RecordEvent(ctx context.Context, e *models.WebhookEvent) (bool, error)
	// ForgetEvent drops a recorded event whose dispatch failed so a redelivery
	// can be processed.
	ForgetEvent(ctx context.Context, eventID string) error
	GetEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error)
}

type Store interface {
	SessionStore
	TokenStore
	EventStore
}

func containsState(states []models.SessionState, s models.SessionState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
