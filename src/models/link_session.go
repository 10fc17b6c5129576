package models

import "time"

type SessionState string

const (
	SessionPending          SessionState = "pending"
	SessionAwaitingExchange SessionState = "awaiting_exchange"
	SessionLinked           SessionState = "linked"
	SessionFailed           SessionState = "failed"
	SessionExpired          SessionState = "expired"
)

// OpenStates are the non-terminal states. A user holds at most one session
// in any of them.
var OpenStates = []SessionState{SessionPending, SessionAwaitingExchange}

func (s SessionState) Terminal() bool {
	switch s {
	case SessionLinked, SessionFailed, SessionExpired:
		return true
	}
	return false
}

type LinkSession struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	State         SessionState `json:"state"`
	LinkToken     string       `json:"link_token,omitempty"`
	ItemID        string       `json:"item_id,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

// Stale reports whether an open session has outlived its TTL at now.
func (s *LinkSession) Stale(now time.Time) bool {
	return !s.State.Terminal() && !now.Before(s.ExpiresAt)
}
