package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"link-server/src/models"
)

// MemoryStore keeps everything in process memory behind one mutex. It is used
// when no DATABASE_URL is configured and by tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.LinkSession
	tokens   []*models.AccessToken
	events   map[string]*models.WebhookEvent
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.LinkSession),
		events:   make(map[string]*models.WebhookEvent),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *models.LinkSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return ErrConflict
	}
	for _, existing := range m.sessions {
		if existing.UserID == s.UserID && !existing.State.Terminal() {
			return ErrConflict
		}
	}
	stored := *s
	m.sessions[s.ID] = &stored
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.LinkSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s
	return &out, nil
}

func (m *MemoryStore) OpenSessionForUser(_ context.Context, userID string) (*models.LinkSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.UserID == userID && !s.State.Terminal() {
			out := *s
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) TransitionSession(_ context.Context, id string, from []models.SessionState, u SessionUpdate) (*models.LinkSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !containsState(from, s.State) {
		return nil, ErrConflict
	}
	if u.LinkToken != "" && s.LinkToken != "" {
		return nil, ErrConflict
	}

	s.State = u.State
	s.UpdatedAt = u.At
	if u.LinkToken != "" {
		s.LinkToken = u.LinkToken
	}
	if u.ItemID != "" {
		s.ItemID = u.ItemID
	}
	if u.FailureReason != "" {
		s.FailureReason = u.FailureReason
	}
	out := *s
	return &out, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string, state models.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.State != state {
		return ErrConflict
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) StaleSessions(_ context.Context, now time.Time) ([]models.LinkSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []models.LinkSession
	for _, s := range m.sessions {
		if s.Stale(now) {
			stale = append(stale, *s)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ExpiresAt.Before(stale[j].ExpiresAt) })
	return stale, nil
}

func (m *MemoryStore) PurgeTerminalSessions(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, s := range m.sessions {
		if s.State.Terminal() && s.UpdatedAt.Before(before) {
			delete(m.sessions, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryStore) SaveToken(_ context.Context, t *models.AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.tokens {
		if existing.UserID == t.UserID && existing.ItemID == t.ItemID && existing.Active() {
			revokedAt := t.CreatedAt
			existing.RevokedAt = &revokedAt
		}
	}
	stored := *t
	m.tokens = append(m.tokens, &stored)
	return nil
}

func (m *MemoryStore) LatestToken(_ context.Context, userID, itemID string) (*models.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.latestLocked(func(t *models.AccessToken) bool {
		return t.UserID == userID && t.ItemID == itemID
	})
	if t == nil {
		return nil, ErrNotFound
	}
	return copyToken(t), nil
}

func (m *MemoryStore) LatestTokenForItem(_ context.Context, itemID string) (*models.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.latestLocked(func(t *models.AccessToken) bool { return t.ItemID == itemID })
	if t == nil {
		return nil, ErrNotFound
	}
	return copyToken(t), nil
}

func (m *MemoryStore) RevokeToken(_ context.Context, userID, itemID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.latestLocked(func(t *models.AccessToken) bool {
		return t.UserID == userID && t.ItemID == itemID
	})
	if t == nil {
		return false, ErrNotFound
	}
	if !t.Active() {
		return false, nil
	}
	revokedAt := at
	t.RevokedAt = &revokedAt
	return true, nil
}

// latestLocked relies on tokens being appended in creation order.
func (m *MemoryStore) latestLocked(match func(*models.AccessToken) bool) *models.AccessToken {
	for i := len(m.tokens) - 1; i >= 0; i-- {
		if match(m.tokens[i]) {
			return m.tokens[i]
		}
	}
	return nil
}

func (m *MemoryStore) RecordEvent(_ context.Context, e *models.WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[e.EventID]; ok {
		return false, nil
	}
	stored := *e
	stored.Payload = append([]byte(nil), e.Payload...)
	m.events[e.EventID] = &stored
	return true, nil
}

func (m *MemoryStore) ForgetEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.events, eventID)
	return nil
}

func (m *MemoryStore) GetEvent(_ context.Context, eventID string) (*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *e
	return &out, nil
}

func copyToken(t *models.AccessToken) *models.AccessToken {
	out := *t
	if t.RevokedAt != nil {
		revokedAt := *t.RevokedAt
		out.RevokedAt = &revokedAt
	}
	return &out
}
