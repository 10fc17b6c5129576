// Package linking runs the link session state machine:
//
//	pending -> awaiting_exchange -> linked
//	pending | awaiting_exchange -> failed | expired
//
// A user holds at most one open session. The store enforces that with a
// conditional insert, and every transition is a conditional update on the
// session's current state. Transitions on one session are serialized in
// process so an exchange, a webhook, and the sweeper never interleave.
package linking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"link-server/src/aggregator"
	"link-server/src/apperr"
	"link-server/src/models"
	"link-server/src/store"
)

type Aggregator interface {
	CreateLinkToken(ctx context.Context, userID string) (aggregator.LinkToken, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (aggregator.Exchange, error)
	RemoveItem(ctx context.Context, accessToken string) error
}

type TokenSaver interface {
	Save(ctx context.Context, userID, itemID, value string) (*models.AccessToken, error)
}

type Options struct {
	// TTL bounds how long a session may stay open.
	TTL time.Duration
	// Retention is how long terminal sessions are kept before purging.
	Retention time.Duration
	Now       func() time.Time
}

type Machine struct {
	sessions  store.SessionStore
	agg       Aggregator
	tokens    TokenSaver
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	locks     *keyedMutex
	tracer    trace.Tracer
}

func NewMachine(sessions store.SessionStore, agg Aggregator, tokens TokenSaver, opts Options) *Machine {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{
		sessions:  sessions,
		agg:       agg,
		tokens:    tokens,
		ttl:       opts.TTL,
		retention: opts.Retention,
		now:       func() time.Time { return opts.Now().UTC() },
		locks:     newKeyedMutex(),
		tracer:    otel.Tracer("link-server/linking"),
	}
}

// RequestLink opens a session for userID and asks the aggregator for a link
// token. On success the session is awaiting_exchange and carries the token.
func (m *Machine) RequestLink(ctx context.Context, userID string) (*models.LinkSession, error) {
	ctx, span := m.tracer.Start(ctx, "linking.RequestLink")
	defer span.End()

	if err := m.expireOpenIfStale(ctx, userID); err != nil {
		return nil, err
	}

	now := m.now()
	session := &models.LinkSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		State:     models.SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.sessions.CreateSession(ctx, session); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Conflict("an open link session already exists for this user", map[string]any{"user_id": userID})
		}
		return nil, apperr.Internal(err, "failed to create link session")
	}
	span.SetAttributes(attribute.String("link.session_id", session.ID))

	tok, err := m.agg.CreateLinkToken(ctx, userID)
	if err != nil {
		// The caller may already be gone; the cleanup must still land or the
		// user stays locked out until the sweeper runs.
		cleanupCtx := context.WithoutCancel(ctx)
		if aggregator.IsTimeout(err) {
			// Nothing was issued, so the user goes back to having no open
			// session and may simply ask again.
			if delErr := m.sessions.DeleteSession(cleanupCtx, session.ID, models.SessionPending); delErr != nil {
				log.Printf("WARN: Failed to roll back link session %s after timeout: %v", session.ID, delErr)
			}
			return nil, err
		}
		m.failQuietly(cleanupCtx, session.ID, failureReason(err))
		return nil, err
	}

	unlock := m.locks.Lock(session.ID)
	defer unlock()
	linked, err := m.apply(ctx, session, EventLinkTokenIssued, store.SessionUpdate{LinkToken: tok.Token})
	if err != nil {
		return nil, err
	}
	log.Printf("INFO: Issued link token for user %s, session %s", userID, session.ID)
	return linked, nil
}

// CompleteExchange trades publicToken for an access token and links the
// session. The session must be awaiting_exchange and unexpired.
func (m *Machine) CompleteExchange(ctx context.Context, sessionID, publicToken string) (*models.LinkSession, error) {
	ctx, span := m.tracer.Start(ctx, "linking.CompleteExchange", trace.WithAttributes(attribute.String("link.session_id", sessionID)))
	defer span.End()

	unlock := m.locks.Lock(sessionID)
	defer unlock()

	session, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Stale(m.now()) {
		if _, err := m.apply(ctx, session, EventExpire, store.SessionUpdate{}); err != nil {
			return nil, err
		}
		return nil, apperr.State("link session has expired", map[string]any{"session_id": sessionID, "state": string(models.SessionExpired)})
	}
	if session.State != models.SessionAwaitingExchange {
		return nil, stateError(session.State, EventExchanged)
	}

	ex, err := m.agg.ExchangePublicToken(ctx, publicToken)
	cleanupCtx := context.WithoutCancel(ctx)
	if err != nil {
		if aggregator.IsTimeout(err) {
			return nil, err
		}
		if _, failErr := m.apply(cleanupCtx, session, EventFail, store.SessionUpdate{FailureReason: failureReason(err)}); failErr != nil {
			log.Printf("WARN: Failed to mark link session %s failed: %v", sessionID, failErr)
		}
		return nil, err
	}

	if _, err := m.tokens.Save(cleanupCtx, session.UserID, ex.ItemID, ex.AccessToken); err != nil {
		m.discardItem(cleanupCtx, ex, err)
		if _, failErr := m.apply(cleanupCtx, session, EventFail, store.SessionUpdate{FailureReason: "failed to store access token"}); failErr != nil {
			log.Printf("WARN: Failed to mark link session %s failed: %v", sessionID, failErr)
		}
		return nil, err
	}

	linked, err := m.apply(cleanupCtx, session, EventExchanged, store.SessionUpdate{ItemID: ex.ItemID})
	if err != nil {
		return nil, err
	}
	log.Printf("INFO: Linked item %s for user %s, session %s", ex.ItemID, session.UserID, sessionID)
	return linked, nil
}

// Session returns a session, expiring it first if it outlived its TTL.
func (m *Machine) Session(ctx context.Context, sessionID string) (*models.LinkSession, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	session, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Stale(m.now()) {
		return m.apply(ctx, session, EventExpire, store.SessionUpdate{})
	}
	return session, nil
}

// FailOpenSession moves the user's open session, if any, to failed because
// itemID reported an error. A session already bound to another item is left
// alone, and a session past its TTL is expired instead. It reports whether
// the session was failed.
func (m *Machine) FailOpenSession(ctx context.Context, userID, itemID, reason string) (bool, error) {
	open, err := m.sessions.OpenSessionForUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal(err, "failed to load open link session")
	}

	unlock := m.locks.Lock(open.ID)
	defer unlock()

	session, err := m.load(ctx, open.ID)
	if err != nil {
		return false, err
	}
	if session.State.Terminal() {
		return false, nil
	}
	if session.Stale(m.now()) {
		_, err := m.apply(ctx, session, EventExpire, store.SessionUpdate{})
		return false, err
	}
	if session.ItemID != "" && session.ItemID != itemID {
		log.Printf("INFO: Keeping link session %s for item %s open despite error on item %s", session.ID, session.ItemID, itemID)
		return false, nil
	}
	if _, err := m.apply(ctx, session, EventFail, store.SessionUpdate{FailureReason: reason}); err != nil {
		return false, err
	}
	log.Printf("INFO: Failed link session %s for user %s: %s", session.ID, userID, reason)
	return true, nil
}

// ExpireStale moves every open session past its TTL to expired.
func (m *Machine) ExpireStale(ctx context.Context) (int, error) {
	stale, err := m.sessions.StaleSessions(ctx, m.now())
	if err != nil {
		return 0, apperr.Internal(err, "failed to list stale link sessions")
	}

	expired := 0
	for _, s := range stale {
		ok, err := m.expireIfStale(ctx, s.ID)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// PurgeTerminal deletes terminal sessions older than the retention window.
func (m *Machine) PurgeTerminal(ctx context.Context) (int64, error) {
	n, err := m.sessions.PurgeTerminalSessions(ctx, m.now().Add(-m.retention))
	if err != nil {
		return 0, apperr.Internal(err, "failed to purge link sessions")
	}
	return n, nil
}

// Run sweeps stale and old sessions every interval until ctx is done.
func (m *Machine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Machine) sweep(ctx context.Context) {
	expired, err := m.ExpireStale(ctx)
	if err != nil {
		log.Printf("ERROR: Link session expiry sweep failed: %v", err)
	} else if expired > 0 {
		log.Printf("INFO: Expired %d stale link sessions", expired)
	}

	purged, err := m.PurgeTerminal(ctx)
	if err != nil {
		log.Printf("ERROR: Link session purge failed: %v", err)
	} else if purged > 0 {
		log.Printf("INFO: Purged %d terminal link sessions", purged)
	}
}

func (m *Machine) expireOpenIfStale(ctx context.Context, userID string) error {
	open, err := m.sessions.OpenSessionForUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Internal(err, "failed to load open link session")
	}
	if !open.Stale(m.now()) {
		return nil
	}
	_, err = m.expireIfStale(ctx, open.ID)
	return err
}

func (m *Machine) expireIfStale(ctx context.Context, sessionID string) (bool, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	session, err := m.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal(err, "failed to load link session")
	}
	if !session.Stale(m.now()) {
		return false, nil
	}
	if _, err := m.apply(ctx, session, EventExpire, store.SessionUpdate{}); err != nil {
		if apperr.Is(err, apperr.KindState) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// failQuietly is used after a failed link token request, where the
// aggregator error is what the caller needs to see.
func (m *Machine) failQuietly(ctx context.Context, sessionID, reason string) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		log.Printf("WARN: Failed to load link session %s: %v", sessionID, err)
		return
	}
	if _, err := m.apply(ctx, session, EventFail, store.SessionUpdate{FailureReason: reason}); err != nil {
		log.Printf("WARN: Failed to mark link session %s failed: %v", sessionID, err)
	}
}

// discardItem removes an item whose access token could not be stored. The
// public token is spent, so nobody else can reach the item.
func (m *Machine) discardItem(ctx context.Context, ex aggregator.Exchange, cause error) {
	log.Printf("ERROR: Failed to store access token for item %s: %v", ex.ItemID, cause)
	if err := m.agg.RemoveItem(ctx, ex.AccessToken); err != nil {
		log.Printf("ERROR: Orphaned item %s could not be removed: %v", ex.ItemID, err)
		return
	}
	log.Printf("INFO: Removed orphaned item %s", ex.ItemID)
}

func (m *Machine) load(ctx context.Context, sessionID string) (*models.LinkSession, error) {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("link session not found", map[string]any{"session_id": sessionID})
	}
	if err != nil {
		return nil, apperr.Internal(err, "failed to load link session")
	}
	return session, nil
}

// apply moves session along ev. The write only lands if the stored state is
// still the one session was read in.
func (m *Machine) apply(ctx context.Context, session *models.LinkSession, ev Event, u store.SessionUpdate) (*models.LinkSession, error) {
	to, err := Next(session.State, ev)
	if err != nil {
		return nil, err
	}
	u.State = to
	u.At = m.now()

	updated, err := m.sessions.TransitionSession(ctx, session.ID, []models.SessionState{session.State}, u)
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.NotFound("link session not found", map[string]any{"session_id": session.ID})
	case errors.Is(err, store.ErrConflict):
		current := session.State
		if latest, getErr := m.sessions.GetSession(ctx, session.ID); getErr == nil {
			current = latest.State
		}
		return nil, stateError(current, ev)
	default:
		return nil, apperr.Internal(err, fmt.Sprintf("failed to apply %s to link session", ev))
	}
}

func failureReason(err error) string {
	if aggErr, ok := aggregator.AsError(err); ok {
		if aggErr.Code != "" {
			return fmt.Sprintf("aggregator %s: %s", aggErr.Kind, aggErr.Code)
		}
		return fmt.Sprintf("aggregator %s", aggErr.Kind)
	}
	return "aggregator request failed"
}
