package linking

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"link-server/src/aggregator"
	"link-server/src/apperr"
	"link-server/src/models"
	"link-server/src/store"
	"link-server/src/tokens"
)

type stubAggregator struct {
	linkErr     error
	exchangeErr error
	itemID      string

	linkCalls     atomic.Int32
	exchangeCalls atomic.Int32
	// exchangeGate, when set, blocks exchanges until it is closed.
	exchangeGate chan struct{}
	// onLink runs inside CreateLinkToken before it returns.
	onLink func()

	mu      sync.Mutex
	removed []string
}

func (s *stubAggregator) CreateLinkToken(ctx context.Context, userID string) (aggregator.LinkToken, error) {
	n := s.linkCalls.Add(1)
	if s.onLink != nil {
		s.onLink()
	}
	if s.linkErr != nil {
		return aggregator.LinkToken{}, s.linkErr
	}
	return aggregator.LinkToken{Token: "link-sandbox-" + userID + "-" + string(rune('0'+n))}, nil
}

func (s *stubAggregator) ExchangePublicToken(ctx context.Context, publicToken string) (aggregator.Exchange, error) {
	s.exchangeCalls.Add(1)
	if s.exchangeGate != nil {
		<-s.exchangeGate
	}
	if s.exchangeErr != nil {
		return aggregator.Exchange{}, s.exchangeErr
	}
	itemID := s.itemID
	if itemID == "" {
		itemID = "item-1"
	}
	return aggregator.Exchange{AccessToken: "access-sandbox-1", ItemID: itemID}, nil
}

func (s *stubAggregator) RemoveItem(ctx context.Context, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, accessToken)
	return nil
}

// ctxStore fails every call made with a finished context, like a database
// driver would.
type ctxStore struct {
	*store.MemoryStore
}

func (c ctxStore) CreateSession(ctx context.Context, s *models.LinkSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.MemoryStore.CreateSession(ctx, s)
}

func (c ctxStore) GetSession(ctx context.Context, id string) (*models.LinkSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.MemoryStore.GetSession(ctx, id)
}

func (c ctxStore) OpenSessionForUser(ctx context.Context, userID string) (*models.LinkSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.MemoryStore.OpenSessionForUser(ctx, userID)
}

func (c ctxStore) TransitionSession(ctx context.Context, id string, from []models.SessionState, u store.SessionUpdate) (*models.LinkSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.MemoryStore.TransitionSession(ctx, id, from, u)
}

func (c ctxStore) DeleteSession(ctx context.Context, id string, state models.SessionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.MemoryStore.DeleteSession(ctx, id, state)
}

type failingCipher struct{}

func (failingCipher) Encrypt(string) (string, error) { return "", errors.New("sealing unavailable") }
func (failingCipher) Decrypt(string) (string, error) { return "", errors.New("sealing unavailable") }

type fixture struct {
	machine *Machine
	store   *store.MemoryStore
	tokens  *tokens.Store
	agg     *stubAggregator
	now     *time.Time
	mu      *sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := store.NewMemoryStore()
	tok := tokens.NewStore(backend, nil)
	agg := &stubAggregator{}
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex

	m := NewMachine(backend, agg, tok, Options{
		TTL:       10 * time.Minute,
		Retention: 24 * time.Hour,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
	})
	return &fixture{machine: m, store: backend, tokens: tok, agg: agg, now: &now, mu: &mu}
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.now = f.now.Add(d)
}

var (
	errTimeout  = &aggregator.Error{Kind: aggregator.KindTimeout, Detail: "request timed out"}
	errRejected = &aggregator.Error{Kind: aggregator.KindRejected, Status: http.StatusBadRequest, Code: "INVALID_PUBLIC_TOKEN", Responded: true}
	errServer   = &aggregator.Error{Kind: aggregator.KindTransient, Status: http.StatusServiceUnavailable, Responded: true}
)

func TestNext_TransitionTable(t *testing.T) {
	tests := []struct {
		from models.SessionState
		ev   Event
		to   models.SessionState
		ok   bool
	}{
		{models.SessionPending, EventLinkTokenIssued, models.SessionAwaitingExchange, true},
		{models.SessionPending, EventFail, models.SessionFailed, true},
		{models.SessionPending, EventExpire, models.SessionExpired, true},
		{models.SessionPending, EventExchanged, "", false},
		{models.SessionAwaitingExchange, EventExchanged, models.SessionLinked, true},
		{models.SessionAwaitingExchange, EventFail, models.SessionFailed, true},
		{models.SessionAwaitingExchange, EventExpire, models.SessionExpired, true},
		{models.SessionAwaitingExchange, EventLinkTokenIssued, "", false},
		{models.SessionLinked, EventFail, "", false},
		{models.SessionLinked, EventExchanged, "", false},
		{models.SessionFailed, EventExpire, "", false},
		{models.SessionExpired, EventFail, "", false},
	}

	for _, tt := range tests {
		to, err := Next(tt.from, tt.ev)
		if tt.ok {
			if err != nil || to != tt.to {
				t.Errorf("Next(%s, %s) = %s, %v; want %s", tt.from, tt.ev, to, err, tt.to)
			}
			continue
		}
		if !apperr.Is(err, apperr.KindState) {
			t.Errorf("Next(%s, %s) error = %v, want state error", tt.from, tt.ev, err)
		}
	}
}

func TestRequestLink_IssuesToken(t *testing.T) {
	f := newFixture(t)

	s, err := f.machine.RequestLink(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RequestLink: %v", err)
	}
	if s.State != models.SessionAwaitingExchange || s.LinkToken == "" {
		t.Fatalf("unexpected session %+v", s)
	}
	if !s.ExpiresAt.Equal(f.now.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", s.ExpiresAt)
	}
}

func TestRequestLink_ConflictWhileOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _ := f.machine.RequestLink(ctx, "u1")
	_, err := f.machine.RequestLink(ctx, "u1")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	got, _ := f.machine.Session(ctx, first.ID)
	if got.LinkToken != first.LinkToken || got.State != models.SessionAwaitingExchange {
		t.Fatalf("first session changed: %+v", got)
	}
}

func TestRequestLink_ConcurrentCallsOpenOneSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.machine.RequestLink(ctx, "u1")
			switch {
			case err == nil:
				wins.Add(1)
			case apperr.Is(err, apperr.KindConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != callers-1 {
		t.Fatalf("wins=%d conflicts=%d", wins.Load(), conflicts.Load())
	}
	if f.agg.linkCalls.Load() != 1 {
		t.Fatalf("expected one aggregator call, got %d", f.agg.linkCalls.Load())
	}
}

func TestRequestLink_ExpiresStaleOpenSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _ := f.machine.RequestLink(ctx, "u1")
	f.advance(11 * time.Minute)

	second, err := f.machine.RequestLink(ctx, "u1")
	if err != nil {
		t.Fatalf("RequestLink after TTL: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a new session")
	}
	old, _ := f.store.GetSession(ctx, first.ID)
	if old.State != models.SessionExpired {
		t.Fatalf("expected old session expired, got %s", old.State)
	}
}

func TestRequestLink_TimeoutRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agg.linkErr = errTimeout

	_, err := f.machine.RequestLink(ctx, "u1")
	if !aggregator.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if _, err := f.store.OpenSessionForUser(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no open session after timeout, got %v", err)
	}

	f.agg.linkErr = nil
	if _, err := f.machine.RequestLink(ctx, "u1"); err != nil {
		t.Fatalf("retry after timeout: %v", err)
	}
}

func TestRequestLink_CallerCancelStillReleasesSession(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"timeout", errTimeout},
		{"server error", errServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := store.NewMemoryStore()
			agg := &stubAggregator{linkErr: tt.err}
			m := NewMachine(ctxStore{backend}, agg, tokens.NewStore(backend, nil), Options{})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			agg.onLink = cancel

			if _, err := m.RequestLink(ctx, "u1"); err == nil {
				t.Fatal("expected RequestLink to fail")
			}
			if _, err := backend.OpenSessionForUser(context.Background(), "u1"); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("session left open after cancelled request, got %v", err)
			}

			agg.linkErr = nil
			agg.onLink = nil
			if _, err := m.RequestLink(context.Background(), "u1"); err != nil {
				t.Fatalf("retry: %v", err)
			}
		})
	}
}

func TestRequestLink_AggregatorErrorFailsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agg.linkErr = errServer

	_, err := f.machine.RequestLink(ctx, "u1")
	if aggErr, ok := aggregator.AsError(err); !ok || aggErr.Kind != aggregator.KindTransient {
		t.Fatalf("expected transient aggregator error, got %v", err)
	}
	if _, err := f.store.OpenSessionForUser(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed session must not stay open, got %v", err)
	}
}

func TestCompleteExchange_Links(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.machine.RequestLink(ctx, "u1")

	linked, err := f.machine.CompleteExchange(ctx, s.ID, "public-sandbox-1")
	if err != nil {
		t.Fatalf("CompleteExchange: %v", err)
	}
	if linked.State != models.SessionLinked || linked.ItemID != "item-1" {
		t.Fatalf("unexpected session %+v", linked)
	}

	tok, err := f.tokens.Get(ctx, "u1", "item-1")
	if err != nil || !tok.Active() || tok.Value != "access-sandbox-1" {
		t.Fatalf("expected stored active token, got %+v, %v", tok, err)
	}
}

func TestCompleteExchange_SecondCallIsStateError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.machine.RequestLink(ctx, "u1")
	_, _ = f.machine.CompleteExchange(ctx, s.ID, "public-sandbox-1")

	_, err := f.machine.CompleteExchange(ctx, s.ID, "public-sandbox-1")
	if !apperr.Is(err, apperr.KindState) {
		t.Fatalf("expected state error, got %v", err)
	}
	if f.agg.exchangeCalls.Load() != 1 {
		t.Fatalf("expected one exchange, got %d", f.agg.exchangeCalls.Load())
	}
}

func TestCompleteExchange_ConcurrentCallsExchangeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.machine.RequestLink(ctx, "u1")
	f.agg.exchangeGate = make(chan struct{})

	var wg sync.WaitGroup
	var wins, stateErrs atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.machine.CompleteExchange(ctx, s.ID, "public-sandbox-1")
			switch {
			case err == nil:
				wins.Add(1)
			case apperr.Is(err, apperr.KindState):
				stateErrs.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(f.agg.exchangeGate)
	wg.Wait()

	if wins.Load() != 1 || stateErrs.Load() != 7 {
		t.Fatalf("wins=%d stateErrs=%d", wins.Load(), stateErrs.Load())
	}
	if f.agg.exchangeCalls.Load() != 1 {
		t.Fatalf("expected one exchange, got %d", f.agg.exchangeCalls.Load())
	}
	if f.machine.locks.len() != 0 {
		t.Fatalf("expected lock registry to drain, got %d", f.machine.locks.len())
	}
}

func TestCompleteExchange_ExpiredSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.machine.RequestLink(ctx, "u1")
	f.advance(10 * time.Minute)

	_, err := f.machine.CompleteExchange(ctx, s.ID, "public-sandbox-1")
	if !apperr.Is(err, apperr.KindState) {
		t.Fatalf("expected state error, got %v", err)
	}
	got, _ := f.store.GetSession(ctx, s.ID)
	if got.State != models.SessionExpired {
		t.Fatalf("expected expired, got %s", got.State)
	}
	if f.agg.exchangeCalls.Load() != 0 {
		t.Fatal("expired session must not reach the aggregator")
	}
}

func TestCompleteExchange_TimeoutLeavesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.machine.RequestLink(ctx, "u1")
	f.agg.exchangeErr = errTimeout

	if _, err := f.machine.CompleteExchange(ctx, s.ID, "public-sandbox-1"); !aggregator.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	got, _ := f.store.GetSession(ctx, s.ID)
	if got.State != models.SessionAwaitingExchange {
		t.Fatalf("expected session unchanged, got %s", got.State)
	}
}

func TestCompleteExchange_RejectedFailsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.machine.RequestLink(ctx, "u1")
	f.agg.exchangeErr = errRejected

	_, err := f.machine.CompleteExchange(ctx, s.ID, "bad")
	if aggErr, ok := aggregator.AsError(err); !ok || aggErr.Kind != aggregator.KindRejected {
		t.Fatalf("expected rejected, got %v", err)
	}
	got, _ := f.store.GetSession(ctx, s.ID)
	if got.State != models.SessionFailed || got.FailureReason == "" {
		t.Fatalf("expected failed session with reason, got %+v", got)
	}
	if _, err := f.tokens.Get(ctx, "u1", "item-1"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("no token may be stored, got %v", err)
	}
}

func TestCompleteExchange_UnstorableTokenRemovesItem(t *testing.T) {
	backend := store.NewMemoryStore()
	agg := &stubAggregator{}
	m := NewMachine(backend, agg, tokens.NewStore(backend, failingCipher{}), Options{})
	ctx := context.Background()

	s, err := m.RequestLink(ctx, "u1")
	if err != nil {
		t.Fatalf("RequestLink: %v", err)
	}
	if _, err := m.CompleteExchange(ctx, s.ID, "public-sandbox-1"); !apperr.Is(err, apperr.KindInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if len(agg.removed) != 1 || agg.removed[0] != "access-sandbox-1" {
		t.Fatalf("expected orphaned item removed, got %v", agg.removed)
	}
	got, _ := backend.GetSession(ctx, s.ID)
	if got.State != models.SessionFailed {
		t.Fatalf("expected failed session, got %s", got.State)
	}
}

func TestCompleteExchange_UnknownSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.machine.CompleteExchange(context.Background(), "missing", "public"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestFailOpenSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.machine.RequestLink(ctx, "u1")

	changed, err := f.machine.FailOpenSession(ctx, "u1", "item-1", "ITEM_LOGIN_REQUIRED")
	if err != nil || !changed {
		t.Fatalf("FailOpenSession: changed=%v err=%v", changed, err)
	}
	got, _ := f.store.GetSession(ctx, s.ID)
	if got.State != models.SessionFailed || got.FailureReason != "ITEM_LOGIN_REQUIRED" {
		t.Fatalf("unexpected session %+v", got)
	}

	changed, err = f.machine.FailOpenSession(ctx, "u1", "item-1", "again")
	if err != nil || changed {
		t.Fatalf("second FailOpenSession: changed=%v err=%v", changed, err)
	}
}

func TestFailOpenSession_StaleSessionExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.machine.RequestLink(ctx, "u1")
	f.advance(11 * time.Minute)

	changed, err := f.machine.FailOpenSession(ctx, "u1", "item-1", "ITEM_LOGIN_REQUIRED")
	if err != nil || changed {
		t.Fatalf("FailOpenSession: changed=%v err=%v", changed, err)
	}
	got, _ := f.store.GetSession(ctx, s.ID)
	if got.State != models.SessionExpired || got.FailureReason != "" {
		t.Fatalf("expected expired session, got %+v", got)
	}
}

func TestFailOpenSession_OtherItemLeftAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := &models.LinkSession{
		ID:        "s-relink",
		UserID:    "u1",
		ItemID:    "item-a",
		State:     models.SessionAwaitingExchange,
		CreatedAt: *f.now,
		UpdatedAt: *f.now,
		ExpiresAt: f.now.Add(10 * time.Minute),
	}
	if err := f.store.CreateSession(ctx, s); err != nil {
		t.Fatalf("create session: %v", err)
	}

	changed, err := f.machine.FailOpenSession(ctx, "u1", "item-b", "ITEM_LOGIN_REQUIRED")
	if err != nil || changed {
		t.Fatalf("FailOpenSession: changed=%v err=%v", changed, err)
	}
	got, _ := f.store.GetSession(ctx, s.ID)
	if got.State != models.SessionAwaitingExchange {
		t.Fatalf("session for another item changed to %s", got.State)
	}

	changed, err = f.machine.FailOpenSession(ctx, "u1", "item-a", "ITEM_LOGIN_REQUIRED")
	if err != nil || !changed {
		t.Fatalf("matching item: changed=%v err=%v", changed, err)
	}
}

func TestSession_ExpiresOnAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.machine.RequestLink(ctx, "u1")

	got, err := f.machine.Session(ctx, s.ID)
	if err != nil || got.State != models.SessionAwaitingExchange {
		t.Fatalf("fresh session: %+v, %v", got, err)
	}

	f.advance(10 * time.Minute)
	got, err = f.machine.Session(ctx, s.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if got.State != models.SessionExpired {
		t.Fatalf("expected expired on access, got %s", got.State)
	}
	stored, _ := f.store.GetSession(ctx, s.ID)
	if stored.State != models.SessionExpired {
		t.Fatalf("expiry was not persisted: %s", stored.State)
	}
}

func TestSweep_ExpiresAndPurges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale, _ := f.machine.RequestLink(ctx, "u1")
	done, _ := f.machine.RequestLink(ctx, "u2")
	_, _ = f.machine.CompleteExchange(ctx, done.ID, "public-sandbox-2")

	f.advance(10 * time.Minute)
	expired, err := f.machine.ExpireStale(ctx)
	if err != nil || expired != 1 {
		t.Fatalf("ExpireStale: expired=%d err=%v", expired, err)
	}
	got, _ := f.machine.Session(ctx, stale.ID)
	if got.State != models.SessionExpired {
		t.Fatalf("expected expired, got %s", got.State)
	}

	f.advance(25 * time.Hour)
	purged, err := f.machine.PurgeTerminal(ctx)
	if err != nil || purged != 2 {
		t.Fatalf("PurgeTerminal: purged=%d err=%v", purged, err)
	}
	if _, err := f.machine.Session(ctx, done.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected purged session to be gone, got %v", err)
	}
}

func TestRun_StopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.machine.Run(ctx, time.Millisecond) }()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
