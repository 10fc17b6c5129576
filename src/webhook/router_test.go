package webhook

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"link-server/src/apperr"
	"link-server/src/store"
	"link-server/src/tokens"
	"link-server/src/util"
)

const testSecret = "whsec"

type stubSessions struct {
	failed []string
	err    error
}

func (s *stubSessions) FailOpenSession(_ context.Context, userID, _, reason string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.failed = append(s.failed, userID+":"+reason)
	return true, nil
}

type routerFixture struct {
	router   *Router
	store    *store.MemoryStore
	tokens   *tokens.Store
	sessions *stubSessions
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	backend := store.NewMemoryStore()
	tok := tokens.NewStore(backend, nil)
	sessions := &stubSessions{}
	return &routerFixture{
		router:   NewRouter(NewHMACVerifier(testSecret), backend, tok, sessions),
		store:    backend,
		tokens:   tok,
		sessions: sessions,
	}
}

func signed(body string) http.Header {
	h := http.Header{}
	h.Set(SignatureHeader, util.SignWebhook(testSecret, []byte(body)))
	return h
}

func TestHandle_InvalidSignatureRecordsNothing(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	body := `{"event_id":"evt-1","type":"PERMISSION_REVOKED","item_id":"item-1"}`
	_, _ = f.tokens.Save(ctx, "u1", "item-1", "access-1")

	h := http.Header{}
	h.Set(SignatureHeader, util.SignWebhook("wrong", []byte(body)))
	_, err := f.router.Handle(ctx, []byte(body), h)
	if !apperr.Is(err, apperr.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}

	if _, err := f.store.GetEvent(ctx, "evt-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("event must not be recorded, got %v", err)
	}
	tok, _ := f.tokens.Get(ctx, "u1", "item-1")
	if !tok.Active() {
		t.Fatal("token must stay active")
	}
}

func TestHandle_PermissionRevokedReplayRevokesOnce(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	_, _ = f.tokens.Save(ctx, "u1", "item-1", "access-1")
	body := `{"event_id":"evt-1","type":"PERMISSION_REVOKED","item_id":"item-1"}`

	res, err := f.router.Handle(ctx, []byte(body), signed(body))
	if err != nil || res.Duplicate || res.Kind != KindPermissionRevoked {
		t.Fatalf("first delivery: %+v, %v", res, err)
	}
	first, _ := f.tokens.Get(ctx, "u1", "item-1")
	if first.Active() {
		t.Fatal("expected token revoked")
	}

	res, err = f.router.Handle(ctx, []byte(body), signed(body))
	if err != nil || !res.Duplicate {
		t.Fatalf("replay: %+v, %v", res, err)
	}
	second, _ := f.tokens.Get(ctx, "u1", "item-1")
	if !second.RevokedAt.Equal(*first.RevokedAt) {
		t.Fatalf("revocation timestamp changed: %v -> %v", first.RevokedAt, second.RevokedAt)
	}
}

func TestHandle_ItemErrorFailsOwnersSession(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	_, _ = f.tokens.Save(ctx, "u1", "item-1", "access-1")
	body := `{"event_id":"evt-2","type":"ITEM_ERROR","item_id":"item-1","error":{"error_code":"ITEM_LOGIN_REQUIRED"}}`

	if _, err := f.router.Handle(ctx, []byte(body), signed(body)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.sessions.failed) != 1 || f.sessions.failed[0] != "u1:ITEM_LOGIN_REQUIRED" {
		t.Fatalf("unexpected failures %v", f.sessions.failed)
	}
	tok, _ := f.tokens.Get(ctx, "u1", "item-1")
	if !tok.Active() {
		t.Fatal("item errors must not touch the token")
	}
}

func TestHandle_UnknownTypeAndItemAreAcknowledged(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	for _, body := range []string{
		`{"event_id":"evt-3","type":"SOMETHING_NEW"}`,
		`{"event_id":"evt-4","type":"PERMISSION_REVOKED","item_id":"never-linked"}`,
	} {
		if _, err := f.router.Handle(ctx, []byte(body), signed(body)); err != nil {
			t.Fatalf("Handle(%s): %v", body, err)
		}
	}
	if _, err := f.store.GetEvent(ctx, "evt-3"); err != nil {
		t.Fatalf("unknown event should be recorded for audit: %v", err)
	}
}

func TestHandle_DispatchFailureReleasesEvent(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	_, _ = f.tokens.Save(ctx, "u1", "item-1", "access-1")
	f.sessions.err = apperr.Internal(errors.New("db down"), "failed")
	body := `{"event_id":"evt-5","type":"ITEM_ERROR","item_id":"item-1"}`

	if _, err := f.router.Handle(ctx, []byte(body), signed(body)); err == nil {
		t.Fatal("expected dispatch error")
	}
	if _, err := f.store.GetEvent(ctx, "evt-5"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed event must be released, got %v", err)
	}

	f.sessions.err = nil
	res, err := f.router.Handle(ctx, []byte(body), signed(body))
	if err != nil || res.Duplicate {
		t.Fatalf("redelivery should be processed: %+v, %v", res, err)
	}
}

func TestHandle_InvalidJSONIsBadRequest(t *testing.T) {
	f := newRouterFixture(t)
	body := `{oops`
	if _, err := f.router.Handle(context.Background(), []byte(body), signed(body)); !apperr.Is(err, apperr.KindBadRequest) {
		t.Fatalf("expected bad_request, got %v", err)
	}
}
