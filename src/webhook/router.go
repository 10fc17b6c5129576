package webhook

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"link-server/src/apperr"
	"link-server/src/models"
	"link-server/src/store"
)

type TokenStore interface {
	GetByItem(ctx context.Context, itemID string) (*models.AccessToken, error)
	Revoke(ctx context.Context, userID, itemID string) error
}

type SessionFailer interface {
	FailOpenSession(ctx context.Context, userID, itemID, reason string) (bool, error)
}

// Result describes what happened to an accepted webhook.
type Result struct {
	EventID   string
	Kind      Kind
	Duplicate bool
}

type Router struct {
	verifier Verifier
	events   store.EventStore
	tokens   TokenStore
	sessions SessionFailer
	now      func() time.Time
}

func NewRouter(verifier Verifier, events store.EventStore, tokens TokenStore, sessions SessionFailer) *Router {
	return &Router{
		verifier: verifier,
		events:   events,
		tokens:   tokens,
		sessions: sessions,
		now:      time.Now,
	}
}

// Handle verifies body, records it once by event id, and dispatches it.
// Redeliveries of an already handled event succeed without side effects.
func (r *Router) Handle(ctx context.Context, body []byte, header http.Header) (Result, error) {
	if err := r.verifier.Verify(ctx, body, header); err != nil {
		log.Printf("SECURITY: Rejected webhook with invalid signature: %v", err)
		return Result{}, apperr.Auth("webhook signature verification failed")
	}

	evt, err := ParseEvent(body)
	if err != nil {
		return Result{}, apperr.BadRequest("webhook body is not valid JSON")
	}
	res := Result{EventID: evt.ID, Kind: evt.Kind}

	inserted, err := r.events.RecordEvent(ctx, &models.WebhookEvent{
		EventID:    evt.ID,
		ItemID:     evt.ItemID,
		Type:       evt.Type,
		Payload:    body,
		ReceivedAt: r.now().UTC(),
	})
	if err != nil {
		return Result{}, apperr.Internal(err, "failed to record webhook event")
	}
	if !inserted {
		log.Printf("INFO: Ignoring duplicate webhook %s", evt.ID)
		res.Duplicate = true
		return res, nil
	}

	if err := r.dispatch(ctx, evt); err != nil {
		// Release the record so the aggregator's retry gets processed.
		if forgetErr := r.events.ForgetEvent(ctx, evt.ID); forgetErr != nil {
			log.Printf("ERROR: Failed to release webhook %s after dispatch error: %v", evt.ID, forgetErr)
		}
		return Result{}, err
	}
	return res, nil
}

func (r *Router) dispatch(ctx context.Context, evt *Event) error {
	switch evt.Kind {
	case KindItemError:
		return r.handleItemError(ctx, evt)
	case KindPermissionRevoked:
		return r.handlePermissionRevoked(ctx, evt)
	case KindPendingExpiration:
		log.Printf("INFO: Item %s access is about to expire (webhook %s)", evt.ItemID, evt.ID)
		return nil
	default:
		log.Printf("INFO: Acknowledged unhandled webhook type %q (%s)", evt.Type, evt.ID)
		return nil
	}
}

func (r *Router) handleItemError(ctx context.Context, evt *Event) error {
	owner, ok, err := r.owner(ctx, evt)
	if !ok {
		return err
	}

	reason := "item error"
	if evt.Error != nil && evt.Error.ErrorCode != "" {
		reason = evt.Error.ErrorCode
	}
	changed, err := r.sessions.FailOpenSession(ctx, owner.UserID, evt.ItemID, reason)
	if err != nil {
		return err
	}
	log.Printf("INFO: Item %s reported %s (webhook %s, session failed: %v)", evt.ItemID, reason, evt.ID, changed)
	return nil
}

func (r *Router) handlePermissionRevoked(ctx context.Context, evt *Event) error {
	owner, ok, err := r.owner(ctx, evt)
	if !ok {
		return err
	}
	if err := r.tokens.Revoke(ctx, owner.UserID, evt.ItemID); err != nil {
		return err
	}
	log.Printf("INFO: Revoked access token for item %s (webhook %s)", evt.ItemID, evt.ID)
	return nil
}

// owner resolves the token record for the event's item. Events about items
// this server never linked are acknowledged and dropped.
func (r *Router) owner(ctx context.Context, evt *Event) (*models.AccessToken, bool, error) {
	if evt.ItemID == "" {
		log.Printf("WARN: Webhook %s (%s) has no item_id", evt.ID, evt.Kind)
		return nil, false, nil
	}
	tok, err := r.tokens.GetByItem(ctx, evt.ItemID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) || errors.Is(err, store.ErrNotFound) {
			log.Printf("WARN: Webhook %s references unknown item %s", evt.ID, evt.ItemID)
			return nil, false, nil
		}
		return nil, false, err
	}
	return tok, true, nil
}
