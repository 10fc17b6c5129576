package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"link-server/src/apperr"
	"link-server/src/models"
	"link-server/src/util"
)

type Linker interface {
	RequestLink(ctx context.Context, userID string) (*models.LinkSession, error)
	CompleteExchange(ctx context.Context, sessionID, publicToken string) (*models.LinkSession, error)
	Session(ctx context.Context, sessionID string) (*models.LinkSession, error)
}

func CreateLinkToken(linker Linker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"userId"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if !util.ValidateUserID(req.UserID) {
			writeError(w, r, apperr.BadRequest("userId is required"))
			return
		}

		session, err := linker.RequestLink(r.Context(), req.UserID)
		if err != nil {
			log.Printf("ERROR: Link token creation failed for user %s: %v", req.UserID, err)
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"linkToken": session.LinkToken,
			"sessionId": session.ID,
			"expiresAt": session.ExpiresAt.Format(time.RFC3339),
		})
	}
}

func ExchangePublicToken(linker Linker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID   string `json:"sessionId"`
			PublicToken string `json:"publicToken"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if !util.ValidateSessionID(req.SessionID) {
			writeError(w, r, apperr.BadRequest("sessionId is required"))
			return
		}
		if !util.ValidatePublicToken(req.PublicToken) {
			writeError(w, r, apperr.BadRequest("publicToken is required"))
			return
		}

		session, err := linker.CompleteExchange(r.Context(), req.SessionID, req.PublicToken)
		if err != nil {
			log.Printf("ERROR: Public token exchange failed for session %s: %v", req.SessionID, err)
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"linked": true,
			"itemId": session.ItemID,
		})
	}
}

// GetLinkSession reports a session's state. The link token is left out.
func GetLinkSession(linker Linker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionId")
		if !util.ValidateSessionID(sessionID) {
			writeError(w, r, apperr.NotFound("link session not found", nil))
			return
		}

		session, err := linker.Session(r.Context(), sessionID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		body := map[string]any{
			"sessionId": session.ID,
			"userId":    session.UserID,
			"state":     session.State,
			"createdAt": session.CreatedAt.Format(time.RFC3339),
			"updatedAt": session.UpdatedAt.Format(time.RFC3339),
			"expiresAt": session.ExpiresAt.Format(time.RFC3339),
		}
		if session.ItemID != "" {
			body["itemId"] = session.ItemID
		}
		if session.FailureReason != "" {
			body["failureReason"] = session.FailureReason
		}
		writeJSON(w, http.StatusOK, body)
	}
}
