package handlers

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"link-server/src/apperr"
	"link-server/src/models"
	"link-server/src/util"
)

type TokenStore interface {
	Get(ctx context.Context, userID, itemID string) (*models.AccessToken, error)
	Revoke(ctx context.Context, userID, itemID string) error
}

type ItemRemover interface {
	RemoveItem(ctx context.Context, accessToken string) error
}

// DeleteItem removes an item at the aggregator and revokes its token.
// Deleting an item whose token is already revoked is a no-op.
func DeleteItem(tokens TokenStore, remover ItemRemover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		itemID := chi.URLParam(r, "itemId")
		var req struct {
			UserID string `json:"userId"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if !util.ValidateUserID(req.UserID) || !util.ValidateItemID(itemID) {
			writeError(w, r, apperr.BadRequest("userId and itemId are required"))
			return
		}

		token, err := tokens.Get(r.Context(), req.UserID, itemID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if token.Active() {
			if err := remover.RemoveItem(r.Context(), token.Value); err != nil {
				log.Printf("ERROR: Failed to remove item %s at aggregator for user %s: %v", itemID, req.UserID, err)
				writeError(w, r, err)
				return
			}
			if err := tokens.Revoke(r.Context(), req.UserID, itemID); err != nil {
				writeError(w, r, err)
				return
			}
			log.Printf("INFO: Removed item %s for user %s", itemID, req.UserID)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"removed": true,
			"itemId":  itemID,
		})
	}
}
