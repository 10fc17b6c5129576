package handlers

import (
	"context"
	"io"
	"net/http"

	"link-server/src/apperr"
	"link-server/src/webhook"
)

type WebhookRouter interface {
	Handle(ctx context.Context, body []byte, header http.Header) (webhook.Result, error)
}

const maxWebhookBody = 1 << 20

func ReceiveWebhook(router WebhookRouter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil || len(body) > maxWebhookBody {
			writeError(w, r, apperr.BadRequest("unreadable webhook body"))
			return
		}

		if _, err := router.Handle(r.Context(), body, r.Header); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}
