package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"link-server/src/handlers"
	"link-server/src/middleware"
)

type Deps struct {
	Linker         handlers.Linker
	Webhooks       handlers.WebhookRouter
	Tokens         handlers.TokenStore
	Remover        handlers.ItemRemover
	AllowedOrigins []string
}

func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging)
	r.Use(middleware.CORSMiddleware(d.AllowedOrigins))

	r.Get("/health", handlers.Health())
	mount(r, d)

	// Same surface under /plaid for clients built against that prefix.
	r.Route("/plaid", func(r chi.Router) {
		mount(r, d)
	})

	return r
}

func mount(r chi.Router, d Deps) {
	r.Post("/link-token", handlers.CreateLinkToken(d.Linker))
	r.Post("/exchange-public-token", handlers.ExchangePublicToken(d.Linker))
	r.Get("/link-sessions/{sessionId}", handlers.GetLinkSession(d.Linker))
	r.Delete("/items/{itemId}", handlers.DeleteItem(d.Tokens, d.Remover))
	r.Post("/webhook", handlers.ReceiveWebhook(d.Webhooks))
}
