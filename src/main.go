package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"link-server/src/aggregator"
	"link-server/src/api"
	"link-server/src/config"
	"link-server/src/db"
	dbsql "link-server/src/db/sql"
	"link-server/src/linking"
	"link-server/src/plaid"
	"link-server/src/store"
	"link-server/src/telemetry"
	"link-server/src/tokens"
	"link-server/src/util"
	"link-server/src/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("ERROR: %v", err)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "link-server", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracing setup failed: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("WARN: Failed to flush traces: %v", err)
		}
	}()

	backend, closeStore, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer closeStore()

	var cipher util.Cipher = util.PlainCipher{}
	if cfg.TokenEncryptionKey != "" {
		enc, err := util.NewEncryptor(cfg.TokenEncryptionKey)
		if err != nil {
			return fmt.Errorf("token encryption: %w", err)
		}
		cipher = enc
	} else {
		log.Printf("WARN: TOKEN_ENCRYPTION_KEY not set, access tokens are stored unencrypted")
	}
	tokenStore := tokens.NewStore(backend, cipher)

	plaidClient, err := plaid.NewPlaidClient(cfg.Plaid.ClientID, cfg.Plaid.Secret, cfg.Plaid.Env, nil)
	if err != nil {
		return err
	}
	gateway, err := plaid.NewGateway(plaidClient, cfg.Plaid)
	if err != nil {
		return err
	}
	policy := aggregator.DefaultPolicy()
	policy.Timeout = cfg.AggregatorTimeout
	aggClient := aggregator.NewClient(gateway, policy)

	machine := linking.NewMachine(backend, aggClient, tokenStore, linking.Options{
		TTL:       cfg.LinkSessionTTL,
		Retention: cfg.SessionRetention,
	})

	var verifier webhook.Verifier
	switch cfg.Webhook.Verifier {
	case config.VerifierPlaid:
		keys, err := plaid.NewKeyCache(plaidClient, time.Hour)
		if err != nil {
			return err
		}
		defer keys.Close()
		verifier = webhook.NewPlaidVerifier(keys)
	default:
		verifier = webhook.NewHMACVerifier(cfg.Webhook.SigningSecret)
	}
	webhooks := webhook.NewRouter(verifier, backend, tokenStore, machine)

	router := api.NewRouter(api.Deps{
		Linker:         machine,
		Webhooks:       webhooks,
		Tokens:         tokenStore,
		Remover:        aggClient,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("INFO: API server running on %s (plaid env %s, webhook verifier %s)", cfg.Addr(), cfg.Plaid.Env, cfg.Webhook.Verifier)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return machine.Run(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("INFO: Server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Println("INFO: Server stopped")
	return nil
}

// openStore connects to Postgres when databaseURL is set and falls back to
// process memory otherwise.
func openStore(ctx context.Context, databaseURL string) (store.Store, func(), error) {
	if databaseURL == "" {
		log.Printf("WARN: DATABASE_URL not set, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := db.Connect(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("DB connection failed: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("DB migration failed: %w", err)
	}
	return dbsql.NewStore(pool), pool.Close, nil
}
