package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port int

	Plaid   PlaidConfig
	Webhook WebhookConfig

	DatabaseURL        string
	TokenEncryptionKey string

	LinkSessionTTL    time.Duration
	SessionRetention  time.Duration
	SweepInterval     time.Duration
	AggregatorTimeout time.Duration

	AllowedOrigins []string
	OTelEndpoint   string
}

type PlaidConfig struct {
	ClientID     string
	Secret       string
	Env          string
	ClientName   string
	WebhookURL   string
	Products     []string
	CountryCodes []string
}

type WebhookConfig struct {
	SigningSecret string
	Verifier      string
}

// Webhook verifier modes.
const (
	VerifierHMAC  = "hmac"
	VerifierPlaid = "plaid"
)

// rawConfig is what the environment binds to. Numbers and durations stay
// strings here so every bad value can be reported at once.
type rawConfig struct {
	Port               string   `env:"API_PORT" envDefault:"4000"`
	PlaidClientID      string   `env:"PLAID_CLIENT_ID"`
	PlaidSecret        string   `env:"PLAID_SECRET"`
	PlaidEnv           string   `env:"PLAID_ENV" envDefault:"sandbox"`
	PlaidClientName    string   `env:"PLAID_CLIENT_NAME" envDefault:"Link Server"`
	PlaidWebhookURL    string   `env:"PLAID_WEBHOOK_URL"`
	PlaidProducts      []string `env:"PLAID_PRODUCTS" envDefault:"transactions" envSeparator:","`
	PlaidCountryCodes  []string `env:"PLAID_COUNTRY_CODES" envDefault:"US" envSeparator:","`
	WebhookSecret      string   `env:"WEBHOOK_SIGNING_SECRET"`
	WebhookVerifier    string   `env:"WEBHOOK_VERIFIER" envDefault:"hmac"`
	DatabaseURL        string   `env:"DATABASE_URL"`
	TokenEncryptionKey string   `env:"TOKEN_ENCRYPTION_KEY"`
	LinkSessionTTL     string   `env:"LINK_SESSION_TTL" envDefault:"10m"`
	SessionRetention   string   `env:"LINK_SESSION_RETENTION" envDefault:"24h"`
	SweepInterval      string   `env:"SWEEP_INTERVAL" envDefault:"1m"`
	AggregatorTimeout  string   `env:"AGGREGATOR_TIMEOUT" envDefault:"10s"`
	AllowedOrigins     []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	OTelEndpoint       string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads an optional .env file and the process environment.
func Load() (Config, error) {
	// Load .env file if present
	_ = godotenv.Load()

	environ := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			environ[key] = value
		}
	}
	return Parse(environ)
}

// Parse builds a validated Config from the given environment. It never
// stops at the first problem: the returned *ConfigError lists all of them.
func Parse(environ map[string]string) (Config, error) {
	var raw rawConfig
	cfgErr := &ConfigError{}

	if err := env.ParseWithOptions(&raw, env.Options{Environment: environ}); err != nil {
		cfgErr.add("environment", err.Error())
	}

	cfg := Config{
		Plaid: PlaidConfig{
			ClientID:     strings.TrimSpace(raw.PlaidClientID),
			Secret:       strings.TrimSpace(raw.PlaidSecret),
			Env:          strings.ToLower(strings.TrimSpace(raw.PlaidEnv)),
			ClientName:   strings.TrimSpace(raw.PlaidClientName),
			WebhookURL:   strings.TrimSpace(raw.PlaidWebhookURL),
			Products:     trimAll(raw.PlaidProducts),
			CountryCodes: trimAll(raw.PlaidCountryCodes),
		},
		Webhook: WebhookConfig{
			SigningSecret: strings.TrimSpace(raw.WebhookSecret),
			Verifier:      strings.ToLower(strings.TrimSpace(raw.WebhookVerifier)),
		},
		DatabaseURL:        strings.TrimSpace(raw.DatabaseURL),
		TokenEncryptionKey: raw.TokenEncryptionKey,
		AllowedOrigins:     trimAll(raw.AllowedOrigins),
		OTelEndpoint:       strings.TrimSpace(raw.OTelEndpoint),
	}

	port, err := strconv.Atoi(strings.TrimSpace(raw.Port))
	switch {
	case err != nil:
		cfgErr.add("API_PORT", fmt.Sprintf("must be a positive integer, got %q", raw.Port))
	case port <= 0 || port > 65535:
		cfgErr.add("API_PORT", fmt.Sprintf("must be between 1 and 65535, got %d", port))
	default:
		cfg.Port = port
	}

	requireNonEmpty(cfgErr, "PLAID_CLIENT_ID", cfg.Plaid.ClientID)
	requireNonEmpty(cfgErr, "PLAID_SECRET", cfg.Plaid.Secret)
	requireNonEmpty(cfgErr, "WEBHOOK_SIGNING_SECRET", cfg.Webhook.SigningSecret)

	switch cfg.Plaid.Env {
	case "sandbox", "production":
	default:
		cfgErr.add("PLAID_ENV", fmt.Sprintf("must be sandbox or production, got %q", raw.PlaidEnv))
	}
	if cfg.Plaid.ClientName == "" {
		cfgErr.add("PLAID_CLIENT_NAME", "must not be empty")
	}
	if len(cfg.Plaid.Products) == 0 {
		cfgErr.add("PLAID_PRODUCTS", "at least one product is required")
	}
	if len(cfg.Plaid.CountryCodes) == 0 {
		cfgErr.add("PLAID_COUNTRY_CODES", "at least one country code is required")
	}

	switch cfg.Webhook.Verifier {
	case VerifierHMAC, VerifierPlaid:
	default:
		cfgErr.add("WEBHOOK_VERIFIER", fmt.Sprintf("must be hmac or plaid, got %q", raw.WebhookVerifier))
	}

	if n := len(cfg.TokenEncryptionKey); n != 0 && n != 32 {
		cfgErr.add("TOKEN_ENCRYPTION_KEY", fmt.Sprintf("must be exactly 32 bytes, got %d", n))
	}

	cfg.LinkSessionTTL = positiveDuration(cfgErr, "LINK_SESSION_TTL", raw.LinkSessionTTL)
	cfg.SessionRetention = positiveDuration(cfgErr, "LINK_SESSION_RETENTION", raw.SessionRetention)
	cfg.SweepInterval = positiveDuration(cfgErr, "SWEEP_INTERVAL", raw.SweepInterval)
	cfg.AggregatorTimeout = positiveDuration(cfgErr, "AGGREGATOR_TIMEOUT", raw.AggregatorTimeout)

	if len(cfgErr.Fields) > 0 {
		return Config{}, cfgErr
	}
	return cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func requireNonEmpty(cfgErr *ConfigError, key, value string) {
	if value == "" {
		cfgErr.add(key, "is required")
	}
}

func positiveDuration(cfgErr *ConfigError, key, value string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		cfgErr.add(key, fmt.Sprintf("must be a duration like 10m or 30s, got %q", value))
		return 0
	}
	if d <= 0 {
		cfgErr.add(key, fmt.Sprintf("must be positive, got %s", d))
		return 0
	}
	return d
}

func trimAll(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
