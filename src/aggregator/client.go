// Package aggregator wraps the external financial-data provider behind a
// small interface and adds retries, per-attempt timeouts, and tracing.
package aggregator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "link-server/aggregator"

// LinkToken is a short-lived token the client UI uses to start linking.
type LinkToken struct {
	Token     string
	ExpiresAt time.Time
}

// Exchange is the result of trading a public token for long-lived access.
type Exchange struct {
	AccessToken string
	ItemID      string
}

// API is one provider. Each method is a single attempt; failures should be
// returned as *Error so the Client can classify them.
type API interface {
	CreateLinkToken(ctx context.Context, userID string) (LinkToken, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (Exchange, error)
	RemoveItem(ctx context.Context, accessToken string) error
}

// Policy controls retries and per-attempt timeouts.
type Policy struct {
	Timeout     time.Duration
	MaxRetries  uint
	BaseDelay   time.Duration
	Multiplier  float64
	Jitter      float64
	MaxInterval time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Timeout:     10 * time.Second,
		MaxRetries:  3,
		BaseDelay:   200 * time.Millisecond,
		Multiplier:  2,
		Jitter:      0.2,
		MaxInterval: 5 * time.Second,
	}
}

type Client struct {
	api    API
	policy Policy
	tracer trace.Tracer
}

func NewClient(api API, policy Policy) *Client {
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultPolicy().Timeout
	}
	return &Client{
		api:    api,
		policy: policy,
		tracer: otel.Tracer(tracerName),
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.BaseDelay
	b.Multiplier = c.policy.Multiplier
	b.RandomizationFactor = c.policy.Jitter
	if c.policy.MaxInterval > 0 {
		b.MaxInterval = c.policy.MaxInterval
	}
	return b
}

// CreateLinkToken retries transient failures and timeouts.
func (c *Client) CreateLinkToken(ctx context.Context, userID string) (LinkToken, error) {
	return withRetry(ctx, c, "link_token_create", retryTransient, func(ctx context.Context) (LinkToken, error) {
		return c.api.CreateLinkToken(ctx, userID)
	})
}

// ExchangePublicToken only retries when no response came back and the
// attempt did not time out. A public token is single-use, so once the
// aggregator may have consumed it another attempt cannot succeed.
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (Exchange, error) {
	return withRetry(ctx, c, "public_token_exchange", retryUnsent, func(ctx context.Context) (Exchange, error) {
		return c.api.ExchangePublicToken(ctx, publicToken)
	})
}

func (c *Client) RemoveItem(ctx context.Context, accessToken string) error {
	_, err := withRetry(ctx, c, "item_remove", retryTransient, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.api.RemoveItem(ctx, accessToken)
	})
	return err
}

func retryTransient(e *Error) bool { return e.Retryable() }

func retryUnsent(e *Error) bool { return !e.Responded && e.Kind == KindTransient }

func withRetry[T any](ctx context.Context, c *Client, op string, shouldRetry func(*Error) bool, call func(context.Context) (T, error)) (T, error) {
	ctx, span := c.tracer.Start(ctx, "aggregator."+op)
	defer span.End()

	attempts := 0
	operation := func() (T, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
		defer cancel()

		result, err := call(attemptCtx)
		if err == nil {
			return result, nil
		}

		aggErr := classify(op, attemptCtx, err)
		if ctx.Err() != nil || !shouldRetry(aggErr) {
			return result, backoff.Permanent(aggErr)
		}
		return result, aggErr
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.policy.MaxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("WARN: aggregator %s attempt %d failed, retrying in %s: %v", op, attempts, next, err)
		}),
	)
	span.SetAttributes(attribute.Int("aggregator.attempts", attempts))
	if err != nil {
		err = finalError(op, ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	return result, nil
}

// classify turns whatever the provider returned into an *Error. A deadline
// hit on the attempt context is always a timeout.
func classify(op string, attemptCtx context.Context, err error) *Error {
	if aggErr, ok := AsError(err); ok {
		out := *aggErr
		if out.Op == "" {
			out.Op = op
		}
		return &out
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &Error{Op: op, Kind: KindTimeout, Detail: "request timed out", Err: err}
	}
	return &Error{Op: op, Kind: KindTransient, Detail: "request failed", Err: err}
}

// finalError makes sure callers always see an *Error, including when the
// caller's own context ended between attempts.
func finalError(op string, ctx context.Context, err error) error {
	if aggErr, ok := AsError(err); ok {
		return aggErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Kind: KindTimeout, Detail: "request timed out", Err: err}
	}
	if ctx.Err() != nil {
		return &Error{Op: op, Kind: KindTransient, Detail: "request cancelled", Err: err}
	}
	return &Error{Op: op, Kind: KindTransient, Detail: "request failed", Err: err}
}
