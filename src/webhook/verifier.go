// Package webhook authenticates aggregator notifications and routes them to
// the token store and the link session state machine.
package webhook

import (
	"context"
	"crypto/ecdsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"link-server/src/util"
)

const (
	SignatureHeader    = "X-Webhook-Signature"
	VerificationHeader = "Plaid-Verification"
)

// Verifier authenticates a raw webhook body before anything parses it.
type Verifier interface {
	Verify(ctx context.Context, body []byte, header http.Header) error
}

// HMACVerifier checks an HMAC-SHA256 of the body under a shared secret.
type HMACVerifier struct {
	secret string
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

func (v *HMACVerifier) Verify(_ context.Context, body []byte, header http.Header) error {
	ok, err := util.VerifyWebhookSignature(v.secret, body, header.Get(SignatureHeader))
	if err != nil {
		return fmt.Errorf("%s: %w", SignatureHeader, err)
	}
	if !ok {
		return errors.New("signature mismatch")
	}
	return nil
}

// KeySource resolves a verification key by kid.
type KeySource interface {
	PublicKey(ctx context.Context, kid string) (*ecdsa.PublicKey, error)
}

// PlaidVerifier checks the ES256 JWT Plaid sends in Plaid-Verification: the
// signature under the key named by kid, an iat no older than MaxAge, and a
// request_body_sha256 claim matching the body.
type PlaidVerifier struct {
	keys   KeySource
	maxAge time.Duration
	now    func() time.Time
}

func NewPlaidVerifier(keys KeySource) *PlaidVerifier {
	return &PlaidVerifier{keys: keys, maxAge: 5 * time.Minute, now: time.Now}
}

func (v *PlaidVerifier) Verify(ctx context.Context, body []byte, header http.Header) error {
	tokenString := header.Get(VerificationHeader)
	if tokenString == "" {
		return fmt.Errorf("missing %s header", VerificationHeader)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(v.now),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid in JWT header")
		}
		return v.keys.PublicKey(ctx, kid)
	})
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return errors.New("missing iat")
	}
	if v.now().Sub(iat.Time) > v.maxAge {
		return fmt.Errorf("token too old (>%s)", v.maxAge)
	}

	wantHash, _ := claims["request_body_sha256"].(string)
	if wantHash == "" {
		return errors.New("missing request_body_sha256")
	}
	gotHash := util.BodySHA256(body)
	if subtle.ConstantTimeCompare([]byte(gotHash), []byte(strings.ToLower(wantHash))) != 1 {
		return errors.New("body hash mismatch")
	}
	return nil
}
