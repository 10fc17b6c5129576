package plaid

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/plaid/plaid-go/v41/plaid"
)

// KeyCache resolves webhook verification keys by kid through
// /webhook_verification_key/get and keeps them in memory.
type KeyCache struct {
	client *plaid.APIClient
	cache  *ristretto.Cache
	ttl    time.Duration
}

func NewKeyCache(client *plaid.APIClient, ttl time.Duration) (*KeyCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1000,
		MaxCost:     100,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create key cache: %w", err)
	}
	return &KeyCache{client: client, cache: cache, ttl: ttl}, nil
}

// PublicKey returns the ES256 key for kid.
func (k *KeyCache) PublicKey(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
	if cached, ok := k.cache.Get(kid); ok {
		if key, ok := cached.(*ecdsa.PublicKey); ok {
			return key, nil
		}
	}

	req := *plaid.NewWebhookVerificationKeyGetRequest(kid)
	resp, _, err := k.client.PlaidApi.WebhookVerificationKeyGet(ctx).
		WebhookVerificationKeyGetRequest(req).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("fetch verification key %s: %w", kid, err)
	}

	jwk := resp.GetKey()
	if jwk.Kid != kid {
		return nil, fmt.Errorf("verification key kid mismatch: want %s, got %s", kid, jwk.Kid)
	}
	if jwk.GetExpiredAt() != 0 {
		return nil, fmt.Errorf("verification key %s has expired", kid)
	}
	pub, err := jwkToECDSAPublicKey(&jwk)
	if err != nil {
		return nil, err
	}

	k.cache.SetWithTTL(kid, pub, 1, k.ttl)
	k.cache.Wait()
	return pub, nil
}

func (k *KeyCache) Close() {
	k.cache.Close()
}

func jwkToECDSAPublicKey(jwk *plaid.JWKPublicKey) (*ecdsa.PublicKey, error) {
	if jwk == nil || jwk.X == "" || jwk.Y == "" ||
		jwk.Kty != "EC" ||
		jwk.Crv != "P-256" {
		return nil, errors.New("invalid/unsupported JWK")
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
