// Package tokens manages long-lived aggregator access tokens: storage at
// rest, rotation, and revocation.
package tokens

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"link-server/src/apperr"
	"link-server/src/models"
	"link-server/src/store"
	"link-server/src/util"
)

type Store struct {
	backend store.TokenStore
	cipher  util.Cipher
	now     func() time.Time
}

func NewStore(backend store.TokenStore, cipher util.Cipher) *Store {
	if cipher == nil {
		cipher = util.PlainCipher{}
	}
	return &Store{backend: backend, cipher: cipher, now: time.Now}
}

// Save records a new access token for (userID, itemID). An active token for
// the same pair is revoked in the same step.
func (s *Store) Save(ctx context.Context, userID, itemID, value string) (*models.AccessToken, error) {
	sealed, err := s.cipher.Encrypt(value)
	if err != nil {
		return nil, apperr.Internal(err, "failed to seal access token")
	}

	token := &models.AccessToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		ItemID:    itemID,
		Value:     sealed,
		CreatedAt: s.now().UTC(),
	}
	if err := s.backend.SaveToken(ctx, token); err != nil {
		return nil, apperr.Internal(err, "failed to save access token")
	}

	token.Value = value
	return token, nil
}

// Get returns the newest token for the pair, revoked or not.
func (s *Store) Get(ctx context.Context, userID, itemID string) (*models.AccessToken, error) {
	token, err := s.backend.LatestToken(ctx, userID, itemID)
	if err != nil {
		return nil, s.mapErr(err, "failed to load access token", map[string]any{"user_id": userID, "item_id": itemID})
	}
	return s.open(token)
}

// GetByItem resolves the newest token for an item regardless of user.
func (s *Store) GetByItem(ctx context.Context, itemID string) (*models.AccessToken, error) {
	token, err := s.backend.LatestTokenForItem(ctx, itemID)
	if err != nil {
		return nil, s.mapErr(err, "failed to load access token", map[string]any{"item_id": itemID})
	}
	return s.open(token)
}

// Revoke marks the pair's token revoked. Revoking an already revoked token
// succeeds without moving its timestamp.
func (s *Store) Revoke(ctx context.Context, userID, itemID string) error {
	_, err := s.backend.RevokeToken(ctx, userID, itemID, s.now().UTC())
	if err != nil {
		return s.mapErr(err, "failed to revoke access token", map[string]any{"user_id": userID, "item_id": itemID})
	}
	return nil
}

func (s *Store) open(token *models.AccessToken) (*models.AccessToken, error) {
	value, err := s.cipher.Decrypt(token.Value)
	if err != nil {
		return nil, apperr.Internal(err, "failed to open access token")
	}
	token.Value = value
	return token, nil
}

func (s *Store) mapErr(err error, msg string, meta map[string]any) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("no access token for item", meta)
	}
	return apperr.Internal(err, msg)
}
