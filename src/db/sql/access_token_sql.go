package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"link-server/src/models"
	"link-server/src/store"
)

const tokenColumns = `id, user_id, item_id, access_token, created_at, revoked_at`

func scanToken(row pgx.Row) (*models.AccessToken, error) {
	var t models.AccessToken
	err := row.Scan(&t.ID, &t.UserID, &t.ItemID, &t.Value, &t.CreatedAt, &t.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *Store) SaveToken(ctx context.Context, t *models.AccessToken) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		revoke := `
			UPDATE access_tokens
			SET revoked_at = $3
			WHERE user_id = $1 AND item_id = $2 AND revoked_at IS NULL
		`
		if _, err := tx.Exec(ctx, revoke, t.UserID, t.ItemID, t.CreatedAt); err != nil {
			return err
		}

		insert := `
			INSERT INTO access_tokens (id, user_id, item_id, access_token, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`
		_, err := tx.Exec(ctx, insert, t.ID, t.UserID, t.ItemID, t.Value, t.CreatedAt)
		return err
	})
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) LatestToken(ctx context.Context, userID, itemID string) (*models.AccessToken, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM access_tokens
		WHERE user_id = $1 AND item_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanToken(s.pool.QueryRow(ctx, query, userID, itemID))
}

func (s *Store) LatestTokenForItem(ctx context.Context, itemID string) (*models.AccessToken, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM access_tokens
		WHERE item_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanToken(s.pool.QueryRow(ctx, query, itemID))
}

func (s *Store) RevokeToken(ctx context.Context, userID, itemID string, at time.Time) (bool, error) {
	query := `
		UPDATE access_tokens
		SET revoked_at = $3
		WHERE user_id = $1 AND item_id = $2 AND revoked_at IS NULL
	`
	cmd, err := s.pool.Exec(ctx, query, userID, itemID, at)
	if err != nil {
		return false, err
	}
	if cmd.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM access_tokens WHERE user_id = $1 AND item_id = $2)`,
		userID, itemID,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}
