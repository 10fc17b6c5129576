package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"link-server/src/models"
	"link-server/src/store"
)

func (s *Store) RecordEvent(ctx context.Context, e *models.WebhookEvent) (bool, error) {
	query := `
		INSERT INTO webhook_events (event_id, item_id, event_type, payload, received_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`
	cmd, err := s.pool.Exec(ctx, query, e.EventID, e.ItemID, e.Type, e.Payload, e.ReceivedAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (s *Store) ForgetEvent(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM webhook_events WHERE event_id = $1`, eventID)
	return err
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	query := `
		SELECT event_id, COALESCE(item_id, ''), event_type, payload, received_at
		FROM webhook_events
		WHERE event_id = $1
	`
	var e models.WebhookEvent
	err := s.pool.QueryRow(ctx, query, eventID).Scan(&e.EventID, &e.ItemID, &e.Type, &e.Payload, &e.ReceivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}
