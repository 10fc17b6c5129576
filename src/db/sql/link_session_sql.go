package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"link-server/src/models"
	"link-server/src/store"
)

const sessionColumns = `id, user_id, state, COALESCE(link_token, ''), COALESCE(item_id, ''), COALESCE(failure_reason, ''), created_at, updated_at, expires_at`

func scanSession(row pgx.Row) (*models.LinkSession, error) {
	var s models.LinkSession
	var state string
	err := row.Scan(&s.ID, &s.UserID, &state, &s.LinkToken, &s.ItemID, &s.FailureReason, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	s.State = models.SessionState(state)
	return &s, nil
}

func (s *Store) CreateSession(ctx context.Context, session *models.LinkSession) error {
	query := `
		INSERT INTO link_sessions (id, user_id, state, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query,
		session.ID,
		session.UserID,
		string(session.State),
		session.CreatedAt,
		session.UpdatedAt,
		session.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.LinkSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM link_sessions WHERE id = $1`
	return scanSession(s.pool.QueryRow(ctx, query, id))
}

func (s *Store) OpenSessionForUser(ctx context.Context, userID string) (*models.LinkSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM link_sessions
		WHERE user_id = $1 AND state = ANY($2)
	`
	return scanSession(s.pool.QueryRow(ctx, query, userID, stateNames(models.OpenStates)))
}

func (s *Store) TransitionSession(ctx context.Context, id string, from []models.SessionState, u store.SessionUpdate) (*models.LinkSession, error) {
	query := `
		UPDATE link_sessions
		SET state = $2,
			updated_at = $3,
			link_token = COALESCE(NULLIF($4, ''), link_token),
			item_id = COALESCE(NULLIF($5, ''), item_id),
			failure_reason = COALESCE(NULLIF($6, ''), failure_reason)
		WHERE id = $1
			AND state = ANY($7)
			AND ($4 = '' OR link_token IS NULL)
		RETURNING ` + sessionColumns

	updated, err := scanSession(s.pool.QueryRow(ctx, query,
		id,
		string(u.State),
		u.At,
		u.LinkToken,
		u.ItemID,
		u.FailureReason,
		stateNames(from),
	))
	if errors.Is(err, store.ErrNotFound) {
		// Distinguish a missing session from a lost conditional update.
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, store.ErrConflict
	}
	return updated, err
}

func (s *Store) DeleteSession(ctx context.Context, id string, state models.SessionState) error {
	cmd, err := s.pool.Exec(ctx, `DELETE FROM link_sessions WHERE id = $1 AND state = $2`, id, string(state))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return getErr
		}
		return store.ErrConflict
	}
	return nil
}

func (s *Store) StaleSessions(ctx context.Context, now time.Time) ([]models.LinkSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM link_sessions
		WHERE state = ANY($1) AND expires_at <= $2
		ORDER BY expires_at
	`
	rows, err := s.pool.Query(ctx, query, stateNames(models.OpenStates), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.LinkSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func (s *Store) PurgeTerminalSessions(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM link_sessions WHERE NOT (state = ANY($1)) AND updated_at < $2`
	cmd, err := s.pool.Exec(ctx, query, stateNames(models.OpenStates), before)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func stateNames(states []models.SessionState) []string {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	return names
}
