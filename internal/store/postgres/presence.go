package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"pairchat/server/internal/models"
	"pairchat/server/internal/store"
)

func scanPresence(row pgx.Row) (*models.Presence, error) {
	var p models.Presence
	var lastSeen *time.Time
	if err := row.Scan(&p.UserID, &p.IsOnline, &lastSeen, &p.ConnectionID); err != nil {
		return nil, err
	}
	if lastSeen != nil {
		p.LastSeen = *lastSeen
	}
	return &p, nil
}

func (s *Store) MarkOnline(ctx context.Context, userID int64, connectionID string, at time.Time) (*models.Presence, error) {
	return scanPresence(s.pool.QueryRow(ctx, `
		INSERT INTO user_presence (user_id, is_online, last_seen, connection_id, updated_at)
		VALUES ($1, TRUE, $2, $3, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET is_online = TRUE, last_seen = $2, connection_id = $3, updated_at = $2
		RETURNING user_id, is_online, last_seen, connection_id
	`, userID, at, connectionID))
}

func (s *Store) MarkOffline(ctx context.Context, userID int64, connectionID string, at time.Time) (*models.Presence, error) {
	p, err := scanPresence(s.pool.QueryRow(ctx, `
		UPDATE user_presence SET is_online = FALSE, last_seen = $3, connection_id = NULL, updated_at = $3
		WHERE user_id = $1 AND connection_id = $2
		RETURNING user_id, is_online, last_seen, connection_id
	`, userID, connectionID, at))
	if err == pgx.ErrNoRows {
		return nil, store.ErrStale
	}
	return p, err
}

func (s *Store) RebindPresence(ctx context.Context, userID int64, fromConnID, toConnID string, at time.Time) (*models.Presence, error) {
	p, err := scanPresence(s.pool.QueryRow(ctx, `
		UPDATE user_presence SET is_online = TRUE, last_seen = $4, connection_id = $3, updated_at = $4
		WHERE user_id = $1 AND connection_id = $2
		RETURNING user_id, is_online, last_seen, connection_id
	`, userID, fromConnID, toConnID, at))
	if err == pgx.ErrNoRows {
		return nil, store.ErrStale
	}
	return p, err
}

func (s *Store) FindPresence(ctx context.Context, userID int64) (*models.Presence, error) {
	p, err := scanPresence(s.pool.QueryRow(ctx, `
		SELECT user_id, is_online, last_seen, connection_id FROM user_presence WHERE user_id = $1
	`, userID))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}
