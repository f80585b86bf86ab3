package postgres

import (
	"context"
	"time"

	"pairchat/server/internal/models"
	"pairchat/server/internal/store"
)

func (s *Store) FindSession(ctx context.Context, id int64) (*models.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return sess, nil
}

func (s *Store) FindOrCreateSession(ctx context.Context, a, b int64) (*models.Session, bool, error) {
	a, b = models.NormalizePair(a, b)

	// DO NOTHING returns no row on conflict, so the fallback select below picks
	// up the row a concurrent caller created.
	sess, err := scanSession(s.pool.QueryRow(ctx, `
		INSERT INTO sessions (user1_id, user2_id) VALUES ($1, $2)
		ON CONFLICT (user1_id, user2_id) DO NOTHING
		RETURNING `+sessionColumns, a, b))
	if err == nil {
		return sess, true, nil
	}
	if notFound(err) != store.ErrNotFound {
		return nil, false, err
	}

	sess, err = scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user1_id = $1 AND user2_id = $2`, a, b))
	if err != nil {
		return nil, false, notFound(err)
	}
	return sess, false, nil
}

func (s *Store) ListSessionsForUser(ctx context.Context, userID int64) ([]models.Session, error) {
	query, args, err := psql.Select(sessionColumns).
		From("sessions").
		Where("user1_id = ? OR user2_id = ?", userID, userID).
		OrderBy("last_message_at DESC NULLS LAST", "id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *Store) UpdateLastMessage(ctx context.Context, sessionID, messageID int64, at time.Time) error {
	// A late writer must not move the pointer back to an older message.
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET last_message_id = $2, last_message_at = $3, updated_at = $3
		WHERE id = $1 AND (last_message_id IS NULL OR last_message_id < $2)
	`, sessionID, messageID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.FindSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SetBlock(ctx context.Context, sessionID int64, block models.BlockRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET block_user1 = $2, block_user2 = $3, updated_at = NOW() WHERE id = $1
	`, sessionID, block.UserA, block.UserB)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
