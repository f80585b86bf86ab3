package postgres

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"pairchat/server/internal/models"
	"pairchat/server/internal/store"
)

func (s *Store) CreateMessage(ctx context.Context, m *models.Message) (bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO chats (session_id, from_user_id, to_user_id, body, kind, status, client_id, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, from_user_id, client_id) WHERE client_id IS NOT NULL DO NOTHING
		RETURNING `+messageColumns,
		m.SessionID, m.SenderID, m.RecipientID, m.Body, m.Kind, m.Status, nullString(m.ClientID), m.ReplyTo)

	created, err := scanMessage(row)
	if err == nil {
		*m = *created
		return true, nil
	}
	if err != pgx.ErrNoRows || m.ClientID == "" {
		return false, err
	}

	existing, err := scanMessage(s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM chats
		WHERE session_id = $1 AND from_user_id = $2 AND client_id = $3
	`, m.SessionID, m.SenderID, m.ClientID))
	if err != nil {
		return false, notFound(err)
	}
	*m = *existing
	return false, nil
}

func (s *Store) FindMessage(ctx context.Context, id int64) (*models.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM chats WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *Store) AdvanceStatus(ctx context.Context, id, recipientID int64, to models.MessageStatus, at time.Time) (*models.Message, bool, error) {
	var stampColumn string
	switch to {
	case models.StatusDelivered:
		stampColumn = "delivered_at"
	case models.StatusRead:
		stampColumn = "read_at"
	default:
		stampColumn = "updated_at"
	}

	from := make([]string, 0, 3)
	for _, st := range models.StatusesBefore(to) {
		from = append(from, string(st))
	}

	// The status guard in WHERE makes check-and-set a single statement, so a
	// late "delivered" can never overwrite "read".
	m, err := scanMessage(s.pool.QueryRow(ctx, `
		UPDATE chats SET status = $3, `+stampColumn+` = $4, updated_at = $4
		WHERE id = $1 AND to_user_id = $2 AND status = ANY($5)
		RETURNING `+messageColumns, id, recipientID, to, at, from))
	if err == nil {
		return m, true, nil
	}
	if err != pgx.ErrNoRows {
		return nil, false, err
	}

	current, err := s.FindMessage(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if current.RecipientID != recipientID {
		return nil, false, store.ErrNotFound
	}
	return current, false, nil
}

func (s *Store) MarkSessionRead(ctx context.Context, sessionID, readerID int64, at time.Time) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE chats SET status = 'read', read_at = $3, updated_at = $3
		WHERE session_id = $1 AND to_user_id = $2 AND status IN ('sending', 'sent', 'delivered')
		RETURNING id
	`, sessionID, readerID, at)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) ListMessages(ctx context.Context, f store.MessageFilter) ([]models.Message, int, error) {
	visible := sq.And{
		sq.Eq{"session_id": f.SessionID},
		sq.Expr("NOT (? = ANY(deleted_for))", f.ViewerID),
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("chats").Where(visible).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := psql.Select(messageColumns).From("chats").Where(visible).OrderBy("id DESC")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, *m)
	}
	return messages, total, rows.Err()
}

func (s *Store) DeleteMessageForUser(ctx context.Context, id, userID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chats SET deleted_for = array_append(deleted_for, $2), updated_at = NOW()
		WHERE id = $1 AND NOT ($2 = ANY(deleted_for))
	`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		_, err := s.FindMessage(ctx, id)
		return err
	}
	return nil
}

func (s *Store) ClearSession(ctx context.Context, sessionID int64) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE sessions SET last_message_id = NULL, last_message_at = NULL, updated_at = NOW() WHERE id = $1
	`, sessionID); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM chats WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
