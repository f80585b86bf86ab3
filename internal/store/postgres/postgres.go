// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pairchat/server/internal/models"
	"pairchat/server/internal/store"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const messageColumns = `id, session_id, from_user_id, to_user_id, body, kind, status, client_id,
	delivered_at, read_at, reply_to, deleted_for, created_at, updated_at`

const sessionColumns = `id, user1_id, user2_id, block_user1, block_user2, last_message_id,
	last_message_at, created_at, updated_at`

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var clientID *string
	err := row.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.RecipientID, &m.Body, &m.Kind, &m.Status,
		&clientID, &m.DeliveredAt, &m.ReadAt, &m.ReplyTo, &m.DeletedFor, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if clientID != nil {
		m.ClientID = *clientID
	}
	return &m, nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	err := row.Scan(&sess.ID, &sess.UserAID, &sess.UserBID, &sess.Block.UserA, &sess.Block.UserB,
		&sess.LastMessageID, &sess.LastMessageAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) FindUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `SELECT id, name, avatar, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Avatar, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}
