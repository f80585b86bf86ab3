// Package store declares the persistence collaborator the chat core depends on.
package store

import (
	"context"
	"errors"
	"time"

	"pairchat/server/internal/models"
)

var (
	// ErrNotFound is returned when a lookup by id matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrStale is returned when a conditional write lost against newer state.
	ErrStale = errors.New("store: stale write")
)

type UserStore interface {
	FindUser(ctx context.Context, id int64) (*models.User, error)
}

type SessionStore interface {
	FindSession(ctx context.Context, id int64) (*models.Session, error)
	// FindOrCreateSession returns the single session of the unordered pair {a, b}.
	FindOrCreateSession(ctx context.Context, a, b int64) (*models.Session, bool, error)
	ListSessionsForUser(ctx context.Context, userID int64) ([]models.Session, error)
	UpdateLastMessage(ctx context.Context, sessionID, messageID int64, at time.Time) error
	SetBlock(ctx context.Context, sessionID int64, block models.BlockRecord) error
}

// MessageFilter selects a page of a session's history as seen by ViewerID.
type MessageFilter struct {
	SessionID int64
	ViewerID  int64
	Limit     int
	Offset    int
}

type MessageStore interface {
	// CreateMessage assigns ID and timestamps. When m.ClientID repeats an earlier
	// message of the same sender in the same session, m is filled with the stored
	// row and created is false.
	CreateMessage(ctx context.Context, m *models.Message) (created bool, err error)
	FindMessage(ctx context.Context, id int64) (*models.Message, error)
	// AdvanceStatus moves the message to `to` only if its current status precedes
	// it. The check and the write are one atomic step. changed is false when the
	// message was already at or past `to`.
	AdvanceStatus(ctx context.Context, id, recipientID int64, to models.MessageStatus, at time.Time) (*models.Message, bool, error)
	// MarkSessionRead marks every unread message addressed to readerID as read
	// and returns the affected ids.
	MarkSessionRead(ctx context.Context, sessionID, readerID int64, at time.Time) ([]int64, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]models.Message, int, error)
	DeleteMessageForUser(ctx context.Context, id, userID int64) error
	// ClearSession removes every message of the session and resets its last-message pointer.
	ClearSession(ctx context.Context, sessionID int64) (int64, error)
}

type PresenceStore interface {
	// MarkOnline upserts the presence row; the newest connection wins.
	MarkOnline(ctx context.Context, userID int64, connectionID string, at time.Time) (*models.Presence, error)
	// MarkOffline flips the row offline only when connectionID is the recorded
	// one; otherwise it returns ErrStale and changes nothing.
	MarkOffline(ctx context.Context, userID int64, connectionID string, at time.Time) (*models.Presence, error)
	// RebindPresence moves the recorded connection from fromConnID to
	// toConnID and keeps the user online. It returns ErrStale when fromConnID
	// is no longer the recorded connection.
	RebindPresence(ctx context.Context, userID int64, fromConnID, toConnID string, at time.Time) (*models.Presence, error)
	FindPresence(ctx context.Context, userID int64) (*models.Presence, error)
}

// Store is the full collaborator.
type Store interface {
	UserStore
	SessionStore
	MessageStore
	PresenceStore
	Close()
}
