// Package presence keeps each user's online state and tells their chat
// partners when it changes.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"pairchat/server/internal/apperror"
	"pairchat/server/internal/events"
	"pairchat/server/internal/models"
	"pairchat/server/internal/store"
)

const stripes = 64

// Store is the persistence the tracker needs.
type Store interface {
	store.PresenceStore
	ListSessionsForUser(ctx context.Context, userID int64) ([]models.Session, error)
}

// Tracker serializes presence transitions per user. The store's conditional
// offline write decides stale disconnects; the stripe lock keeps a user's
// row write and the fan-out that follows it in the same order.
type Tracker struct {
	store Store
	pub   events.Publisher
	log   *slog.Logger
	now   func() time.Time

	locks [stripes]sync.Mutex
}

func NewTracker(st Store, pub events.Publisher, log *slog.Logger) *Tracker {
	return &Tracker{
		store: st,
		pub:   pub,
		log:   log.With(slog.String("component", "presence")),
		now:   time.Now,
	}
}

func (t *Tracker) lock(userID int64) *sync.Mutex {
	return &t.locks[uint64(userID)%stripes]
}

// OnConnect records connID as the user's current connection and fans out
// online presence to every partner.
func (t *Tracker) OnConnect(ctx context.Context, userID int64, connID string) (*models.Presence, error) {
	mu := t.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	p, err := t.store.MarkOnline(ctx, userID, connID, t.now())
	if err != nil {
		return nil, apperror.Unavailable("failed to update presence", err)
	}
	t.fanOut(ctx, p)
	return p, nil
}

// OnDisconnect settles presence after connID closed. When connID is still the
// recorded connection and survivor reports another live connection of the
// user, the record moves to it without a fan-out; otherwise the user goes
// offline. survivor runs under the user's lock so the hand-over and a
// concurrent close of the survivor are ordered. A superseded connection is
// discarded and reported as false. The result is true only when the user
// went offline.
func (t *Tracker) OnDisconnect(ctx context.Context, userID int64, connID string, survivor func() (string, bool)) (bool, error) {
	mu := t.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	now := t.now()
	if survivor != nil {
		if next, ok := survivor(); ok && next != connID {
			_, err := t.store.RebindPresence(ctx, userID, connID, next, now)
			if err == nil {
				t.log.Debug("presence rebound", slog.Int64("user", userID), slog.String("from", connID), slog.String("to", next))
				return false, nil
			}
			if !t.stale(err) {
				return false, apperror.Unavailable("failed to update presence", err)
			}
			t.log.Debug("stale disconnect discarded", slog.Int64("user", userID), slog.String("conn", connID))
			return false, nil
		}
	}

	p, err := t.store.MarkOffline(ctx, userID, connID, now)
	if t.stale(err) {
		t.log.Debug("stale disconnect discarded", slog.Int64("user", userID), slog.String("conn", connID))
		return false, nil
	}
	if err != nil {
		return false, apperror.Unavailable("failed to update presence", err)
	}
	t.fanOut(ctx, p)
	return true, nil
}

func (t *Tracker) stale(err error) bool {
	return errors.Is(err, store.ErrStale) || errors.Is(err, store.ErrNotFound)
}

// Get returns the stored presence, offline with a zero last-seen when unknown.
func (t *Tracker) Get(ctx context.Context, userID int64) (*models.Presence, error) {
	p, err := t.store.FindPresence(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.Presence{UserID: userID}, nil
	}
	if err != nil {
		return nil, apperror.Unavailable("failed to load presence", err)
	}
	return p, nil
}

// Partners returns every user that shares a session with userID.
func (t *Tracker) Partners(ctx context.Context, userID int64) ([]int64, error) {
	sessions, err := t.store.ListSessionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return lo.Uniq(lo.FilterMap(sessions, func(s models.Session, _ int) (int64, bool) {
		return s.Other(userID)
	})), nil
}

func (t *Tracker) fanOut(ctx context.Context, p *models.Presence) {
	partners, err := t.Partners(ctx, p.UserID)
	if err != nil {
		// Presence is stored; partners catch up from the session list.
		t.log.Warn("failed to load partners", slog.Int64("user", p.UserID), slog.Any("error", err))
		return
	}
	ev := events.New(events.UserPresence, events.PresencePayload{
		UserID:   p.UserID,
		IsOnline: p.IsOnline,
		LastSeen: p.LastSeen,
	})
	for _, partner := range partners {
		t.pub.ToUser(partner, ev)
	}
}
