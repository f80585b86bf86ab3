package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pairchat/server/internal/events"
)

const DefaultTTL = 8 * time.Second

type key struct {
	session int64
	user    int64
}

// Tracker records typing state and emits typing:start / typing:stop to the
// session room. Entries started through this node are also kept locally so
// their expiry and their connection's disconnect can emit the stop event.
type Tracker struct {
	store Store
	pub   events.Publisher
	ttl   time.Duration
	log   *slog.Logger
	now   func() time.Time

	mu    sync.Mutex
	local map[key]Entry
}

func NewTracker(st Store, pub events.Publisher, ttl time.Duration, log *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		store: st,
		pub:   pub,
		ttl:   ttl,
		log:   log.With(slog.String("component", "typing")),
		now:   time.Now,
		local: make(map[key]Entry),
	}
}

// Start marks userID as typing in sessionID. Only the first start of a run is
// broadcast; repeats just extend the deadline.
func (t *Tracker) Start(ctx context.Context, sessionID, userID int64, userName, connID string) error {
	e := Entry{
		SessionID: sessionID,
		UserID:    userID,
		UserName:  userName,
		ConnID:    connID,
		ExpiresAt: t.now().Add(t.ttl),
	}
	k := key{sessionID, userID}

	t.mu.Lock()
	_, already := t.local[k]
	t.local[k] = e
	t.mu.Unlock()

	if err := t.store.Put(ctx, e); err != nil {
		t.log.Warn("failed to store typing state", slog.Int64("session", sessionID), slog.Any("error", err))
	}
	if !already {
		t.emit(events.TypingStart, e, connID)
	}
	return nil
}

// Stop clears userID's typing state in sessionID and broadcasts typing:stop
// if there was any.
func (t *Tracker) Stop(ctx context.Context, sessionID, userID int64, connID string) error {
	k := key{sessionID, userID}
	t.mu.Lock()
	e, had := t.local[k]
	delete(t.local, k)
	t.mu.Unlock()

	removed, err := t.store.Remove(ctx, sessionID, userID)
	if err != nil {
		t.log.Warn("failed to clear typing state", slog.Int64("session", sessionID), slog.Any("error", err))
	}
	if !had && !removed {
		return nil
	}
	if !had {
		e = Entry{SessionID: sessionID, UserID: userID}
	}
	t.emit(events.TypingStop, e, connID)
	return nil
}

// ClearConnection stops every run started by connID. The stop still reaches
// the counterparty; the closed connection is not excluded because it has
// already left the room.
func (t *Tracker) ClearConnection(ctx context.Context, connID string) {
	t.mu.Lock()
	var gone []Entry
	for k, e := range t.local {
		if e.ConnID == connID {
			gone = append(gone, e)
			delete(t.local, k)
		}
	}
	t.mu.Unlock()

	for _, e := range gone {
		if _, err := t.store.Remove(ctx, e.SessionID, e.UserID); err != nil {
			t.log.Warn("failed to clear typing state", slog.Int64("session", e.SessionID), slog.Any("error", err))
		}
		t.emit(events.TypingStop, e, "")
	}
}

// Typing lists who is typing in sessionID right now.
func (t *Tracker) Typing(ctx context.Context, sessionID int64) ([]Entry, error) {
	return t.store.List(ctx, sessionID)
}

// Sweep expires runs whose deadline has passed and returns how many it stopped.
func (t *Tracker) Sweep(ctx context.Context) int {
	now := t.now()
	t.mu.Lock()
	var expired []Entry
	for k, e := range t.local {
		if !e.ExpiresAt.After(now) {
			expired = append(expired, e)
			delete(t.local, k)
		}
	}
	t.mu.Unlock()

	for _, e := range expired {
		if _, err := t.store.Remove(ctx, e.SessionID, e.UserID); err != nil {
			t.log.Warn("failed to expire typing state", slog.Int64("session", e.SessionID), slog.Any("error", err))
		}
		t.emit(events.TypingStop, e, "")
	}
	return len(expired)
}

// Run sweeps expired entries until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.ttl / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

func (t *Tracker) emit(typ events.Type, e Entry, except string) {
	t.pub.ToSession(e.SessionID, events.New(typ, events.TypingPayload{
		SessionID: e.SessionID,
		UserID:    e.UserID,
		UserName:  e.UserName,
	}), except)
}
