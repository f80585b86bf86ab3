// Package memstore is an in-process implementation of store.Store used by tests
// and by the memory driver.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"pairchat/server/internal/models"
	"pairchat/server/internal/store"
)

type Option func(*Store)

// WithAutoUsers makes FindUser synthesize a profile for unknown ids.
func WithAutoUsers() Option {
	return func(s *Store) { s.autoUsers = true }
}

type Store struct {
	mu        sync.Mutex
	autoUsers bool

	users    map[int64]models.User
	sessions map[int64]*models.Session
	messages map[int64]*models.Message
	presence map[int64]*models.Presence

	nextSession int64
	nextMessage int64

	// fail, when set, is returned by every write.
	fail error
}

var _ store.Store = (*Store)(nil)

func New(opts ...Option) *Store {
	s := &Store{
		users:    make(map[int64]models.User),
		sessions: make(map[int64]*models.Session),
		messages: make(map[int64]*models.Message),
		presence: make(map[int64]*models.Presence),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FailWrites makes subsequent writes return err; nil restores normal behaviour.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *Store) AddUser(u models.User) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

// AddSession stores a session with a fixed id.
func (s *Store) AddSession(id, a, b int64) *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, b = models.NormalizePair(a, b)
	now := time.Now()
	sess := &models.Session{ID: id, UserAID: a, UserBID: b, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = sess
	if id > s.nextSession {
		s.nextSession = id
	}
	cp := *sess
	return &cp
}

// AddMessage stores m as is, keeping its id.
func (s *Store) AddMessage(m models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := m
	cp.DeletedFor = slices.Clone(m.DeletedFor)
	s.messages[m.ID] = &cp
	if m.ID > s.nextMessage {
		s.nextMessage = m.ID
	}
}

func (s *Store) Close() {}

func (s *Store) FindUser(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return &u, nil
	}
	if s.autoUsers && id > 0 {
		return &models.User{ID: id, Name: fmt.Sprintf("user-%d", id)}, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindSession(_ context.Context, id int64) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) FindOrCreateSession(_ context.Context, a, b int64) (*models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, b = models.NormalizePair(a, b)
	for _, sess := range s.sessions {
		if sess.UserAID == a && sess.UserBID == b {
			cp := *sess
			return &cp, false, nil
		}
	}
	if s.fail != nil {
		return nil, false, s.fail
	}
	s.nextSession++
	now := time.Now()
	sess := &models.Session{ID: s.nextSession, UserAID: a, UserBID: b, CreatedAt: now, UpdatedAt: now}
	s.sessions[sess.ID] = sess
	cp := *sess
	return &cp, true, nil
}

func (s *Store) ListSessionsForUser(_ context.Context, userID int64) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.HasParticipant(userID) {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateLastMessage(_ context.Context, sessionID, messageID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	if sess.LastMessageID != nil && *sess.LastMessageID >= messageID {
		return nil
	}
	id, ts := messageID, at
	sess.LastMessageID = &id
	sess.LastMessageAt = &ts
	sess.UpdatedAt = at
	return nil
}

func (s *Store) SetBlock(_ context.Context, sessionID int64, block models.BlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	sess.Block = block
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *Store) CreateMessage(_ context.Context, m *models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return false, s.fail
	}
	if m.ClientID != "" {
		for _, existing := range s.messages {
			if existing.SessionID == m.SessionID && existing.SenderID == m.SenderID && existing.ClientID == m.ClientID {
				*m = copyMessage(existing)
				return false, nil
			}
		}
	}
	s.nextMessage++
	now := time.Now()
	m.ID = s.nextMessage
	m.CreatedAt = now
	m.UpdatedAt = now
	cp := copyMessage(m)
	s.messages[m.ID] = &cp
	return true, nil
}

// copyMessage detaches DeletedFor so callers never share the stored array.
func copyMessage(m *models.Message) models.Message {
	cp := *m
	cp.DeletedFor = slices.Clone(m.DeletedFor)
	return cp
}

func (s *Store) FindMessage(_ context.Context, id int64) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := copyMessage(m)
	return &cp, nil
}

func (s *Store) AdvanceStatus(_ context.Context, id, recipientID int64, to models.MessageStatus, at time.Time) (*models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, false, s.fail
	}
	m, ok := s.messages[id]
	if !ok || m.RecipientID != recipientID {
		return nil, false, store.ErrNotFound
	}
	if !m.Status.CanAdvanceTo(to) {
		cp := copyMessage(m)
		return &cp, false, nil
	}
	m.Status = to
	m.UpdatedAt = at
	ts := at
	switch to {
	case models.StatusDelivered:
		m.DeliveredAt = &ts
	case models.StatusRead:
		m.ReadAt = &ts
	}
	cp := copyMessage(m)
	return &cp, true, nil
}

func (s *Store) MarkSessionRead(_ context.Context, sessionID, readerID int64, at time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	var ids []int64
	for _, m := range s.messages {
		if m.SessionID != sessionID || m.RecipientID != readerID || !m.Status.CanAdvanceTo(models.StatusRead) {
			continue
		}
		ts := at
		m.Status = models.StatusRead
		m.ReadAt = &ts
		m.UpdatedAt = at
		ids = append(ids, m.ID)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) ListMessages(_ context.Context, f store.MessageFilter) ([]models.Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []models.Message
	for _, m := range s.messages {
		if m.SessionID == f.SessionID && !m.DeletedForUser(f.ViewerID) {
			all = append(all, copyMessage(m))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	if f.Offset >= total {
		return []models.Message{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return all[f.Offset:end], total, nil
}

func (s *Store) DeleteMessageForUser(_ context.Context, id, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	if !m.DeletedForUser(userID) {
		m.DeletedFor = append(slices.Clone(m.DeletedFor), userID)
	}
	return nil
}

func (s *Store) ClearSession(_ context.Context, sessionID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	var n int64
	for id, m := range s.messages {
		if m.SessionID == sessionID {
			delete(s.messages, id)
			n++
		}
	}
	if sess, ok := s.sessions[sessionID]; ok {
		sess.LastMessageID = nil
		sess.LastMessageAt = nil
	}
	return n, nil
}

func (s *Store) MarkOnline(_ context.Context, userID int64, connectionID string, at time.Time) (*models.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	conn := connectionID
	p := &models.Presence{UserID: userID, IsOnline: true, LastSeen: at, ConnectionID: &conn}
	s.presence[userID] = p
	cp := *p
	return &cp, nil
}

func (s *Store) MarkOffline(_ context.Context, userID int64, connectionID string, at time.Time) (*models.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	p, ok := s.presence[userID]
	if !ok || p.ConnectionID == nil || *p.ConnectionID != connectionID {
		return nil, store.ErrStale
	}
	p.IsOnline = false
	p.LastSeen = at
	p.ConnectionID = nil
	cp := *p
	return &cp, nil
}

func (s *Store) RebindPresence(_ context.Context, userID int64, fromConnID, toConnID string, at time.Time) (*models.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	p, ok := s.presence[userID]
	if !ok || p.ConnectionID == nil || *p.ConnectionID != fromConnID {
		return nil, store.ErrStale
	}
	conn := toConnID
	p.IsOnline = true
	p.LastSeen = at
	p.ConnectionID = &conn
	cp := *p
	return &cp, nil
}

func (s *Store) FindPresence(_ context.Context, userID int64) (*models.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}
