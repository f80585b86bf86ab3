package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"pairchat/server/internal/apperror"
	"pairchat/server/internal/events"
	"pairchat/server/internal/metrics"
	"pairchat/server/internal/models"
	"pairchat/server/internal/relay"
	"pairchat/server/internal/store"
)

// SessionFinder loads the session record a join is checked against.
type SessionFinder interface {
	FindSession(ctx context.Context, id int64) (*models.Session, error)
}

// Hub tracks live connections, their personal channels, and session rooms.
// Room membership is only ever changed through Join, Leave and Unregister, and
// Join is the single place where session membership is verified.
type Hub struct {
	nodeID   string
	sessions SessionFinder
	relay    relay.Relay
	metrics  *metrics.Metrics
	log      *slog.Logger

	// connection id -> client
	conns cmap.ConcurrentMap[string, *Client]
	// user id -> that user's clients; maps are replaced, never mutated in place
	users cmap.ConcurrentMap[int64, map[string]*Client]

	mu    sync.RWMutex
	rooms map[int64]map[string]*Client
}

var _ events.Publisher = (*Hub)(nil)

func shardUser(id int64) uint32 {
	u := uint64(id)
	return uint32(u ^ (u >> 32))
}

// NewHub creates a new hub. rl may be relay.Nop{} for a single node.
func NewHub(nodeID string, sessions SessionFinder, rl relay.Relay, m *metrics.Metrics, log *slog.Logger) *Hub {
	return &Hub{
		nodeID:   nodeID,
		sessions: sessions,
		relay:    rl,
		metrics:  m,
		log:      log.With(slog.String("component", "hub")),
		conns:    cmap.New[*Client](),
		users:    cmap.NewWithCustomShardingFunction[int64, map[string]*Client](shardUser),
		rooms:    make(map[int64]map[string]*Client),
	}
}

// Start subscribes to frames relayed from other nodes until ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	return h.relay.Subscribe(ctx, h.HandleRemote)
}

// Register adds a client to the registry and to its user's personal channel.
func (h *Hub) Register(c *Client) {
	h.conns.Set(c.ID, c)
	h.users.Upsert(c.UserID, nil, func(_ bool, cur, _ map[string]*Client) map[string]*Client {
		next := make(map[string]*Client, len(cur)+1)
		for id, other := range cur {
			next[id] = other
		}
		next[c.ID] = c
		return next
	})
	h.metrics.Connections.WithLabelValues(h.nodeID).Inc()
	h.log.Info("client connected", slog.String("conn", c.ID), slog.Int64("user", c.UserID))
}

// Unregister detaches a client from its room, its personal channel and the
// registry. It returns the room the client was in and whether this call did the
// work; a second call for the same client is a no-op.
func (h *Hub) Unregister(c *Client) (int64, bool) {
	h.mu.Lock()
	if c.detached {
		h.mu.Unlock()
		return 0, false
	}
	c.detached = true
	prev := c.session
	if prev != 0 {
		h.removeFromRoomLocked(prev, c)
		c.session = 0
	}
	h.mu.Unlock()

	h.conns.Remove(c.ID)
	h.users.Upsert(c.UserID, nil, func(_ bool, cur, _ map[string]*Client) map[string]*Client {
		next := make(map[string]*Client, len(cur))
		for id, other := range cur {
			if id != c.ID {
				next[id] = other
			}
		}
		return next
	})
	h.users.RemoveCb(c.UserID, func(_ int64, v map[string]*Client, exists bool) bool {
		return exists && len(v) == 0
	})

	h.metrics.Connections.WithLabelValues(h.nodeID).Dec()
	h.log.Info("client disconnected", slog.String("conn", c.ID), slog.Int64("user", c.UserID), slog.Int64("session", prev))
	return prev, true
}

// Join validates that the client's user participates in the session and only
// then moves the client into the session's room, leaving any previous room.
// A refused join leaves every room untouched.
func (h *Hub) Join(ctx context.Context, c *Client, sessionID int64) (*models.Session, error) {
	sess, err := h.sessions.FindSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		h.metrics.JoinRejected.WithLabelValues("not_found").Inc()
		return nil, apperror.NotFound("session not found")
	}
	if err != nil {
		return nil, apperror.Unavailable("failed to load session", err)
	}
	if !sess.HasParticipant(c.UserID) {
		h.metrics.JoinRejected.WithLabelValues("not_participant").Inc()
		h.log.Warn("join refused: not a participant",
			slog.Int64("user", c.UserID), slog.Int64("session", sessionID), slog.String("conn", c.ID))
		return nil, apperror.PermissionDenied("you are not a participant in this session")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if c.detached {
		return nil, apperror.Stale("connection closed")
	}
	if c.session != 0 && c.session != sessionID {
		h.removeFromRoomLocked(c.session, c)
	}
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[sessionID] = room
	}
	room[c.ID] = c
	c.session = sessionID
	return sess, nil
}

// Leave removes the client from the room. Leaving a room the client is not in
// is a no-op and returns false.
func (h *Hub) Leave(c *Client, sessionID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.session == 0 || c.session != sessionID {
		return false
	}
	h.removeFromRoomLocked(sessionID, c)
	c.session = 0
	return true
}

func (h *Hub) removeFromRoomLocked(sessionID int64, c *Client) {
	room, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	delete(room, c.ID)
	if len(room) == 0 {
		delete(h.rooms, sessionID)
	}
}

// CurrentSession returns the room the client is in, 0 when none.
func (h *Hub) CurrentSession(c *Client) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.session
}

// InRoom reports whether the client is currently registered in the session's room.
func (h *Hub) InRoom(c *Client, sessionID int64) bool {
	return sessionID != 0 && h.CurrentSession(c) == sessionID
}

// ToSession broadcasts to the room on this node and relays to the others.
func (h *Hub) ToSession(sessionID int64, ev events.Event, exceptConnID string) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("failed to marshal event", slog.String("type", string(ev.Type)), slog.Any("error", err))
		return
	}
	h.metrics.EventsOut.WithLabelValues(string(ev.Type)).Inc()
	h.deliverSession(sessionID, data, exceptConnID)
	h.publishRemote(relay.KindSession, sessionID, exceptConnID, data)
}

// ToUser sends to every connection of the user, on this node and the others.
func (h *Hub) ToUser(userID int64, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("failed to marshal event", slog.String("type", string(ev.Type)), slog.Any("error", err))
		return
	}
	h.metrics.EventsOut.WithLabelValues(string(ev.Type)).Inc()
	h.deliverUser(userID, data)
	h.publishRemote(relay.KindUser, userID, "", data)
}

// HandleRemote delivers a frame relayed from another node to local members.
func (h *Hub) HandleRemote(env relay.Envelope) {
	if env.Origin == h.nodeID {
		return
	}
	switch env.Kind {
	case relay.KindSession:
		h.deliverSession(env.Target, env.Frame, env.Except)
	case relay.KindUser:
		h.deliverUser(env.Target, env.Frame)
	default:
		h.log.Warn("unknown relay kind", slog.String("kind", string(env.Kind)))
	}
}

func (h *Hub) deliverSession(sessionID int64, data []byte, exceptConnID string) {
	// Snapshot under the read lock, send outside it, so a slow or vanishing
	// client never holds up membership changes or the rest of the room.
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[sessionID]))
	for id, c := range h.rooms[sessionID] {
		if id != exceptConnID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, data)
	}
}

func (h *Hub) deliverUser(userID int64, data []byte) {
	clients, ok := h.users.Get(userID)
	if !ok {
		return
	}
	for _, c := range clients {
		h.deliver(c, data)
	}
}

func (h *Hub) deliver(c *Client, data []byte) {
	if _, kicked := c.enqueue(data); kicked {
		h.metrics.SlowConsumers.WithLabelValues(h.nodeID).Inc()
	}
}

func (h *Hub) publishRemote(kind relay.Kind, target int64, except string, data []byte) {
	env := relay.Envelope{Origin: h.nodeID, Kind: kind, Target: target, Except: except, Frame: data}
	if err := h.relay.Publish(context.Background(), env); err != nil {
		h.log.Warn("relay publish failed", slog.String("kind", string(kind)), slog.Int64("target", target), slog.Any("error", err))
	}
}

// RoomMembers lists the connection ids in a session's room.
func (h *Hub) RoomMembers(sessionID int64) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rooms[sessionID]))
	for id := range h.rooms[sessionID] {
		ids = append(ids, id)
	}
	return ids
}

// IsUserOnline checks if a user has a connection on this node
func (h *Hub) IsUserOnline(userID int64) bool {
	return h.users.Has(userID)
}

// OtherConnection returns another live connection of the user on this node.
func (h *Hub) OtherConnection(userID int64, exceptConnID string) (*Client, bool) {
	clients, ok := h.users.Get(userID)
	if !ok {
		return nil, false
	}
	for id, c := range clients {
		if id != exceptConnID {
			return c, true
		}
	}
	return nil, false
}

// GetOnlineCount returns the number of connections on this node
func (h *Hub) GetOnlineCount() int {
	return h.conns.Count()
}

// RoomCount returns the number of non-empty rooms on this node.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Shutdown closes every connection; their read pumps then run the normal
// disconnect path.
func (h *Hub) Shutdown() {
	for _, c := range h.conns.Items() {
		c.Close()
	}
}
