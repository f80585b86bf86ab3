package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat/server/internal/apperror"
	"pairchat/server/internal/events"
	"pairchat/server/internal/metrics"
	"pairchat/server/internal/relay"
	"pairchat/server/internal/store/memstore"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingRelay struct {
	mu        sync.Mutex
	published []relay.Envelope
}

func (r *recordingRelay) Publish(_ context.Context, env relay.Envelope) error {
	r.mu.Lock()
	r.published = append(r.published, env)
	r.mu.Unlock()
	return nil
}

func (r *recordingRelay) Subscribe(context.Context, relay.Handler) error { return nil }
func (r *recordingRelay) Close() error                                   { return nil }

func (r *recordingRelay) envelopes() []relay.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relay.Envelope(nil), r.published...)
}

type hubFixture struct {
	hub   *Hub
	store *memstore.Store
	relay *recordingRelay
	m     *metrics.Metrics
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	st := memstore.New(memstore.WithAutoUsers())
	st.AddSession(1, 10, 20)
	st.AddSession(2, 10, 30)
	rl := &recordingRelay{}
	m := metrics.New("pairchat", "test")
	return &hubFixture{
		hub:   NewHub("node-a", st, rl, m, discard),
		store: st,
		relay: rl,
		m:     m,
	}
}

func newTestClient(userID int64, buffer int) *Client {
	return NewClient(userID, "", nil, Options{SendBuffer: buffer}, discard)
}

// drain returns the frames queued for c without blocking.
func drain(c *Client) []events.Event {
	var out []events.Event
	for {
		select {
		case data := <-c.send:
			var ev events.Event
			if err := json.Unmarshal(data, &ev); err == nil {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func TestJoin_NonParticipantLeavesMembershipUnchanged(t *testing.T) {
	f := newHubFixture(t)
	c := newTestClient(30, 8)
	f.hub.Register(c)

	_, err := f.hub.Join(context.Background(), c, 2)
	require.NoError(t, err)

	_, err = f.hub.Join(context.Background(), c, 1)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.CodePermissionDenied))

	assert.Equal(t, int64(2), f.hub.CurrentSession(c))
	assert.Empty(t, f.hub.RoomMembers(1))
	assert.Equal(t, []string{c.ID}, f.hub.RoomMembers(2))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.JoinRejected.WithLabelValues("not_participant")))
}

func TestJoin_UnknownSession(t *testing.T) {
	f := newHubFixture(t)
	c := newTestClient(10, 8)
	f.hub.Register(c)

	_, err := f.hub.Join(context.Background(), c, 99)
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))
	assert.Equal(t, int64(0), f.hub.CurrentSession(c))
}

func TestJoin_SingleActiveSession(t *testing.T) {
	f := newHubFixture(t)
	c := newTestClient(10, 8)
	f.hub.Register(c)

	_, err := f.hub.Join(context.Background(), c, 1)
	require.NoError(t, err)
	_, err = f.hub.Join(context.Background(), c, 2)
	require.NoError(t, err)

	assert.Empty(t, f.hub.RoomMembers(1))
	assert.Equal(t, []string{c.ID}, f.hub.RoomMembers(2))
	assert.True(t, f.hub.InRoom(c, 2))
	assert.False(t, f.hub.InRoom(c, 1))
	assert.Equal(t, 1, f.hub.RoomCount())
}

func TestJoin_AfterUnregisterIsStale(t *testing.T) {
	f := newHubFixture(t)
	c := newTestClient(10, 8)
	f.hub.Register(c)
	f.hub.Unregister(c)

	_, err := f.hub.Join(context.Background(), c, 1)
	assert.True(t, apperror.Is(err, apperror.CodeStale))
	assert.Empty(t, f.hub.RoomMembers(1))
}

func TestLeave_Idempotent(t *testing.T) {
	f := newHubFixture(t)
	c := newTestClient(10, 8)
	f.hub.Register(c)
	_, err := f.hub.Join(context.Background(), c, 1)
	require.NoError(t, err)

	assert.False(t, f.hub.Leave(c, 2))
	assert.True(t, f.hub.Leave(c, 1))
	assert.False(t, f.hub.Leave(c, 1))
	assert.Empty(t, f.hub.RoomMembers(1))
}

func TestUnregister_Idempotent(t *testing.T) {
	f := newHubFixture(t)
	c := newTestClient(10, 8)
	f.hub.Register(c)
	_, err := f.hub.Join(context.Background(), c, 1)
	require.NoError(t, err)

	prev, ok := f.hub.Unregister(c)
	assert.True(t, ok)
	assert.Equal(t, int64(1), prev)

	_, ok = f.hub.Unregister(c)
	assert.False(t, ok)

	assert.False(t, f.hub.IsUserOnline(10))
	assert.Equal(t, 0, f.hub.GetOnlineCount())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.m.Connections.WithLabelValues("node-a")))
}

func TestPersonalChannel_MultipleConnections(t *testing.T) {
	f := newHubFixture(t)
	a1, a2 := newTestClient(10, 8), newTestClient(10, 8)
	f.hub.Register(a1)
	f.hub.Register(a2)

	f.hub.Unregister(a1)
	assert.True(t, f.hub.IsUserOnline(10))

	f.hub.ToUser(10, events.New(events.UserPresence, events.PresencePayload{UserID: 20, IsOnline: true}))
	assert.Empty(t, drain(a1))
	require.Len(t, drain(a2), 1)
	assert.Equal(t, 1, f.hub.GetOnlineCount())
}

func TestToSession_RoomOnlyWithExclusion(t *testing.T) {
	f := newHubFixture(t)
	a, b, outsider := newTestClient(10, 8), newTestClient(20, 8), newTestClient(30, 8)
	for _, c := range []*Client{a, b, outsider} {
		f.hub.Register(c)
	}
	_, err := f.hub.Join(context.Background(), a, 1)
	require.NoError(t, err)
	_, err = f.hub.Join(context.Background(), b, 1)
	require.NoError(t, err)
	_, err = f.hub.Join(context.Background(), outsider, 2)
	require.NoError(t, err)

	f.hub.ToSession(1, events.New(events.TypingStart, events.TypingPayload{SessionID: 1, UserID: 10}), a.ID)

	assert.Empty(t, drain(a))
	assert.Empty(t, drain(outsider))
	got := drain(b)
	require.Len(t, got, 1)
	assert.Equal(t, events.TypingStart, got[0].Type)

	envs := f.relay.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, relay.KindSession, envs[0].Kind)
	assert.Equal(t, int64(1), envs[0].Target)
	assert.Equal(t, a.ID, envs[0].Except)
	assert.Equal(t, "node-a", envs[0].Origin)
}

func TestToSession_ToleratesClosedClient(t *testing.T) {
	f := newHubFixture(t)
	a, b := newTestClient(10, 8), newTestClient(20, 8)
	f.hub.Register(a)
	f.hub.Register(b)
	_, err := f.hub.Join(context.Background(), a, 1)
	require.NoError(t, err)
	_, err = f.hub.Join(context.Background(), b, 1)
	require.NoError(t, err)

	a.Close()
	assert.NotPanics(t, func() {
		f.hub.ToSession(1, events.New(events.MessageNew, nil), "")
	})
	assert.Len(t, drain(b), 1)
}

func TestToSession_SlowConsumerKicked(t *testing.T) {
	f := newHubFixture(t)
	slow, fast := newTestClient(10, 1), newTestClient(20, 8)
	f.hub.Register(slow)
	f.hub.Register(fast)
	_, err := f.hub.Join(context.Background(), slow, 1)
	require.NoError(t, err)
	_, err = f.hub.Join(context.Background(), fast, 1)
	require.NoError(t, err)

	f.hub.ToSession(1, events.New(events.MessageNew, nil), "")
	f.hub.ToSession(1, events.New(events.MessageNew, nil), "")

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow client was not closed")
	}
	assert.Len(t, drain(fast), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.SlowConsumers.WithLabelValues("node-a")))
}

func TestHandleRemote(t *testing.T) {
	f := newHubFixture(t)
	a, b := newTestClient(10, 8), newTestClient(20, 8)
	f.hub.Register(a)
	f.hub.Register(b)
	_, err := f.hub.Join(context.Background(), a, 1)
	require.NoError(t, err)
	_, err = f.hub.Join(context.Background(), b, 1)
	require.NoError(t, err)

	frame, err := json.Marshal(events.New(events.MessageNew, nil))
	require.NoError(t, err)

	f.hub.HandleRemote(relay.Envelope{Origin: "node-a", Kind: relay.KindSession, Target: 1, Frame: frame})
	assert.Empty(t, drain(a))
	assert.Empty(t, drain(b))

	f.hub.HandleRemote(relay.Envelope{Origin: "node-b", Kind: relay.KindSession, Target: 1, Except: a.ID, Frame: frame})
	assert.Empty(t, drain(a))
	assert.Len(t, drain(b), 1)

	f.hub.HandleRemote(relay.Envelope{Origin: "node-b", Kind: relay.KindUser, Target: 10, Frame: frame})
	assert.Len(t, drain(a), 1)
	assert.Empty(t, f.relay.envelopes())
}

func TestShutdownClosesClients(t *testing.T) {
	f := newHubFixture(t)
	c := newTestClient(10, 8)
	f.hub.Register(c)

	f.hub.Shutdown()
	select {
	case <-c.Done():
	default:
		t.Fatal("client still open after shutdown")
	}
}
