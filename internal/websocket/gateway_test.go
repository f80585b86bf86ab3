package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat/server/internal/chat"
	"pairchat/server/internal/events"
	"pairchat/server/internal/metrics"
	"pairchat/server/internal/models"
	"pairchat/server/internal/presence"
	"pairchat/server/internal/relay"
	"pairchat/server/internal/store/memstore"
	"pairchat/server/internal/typing"
)

type gatewayFixture struct {
	gw    *Gateway
	hub   *Hub
	store *memstore.Store
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	st := memstore.New(memstore.WithAutoUsers())
	st.AddSession(42, 7, 9)
	m := metrics.New("pairchat", "test")
	hub := NewHub("node-a", st, relay.Nop{}, m, discard)
	gw := NewGateway(GatewayConfig{
		Hub:      hub,
		Users:    st,
		Chat:     chat.NewService(st, hub, discard),
		Typing:   typing.NewTracker(typing.NewMemoryStore(), hub, time.Minute, discard),
		Presence: presence.NewTracker(st, hub, discard),
		Metrics:  m,
		Logger:   discard,
	})
	return &gatewayFixture{gw: gw, hub: hub, store: st}
}

func (f *gatewayFixture) connect(t *testing.T, userID int64) *Client {
	t.Helper()
	c := newTestClient(userID, 64)
	f.gw.Connect(context.Background(), c)
	return c
}

func (f *gatewayFixture) send(t *testing.T, c *Client, typ events.Type, payload any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": typ, "payload": payload})
	require.NoError(t, err)
	f.gw.Dispatch(context.Background(), c, raw)
}

func (f *gatewayFixture) join(t *testing.T, c *Client, sessionID int64) {
	t.Helper()
	f.send(t, c, events.JoinSession, events.SessionRequest{SessionID: sessionID})
	got := ofType(drain(c), events.SessionJoined)
	require.Len(t, got, 1)
}

func ofType(evs []events.Event, t events.Type) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func payloadAs[T any](t *testing.T, ev events.Event) T {
	t.Helper()
	raw, err := json.Marshal(ev.Payload)
	require.NoError(t, err)
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestGateway_SendReachesRoomOnce(t *testing.T) {
	f := newGatewayFixture(t)
	a, b := f.connect(t, 7), f.connect(t, 9)
	f.join(t, a, 42)
	f.join(t, b, 42)
	drain(a)
	drain(b)

	f.send(t, a, events.MessageSend, events.SendRequest{SessionID: 42, Body: "hello", ClientID: "c-1"})

	got := drain(b)
	news := ofType(got, events.MessageNew)
	require.Len(t, news, 1)
	msg := payloadAs[events.MessageNewPayload](t, news[0]).Message
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, models.StatusSent, msg.Status)

	own := drain(a)
	assert.Empty(t, ofType(own, events.MessageNew))
	acks := ofType(own, events.MessageStatus)
	require.Len(t, acks, 1)
	ack := payloadAs[events.MessageStatusPayload](t, acks[0])
	assert.Equal(t, models.StatusSent, ack.Status)
	assert.Equal(t, "c-1", ack.ClientID)
	assert.Equal(t, msg.ID, ack.MessageID)
}

func TestGateway_UnauthorizedJoin(t *testing.T) {
	f := newGatewayFixture(t)
	a, b := f.connect(t, 7), f.connect(t, 9)
	f.join(t, a, 42)
	f.join(t, b, 42)
	intruder := f.connect(t, 11)

	f.send(t, intruder, events.JoinSession, events.SessionRequest{SessionID: 42})

	errs := ofType(drain(intruder), events.Error)
	require.Len(t, errs, 1)
	payload := payloadAs[events.ErrorPayload](t, errs[0])
	assert.Equal(t, "PERMISSION_DENIED", payload.Code)
	assert.Equal(t, int64(42), payload.SessionID)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, f.hub.RoomMembers(42))
	assert.False(t, f.hub.InRoom(intruder, 42))
}

func TestGateway_ReadReceiptReachesSender(t *testing.T) {
	f := newGatewayFixture(t)
	f.store.AddMessage(models.Message{
		ID: 100, SessionID: 42, SenderID: 7, RecipientID: 9,
		Body: "hi", Kind: models.KindText, Status: models.StatusSent,
	})
	a, b := f.connect(t, 7), f.connect(t, 9)
	f.join(t, a, 42)
	f.join(t, b, 42)
	drain(a)

	f.send(t, b, events.MessageRead, events.ReceiptRequest{MessageID: 100, SessionID: 42})
	f.send(t, b, events.MessageDelivered, events.ReceiptRequest{MessageID: 100, SessionID: 42})

	statuses := ofType(drain(a), events.MessageStatus)
	require.Len(t, statuses, 1)
	payload := payloadAs[events.MessageStatusPayload](t, statuses[0])
	assert.Equal(t, int64(100), payload.MessageID)
	assert.Equal(t, models.StatusRead, payload.Status)
	assert.Empty(t, ofType(drain(b), events.Error))
}

func TestGateway_ReceiptForUnknownMessage(t *testing.T) {
	f := newGatewayFixture(t)
	b := f.connect(t, 9)

	f.send(t, b, events.MessageRead, events.ReceiptRequest{MessageID: 555, SessionID: 42})

	errs := ofType(drain(b), events.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, "NOT_FOUND", payloadAs[events.ErrorPayload](t, errs[0]).Code)
}

func TestGateway_StaleDisconnectKeepsPresence(t *testing.T) {
	f := newGatewayFixture(t)
	partner := f.connect(t, 9)
	oldConn := f.connect(t, 7)
	newConn := f.connect(t, 7)
	drain(partner)

	f.gw.Disconnect(context.Background(), oldConn)

	p, err := f.store.FindPresence(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, p.IsOnline)
	assert.Equal(t, newConn.ID, *p.ConnectionID)
	assert.Empty(t, ofType(drain(partner), events.UserPresence))

	f.gw.Disconnect(context.Background(), newConn)
	presenceEvents := ofType(drain(partner), events.UserPresence)
	require.Len(t, presenceEvents, 1)
	assert.False(t, payloadAs[events.PresencePayload](t, presenceEvents[0]).IsOnline)
}

func TestGateway_RecordedConnectionClosesWhileAnotherStays(t *testing.T) {
	f := newGatewayFixture(t)
	partner := f.connect(t, 9)
	first := f.connect(t, 7)
	latest := f.connect(t, 7)
	drain(partner)

	f.gw.Disconnect(context.Background(), latest)

	p, err := f.store.FindPresence(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, p.IsOnline)
	assert.Equal(t, first.ID, *p.ConnectionID)
	assert.Empty(t, ofType(drain(partner), events.UserPresence))
}

func TestGateway_TwoDevicesCloseTogether(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	partner := f.connect(t, 9)
	first := f.connect(t, 7)
	latest := f.connect(t, 7)
	drain(partner)

	// latest leaves the hub, then first closes completely before latest
	// settles presence.
	latest.Close()
	_, ok := f.hub.Unregister(latest)
	require.True(t, ok)
	f.gw.Disconnect(ctx, first)
	f.gw.release(ctx, latest)

	p, err := f.store.FindPresence(ctx, 7)
	require.NoError(t, err)
	assert.False(t, p.IsOnline)
	assert.Nil(t, p.ConnectionID)

	presence := ofType(drain(partner), events.UserPresence)
	require.Len(t, presence, 1)
	assert.False(t, payloadAs[events.PresencePayload](t, presence[0]).IsOnline)
}

func TestGateway_SurvivorClosesAfterHandOver(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	partner := f.connect(t, 9)
	first := f.connect(t, 7)
	latest := f.connect(t, 7)
	drain(partner)

	f.gw.Disconnect(ctx, latest)
	f.gw.Disconnect(ctx, first)

	p, err := f.store.FindPresence(ctx, 7)
	require.NoError(t, err)
	assert.False(t, p.IsOnline)

	presence := ofType(drain(partner), events.UserPresence)
	require.Len(t, presence, 1)
	assert.False(t, payloadAs[events.PresencePayload](t, presence[0]).IsOnline)
}

func TestGateway_TypingExcludesOriginAndClearsOnDisconnect(t *testing.T) {
	f := newGatewayFixture(t)
	a, b := f.connect(t, 7), f.connect(t, 9)
	f.join(t, a, 42)
	f.join(t, b, 42)
	drain(a)
	drain(b)

	f.send(t, a, events.TypingStart, events.SessionRequest{SessionID: 42})

	assert.Empty(t, ofType(drain(a), events.TypingStart))
	starts := ofType(drain(b), events.TypingStart)
	require.Len(t, starts, 1)
	payload := payloadAs[events.TypingPayload](t, starts[0])
	assert.Equal(t, int64(7), payload.UserID)
	assert.Equal(t, "user-7", payload.UserName)

	f.gw.Disconnect(context.Background(), a)
	f.gw.Disconnect(context.Background(), a)

	stops := ofType(drain(b), events.TypingStop)
	require.Len(t, stops, 1)
	assert.Equal(t, []string{b.ID}, f.hub.RoomMembers(42))
}

func TestGateway_TypingRequiresJoin(t *testing.T) {
	f := newGatewayFixture(t)
	a := f.connect(t, 7)

	f.send(t, a, events.TypingStart, events.SessionRequest{SessionID: 42})

	errs := ofType(drain(a), events.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, "PERMISSION_DENIED", payloadAs[events.ErrorPayload](t, errs[0]).Code)
}

func TestGateway_SendFailureAcksFailed(t *testing.T) {
	f := newGatewayFixture(t)
	a, b := f.connect(t, 7), f.connect(t, 9)
	f.join(t, a, 42)
	f.join(t, b, 42)
	drain(a)
	drain(b)

	f.store.FailWrites(assert.AnError)
	f.send(t, a, events.MessageSend, events.SendRequest{SessionID: 42, Body: "hello", ClientID: "c-2"})

	own := drain(a)
	acks := ofType(own, events.MessageStatus)
	require.Len(t, acks, 1)
	ack := payloadAs[events.MessageStatusPayload](t, acks[0])
	assert.Equal(t, models.StatusFailed, ack.Status)
	assert.Equal(t, "c-2", ack.ClientID)
	errs := ofType(own, events.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, "UNAVAILABLE", payloadAs[events.ErrorPayload](t, errs[0]).Code)
	assert.Empty(t, drain(b))
}

func TestGateway_MalformedFrames(t *testing.T) {
	f := newGatewayFixture(t)
	a := f.connect(t, 7)

	f.gw.Dispatch(context.Background(), a, []byte("{not json"))
	f.send(t, a, "message:explode", map[string]any{})
	f.send(t, a, events.JoinSession, "not an object")

	errs := ofType(drain(a), events.Error)
	require.Len(t, errs, 3)
	for _, ev := range errs {
		assert.Equal(t, "INVALID_ARGUMENT", payloadAs[events.ErrorPayload](t, ev).Code)
	}
}

func TestGateway_RateLimited(t *testing.T) {
	f := newGatewayFixture(t)
	c := NewClient(7, "", nil, Options{SendBuffer: 64, EventRate: 0.001, EventBurst: 1}, discard)
	f.gw.Connect(context.Background(), c)

	f.send(t, c, events.LeaveSession, events.SessionRequest{SessionID: 42})
	f.send(t, c, events.LeaveSession, events.SessionRequest{SessionID: 42})

	errs := ofType(drain(c), events.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, "RATE_LIMITED", payloadAs[events.ErrorPayload](t, errs[0]).Code)
}

func TestGateway_ReadAll(t *testing.T) {
	f := newGatewayFixture(t)
	a, b := f.connect(t, 7), f.connect(t, 9)
	f.join(t, a, 42)
	for i := 0; i < 3; i++ {
		f.send(t, a, events.MessageSend, events.SendRequest{SessionID: 42, Body: "hey"})
	}
	drain(a)

	f.send(t, b, events.MessageReadAll, events.SessionRequest{SessionID: 42})

	reads := ofType(drain(a), events.SessionRead)
	require.Len(t, reads, 1)
	payload := payloadAs[events.SessionReadPayload](t, reads[0])
	assert.Equal(t, 3, payload.Count)
	assert.Len(t, payload.MessageIDs, 3)
}

func TestGateway_CountsEvents(t *testing.T) {
	f := newGatewayFixture(t)
	a := f.connect(t, 7)

	f.join(t, a, 42)
	f.send(t, a, "bogus", map[string]any{})

	assert.Equal(t, 1.0, testutil.ToFloat64(f.gw.metrics.EventsIn.WithLabelValues("join:session")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.gw.metrics.EventsIn.WithLabelValues("unknown")))
	assert.Equal(t, 2, testutil.CollectAndCount(f.gw.metrics.EventLatency))
}
