package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat/server/internal/apperror"
	"pairchat/server/internal/events"
	"pairchat/server/internal/models"
	"pairchat/server/internal/store/memstore"
)

type fixture struct {
	svc   *Service
	store *memstore.Store
	rec   *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New(memstore.WithAutoUsers())
	st.AddSession(42, 7, 9)
	st.AddSession(43, 7, 11)
	rec := &events.Recorder{}
	return &fixture{
		svc:   NewService(st, rec, slog.New(slog.NewTextHandler(io.Discard, nil))),
		store: st,
		rec:   rec,
	}
}

func TestSend_PersistsThenBroadcasts(t *testing.T) {
	f := newFixture(t)

	msg, created, err := f.svc.Send(context.Background(), SendInput{
		SessionID: 42, SenderID: 7, Body: "hello", OriginConnID: "conn-7",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StatusSent, msg.Status)
	assert.Equal(t, int64(9), msg.RecipientID)
	assert.Equal(t, models.KindText, msg.Kind)

	stored, err := f.store.FindMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Body)

	sess, err := f.store.FindSession(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, sess.LastMessageID)
	assert.Equal(t, msg.ID, *sess.LastMessageID)

	got := f.rec.Deliveries(events.MessageNew)
	require.Len(t, got, 1)
	assert.Equal(t, int64(42), got[0].SessionID)
	assert.Equal(t, "conn-7", got[0].Except)
	payload := got[0].Event.Payload.(events.MessageNewPayload)
	assert.Equal(t, "hello", payload.Message.Body)
}

func TestSend_PersistenceFailureBroadcastsNothing(t *testing.T) {
	f := newFixture(t)
	f.store.FailWrites(errors.New("disk full"))

	_, _, err := f.svc.Send(context.Background(), SendInput{SessionID: 42, SenderID: 7, Body: "hello"})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.CodeUnavailable))
	assert.Empty(t, f.rec.Deliveries())
}

func TestSend_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   SendInput
		code apperror.Code
	}{
		{"empty body", SendInput{SessionID: 42, SenderID: 7, Body: "  "}, apperror.CodeInvalidArgument},
		{"too long", SendInput{SessionID: 42, SenderID: 7, Body: strings.Repeat("a", MaxBodyLength+1)}, apperror.CodeInvalidArgument},
		{"bad kind", SendInput{SessionID: 42, SenderID: 7, Body: "x", Kind: "video"}, apperror.CodeInvalidArgument},
		{"bad client id", SendInput{SessionID: 42, SenderID: 7, Body: "x", ClientID: "a b"}, apperror.CodeInvalidArgument},
		{"unknown session", SendInput{SessionID: 99, SenderID: 7, Body: "x"}, apperror.CodeNotFound},
		{"not a participant", SendInput{SessionID: 42, SenderID: 11, Body: "x"}, apperror.CodePermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.Send(ctx, tt.in)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperror.CodeOf(err))
		})
	}
	assert.Empty(t, f.rec.Deliveries())
}

func TestSend_Blocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetBlocked(ctx, 9, 42, true)
	require.NoError(t, err)

	_, _, err = f.svc.Send(ctx, SendInput{SessionID: 42, SenderID: 7, Body: "hello"})
	assert.True(t, apperror.Is(err, apperror.CodeFailedPrecondition))

	_, err = f.svc.SetBlocked(ctx, 9, 42, false)
	require.NoError(t, err)
	_, _, err = f.svc.Send(ctx, SendInput{SessionID: 42, SenderID: 7, Body: "hello"})
	assert.NoError(t, err)
}

func TestSend_ReplyToOtherSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, _, err := f.svc.Send(ctx, SendInput{SessionID: 43, SenderID: 7, Body: "elsewhere"})
	require.NoError(t, err)

	_, _, err = f.svc.Send(ctx, SendInput{SessionID: 42, SenderID: 7, Body: "reply", ReplyTo: &other.ID})
	assert.True(t, apperror.Is(err, apperror.CodeInvalidArgument))

	first, _, err := f.svc.Send(ctx, SendInput{SessionID: 42, SenderID: 9, Body: "first"})
	require.NoError(t, err)
	reply, _, err := f.svc.Send(ctx, SendInput{SessionID: 42, SenderID: 7, Body: "reply", ReplyTo: &first.ID})
	require.NoError(t, err)
	assert.Equal(t, first.ID, *reply.ReplyTo)
}

func TestSend_RetryWithClientIDIsNotRebroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := SendInput{SessionID: 42, SenderID: 7, Body: "hello", ClientID: "c-1"}

	first, created, err := f.svc.Send(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := f.svc.Send(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, f.rec.Deliveries(events.MessageNew), 1)
}

func TestMarkRead_NotifiesSenderOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddMessage(models.Message{
		ID: 100, SessionID: 42, SenderID: 7, RecipientID: 9,
		Body: "hi", Kind: models.KindText, Status: models.StatusSent, CreatedAt: time.Now(),
	})

	msg, err := f.svc.MarkRead(ctx, 9, 100, 42)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, msg.Status)
	require.NotNil(t, msg.ReadAt)
	readAt := *msg.ReadAt

	// A second read and a late delivered receipt change nothing.
	_, err = f.svc.MarkRead(ctx, 9, 100, 42)
	require.NoError(t, err)
	msg, err = f.svc.MarkDelivered(ctx, 9, 100, 42)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, msg.Status)
	assert.Equal(t, readAt, *msg.ReadAt)

	got := f.rec.Deliveries(events.MessageStatus)
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].UserID)
	payload := got[0].Event.Payload.(events.MessageStatusPayload)
	assert.Equal(t, int64(100), payload.MessageID)
	assert.Equal(t, models.StatusRead, payload.Status)
	assert.Equal(t, readAt, payload.Timestamp)
}

func TestMarkDelivered_ThenRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg, _, err := f.svc.Send(ctx, SendInput{SessionID: 42, SenderID: 7, Body: "hi"})
	require.NoError(t, err)

	delivered, err := f.svc.MarkDelivered(ctx, 9, msg.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, delivered.Status)
	assert.NotNil(t, delivered.DeliveredAt)

	read, err := f.svc.MarkRead(ctx, 9, msg.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, read.Status)
	assert.Len(t, f.rec.Deliveries(events.MessageStatus), 2)
}

func TestReceiptErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg, _, err := f.svc.Send(ctx, SendInput{SessionID: 42, SenderID: 7, Body: "hi"})
	require.NoError(t, err)
	f.rec.Reset()

	_, err = f.svc.MarkRead(ctx, 9, 12345, 42)
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))

	_, err = f.svc.MarkRead(ctx, 9, msg.ID, 43)
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))

	_, err = f.svc.MarkRead(ctx, 7, msg.ID, 42)
	assert.True(t, apperror.Is(err, apperror.CodePermissionDenied))

	assert.Empty(t, f.rec.Deliveries())
}

func TestMarkSessionRead_SingleReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _, err := f.svc.Send(ctx, SendInput{SessionID: 42, SenderID: 7, Body: "ping"})
		require.NoError(t, err)
	}
	_, _, err := f.svc.Send(ctx, SendInput{SessionID: 42, SenderID: 9, Body: "own"})
	require.NoError(t, err)
	f.rec.Reset()

	receipt, err := f.svc.MarkSessionRead(ctx, 42, 9)
	require.NoError(t, err)
	assert.Equal(t, 5, receipt.Count)
	assert.Len(t, receipt.MessageIDs, 5)

	got := f.rec.Deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, events.SessionRead, got[0].Event.Type)
	assert.Equal(t, int64(7), got[0].UserID)
	payload := got[0].Event.Payload.(events.SessionReadPayload)
	assert.Equal(t, 5, payload.Count)

	receipt, err = f.svc.MarkSessionRead(ctx, 42, 9)
	require.NoError(t, err)
	assert.Equal(t, 0, receipt.Count)
	assert.Len(t, f.rec.Deliveries(), 1)
}
