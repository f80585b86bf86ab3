package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"pairchat/server/internal/apperror"
	"pairchat/server/internal/chat"
	"pairchat/server/internal/events"
	"pairchat/server/internal/metrics"
	"pairchat/server/internal/models"
	"pairchat/server/internal/presence"
	"pairchat/server/internal/store"
	"pairchat/server/internal/typing"
)

const eventTimeout = 10 * time.Second

// Gateway turns authenticated websocket connections into clients and routes
// their events to the chat, typing and presence components.
type Gateway struct {
	hub      *Hub
	users    store.UserStore
	chat     *chat.Service
	typing   *typing.Tracker
	presence *presence.Tracker
	metrics  *metrics.Metrics
	opts     Options
	log      *slog.Logger
}

type GatewayConfig struct {
	Hub      *Hub
	Users    store.UserStore
	Chat     *chat.Service
	Typing   *typing.Tracker
	Presence *presence.Tracker
	Metrics  *metrics.Metrics
	Options  Options
	Logger   *slog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	return &Gateway{
		hub:      cfg.Hub,
		users:    cfg.Users,
		chat:     cfg.Chat,
		typing:   cfg.Typing,
		presence: cfg.Presence,
		metrics:  cfg.Metrics,
		opts:     cfg.Options.withDefaults(),
		log:      cfg.Logger.With(slog.String("component", "gateway")),
	}
}

// Upgrade runs after the auth middleware. It refuses plain HTTP requests and
// tokens whose user no longer exists before the connection is upgraded, so no
// state is ever created for an unauthenticated peer.
func (g *Gateway) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"success": false,
			"error":   "WebSocket upgrade required",
		})
	}

	userID, ok := c.Locals("userID").(int64)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"error":   "Unauthorized",
		})
	}
	user, err := g.users.FindUser(c.UserContext(), userID)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"error":   "Unauthorized - Unknown user",
		})
	}
	if err != nil {
		g.log.Error("failed to load user", slog.Int64("user", userID), slog.Any("error", err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"success": false,
			"error":   "Service unavailable",
		})
	}

	c.Locals("userName", user.Name)
	return c.Next()
}

// Handler returns the fiber handler that serves upgraded connections.
func (g *Gateway) Handler() fiber.Handler {
	return websocket.New(g.serve)
}

func (g *Gateway) serve(conn *websocket.Conn) {
	userID, ok := conn.Locals("userID").(int64)
	if !ok {
		conn.Close()
		return
	}
	userName, _ := conn.Locals("userName").(string)

	client := NewClient(userID, userName, conn, g.opts, g.log)
	ctx := context.Background()
	g.Connect(ctx, client)

	go client.WritePump()
	client.ReadPump(func(raw []byte) {
		g.Dispatch(ctx, client, raw)
	})

	g.Disconnect(ctx, client)
}

// Connect registers the client under its user's personal channel and marks
// the user online.
func (g *Gateway) Connect(ctx context.Context, c *Client) {
	g.hub.Register(c)
	if _, err := g.presence.OnConnect(ctx, c.UserID, c.ID); err != nil {
		g.log.Warn("presence connect failed", slog.Int64("user", c.UserID), slog.String("conn", c.ID), slog.Any("error", err))
	}
}

// Disconnect is the single cleanup path for close, idle timeout and slow
// consumer kicks. Only the first call for a client does anything.
func (g *Gateway) Disconnect(ctx context.Context, c *Client) {
	c.Close()
	if _, ok := g.hub.Unregister(c); !ok {
		return
	}

	g.release(ctx, c)
}

// release drops what the closed connection left behind once it is out of
// the hub. Presence moves to another live connection of the user when there
// is one; the lookup runs inside the presence lock.
func (g *Gateway) release(ctx context.Context, c *Client) {
	g.typing.ClearConnection(ctx, c.ID)

	survivor := func() (string, bool) {
		other, ok := g.hub.OtherConnection(c.UserID, c.ID)
		if !ok {
			return "", false
		}
		return other.ID, true
	}
	if _, err := g.presence.OnDisconnect(ctx, c.UserID, c.ID, survivor); err != nil {
		g.log.Warn("presence disconnect failed", slog.Int64("user", c.UserID), slog.String("conn", c.ID), slog.Any("error", err))
	}
}

// Dispatch handles one inbound frame. Events of one connection are handled
// in arrival order, so its messages are persisted and broadcast in order.
func (g *Gateway) Dispatch(ctx context.Context, c *Client, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("panic while handling event",
				slog.String("conn", c.ID), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			g.emitError(c, apperror.New(apperror.CodeInternal, "internal error"), 0)
		}
	}()

	if !c.Allow() {
		g.emitError(c, apperror.RateLimited("too many events, slow down"), 0)
		return
	}

	var in events.Incoming
	if err := json.Unmarshal(raw, &in); err != nil {
		g.emitError(c, apperror.InvalidArg("invalid message format"), 0)
		return
	}
	label := metricType(in.Type)
	g.metrics.EventsIn.WithLabelValues(label).Inc()
	start := time.Now()
	defer func() {
		g.metrics.EventLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	var err error
	var sessionID int64
	switch in.Type {
	case events.JoinSession:
		sessionID, err = g.handleJoin(ctx, c, in.Payload)
	case events.LeaveSession:
		sessionID, err = g.handleLeave(ctx, c, in.Payload)
	case events.TypingStart, events.TypingStop:
		sessionID, err = g.handleTyping(ctx, c, in.Type, in.Payload)
	case events.MessageSend:
		sessionID, err = g.handleSend(ctx, c, in.Payload)
	case events.MessageDelivered, events.MessageRead:
		sessionID, err = g.handleReceipt(ctx, c, in.Type, in.Payload)
	case events.MessageReadAll:
		sessionID, err = g.handleReadAll(ctx, c, in.Payload)
	default:
		err = apperror.InvalidArg(fmt.Sprintf("unknown event type %q", in.Type))
	}
	if err != nil {
		g.emitError(c, err, sessionID)
	}
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, apperror.InvalidArg("invalid payload")
	}
	return v, nil
}

func (g *Gateway) handleJoin(ctx context.Context, c *Client, payload json.RawMessage) (int64, error) {
	req, err := decode[events.SessionRequest](payload)
	if err != nil {
		return 0, err
	}
	prev := g.hub.CurrentSession(c)
	if _, err := g.hub.Join(ctx, c, req.SessionID); err != nil {
		return req.SessionID, err
	}
	if prev != 0 && prev != req.SessionID {
		g.typing.Stop(ctx, prev, c.UserID, c.ID)
	}
	c.Emit(events.New(events.SessionJoined, events.SessionPayload{SessionID: req.SessionID}))
	return req.SessionID, nil
}

func (g *Gateway) handleLeave(ctx context.Context, c *Client, payload json.RawMessage) (int64, error) {
	req, err := decode[events.SessionRequest](payload)
	if err != nil {
		return 0, err
	}
	if g.hub.Leave(c, req.SessionID) {
		g.typing.Stop(ctx, req.SessionID, c.UserID, c.ID)
	}
	c.Emit(events.New(events.SessionLeft, events.SessionPayload{SessionID: req.SessionID}))
	return req.SessionID, nil
}

func (g *Gateway) handleTyping(ctx context.Context, c *Client, t events.Type, payload json.RawMessage) (int64, error) {
	req, err := decode[events.SessionRequest](payload)
	if err != nil {
		return 0, err
	}
	// Room membership was checked at join; typing is only relayed from inside it.
	if !g.hub.InRoom(c, req.SessionID) {
		return req.SessionID, apperror.PermissionDenied("join the session first")
	}
	if t == events.TypingStart {
		return req.SessionID, g.typing.Start(ctx, req.SessionID, c.UserID, c.UserName, c.ID)
	}
	return req.SessionID, g.typing.Stop(ctx, req.SessionID, c.UserID, c.ID)
}

func (g *Gateway) handleSend(ctx context.Context, c *Client, payload json.RawMessage) (int64, error) {
	req, err := decode[events.SendRequest](payload)
	if err != nil {
		return 0, err
	}
	msg, _, err := g.chat.Send(ctx, chat.SendInput{
		SessionID:    req.SessionID,
		SenderID:     c.UserID,
		Body:         req.Body,
		Kind:         req.Kind,
		ReplyTo:      req.ReplyTo,
		ClientID:     req.ClientID,
		OriginConnID: c.ID,
	})
	if err != nil {
		c.Emit(events.New(events.MessageStatus, events.MessageStatusPayload{
			SessionID: req.SessionID,
			ClientID:  req.ClientID,
			Status:    models.StatusFailed,
			Timestamp: time.Now(),
		}))
		return req.SessionID, err
	}

	c.Emit(events.New(events.MessageStatus, events.MessageStatusPayload{
		MessageID: msg.ID,
		SessionID: msg.SessionID,
		ClientID:  msg.ClientID,
		Status:    models.StatusSent,
		Timestamp: msg.CreatedAt,
	}))
	if g.hub.InRoom(c, req.SessionID) {
		g.typing.Stop(ctx, req.SessionID, c.UserID, c.ID)
	}
	return req.SessionID, nil
}

func (g *Gateway) handleReceipt(ctx context.Context, c *Client, t events.Type, payload json.RawMessage) (int64, error) {
	req, err := decode[events.ReceiptRequest](payload)
	if err != nil {
		return 0, err
	}
	if t == events.MessageDelivered {
		_, err = g.chat.MarkDelivered(ctx, c.UserID, req.MessageID, req.SessionID)
	} else {
		_, err = g.chat.MarkRead(ctx, c.UserID, req.MessageID, req.SessionID)
	}
	return req.SessionID, err
}

func (g *Gateway) handleReadAll(ctx context.Context, c *Client, payload json.RawMessage) (int64, error) {
	req, err := decode[events.SessionRequest](payload)
	if err != nil {
		return 0, err
	}
	_, err = g.chat.MarkSessionRead(ctx, req.SessionID, c.UserID)
	return req.SessionID, err
}

func (g *Gateway) emitError(c *Client, err error, sessionID int64) {
	code := apperror.CodeOf(err)
	if code == apperror.CodeInternal || code == apperror.CodeUnavailable {
		g.log.Error("event failed", slog.String("conn", c.ID), slog.Int64("user", c.UserID), slog.Any("error", err))
	}
	c.Emit(events.New(events.Error, events.ErrorPayload{
		Code:      string(code),
		Message:   apperror.MessageOf(err),
		SessionID: sessionID,
	}))
}

func metricType(t events.Type) string {
	switch t {
	case events.JoinSession, events.LeaveSession, events.TypingStart, events.TypingStop,
		events.MessageSend, events.MessageDelivered, events.MessageRead, events.MessageReadAll:
		return string(t)
	}
	return "unknown"
}
