package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"golang.org/x/time/rate"

	"pairchat/server/internal/events"
	"pairchat/server/internal/utils"
)

// wsConn is the part of *websocket.Conn the pumps use.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Options tunes connection keepalive and buffering.
type Options struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
	EventRate      float64
	EventBurst     int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	if o.EventRate <= 0 {
		o.EventRate = 20
	}
	if o.EventBurst <= 0 {
		o.EventBurst = 40
	}
	return o
}

// Client is the context of one authenticated connection.
// The send channel is never closed; done signals shutdown to both pumps and to
// broadcasters, so a late broadcast can never panic on a closed channel.
type Client struct {
	ID        string
	UserID    int64
	UserName  string
	CreatedAt time.Time

	conn    wsConn
	opts    Options
	send    chan []byte
	limiter *rate.Limiter
	log     *slog.Logger

	done      chan struct{}
	closeOnce sync.Once

	// guarded by Hub.mu
	session  int64
	detached bool
}

// NewClient creates a new connection context
func NewClient(userID int64, userName string, conn wsConn, opts Options, log *slog.Logger) *Client {
	opts = opts.withDefaults()
	id := utils.NewConnectionID()
	return &Client{
		ID:        id,
		UserID:    userID,
		UserName:  userName,
		CreatedAt: time.Now(),
		conn:      conn,
		opts:      opts,
		send:      make(chan []byte, opts.SendBuffer),
		limiter:   rate.NewLimiter(rate.Limit(opts.EventRate), opts.EventBurst),
		log:       log.With(slog.String("conn", id), slog.Int64("user", userID)),
		done:      make(chan struct{}),
	}
}

// Close stops both pumps and closes the transport. Safe to call many times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Allow reports whether the next inbound event fits the rate budget.
func (c *Client) Allow() bool {
	return c.limiter.Allow()
}

// enqueue hands a frame to the write pump without blocking. A full buffer means
// the peer is not keeping up; the connection is kicked so it reconnects and
// refetches history instead of silently missing events.
func (c *Client) enqueue(data []byte) (ok, kicked bool) {
	select {
	case <-c.done:
		return false, false
	default:
	}

	select {
	case c.send <- data:
		return true, false
	case <-c.done:
		return false, false
	default:
		c.log.Warn("send buffer full, closing slow connection")
		c.Close()
		return false, true
	}
}

// Emit sends an event to this connection only.
func (c *Client) Emit(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("failed to marshal event", slog.String("type", string(ev.Type)), slog.Any("error", err))
		return
	}
	c.enqueue(data)
}

// ReadPump handles incoming frames until the transport fails, the peer closes,
// or the pong deadline passes.
func (c *Client) ReadPump(handle func([]byte)) {
	defer c.Close()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Info("websocket read error", slog.Any("error", err))
			}
			return
		}
		// Any frame from the peer proves liveness.
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		handle(message)
	}
}

// WritePump handles outgoing frames and keepalive pings
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Info("websocket write error", slog.Any("error", err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
