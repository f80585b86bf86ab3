package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultSubject = "pairchat.relay"

// NATS publishes envelopes on one subject and drops its own on receipt.
type NATS struct {
	conn    *nats.Conn
	subject string
	nodeID  string
	log     *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

var _ Relay = (*NATS)(nil)

// Connect dials the NATS server at url.
func Connect(url, nodeID string, log *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("pairchat-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("relay disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("relay reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{conn: conn, subject: DefaultSubject, nodeID: nodeID, log: log}, nil
}

func (n *NATS) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.conn.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return n.conn.Publish(n.subject, data)
}

func (n *NATS) Subscribe(ctx context.Context, h Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sub, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			n.log.Warn("relay dropped malformed envelope", slog.Any("error", err))
			return
		}
		if env.Origin == n.nodeID {
			return
		}
		h(env)
	})
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.subs = nil
	n.mu.Unlock()

	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}
