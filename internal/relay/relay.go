// Package relay carries already-encoded frames between server nodes so that a
// room or personal channel spanning several nodes sees every event.
package relay

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrClosed = errors.New("relay: closed")

type Kind string

const (
	KindSession Kind = "session"
	KindUser    Kind = "user"
)

// Envelope wraps one frame. Origin is the node that produced it.
type Envelope struct {
	Origin string          `json:"origin"`
	Kind   Kind            `json:"kind"`
	Target int64           `json:"target"`
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

type Handler func(Envelope)

type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers envelopes produced by other nodes until ctx is done.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// Nop is used when the process is the only node.
type Nop struct{}

func (Nop) Publish(context.Context, Envelope) error  { return nil }
func (Nop) Subscribe(context.Context, Handler) error { return nil }
func (Nop) Close() error                             { return nil }

var _ Relay = Nop{}
