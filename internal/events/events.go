// Package events defines the frames exchanged over the real-time connection and
// the Publisher handle that services use to route them.
package events

import (
	"encoding/json"
	"time"

	"pairchat/server/internal/models"
)

// Type represents different WebSocket event types
type Type string

const (
	// Client to server
	JoinSession      Type = "join:session"
	LeaveSession     Type = "leave:session"
	TypingStart      Type = "typing:start"
	TypingStop       Type = "typing:stop"
	MessageSend      Type = "message:send"
	MessageDelivered Type = "message:delivered"
	MessageRead      Type = "message:read"
	MessageReadAll   Type = "message:read-all"

	// Server to client
	Error          Type = "error"
	SessionJoined  Type = "session:joined"
	SessionLeft    Type = "session:left"
	MessageNew     Type = "message:new"
	MessageStatus  Type = "message:status"
	SessionRead    Type = "session:read"
	SessionCleared Type = "session:cleared"
	UserPresence   Type = "user:presence"
)

// Event is the frame written to clients.
type Event struct {
	Type      Type      `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func New(t Type, payload any) Event {
	return Event{Type: t, Payload: payload, Timestamp: time.Now()}
}

// Incoming represents frames received from clients
type Incoming struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Publisher routes events to live connections. It is passed explicitly to every
// component that emits events.
type Publisher interface {
	// ToSession delivers to every connection in the session's room except exceptConnID.
	ToSession(sessionID int64, ev Event, exceptConnID string)
	// ToUser delivers to every connection on the user's personal channel.
	ToUser(userID int64, ev Event)
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID int64  `json:"sessionId,omitempty"`
}

type SessionPayload struct {
	SessionID int64 `json:"sessionId"`
}

type MessageNewPayload struct {
	Message *models.Message `json:"message"`
}

type MessageStatusPayload struct {
	MessageID int64                `json:"messageId,omitempty"`
	SessionID int64                `json:"sessionId"`
	ClientID  string               `json:"clientId,omitempty"`
	Status    models.MessageStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}

type SessionReadPayload struct {
	SessionID  int64     `json:"sessionId"`
	ReaderID   int64     `json:"readerId"`
	Count      int       `json:"count"`
	MessageIDs []int64   `json:"messageIds"`
	ReadAt     time.Time `json:"readAt"`
}

type TypingPayload struct {
	SessionID int64  `json:"sessionId"`
	UserID    int64  `json:"userId"`
	UserName  string `json:"userName,omitempty"`
}

type PresencePayload struct {
	UserID   int64     `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// Client request payloads

type SessionRequest struct {
	SessionID int64 `json:"sessionId"`
}

type SendRequest struct {
	SessionID int64              `json:"sessionId"`
	Body      string             `json:"body"`
	Kind      models.MessageKind `json:"kind"`
	ReplyTo   *int64             `json:"replyTo,omitempty"`
	ClientID  string             `json:"clientId,omitempty"`
}

type ReceiptRequest struct {
	MessageID int64 `json:"messageId"`
	SessionID int64 `json:"sessionId"`
}
