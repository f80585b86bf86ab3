package models

import "time"

// MessageStatus is the delivery stage of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	return s == StatusFailed || s.rank() >= 0
}

// Terminal reports whether no further transition is possible.
func (s MessageStatus) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
// failed is reachable from sending and sent only.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == StatusFailed {
		return s == StatusSending || s == StatusSent
	}
	return next.rank() > s.rank()
}

// StatusesBefore lists every status from which target can be reached.
// The store uses it as the guard of a conditional update.
func StatusesBefore(target MessageStatus) []MessageStatus {
	var out []MessageStatus
	for _, s := range []MessageStatus{StatusSending, StatusSent, StatusDelivered} {
		if s.CanAdvanceTo(target) {
			out = append(out, s)
		}
	}
	return out
}

// MessageKind is the content type of a message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
)

// Valid reports whether k is text, image or file.
func (k MessageKind) Valid() bool {
	return k == KindText || k == KindImage || k == KindFile
}

// Message represents one chat turn
type Message struct {
	ID          int64         `json:"id" db:"id"`
	SessionID   int64         `json:"sessionId" db:"session_id"`
	SenderID    int64         `json:"senderId" db:"from_user_id"`
	RecipientID int64         `json:"recipientId" db:"to_user_id"`
	Body        string        `json:"body" db:"body"`
	Kind        MessageKind   `json:"kind" db:"kind"`
	Status      MessageStatus `json:"status" db:"status"`
	ClientID    string        `json:"clientId,omitempty" db:"client_id"`
	DeliveredAt *time.Time    `json:"deliveredAt,omitempty" db:"delivered_at"`
	ReadAt      *time.Time    `json:"readAt,omitempty" db:"read_at"`
	ReplyTo     *int64        `json:"replyTo,omitempty" db:"reply_to"`
	DeletedFor  []int64       `json:"-" db:"deleted_for"`
	CreatedAt   time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time     `json:"updatedAt" db:"updated_at"`
}

// DeletedForUser reports whether userID soft-deleted this message.
func (m *Message) DeletedForUser(userID int64) bool {
	for _, id := range m.DeletedFor {
		if id == userID {
			return true
		}
	}
	return false
}
