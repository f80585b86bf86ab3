package models

import "time"

// BlockRecord holds one block flag per participant slot.
type BlockRecord struct {
	UserA bool `json:"user1"`
	UserB bool `json:"user2"`
}

// Any reports whether either side has blocked the other.
func (b BlockRecord) Any() bool {
	return b.UserA || b.UserB
}

// Session pairs two users who may exchange messages.
// UserAID is always the smaller of the two ids.
type Session struct {
	ID            int64       `json:"id" db:"id"`
	UserAID       int64       `json:"user1Id" db:"user1_id"`
	UserBID       int64       `json:"user2Id" db:"user2_id"`
	Block         BlockRecord `json:"block"`
	LastMessageID *int64      `json:"lastMessageId,omitempty" db:"last_message_id"`
	LastMessageAt *time.Time  `json:"lastMessageAt,omitempty" db:"last_message_at"`
	CreatedAt     time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time   `json:"updatedAt" db:"updated_at"`
}

// NormalizePair orders two user ids so that a pair maps to one session row.
func NormalizePair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// HasParticipant reports whether userID is one of the two participants.
func (s *Session) HasParticipant(userID int64) bool {
	return s.UserAID == userID || s.UserBID == userID
}

// Other returns the participant that is not userID.
func (s *Session) Other(userID int64) (int64, bool) {
	switch userID {
	case s.UserAID:
		return s.UserBID, true
	case s.UserBID:
		return s.UserAID, true
	}
	return 0, false
}

// Blocked reports whether new messages are suppressed for this session.
func (s *Session) Blocked() bool {
	return s.Block.Any()
}

// WithBlock returns the block record with userID's slot set to blocked.
// ok is false when userID is not a participant.
func (s *Session) WithBlock(userID int64, blocked bool) (BlockRecord, bool) {
	b := s.Block
	switch userID {
	case s.UserAID:
		b.UserA = blocked
	case s.UserBID:
		b.UserB = blocked
	default:
		return b, false
	}
	return b, true
}
