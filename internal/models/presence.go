package models

import "time"

// Presence is the online state of one user. IsOnline is true iff ConnectionID is set.
type Presence struct {
	UserID       int64     `json:"userId" db:"user_id"`
	IsOnline     bool      `json:"isOnline" db:"is_online"`
	LastSeen     time.Time `json:"lastSeen" db:"last_seen"`
	ConnectionID *string   `json:"-" db:"connection_id"`
}
