package utils

import (
	"os"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// MaxClientIDLength bounds the client-chosen idempotency key of a send.
const MaxClientIDLength = 64

// NewConnectionID returns a fresh id for a live connection.
func NewConnectionID() string {
	return uuid.NewString()
}

// NodeID returns the configured node id, or hostname-<short uuid> when empty.
func NodeID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// ValidateClientID validates the format of a client-chosen message id.
// Empty is valid and means the send is not deduplicated.
func ValidateClientID(clientID string) bool {
	if clientID == "" {
		return true
	}
	if len(clientID) > MaxClientIDLength {
		return false
	}
	for _, r := range clientID {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == ':' || r == '.') {
			return false
		}
	}
	return true
}
