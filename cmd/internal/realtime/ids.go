package realtime

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, so ids double as creation order.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewConnectionID returns a ULID used as the per-connection identity.
// Sorting connection ids reproduces attach order in presence snapshots.
func NewConnectionID(now time.Time) (string, error) {
	return NewULID(now)
}

// NewServerMsgID returns a ULID used as server_msg_id.
// This keeps IDs uniform across the system.
func NewServerMsgID(now time.Time) (string, error) {
	return NewULID(now)
}

// NewRandomHex returns a cryptographically secure random hex string of length
// 2*nBytes. Used for envelope ids, where ordering does not matter. If nBytes
// <= 0, it defaults to 16 bytes (32 hex chars).
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// Callers treat empty as an error-like condition in logs/tests.
		return ""
	}

	return hex.EncodeToString(b)
}
