// Package ids provides the identifier primitives used across Beacon.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// Alert ids and envelope ids are ULIDs so they sort by creation time in logs and indexes.
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

// NewSessionID returns a random (v4) UUID naming one SOS activation.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidULID reports whether s parses as a ULID.
func ValidULID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
