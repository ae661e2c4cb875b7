// Package presence keeps each user's last known location so an SOS can still
// be raised when live positioning fails.
package presence

import (
	"context"
	"errors"
	"time"

	"beacon/cmd/internal/location"
)

// Anonymous is the identity used when the device never identified its user.
// Presence is never recorded or looked up for it.
const Anonymous = "anonymous"

// ErrNoUser is returned for writes without a usable user id.
var ErrNoUser = errors.New("presence: missing user id")

// Record is a user's presence document.
type Record struct {
	Location   *location.Point
	LastActive time.Time
}

// Store persists presence records keyed by user id.
//
// Upsert merges: a nil Location or zero LastActive leaves the stored value untouched.
type Store interface {
	Get(ctx context.Context, uid string) (Record, bool, error)
	Upsert(ctx context.Context, uid string, r Record) error
	Close() error
}

func identified(uid string) bool {
	return uid != "" && uid != Anonymous
}
