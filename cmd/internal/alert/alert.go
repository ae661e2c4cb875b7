// Package alert owns the persisted alert record: its model, the stores that
// hold it, error classification for store failures, and the expiry sweep.
package alert

import (
	"errors"
	"time"

	"beacon/cmd/internal/location"
)

// Status is the persisted lifecycle state of an alert.
type Status string

const (
	StatusSOS     Status = "SOS"
	StatusSafe    Status = "SAFE"
	StatusExpired Status = "EXPIRED"
)

// DefaultTTL is how long an alert stays live before the sweep expires it.
const DefaultTTL = 2 * time.Hour

// ErrMissingSession is returned when a create request carries no session id.
var ErrMissingSession = errors.New("alert: missing session id")

// Location is the persisted location of an alert.
// Unavailable marks a sample that failed validation; Lat/Lng are zero then.
type Location struct {
	Lat         float64  `json:"lat"`
	Lng         float64  `json:"lng"`
	Accuracy    *float64 `json:"accuracy,omitempty"`
	Unavailable bool     `json:"unavailable,omitempty"`
}

// UnavailableLocation is the marker stored for an invalid sample.
func UnavailableLocation() Location {
	return Location{Unavailable: true}
}

// NewLocation validates p. An invalid point yields the unavailable marker
// together with the validation error so callers can log it.
func NewLocation(p location.Point) (Location, error) {
	if err := p.Validate(); err != nil {
		return UnavailableLocation(), err
	}
	loc := Location{Lat: p.Lat, Lng: p.Lng}
	if p.Accuracy != nil && *p.Accuracy >= 0 {
		acc := *p.Accuracy
		loc.Accuracy = &acc
	}
	return loc, nil
}

// Alert is one persisted emergency record.
type Alert struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	UserID      string     `json:"user_id,omitempty"`
	Status      Status     `json:"status"`
	Location    Location   `json:"location"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUpdated time.Time  `json:"last_updated"`
	ExpiresAt   time.Time  `json:"expires_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Live reports whether the alert is still in the SOS state.
func (a Alert) Live() bool { return a.Status == StatusSOS }

// CreateInput describes a new alert. Now defaults to the current time and TTL to DefaultTTL.
type CreateInput struct {
	SessionID string
	UserID    string
	Location  Location
	Now       time.Time
	TTL       time.Duration
}

// Patch is a partial update. Nil fields are left untouched; At becomes LastUpdated.
type Patch struct {
	Location *Location
	Status   *Status
	EndedAt  *time.Time
	At       time.Time
}

func (p Patch) apply(a *Alert) {
	if p.Location != nil {
		a.Location = *p.Location
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.EndedAt != nil {
		t := p.EndedAt.UTC()
		a.EndedAt = &t
	}
	a.LastUpdated = p.At
}

// Snapshot is one delivery from Subscribe. Exists is false when the record is absent.
type Snapshot struct {
	Alert  Alert
	Exists bool
}

func (in CreateInput) normalize() (CreateInput, error) {
	if in.SessionID == "" {
		return in, ErrMissingSession
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	in.Now = in.Now.UTC()
	if in.TTL <= 0 {
		in.TTL = DefaultTTL
	}
	return in, nil
}

func newAlert(id string, in CreateInput) Alert {
	return Alert{
		ID:          id,
		SessionID:   in.SessionID,
		UserID:      in.UserID,
		Status:      StatusSOS,
		Location:    in.Location,
		CreatedAt:   in.Now,
		LastUpdated: in.Now,
		ExpiresAt:   in.Now.Add(in.TTL),
	}
}
