package sos

import "beacon/cmd/internal/alert"

// Lifecycle is the controller's view of the SOS session.
type Lifecycle string

const (
	LifecycleIdle    Lifecycle = "Idle"
	LifecycleSOS     Lifecycle = "SOS"
	LifecycleSafe    Lifecycle = "SAFE"
	LifecycleExpired Lifecycle = "EXPIRED"
)

// Status is the display state published to observers.
//
// Transient holds progress text, Error the last failure, Success the creation
// confirmation. Version increases with every publication.
type Status struct {
	Lifecycle Lifecycle
	SessionID string
	AlertID   string
	Transient string
	Error     string
	Success   string
	Location  *alert.Location
	Version   uint64
}

func (s Status) clone() Status {
	if s.Location != nil {
		loc := *s.Location
		s.Location = &loc
	}
	return s
}

// Observer receives status snapshots in publication order. It must not block.
type Observer func(Status)
