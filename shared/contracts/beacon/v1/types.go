// Package v1 defines the Beacon wire protocol v1 contract.
//
// It is shared between the server, the smoke tool and device clients so the
// wire format has a single authoritative definition.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocols negotiated during the WebSocket handshake.
const (
	DeviceSubprotocol = "beacon.device.v1"
	TrackSubprotocol  = "beacon.track.v1"
)

// Type constants (wire-stable).
const (
	// TypeHello starts a device session (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session (server -> client).
	TypeHelloAck = "hello_ack"

	// TypePosition carries one position sample (client -> server).
	TypePosition = "position"
	// TypePositionError reports a positioning failure (client -> server).
	TypePositionError = "position_error"

	// TypeSOSActivate starts an SOS session (client -> server).
	TypeSOSActivate = "sos_activate"
	// TypeSOSMarkSafe ends the active SOS session (client -> server).
	TypeSOSMarkSafe = "sos_mark_safe"
	// TypeSOSReset returns a finished session to idle (client -> server).
	TypeSOSReset = "sos_reset"

	// TypeStatus publishes the controller's display state (server -> client).
	TypeStatus = "status"

	// TypeTrackUpdate carries the latest alert snapshot (server -> tracker).
	TypeTrackUpdate = "track_update"
	// TypeTrackNotFound is sent once when the alert does not exist.
	TypeTrackNotFound = "track_not_found"
	// TypeTrackFailed is sent once when the subscription fails.
	TypeTrackFailed = "track_failed"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypePosition,
		TypePositionError,
		TypeSOSActivate,
		TypeSOSMarkSafe,
		TypeSOSReset,
		TypeStatus,
		TypeTrackUpdate,
		TypeTrackNotFound,
		TypeTrackFailed,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload identifies the device user. An empty UserID is treated as anonymous.
type HelloPayload struct {
	UserID string `json:"user_id,omitempty"`
}

type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// PositionPayload is a single position sample in decimal degrees.
type PositionPayload struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

type PositionErrorPayload struct {
	Message string `json:"message"`
}

// Location is the persisted alert location. Unavailable marks a sample that failed validation.
type Location struct {
	Lat         float64  `json:"lat"`
	Lng         float64  `json:"lng"`
	Accuracy    *float64 `json:"accuracy,omitempty"`
	Unavailable bool     `json:"unavailable,omitempty"`
}

// StatusPayload mirrors the SOS controller's display state.
type StatusPayload struct {
	Lifecycle string    `json:"lifecycle"`
	SessionID string    `json:"session_id,omitempty"`
	AlertID   string    `json:"alert_id,omitempty"`
	Transient string    `json:"transient,omitempty"`
	Error     string    `json:"error,omitempty"`
	Success   string    `json:"success,omitempty"`
	Location  *Location `json:"location,omitempty"`
	Version   uint64    `json:"version"`
}

// AlertPayload is the tracker-facing view of an alert record.
type AlertPayload struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Status      string     `json:"status"`
	Location    Location   `json:"location"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUpdated time.Time  `json:"last_updated"`
	ExpiresAt   time.Time  `json:"expires_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

type TrackNotFoundPayload struct {
	AlertID string `json:"alert_id"`
	Message string `json:"message"`
}

type TrackFailedPayload struct {
	AlertID string `json:"alert_id"`
	Message string `json:"message"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
