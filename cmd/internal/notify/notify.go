// Package notify triggers the out-of-band emergency notification (SMS relay
// or push) once an alert exists, and retries it a fixed number of times.
package notify

import (
	"context"
	"fmt"
	"time"
)

// Request is the payload sent to a notification gateway.
type Request struct {
	UID       string    `json:"uid"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is a gateway's structured reply.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Sent    int    `json:"sent,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Gateway delivers one notification request.
type Gateway interface {
	Trigger(ctx context.Context, req Request) (Response, error)
}

// GatewayError is a non-2xx reply from a remote gateway.
type GatewayError struct {
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}
