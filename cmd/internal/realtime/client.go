package realtime

import (
	"sync"

	v1 "beacon/shared/contracts/beacon/v1"
)

// Client represents one connected websocket session.
//
// Send is never closed by the server so concurrent broadcasters cannot panic;
// done signals goroutines to stop. Close is idempotent.
type Client struct {
	ID     string
	UserID string
	Send   chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, id string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ID:     id,
		UserID: userID,
		Send:   make(chan v1.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Offer enqueues env without blocking. It reports false when the queue is
// full or the client is shutting down.
func (c *Client) Offer(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
