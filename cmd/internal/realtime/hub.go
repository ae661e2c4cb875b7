package realtime

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Hub tracks live sessions so the server can close them on shutdown;
// http.Server.Shutdown does not touch hijacked connections.
type Hub struct {
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Add registers s until it closes. It reports false once the hub is shut
// down; the caller should then close s.
func (h *Hub) Add(s *Session) bool {
	if h == nil || s == nil {
		return true
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.sessions[s.ID] = s
	h.mu.Unlock()

	s.OnClose(func() { h.remove(s.ID) })
	return true
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll closes every live session with StatusGoingAway and refuses new ones.
func (h *Hub) CloseAll(reason string) {
	if h == nil {
		return
	}

	h.mu.Lock()
	h.closed = true
	live := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	for _, s := range live {
		s.Close(websocket.StatusGoingAway, reason)
	}
	h.log.Info("ws.hub.closed", "sessions", len(live))
}
