// Package realtime holds the websocket plumbing shared by Beacon's device and
// tracking endpoints: origin policy, subprotocol negotiation, a bounded
// per-connection send queue, heartbeats, rate limits and a registry of live
// sessions.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"beacon/cmd/internal/ids"
	"beacon/cmd/internal/metrics"
	v1 "beacon/shared/contracts/beacon/v1"

	"github.com/coder/websocket"
)

// Handler processes one validated inbound envelope. A non-nil error ends the
// session with a policy-violation close.
type Handler func(ctx context.Context, env v1.Envelope) error

// UpgraderConfig configures an Upgrader.
type UpgraderConfig struct {
	// Endpoint labels logs and metrics ("device", "track").
	Endpoint    string
	Subprotocol string
	Options     Options
	Log         *slog.Logger
	Metrics     *metrics.Metrics
	// Hub, when set, registers every accepted session.
	Hub *Hub

	// Terminal reports envelopes after which the session is closed normally
	// once the envelope has been written.
	Terminal func(v1.Envelope) bool
}

// Upgrader enforces the origin policy and subprotocol, then turns an HTTP
// request into a running Session.
type Upgrader struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	endpoint string
	subproto string
	opts     Options
	terminal func(v1.Envelope) bool
	hub      *Hub

	// websocket.Accept authorizes same-host origins by default but needs
	// host patterns for cross-origin peers.
	originPatterns []string
}

// NewUpgrader constructs an Upgrader.
func NewUpgrader(cfg UpgraderConfig) *Upgrader {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	opts := cfg.Options.normalized()

	u := &Upgrader{
		log:            log.With("endpoint", cfg.Endpoint),
		metrics:        cfg.Metrics,
		endpoint:       cfg.Endpoint,
		subproto:       cfg.Subprotocol,
		opts:           opts,
		terminal:       cfg.Terminal,
		hub:            cfg.Hub,
		originPatterns: deriveOriginPatterns(opts.AllowedOrigins),
	}
	if allowsAnyOrigin(opts.AllowedOrigins) {
		u.originPatterns = []string{"*"}
	}
	return u
}

// Upgrade accepts the websocket. On rejection the response has been written
// and ok is false.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	if err := enforceOrigin(r, u.opts.OriginRequired, u.opts.AllowedOrigins); err != nil {
		u.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		u.metrics.WSReject(u.endpoint, "origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return nil, false
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{u.subproto},
		OriginPatterns:     u.originPatterns,
		InsecureSkipVerify: u.opts.DevInsecure,
	})
	if err != nil {
		u.log.Error("ws.accept.fail", "err", err)
		u.metrics.WSReject(u.endpoint, "accept")
		return nil, false
	}

	if sp := conn.Subprotocol(); sp != u.subproto {
		u.log.Info("ws.reject.subprotocol", "got", sp, "want", u.subproto)
		u.metrics.WSReject(u.endpoint, "subprotocol")
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, false
	}

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		id = ids.NewSessionID()
	}

	ctx, cancel := context.WithCancel(r.Context())
	s := &Session{
		ID:            id,
		log:           u.log.With("conn_id", id),
		conn:          conn,
		client:        NewClient("", id, u.opts.SendQueueSize),
		opts:          u.opts,
		terminal:      u.terminal,
		ctx:           ctx,
		cancel:        cancel,
		writerDone:    make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
	go s.writeLoop()
	go s.heartbeat()

	if !u.hub.Add(s) {
		s.Close(websocket.StatusGoingAway, "server shutting down")
		<-s.writerDone
		return nil, false
	}
	return s, true
}

// Session is one accepted websocket connection.
type Session struct {
	ID string

	log      *slog.Logger
	conn     *websocket.Conn
	client   *Client
	opts     Options
	terminal func(v1.Envelope) bool

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	hookMu    sync.Mutex
	onClose   []func()

	writerDone    chan struct{}
	heartbeatDone chan struct{}
}

// Context is cancelled when the session shuts down.
func (s *Session) Context() context.Context { return s.ctx }

// Client returns the session's send queue handle.
func (s *Session) Client() *Client { return s.client }

// Log returns the session-scoped logger.
func (s *Session) Log() *slog.Logger { return s.log }

// OnClose registers fn to run once during shutdown, before the connection is closed.
func (s *Session) OnClose(fn func()) {
	s.hookMu.Lock()
	s.onClose = append(s.onClose, fn)
	s.hookMu.Unlock()
}

// Send enqueues env without blocking; it reports false under backpressure or after shutdown.
func (s *Session) Send(env v1.Envelope) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	return s.client.Offer(env)
}

// SendPayload builds an envelope of typ around payload and enqueues it.
func (s *Session) SendPayload(typ string, payload any) bool {
	env, err := NewEnvelope(typ, payload, time.Now().UTC())
	if err != nil {
		s.log.Error("ws.envelope.fail", "type", typ, "err", err)
		return false
	}
	return s.Send(env)
}

// SendError enqueues an error envelope, dropping it under backpressure.
func (s *Session) SendError(code, msg string) {
	_ = s.SendPayload(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

// Close shuts the session down. It is idempotent and never closes the send queue.
func (s *Session) Close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.hookMu.Lock()
		hooks := s.onClose
		s.onClose = nil
		s.hookMu.Unlock()
		for _, fn := range hooks {
			fn()
		}

		s.client.Close()
		_ = s.conn.Close(code, reason)
		s.cancel()
	})
}

// Serve runs the read loop until the peer goes away, then waits for the
// writer and (briefly) the heartbeat. Inbound envelopes are rate limited and
// validated before reaching handle.
func (s *Session) Serve(handle Handler) {
	rl := NewRateLimiter(s.opts.RateEvents, s.opts.RateWindow)

readLoop:
	for {
		readCtx, readCancel := s.ctx, context.CancelFunc(func() {})
		if s.opts.ReadIdleTimeout > 0 {
			readCtx, readCancel = context.WithTimeout(s.ctx, s.opts.ReadIdleTimeout)
		}
		env, err := readEnvelope(readCtx, s.conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				s.Close(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				s.Close(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				s.Close(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				s.SendError("bad_json", "invalid JSON")
				continue readLoop
			default:
				s.log.Info("ws.read.fail", "err", err)
				s.Close(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			s.SendError("rate_limited", "too many events")
			s.Close(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			s.SendError("bad_envelope", err.Error())
			continue readLoop
		}

		if handle == nil {
			s.SendError("unsupported", "this endpoint does not accept messages")
			continue readLoop
		}
		if err := handle(s.ctx, env); err != nil {
			s.log.Info("ws.handler.fail", "type", env.Type, "err", err)
			s.Close(websocket.StatusPolicyViolation, closeReason(err.Error()))
			break readLoop
		}
	}

	s.Close(websocket.StatusNormalClosure, "bye")
	<-s.writerDone

	select {
	case <-s.heartbeatDone:
	case <-time.After(closeGrace):
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case env := <-s.client.Send:
			if err := writeEnvelope(s.ctx, s.conn, env, s.opts.WriteTimeout); err != nil {
				s.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				s.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
			if s.terminal != nil && s.terminal(env) {
				s.Close(websocket.StatusNormalClosure, env.Type)
				return
			}
		}
	}
}

func (s *Session) heartbeat() {
	defer close(s.heartbeatDone)

	t := time.NewTicker(s.opts.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(s.ctx, s.opts.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				s.log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					s.Close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// closeReason keeps close reasons within the 123-byte control frame budget.
func closeReason(s string) string {
	const limit = 120
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
