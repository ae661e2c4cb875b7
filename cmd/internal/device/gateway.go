// Package device serves the SOS device websocket. Each connection owns one
// position feed and, once the user asks for it, one SOS controller.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"beacon/cmd/internal/alert"
	"beacon/cmd/internal/location"
	"beacon/cmd/internal/metrics"
	"beacon/cmd/internal/presence"
	"beacon/cmd/internal/realtime"
	"beacon/cmd/internal/sos"
	v1 "beacon/shared/contracts/beacon/v1"
)

const (
	feedBuffer      = 32
	maxUserIDLength = 128
	safeWriteLimit  = 10 * time.Second
)

// Deps are the shared services every device session uses.
type Deps struct {
	Store       alert.Store
	Writer      *sos.Writer
	Notifier    sos.Notifier
	Fallback    sos.FallbackResolver
	Presence    *presence.Tracker
	DebugErrors bool
	UpdateLimit time.Duration
}

// Gateway is the device websocket: /ws/device.
type Gateway struct {
	log     *slog.Logger
	deps    Deps
	up      *realtime.Upgrader
	metrics *metrics.Metrics
}

// NewGateway constructs a device Gateway.
func NewGateway(log *slog.Logger, deps Deps, opts realtime.Options, hub *realtime.Hub, m *metrics.Metrics) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		log:     log,
		deps:    deps,
		metrics: m,
		up: realtime.NewUpgrader(realtime.UpgraderConfig{
			Endpoint:    "device",
			Subprotocol: v1.DeviceSubprotocol,
			Options:     opts,
			Log:         log,
			Metrics:     m,
			Hub:         hub,
		}),
	}
}

// Register wires the device socket onto mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	if g == nil || mux == nil {
		return
	}
	mux.Handle("/ws/device", g)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s, ok := g.up.Upgrade(w, r)
	if !ok {
		return
	}

	g.metrics.DeviceConnected()
	defer g.metrics.DeviceDisconnected()

	c := &conn{
		g:    g,
		s:    s,
		log:  s.Log(),
		feed: location.NewFeed(feedBuffer),
	}
	defer c.close()

	c.log.Info("device.open")
	s.Serve(c.handle)
}

// conn is one device connection. All fields are owned by the read loop.
type conn struct {
	g    *Gateway
	s    *realtime.Session
	log  *slog.Logger
	feed *location.Feed

	uid          string
	identified   bool
	ctrl         *sos.Controller
	unsubscribe  func()
	presenceDone <-chan struct{}
}

func (c *conn) handle(ctx context.Context, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeHello:
		return c.onHello(ctx, env)

	case v1.TypePosition:
		var p v1.PositionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.s.SendError("bad_payload", fmt.Sprintf("invalid position: %v", err))
			return nil
		}
		c.feed.Publish(location.Sample(location.Point{Lat: p.Lat, Lng: p.Lng, Accuracy: p.Accuracy}, fixTime(env.TS)))

	case v1.TypePositionError:
		var p v1.PositionErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.s.SendError("bad_payload", fmt.Sprintf("invalid position_error: %v", err))
			return nil
		}
		msg := strings.TrimSpace(p.Message)
		if msg == "" {
			msg = "position unavailable"
		}
		c.feed.Publish(location.Failure(errors.New(msg), fixTime(env.TS)))

	case v1.TypeSOSActivate:
		c.onActivate(ctx)

	case v1.TypeSOSMarkSafe:
		if c.ctrl == nil {
			return nil
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), safeWriteLimit)
		err := c.ctrl.MarkSafe(wctx)
		cancel()
		if err != nil {
			c.log.Warn("device.safe.fail", "err", err)
		}

	case v1.TypeSOSReset:
		if c.ctrl == nil {
			return nil
		}
		if err := c.ctrl.Reset(); errors.Is(err, sos.ErrSessionActive) {
			c.s.SendError("session_active", "mark safe before resetting")
		}

	default:
		c.s.SendError("unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
	}
	return nil
}

func (c *conn) onHello(ctx context.Context, env v1.Envelope) error {
	if c.identified || c.ctrl != nil {
		c.s.SendError("already_identified", "hello must be the first message")
		return nil
	}

	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid hello payload: %w", err)
		}
	}
	uid := strings.TrimSpace(p.UserID)
	if len(uid) > maxUserIDLength {
		return errors.New("user_id too long")
	}
	if uid == "" {
		uid = presence.Anonymous
	}
	c.uid = uid
	c.identified = true
	c.log = c.log.With("uid", uid)

	if c.g.deps.Presence != nil {
		done, err := c.g.deps.Presence.Start(ctx, uid, c.feed)
		if err != nil {
			c.log.Warn("presence.start.fail", "err", err)
		} else {
			c.presenceDone = done
		}
	}

	if !c.s.SendPayload(v1.TypeHelloAck, v1.HelloAckPayload{SessionID: c.s.ID, UserID: uid}) {
		return errors.New("backpressure: hello_ack")
	}
	c.log.Info("device.hello")
	return nil
}

func (c *conn) onActivate(ctx context.Context) {
	ctrl, err := c.controller()
	if err != nil {
		c.log.Error("device.controller.fail", "err", err)
		c.s.SendError("internal", "could not start SOS session")
		return
	}

	switch err := ctrl.Activate(ctx); {
	case err == nil:
	case errors.Is(err, sos.ErrSessionEnded):
		c.s.SendError("session_ended", "reset before starting a new SOS session")
	default:
		// The failure is already reflected in the published status.
		c.log.Warn("device.activate.fail", "err", err)
	}
}

func (c *conn) controller() (*sos.Controller, error) {
	if c.ctrl != nil {
		return c.ctrl, nil
	}

	d := c.g.deps
	ctrl, err := sos.NewController(sos.Config{
		UserID:      c.uid,
		Source:      c.feed,
		Store:       d.Store,
		Writer:      d.Writer,
		Notifier:    d.Notifier,
		Fallback:    d.Fallback,
		Log:         c.log,
		Metrics:     c.g.metrics,
		DebugErrors: d.DebugErrors,
		UpdateLimit: d.UpdateLimit,
	})
	if err != nil {
		return nil, err
	}

	c.unsubscribe = ctrl.Subscribe(func(st sos.Status) {
		if !c.s.SendPayload(v1.TypeStatus, statusPayload(st)) {
			c.log.Debug("device.status.drop", "version", st.Version)
		}
	})
	c.ctrl = ctrl
	return ctrl, nil
}

// close stops the controller (in-flight writes finish) and the presence tracker.
func (c *conn) close() {
	if c.ctrl != nil {
		c.unsubscribe()
		c.ctrl.Close()
	}
	c.feed.Close()
	if c.presenceDone != nil {
		<-c.presenceDone
	}
	c.log.Info("device.close")
}

func fixTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts
}

func statusPayload(st sos.Status) v1.StatusPayload {
	p := v1.StatusPayload{
		Lifecycle: string(st.Lifecycle),
		SessionID: st.SessionID,
		AlertID:   st.AlertID,
		Transient: st.Transient,
		Error:     st.Error,
		Success:   st.Success,
		Version:   st.Version,
	}
	if st.Location != nil {
		p.Location = &v1.Location{
			Lat:         st.Location.Lat,
			Lng:         st.Location.Lng,
			Accuracy:    st.Location.Accuracy,
			Unavailable: st.Location.Unavailable,
		}
	}
	return p
}
