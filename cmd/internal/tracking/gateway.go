package tracking

import (
	"log/slog"
	"net/http"
	"strings"

	"beacon/cmd/internal/alert"
	"beacon/cmd/internal/metrics"
	"beacon/cmd/internal/realtime"
	v1 "beacon/shared/contracts/beacon/v1"

	"github.com/coder/websocket"
)

// Gateway is the tracker websocket: /ws/track?alert_id=<id>.
//
// Every connection gets its own subscription. The socket closes after a
// terminal envelope and the subscription is released on every exit path.
type Gateway struct {
	log     *slog.Logger
	sub     *Subscriber
	up      *realtime.Upgrader
	metrics *metrics.Metrics
}

// NewGateway constructs a tracking Gateway. Trackers never send, so the idle
// read deadline is disabled and liveness relies on the heartbeat.
func NewGateway(log *slog.Logger, sub *Subscriber, opts realtime.Options, hub *realtime.Hub, m *metrics.Metrics) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	opts.ReadIdleTimeout = 0

	return &Gateway{
		log:     log,
		sub:     sub,
		metrics: m,
		up: realtime.NewUpgrader(realtime.UpgraderConfig{
			Endpoint:    "track",
			Subprotocol: v1.TrackSubprotocol,
			Options:     opts,
			Log:         log,
			Metrics:     m,
			Hub:         hub,
			Terminal:    isTerminal,
		}),
	}
}

func isTerminal(env v1.Envelope) bool {
	return env.Type == v1.TypeTrackNotFound || env.Type == v1.TypeTrackFailed
}

// Register wires the tracking socket onto mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	if g == nil || mux == nil {
		return
	}
	mux.Handle("/ws/track", g)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("alert_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing_alert_id", "alert_id is required")
		return
	}

	s, ok := g.up.Upgrade(w, r)
	if !ok {
		return
	}

	g.metrics.TrackerOpened()
	defer g.metrics.TrackerClosed()

	log := s.Log().With("alert_id", id)
	log.Info("tracking.open")

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)

		_ = g.sub.Watch(s.Context(), id, Funcs{
			OnUpdate: func(a alert.Alert) {
				if !s.SendPayload(v1.TypeTrackUpdate, alertPayload(a)) {
					log.Debug("tracking.update.drop")
				}
			},
			OnNotFound: func(id string) {
				g.sendTerminal(s, v1.TypeTrackNotFound, v1.TrackNotFoundPayload{AlertID: id, Message: msgNotFound})
			},
			OnFailed: func(id string, err error) {
				g.sendTerminal(s, v1.TypeTrackFailed, v1.TrackFailedPayload{AlertID: id, Message: msgFetchFailed})
			},
		})
	}()

	s.Serve(nil)
	<-watchDone
	log.Info("tracking.close")
}

// sendTerminal queues a terminal envelope; the writer closes the socket after
// it. When the queue is full the socket is closed right away.
func (g *Gateway) sendTerminal(s *realtime.Session, typ string, payload any) {
	if s.SendPayload(typ, payload) {
		return
	}
	s.Close(websocket.StatusTryAgainLater, typ)
}
