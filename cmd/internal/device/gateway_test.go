package device

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"beacon/cmd/internal/alert"
	"beacon/cmd/internal/notify"
	"beacon/cmd/internal/presence"
	"beacon/cmd/internal/realtime"
	"beacon/cmd/internal/sos"
	v1 "beacon/shared/contracts/beacon/v1"

	"github.com/coder/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	url      string
	alerts   *alert.InMemoryStore
	presence *presence.InMemoryStore
}

func startDeviceServer(t *testing.T) *testEnv {
	t.Helper()

	log := discardLogger()
	alerts := alert.NewInMemoryStore()
	pres := presence.NewInMemoryStore()

	deps := Deps{
		Store:    alerts,
		Writer:   sos.NewWriter(alerts, log, nil, sos.WithSleep(func(context.Context, time.Duration) error { return nil })),
		Notifier: notify.NewRetrier(notify.NewLogGateway(log), log, nil, 3),
		Fallback: presence.NewFallbackResolver(pres, log, nil),
		Presence: presence.NewTracker(pres, log),
	}
	opts := realtime.DefaultOptions()
	opts.OriginRequired = false

	mux := http.NewServeMux()
	NewGateway(log, deps, opts, realtime.NewHub(log), nil).Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testEnv{url: ts.URL, alerts: alerts, presence: pres}
}

func dialDevice(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()

	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws/device"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.DeviceSubprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	env := v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		env.Payload = b
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

// readStatusUntil reads envelopes until a status satisfies match.
func readStatusUntil(t *testing.T, conn *websocket.Conn, match func(v1.StatusPayload) bool) v1.StatusPayload {
	t.Helper()
	for i := 0; i < 50; i++ {
		env := read(t, conn)
		if env.Type != v1.TypeStatus {
			continue
		}
		var st v1.StatusPayload
		if err := json.Unmarshal(env.Payload, &st); err != nil {
			t.Fatalf("status payload: %v", err)
		}
		if match(st) {
			return st
		}
	}
	t.Fatalf("status never matched")
	return v1.StatusPayload{}
}

func readType(t *testing.T, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()
	for i := 0; i < 50; i++ {
		if env := read(t, conn); env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive %q", typ)
	return v1.Envelope{}
}

func TestDevice_SOSFlow(t *testing.T) {
	t.Parallel()

	env := startDeviceServer(t)
	conn := dialDevice(t, env.url)

	send(t, conn, v1.TypeHello, v1.HelloPayload{UserID: "u-1"})
	ackEnv := readType(t, conn, v1.TypeHelloAck)
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
		t.Fatalf("ack payload: %v", err)
	}
	if ack.UserID != "u-1" || ack.SessionID == "" {
		t.Fatalf("ack=%+v", ack)
	}

	send(t, conn, v1.TypeSOSActivate, nil)
	readStatusUntil(t, conn, func(st v1.StatusPayload) bool {
		return st.Lifecycle == "SOS" && st.Transient == "Fetching Location..."
	})

	send(t, conn, v1.TypePosition, v1.PositionPayload{Lat: 12.97, Lng: 77.59})
	created := readStatusUntil(t, conn, func(st v1.StatusPayload) bool {
		return st.Success == "Emergency Alert Created Successfully"
	})
	if created.AlertID == "" || created.SessionID == "" {
		t.Fatalf("status=%+v", created)
	}

	a, err := env.alerts.Get(context.Background(), created.AlertID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.UserID != "u-1" || a.Status != alert.StatusSOS || a.Location.Lat != 12.97 {
		t.Fatalf("alert=%+v", a)
	}

	send(t, conn, v1.TypeSOSMarkSafe, nil)
	readStatusUntil(t, conn, func(st v1.StatusPayload) bool { return st.Lifecycle == "SAFE" })

	deadline := time.Now().Add(3 * time.Second)
	for {
		a, err = env.alerts.Get(context.Background(), created.AlertID)
		if err == nil && a.Status == alert.StatusSafe {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("alert never marked SAFE: %+v err=%v", a, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	send(t, conn, v1.TypeSOSActivate, nil)
	if e := readType(t, conn, v1.TypeError); e.Type != v1.TypeError {
		t.Fatalf("expected session_ended error")
	}

	send(t, conn, v1.TypeSOSReset, nil)
	readStatusUntil(t, conn, func(st v1.StatusPayload) bool { return st.Lifecycle == "Idle" })
}

func TestDevice_AnonymousWithoutFixReturnsToIdle(t *testing.T) {
	t.Parallel()

	env := startDeviceServer(t)
	conn := dialDevice(t, env.url)

	send(t, conn, v1.TypeSOSActivate, nil)
	readStatusUntil(t, conn, func(st v1.StatusPayload) bool { return st.Lifecycle == "SOS" })

	send(t, conn, v1.TypePositionError, v1.PositionErrorPayload{Message: "User denied Geolocation"})
	st := readStatusUntil(t, conn, func(st v1.StatusPayload) bool { return st.Lifecycle == "Idle" })
	if st.Error != "GPS Error: User denied Geolocation. No fallback location available." {
		t.Fatalf("error=%q", st.Error)
	}
}

func TestDevice_FallbackFromPresence(t *testing.T) {
	t.Parallel()

	env := startDeviceServer(t)

	// First connection reports a position without raising SOS.
	first := dialDevice(t, env.url)
	send(t, first, v1.TypeHello, v1.HelloPayload{UserID: "u-2"})
	readType(t, first, v1.TypeHelloAck)
	send(t, first, v1.TypePosition, v1.PositionPayload{Lat: 12.9, Lng: 77.6})

	deadline := time.Now().Add(3 * time.Second)
	for {
		if r, ok, _ := env.presence.Get(context.Background(), "u-2"); ok && r.Location != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("presence never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = first.Close(websocket.StatusNormalClosure, "")

	second := dialDevice(t, env.url)
	send(t, second, v1.TypeHello, v1.HelloPayload{UserID: "u-2"})
	readType(t, second, v1.TypeHelloAck)
	send(t, second, v1.TypeSOSActivate, nil)
	send(t, second, v1.TypePositionError, v1.PositionErrorPayload{Message: "Timeout expired"})

	st := readStatusUntil(t, second, func(st v1.StatusPayload) bool { return st.Success != "" })
	if st.Success != "Emergency Alert Created Successfully (using last known location)" {
		t.Fatalf("success=%q", st.Success)
	}
	if st.Error != "GPS unavailable. Using last known location." {
		t.Fatalf("error=%q", st.Error)
	}
	a, err := env.alerts.Get(context.Background(), st.AlertID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Location.Lat != 12.9 || a.Location.Lng != 77.6 {
		t.Fatalf("location=%+v", a.Location)
	}
}

func TestDevice_ProtocolErrors(t *testing.T) {
	t.Parallel()

	env := startDeviceServer(t)
	conn := dialDevice(t, env.url)

	send(t, conn, v1.TypePosition, "not-an-object")
	e := readType(t, conn, v1.TypeError)
	var p v1.ErrorPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if p.Code != "bad_payload" {
		t.Fatalf("code=%q", p.Code)
	}

	send(t, conn, v1.TypeTrackUpdate, nil)
	e = readType(t, conn, v1.TypeError)
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if p.Code != "unsupported" {
		t.Fatalf("code=%q", p.Code)
	}

	send(t, conn, v1.TypeSOSActivate, nil)
	readStatusUntil(t, conn, func(st v1.StatusPayload) bool { return st.Lifecycle == "SOS" })
	send(t, conn, v1.TypeSOSReset, nil)
	e = readType(t, conn, v1.TypeError)
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if p.Code != "session_active" {
		t.Fatalf("code=%q", p.Code)
	}
}
