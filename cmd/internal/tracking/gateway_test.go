package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"beacon/cmd/internal/alert"
	"beacon/cmd/internal/realtime"
	v1 "beacon/shared/contracts/beacon/v1"

	"github.com/coder/websocket"
)

func startTrackServer(t *testing.T, store alert.Store) *httptest.Server {
	t.Helper()

	opts := realtime.DefaultOptions()
	opts.OriginRequired = false

	mux := http.NewServeMux()
	NewGateway(discardLogger(), NewSubscriber(store, discardLogger(), nil), opts, nil, nil).Register(mux)
	NewAPI(discardLogger(), store).Register(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialTrack(t *testing.T, baseURL, alertID string) *websocket.Conn {
	t.Helper()

	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws/track"
	u.RawQuery = url.Values{"alert_id": {alertID}}.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.TrackSubprotocol},
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

func readEnvelope(t *testing.T, conn *websocket.Conn) v1.Envelope {
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

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Fatalf("close status=%v err=%v", status, err)
	}
}

func TestGateway_StreamsUpdates(t *testing.T) {
	t.Parallel()

	store := alert.NewInMemoryStore()
	a := seedAlert(t, store)
	ts := startTrackServer(t, store)
	conn := dialTrack(t, ts.URL, a.ID)

	env := readEnvelope(t, conn)
	if env.Type != v1.TypeTrackUpdate {
		t.Fatalf("first envelope=%+v", env)
	}
	var p v1.AlertPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.ID != a.ID || p.Status != "SOS" || p.Location.Lat != 12.97 {
		t.Fatalf("payload=%+v", p)
	}

	loc := alert.Location{Lat: 13.0, Lng: 77.6}
	if _, err := store.Update(context.Background(), a.ID, alert.Patch{Location: &loc, At: time.Now().UTC()}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	env = readEnvelope(t, conn)
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if env.Type != v1.TypeTrackUpdate || p.Location.Lat != 13.0 {
		t.Fatalf("second envelope=%+v payload=%+v", env, p)
	}
}

func TestGateway_NotFoundClosesSocket(t *testing.T) {
	t.Parallel()

	store := alert.NewInMemoryStore()
	ts := startTrackServer(t, store)
	conn := dialTrack(t, ts.URL, "missing")

	env := readEnvelope(t, conn)
	if env.Type != v1.TypeTrackNotFound {
		t.Fatalf("envelope=%+v", env)
	}
	var p v1.TrackNotFoundPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.AlertID != "missing" || p.Message != "Alert not found." {
		t.Fatalf("payload=%+v", p)
	}
	expectClosed(t, conn)
}

func TestGateway_FailureClosesSocketAndReleasesSubscription(t *testing.T) {
	t.Parallel()

	store := alert.NewInMemoryStore()
	a := seedAlert(t, store)
	ts := startTrackServer(t, store)
	conn := dialTrack(t, ts.URL, a.ID)

	if env := readEnvelope(t, conn); env.Type != v1.TypeTrackUpdate {
		t.Fatalf("envelope=%+v", env)
	}

	store.FailWatchers(a.ID, errors.New("listener lost"))

	env := readEnvelope(t, conn)
	if env.Type != v1.TypeTrackFailed {
		t.Fatalf("envelope=%+v", env)
	}
	expectClosed(t, conn)

	deadline := time.Now().Add(3 * time.Second)
	for store.Watchers(a.ID) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_PeerCloseReleasesSubscription(t *testing.T) {
	t.Parallel()

	store := alert.NewInMemoryStore()
	a := seedAlert(t, store)
	ts := startTrackServer(t, store)
	conn := dialTrack(t, ts.URL, a.ID)

	if env := readEnvelope(t, conn); env.Type != v1.TypeTrackUpdate {
		t.Fatalf("envelope=%+v", env)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "navigated away")

	deadline := time.Now().Add(3 * time.Second)
	for store.Watchers(a.ID) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not released after peer close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_MissingAlertID(t *testing.T) {
	t.Parallel()

	ts := startTrackServer(t, alert.NewInMemoryStore())
	resp, err := http.Get(ts.URL + "/ws/track")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestAPI_GetAlert(t *testing.T) {
	t.Parallel()

	store := alert.NewInMemoryStore()
	a := seedAlert(t, store)
	ts := startTrackServer(t, store)

	cases := []struct {
		name   string
		path   string
		status int
	}{
		{name: "found", path: "/api/alerts/" + a.ID, status: http.StatusOK},
		{name: "missing", path: "/api/alerts/nope", status: http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tc.path)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != tc.status {
				t.Fatalf("status=%d, want %d", resp.StatusCode, tc.status)
			}
			if got := resp.Header.Get("Cache-Control"); got != "no-store" {
				t.Fatalf("cache-control=%q", got)
			}
			if tc.status == http.StatusOK {
				var p v1.AlertPayload
				if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if p.ID != a.ID || p.SessionID != "s-1" {
					t.Fatalf("payload=%+v", p)
				}
			}
		})
	}
}
