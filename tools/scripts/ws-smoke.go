// Package main provides a CI-friendly WebSocket smoke test for Beacon.
//
// It validates:
//   - handshake + subprotocol selection on both endpoints
//   - hello/ack device session establishment
//   - sos_activate + first position -> alert created
//   - tracker receives the live alert and follows a location update
//   - sos_mark_safe -> tracker sees SAFE
//   - unknown alert ids end with track_not_found
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "beacon/shared/contracts/beacon/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "ws://127.0.0.1:8080", "Server base URL (ws:// or wss://)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		uid     = flag.String("uid", "smoke-user", "User id sent in hello")
		lat     = flag.Float64("lat", 12.9716, "Latitude of the first sample")
		lng     = flag.Float64("lng", 77.5946, "Longitude of the first sample")
		timeout = flag.Duration("timeout", 10*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	base := strings.TrimRight(*baseURL, "/")
	root := context.Background()

	dev := mustConnect(root, "device", base+"/ws/device", v1.DeviceSubprotocol, *origin, *timeout)
	defer closeWS(dev.conn)

	mustWrite(root, dev, v1.TypeHello, v1.HelloPayload{UserID: *uid}, *timeout)
	ack := dev.mustReadUntilType(root, v1.TypeHelloAck, *timeout)
	var hp v1.HelloAckPayload
	mustDecode(ack, &hp)
	if strings.TrimSpace(hp.SessionID) == "" {
		fatalf("hello_ack missing session_id")
	}
	if hp.UserID != *uid {
		fatalf("hello_ack user_id mismatch: got=%q want=%q", hp.UserID, *uid)
	}

	mustWrite(root, dev, v1.TypeSOSActivate, struct{}{}, *timeout)
	mustWrite(root, dev, v1.TypePosition, v1.PositionPayload{Lat: *lat, Lng: *lng}, *timeout)

	created := dev.mustReadStatus(root, *timeout, func(st v1.StatusPayload) bool {
		return st.AlertID != "" && st.Success != ""
	})
	if created.Lifecycle != "SOS" {
		fatalf("expected SOS lifecycle after create, got %q", created.Lifecycle)
	}
	if *verbose {
		fmt.Printf("alert created: id=%s session=%s success=%q\n", created.AlertID, created.SessionID, created.Success)
	}

	trk := mustConnect(root, "tracker", base+"/ws/track?alert_id="+url.QueryEscape(created.AlertID), v1.TrackSubprotocol, *origin, *timeout)
	defer closeWS(trk.conn)

	first := trk.mustReadAlert(root, *timeout, func(a v1.AlertPayload) bool { return a.Status == "SOS" })
	if first.ID != created.AlertID {
		fatalf("tracker alert id mismatch: got=%q want=%q", first.ID, created.AlertID)
	}

	movedLat := *lat + 0.001
	mustWrite(root, dev, v1.TypePosition, v1.PositionPayload{Lat: movedLat, Lng: *lng}, *timeout)
	trk.mustReadAlert(root, *timeout, func(a v1.AlertPayload) bool { return a.Location.Lat == movedLat })

	mustWrite(root, dev, v1.TypeSOSMarkSafe, struct{}{}, *timeout)
	trk.mustReadAlert(root, *timeout, func(a v1.AlertPayload) bool { return a.Status == "SAFE" && a.EndedAt != nil })
	dev.mustReadStatus(root, *timeout, func(st v1.StatusPayload) bool { return st.Lifecycle == "SAFE" })

	ghost := mustConnect(root, "ghost", base+"/ws/track?alert_id=does-not-exist", v1.TrackSubprotocol, *origin, *timeout)
	defer closeWS(ghost.conn)
	ghost.mustReadUntilType(root, v1.TypeTrackNotFound, *timeout)

	fmt.Printf("OK: session=%s alert_id=%s\n", created.SessionID, created.AlertID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, subprotocol, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *smokeClient) mustReadStatus(parent context.Context, stepTimeout time.Duration, match func(v1.StatusPayload) bool) v1.StatusPayload {
	deadline := time.Now().Add(stepTimeout)
	for {
		env := c.mustReadUntilType(parent, v1.TypeStatus, time.Until(deadline))
		var st v1.StatusPayload
		mustDecode(env, &st)
		if st.Error != "" {
			fatalf("device status error: %q", st.Error)
		}
		if match(st) {
			return st
		}
	}
}

func (c *smokeClient) mustReadAlert(parent context.Context, stepTimeout time.Duration, match func(v1.AlertPayload) bool) v1.AlertPayload {
	deadline := time.Now().Add(stepTimeout)
	for {
		env := c.mustReadUntilType(parent, v1.TypeTrackUpdate, time.Until(deadline))
		var a v1.AlertPayload
		mustDecode(env, &a)
		if match(a) {
			return a
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			// Intermediate status and update frames are skipped.
			if env.Type == v1.TypeStatus || env.Type == v1.TypeTrackUpdate {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s (%s): %v", typ, c.name, err)
	}
}

func mustDecode(env v1.Envelope, v any) {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		fatalf("unmarshal %s payload: %v", env.Type, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
