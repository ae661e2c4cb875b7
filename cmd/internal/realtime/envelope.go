package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"beacon/cmd/internal/ids"
	v1 "beacon/shared/contracts/beacon/v1"

	"github.com/coder/websocket"
)

// NewEnvelope wraps payload in a v1 envelope stamped with a fresh ULID.
func NewEnvelope(typ string, payload any, ts time.Time) (v1.Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return v1.Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}

	id, err := ids.NewULID(ts)
	if err != nil {
		return v1.Envelope{}, err
	}

	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts.UTC(),
		Payload: raw,
	}, nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	return readErrUnknown
}
