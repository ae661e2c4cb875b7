package sos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"beacon/cmd/internal/alert"
	"beacon/cmd/internal/location"
	"beacon/cmd/internal/metrics"
	"beacon/cmd/internal/retry"
)

const (
	defaultWriteAttempts = 3
	defaultBackoffStep   = time.Second
	defaultWriteTimeout  = 10 * time.Second
)

// WriteResult is the outcome of a create. Debug is set on failure.
type WriteResult struct {
	Success  bool
	AlertID  string
	Alert    alert.Alert
	Error    string
	Debug    *alert.DebugInfo
	Attempts int
}

// CreateRequest describes the alert a session wants to create.
type CreateRequest struct {
	SessionID string
	UserID    string
	Point     location.Point
	Now       time.Time
}

// Writer creates alerts with bounded, classified retries.
type Writer struct {
	store   alert.Store
	log     *slog.Logger
	metrics *metrics.Metrics

	maxAttempts  int
	backoffStep  time.Duration
	writeTimeout time.Duration
	ttl          time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

func WithMaxAttempts(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithBackoffStep sets the linear step: step before attempt 2, 2*step before attempt 3.
func WithBackoffStep(step time.Duration) WriterOption {
	return func(w *Writer) {
		if step >= 0 {
			w.backoffStep = step
		}
	}
}

// WithWriteTimeout bounds each individual attempt.
func WithWriteTimeout(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.writeTimeout = d
		}
	}
}

// WithTTL sets how long created alerts stay live.
func WithTTL(ttl time.Duration) WriterOption {
	return func(w *Writer) {
		if ttl > 0 {
			w.ttl = ttl
		}
	}
}

// WithSleep replaces the wait between attempts (tests use a recorder).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) WriterOption {
	return func(w *Writer) {
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

// NewWriter constructs a Writer over store.
func NewWriter(store alert.Store, log *slog.Logger, m *metrics.Metrics, opts ...WriterOption) *Writer {
	if log == nil {
		log = slog.Default()
	}
	w := &Writer{
		store:        store,
		log:          log,
		metrics:      m,
		maxAttempts:  defaultWriteAttempts,
		backoffStep:  defaultBackoffStep,
		writeTimeout: defaultWriteTimeout,
		ttl:          alert.DefaultTTL,
		sleep:        retry.SleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Create persists a new SOS alert for req. An invalid point is stored as the
// unavailable marker; a missing session id fails without touching the store.
func (w *Writer) Create(ctx context.Context, req CreateRequest, onStatus func(string)) WriteResult {
	if req.SessionID == "" {
		w.log.Error("alert.create.reject", "reason", "missing_session")
		return WriteResult{Error: msgNoSession, Debug: &alert.DebugInfo{Message: "missing session id", Name: "ValidationError"}}
	}

	loc, verr := alert.NewLocation(req.Point)
	if verr != nil {
		w.log.Warn("alert.location.invalid", "session_id", req.SessionID, "err", verr)
	}

	return w.Attempt(ctx, func(ctx context.Context) (alert.Alert, error) {
		return w.store.Create(ctx, alert.CreateInput{
			SessionID: req.SessionID,
			UserID:    req.UserID,
			Location:  loc,
			Now:       req.Now,
			TTL:       w.ttl,
		})
	}, onStatus)
}

// Attempt runs op with the writer's retry policy. Status texts are reported
// before each attempt; failures are classified to decide whether to retry.
func (w *Writer) Attempt(ctx context.Context, op func(ctx context.Context) (alert.Alert, error), onStatus func(string)) WriteResult {
	out := retry.Do(ctx, retry.Policy{
		MaxAttempts: w.maxAttempts,
		Backoff:     retry.Linear(w.backoffStep),
		Retryable:   alert.Retryable,
		Sleep:       w.sleep,
		OnAttempt: func(attempt, max int) {
			if onStatus == nil {
				return
			}
			if attempt == 1 {
				onStatus(msgCreating)
				return
			}
			onStatus(fmt.Sprintf(msgRetryFmt, attempt, max))
		},
	}, func(ctx context.Context, attempt int) (alert.Alert, error) {
		actx, cancel := context.WithTimeout(ctx, w.writeTimeout)
		defer cancel()

		a, err := op(actx)
		if err != nil {
			err = timeoutAsStoreError(actx, err)
			d := alert.Debug(err)
			w.log.Error("alert.create.attempt.fail",
				"attempt", attempt,
				"max", w.maxAttempts,
				"code", d.Code,
				"message", d.Message,
				"name", d.Name,
			)
			w.metrics.AlertWrite("retry")
			return alert.Alert{}, err
		}
		return a, nil
	})

	if out.Err == nil {
		w.metrics.AlertWrite("success")
		w.log.Info("alert.create.ok", "alert_id", out.Value.ID, "session_id", out.Value.SessionID, "attempts", out.Attempts)
		return WriteResult{Success: true, AlertID: out.Value.ID, Alert: out.Value, Attempts: out.Attempts}
	}

	c := alert.Classify(out.Err)
	d := alert.Debug(out.Err)
	w.metrics.AlertWrite("failed")
	if out.Stopped {
		w.log.Error("alert.create.abort", "category", c.Category, "code", d.Code, "attempts", out.Attempts)
	} else {
		w.log.Error("alert.create.fail", "category", c.Category, "code", d.Code, "attempts", out.Attempts)
	}
	return WriteResult{Error: c.Message, Debug: &d, Attempts: out.Attempts}
}

// timeoutAsStoreError reports an attempt that ran out of time as a retryable deadline failure.
func timeoutAsStoreError(ctx context.Context, err error) error {
	var se *alert.StoreError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &alert.StoreError{Code: alert.CodeDeadlineExceeded, Message: err.Error(), Name: "TimeoutError", Err: err}
	}
	return err
}
