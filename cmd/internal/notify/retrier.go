package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"beacon/cmd/internal/metrics"
	"beacon/cmd/internal/retry"
)

const (
	DefaultMaxAttempts = 3

	msgSending  = "Sending Alert..."
	msgRetryFmt = "SMS sending failed. Retrying... (%d/%d)"
)

// Result is the outcome of Retrier.Send. Error carries the last failure text.
type Result struct {
	Success  bool
	Response Response
	Error    string
	Attempts int
}

// Retrier sends a notification through a Gateway, retrying immediately on any failure.
type Retrier struct {
	gw          Gateway
	log         *slog.Logger
	metrics     *metrics.Metrics
	maxAttempts int
	now         func() time.Time
}

// NewRetrier wraps gw. maxAttempts <= 0 uses DefaultMaxAttempts.
func NewRetrier(gw Gateway, log *slog.Logger, m *metrics.Metrics, maxAttempts int) *Retrier {
	if log == nil {
		log = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Retrier{gw: gw, log: log, metrics: m, maxAttempts: maxAttempts, now: time.Now}
}

// Send triggers the notification for uid at (lat, lng). Every error is retried
// without delay until attempts run out. onStatus may be nil.
func (r *Retrier) Send(ctx context.Context, uid string, lat, lng float64, onStatus func(string)) Result {
	req := Request{UID: uid, Lat: lat, Lng: lng, Timestamp: r.now().UTC()}

	out := retry.Do(ctx, retry.Policy{
		MaxAttempts: r.maxAttempts,
		OnAttempt: func(attempt, max int) {
			if onStatus == nil {
				return
			}
			if attempt == 1 {
				onStatus(msgSending)
				return
			}
			onStatus(fmt.Sprintf(msgRetryFmt, attempt, max))
		},
	}, func(ctx context.Context, attempt int) (Response, error) {
		resp, err := r.gw.Trigger(ctx, req)
		if err != nil {
			r.log.Warn("notify.attempt.fail", "uid", uid, "attempt", attempt, "max", r.maxAttempts, "err", err)
			r.metrics.Notification(false)
			return Response{}, err
		}
		r.metrics.Notification(true)
		return resp, nil
	})

	if out.Err != nil {
		r.log.Error("notify.fail", "uid", uid, "attempts", out.Attempts, "err", out.Err)
		return Result{Error: out.Err.Error(), Attempts: out.Attempts}
	}

	r.log.Info("notify.sent", "uid", uid, "attempts", out.Attempts, "sent", out.Value.Sent)
	return Result{Success: true, Response: out.Value, Attempts: out.Attempts}
}
