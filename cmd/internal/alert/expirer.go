package alert

import (
	"context"
	"log/slog"
	"time"

	"beacon/cmd/internal/metrics"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the expiry sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// Expirer periodically moves overdue live alerts to StatusExpired.
type Expirer struct {
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	timeout time.Duration

	c *cron.Cron
}

// NewExpirer constructs an Expirer. Start schedules it.
func NewExpirer(store Store, log *slog.Logger, m *metrics.Metrics) *Expirer {
	if log == nil {
		log = slog.Default()
	}
	return &Expirer{
		store:   store,
		log:     log,
		metrics: m,
		now:     time.Now,
		timeout: 30 * time.Second,
		c:       cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cron.DefaultLogger))),
	}
}

// Sweep runs one expiry pass.
func (e *Expirer) Sweep(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	n, err := e.store.ExpireDue(ctx, e.now().UTC())
	if err != nil {
		e.log.Error("alert.expire.fail", "err", err, "category", Classify(err).Category)
		return 0, err
	}
	if n > 0 {
		e.log.Info("alert.expire.done", "expired", n)
	}
	e.metrics.AlertsExpired(n)
	return n, nil
}

// Start schedules Sweep with a cron spec such as "@every 1m" or "*/5 * * * *".
func (e *Expirer) Start(spec string) error {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	if _, err := e.c.AddFunc(spec, func() { _, _ = e.Sweep(context.Background()) }); err != nil {
		return err
	}
	e.c.Start()
	e.log.Info("alert.expire.scheduled", "schedule", spec)
	return nil
}

// Stop unschedules the sweep and waits for a running pass, or until ctx is done.
func (e *Expirer) Stop(ctx context.Context) {
	done := e.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
