package presence

import (
	"context"
	"log/slog"
	"time"

	"beacon/cmd/internal/location"
	"beacon/cmd/internal/metrics"
)

// Fallback is a last known location returned in place of a live fix.
type Fallback struct {
	Point      location.Point
	LastActive time.Time
}

// FallbackResolver reads a user's last known location from a Store.
type FallbackResolver struct {
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewFallbackResolver(store Store, log *slog.Logger, m *metrics.Metrics) *FallbackResolver {
	if log == nil {
		log = slog.Default()
	}
	return &FallbackResolver{store: store, log: log, metrics: m}
}

// Resolve returns uid's last known location. ok is false when none exists;
// a store failure is returned as err with ok false.
func (r *FallbackResolver) Resolve(ctx context.Context, uid string) (Fallback, bool, error) {
	if !identified(uid) {
		r.metrics.Fallback("miss")
		return Fallback{}, false, nil
	}

	rec, found, err := r.store.Get(ctx, uid)
	if err != nil {
		r.metrics.Fallback("error")
		r.log.Error("presence.fallback.fail", "uid", uid, "err", err)
		return Fallback{}, false, err
	}
	if !found || rec.Location == nil || rec.Location.Validate() != nil {
		r.metrics.Fallback("miss")
		return Fallback{}, false, nil
	}

	r.metrics.Fallback("hit")
	return Fallback{Point: *rec.Location, LastActive: rec.LastActive}, true, nil
}
