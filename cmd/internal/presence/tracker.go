package presence

import (
	"context"
	"log/slog"
	"time"

	"beacon/cmd/internal/location"
)

// Tracker records every valid position a device reports as the user's last known location.
type Tracker struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewTracker(store Store, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: store, log: log, now: time.Now}
}

// Start watches src before returning and records its fixes on a separate
// goroutine until ctx is done. The returned channel closes when that goroutine
// exits. Anonymous users are not tracked.
func (t *Tracker) Start(ctx context.Context, uid string, src location.Source) (<-chan struct{}, error) {
	done := make(chan struct{})
	if !identified(uid) {
		close(done)
		return done, nil
	}
	fixes, err := src.Watch(ctx)
	if err != nil {
		close(done)
		return done, err
	}

	go func() {
		defer close(done)
		for fix := range fixes {
			if fix.Err != nil {
				continue
			}
			if err := t.Record(ctx, uid, fix.Point); err != nil {
				t.log.Warn("presence.record.fail", "uid", uid, "err", err)
			}
		}
	}()
	return done, nil
}

// Record upserts p as uid's location and bumps LastActive. Invalid points are skipped.
func (t *Tracker) Record(ctx context.Context, uid string, p location.Point) error {
	if !identified(uid) {
		return nil
	}
	if err := p.Validate(); err != nil {
		t.log.Debug("presence.record.skip", "uid", uid, "err", err)
		return nil
	}
	return t.store.Upsert(ctx, uid, Record{Location: &p, LastActive: t.now().UTC()})
}
