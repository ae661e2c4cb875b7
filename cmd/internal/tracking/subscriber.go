// Package tracking serves live views of a single alert: a standing
// subscription per tracker, pushed over a websocket, plus a one-shot read.
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"beacon/cmd/internal/alert"
	"beacon/cmd/internal/metrics"
)

// ErrNotFound is returned by Watch when the alert does not exist.
var ErrNotFound = errors.New("tracking: alert not found")

// Observer receives one subscription's deliveries. NotFound and Failed are
// terminal: nothing is delivered after either.
type Observer interface {
	Update(a alert.Alert)
	NotFound(id string)
	Failed(id string, err error)
}

// Funcs adapts plain functions to Observer. Nil fields are skipped.
type Funcs struct {
	OnUpdate   func(alert.Alert)
	OnNotFound func(id string)
	OnFailed   func(id string, err error)
}

func (f Funcs) Update(a alert.Alert) {
	if f.OnUpdate != nil {
		f.OnUpdate(a)
	}
}

func (f Funcs) NotFound(id string) {
	if f.OnNotFound != nil {
		f.OnNotFound(id)
	}
}

func (f Funcs) Failed(id string, err error) {
	if f.OnFailed != nil {
		f.OnFailed(id, err)
	}
}

// Subscriber opens standing read subscriptions on single alerts.
type Subscriber struct {
	store   alert.Store
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewSubscriber constructs a Subscriber over store.
func NewSubscriber(store alert.Store, log *slog.Logger, m *metrics.Metrics) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{store: store, log: log, metrics: m}
}

// Watch delivers the full current alert to obs on every change until ctx is
// done or a terminal signal is delivered. Deliveries run on the calling
// goroutine, never under store locks, and a slow observer only ever sees the
// latest snapshot. The store subscription is released before Watch returns.
//
// It returns nil on cancellation, ErrNotFound after NotFound, and the
// subscription error after Failed.
func (s *Subscriber) Watch(ctx context.Context, id string, obs Observer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		latest  alert.Snapshot
		pending bool
		failure error
	)
	signal := make(chan struct{}, 1)
	poke := func() {
		select {
		case signal <- struct{}{}:
		default:
		}
	}

	unsubscribe, err := s.store.Subscribe(ctx, id, func(snap alert.Snapshot) {
		mu.Lock()
		latest, pending = snap, true
		mu.Unlock()
		poke()
	}, func(err error) {
		mu.Lock()
		if failure == nil {
			failure = err
		}
		mu.Unlock()
		poke()
	})
	if err != nil {
		s.log.Warn("tracking.watch.fail", "alert_id", id, "err", err)
		obs.Failed(id, err)
		return err
	}
	defer unsubscribe()

	s.metrics.StoreSubscribed()
	defer s.metrics.StoreUnsubscribed()
	s.log.Info("tracking.watch.start", "alert_id", id)
	defer s.log.Info("tracking.watch.stop", "alert_id", id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-signal:
		}

		mu.Lock()
		snap, ok, ferr := latest, pending, failure
		pending = false
		mu.Unlock()

		if ok {
			if !snap.Exists {
				obs.NotFound(id)
				return ErrNotFound
			}
			obs.Update(snap.Alert)
		}
		if ferr != nil {
			s.log.Warn("tracking.watch.fail", "alert_id", id, "err", ferr)
			obs.Failed(id, ferr)
			return ferr
		}
	}
}
