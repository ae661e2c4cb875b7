package sos

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"beacon/cmd/internal/alert"
	"beacon/cmd/internal/location"
	"beacon/cmd/internal/notify"
	"beacon/cmd/internal/presence"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// faultStore wraps the in-memory store with scripted create failures and write counters.
type faultStore struct {
	*alert.InMemoryStore

	mu         sync.Mutex
	createErrs []error
	createGate chan struct{}
	creates    int
	updates    int
	safeWrites int
}

func newFaultStore() *faultStore {
	return &faultStore{InMemoryStore: alert.NewInMemoryStore()}
}

func (s *faultStore) Create(ctx context.Context, in alert.CreateInput) (alert.Alert, error) {
	s.mu.Lock()
	s.creates++
	var err error
	if len(s.createErrs) > 0 {
		err = s.createErrs[0]
		s.createErrs = s.createErrs[1:]
	}
	gate := s.createGate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return alert.Alert{}, err
	}
	return s.InMemoryStore.Create(ctx, in)
}

func (s *faultStore) Update(ctx context.Context, id string, p alert.Patch) (alert.Alert, error) {
	s.mu.Lock()
	s.updates++
	if p.Status != nil && *p.Status == alert.StatusSafe {
		s.safeWrites++
	}
	s.mu.Unlock()
	return s.InMemoryStore.Update(ctx, id, p)
}

func (s *faultStore) counts() (creates, updates, safeWrites int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates, s.updates, s.safeWrites
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notify.Request
	fail  string
}

func (n *fakeNotifier) Send(_ context.Context, uid string, lat, lng float64, onStatus func(string)) notify.Result {
	n.mu.Lock()
	n.calls = append(n.calls, notify.Request{UID: uid, Lat: lat, Lng: lng})
	fail := n.fail
	n.mu.Unlock()

	if onStatus != nil {
		onStatus("Sending Alert...")
	}
	if fail != "" {
		return notify.Result{Error: fail, Attempts: 3}
	}
	return notify.Result{Success: true, Attempts: 1}
}

func (n *fakeNotifier) sent() []notify.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Request(nil), n.calls...)
}

type fakeFallback struct {
	point location.Point
	ok    bool
	err   error
}

func (f fakeFallback) Resolve(context.Context, string) (presence.Fallback, bool, error) {
	return presence.Fallback{Point: f.point}, f.ok, f.err
}

type statusLog struct {
	mu   sync.Mutex
	seen []Status
}

func (l *statusLog) observe(s Status) {
	l.mu.Lock()
	l.seen = append(l.seen, s)
	l.mu.Unlock()
}

func (l *statusLog) all() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.seen...)
}

func noSleep(context.Context, time.Duration) error { return nil }

type harness struct {
	ctrl     *Controller
	store    *faultStore
	feed     *location.Feed
	notifier *fakeNotifier
	statuses *statusLog
}

func newHarness(t *testing.T, fb FallbackResolver, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		store:    newFaultStore(),
		feed:     location.NewFeed(32),
		notifier: &fakeNotifier{},
		statuses: &statusLog{},
	}
	cfg := Config{
		UserID:   "u-1",
		Source:   h.feed,
		Store:    h.store,
		Writer:   NewWriter(h.store, discardLogger(), nil, WithSleep(noSleep)),
		Notifier: h.notifier,
		Fallback: fb,
		Log:      discardLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl, err := NewController(cfg)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	h.ctrl = ctrl
	ctrl.Subscribe(h.statuses.observe)
	t.Cleanup(ctrl.Close)
	return h
}

func (h *harness) sample(lat, lng float64) {
	h.feed.Publish(location.Sample(location.Point{Lat: lat, Lng: lng}, time.Now()))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
