package tracking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"beacon/cmd/internal/alert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingObserver struct {
	mu       sync.Mutex
	updates  []alert.Alert
	notFound []string
	failed   []error
	changed  chan struct{}
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{changed: make(chan struct{}, 64)}
}

func (o *recordingObserver) Update(a alert.Alert) {
	o.mu.Lock()
	o.updates = append(o.updates, a)
	o.mu.Unlock()
	o.changed <- struct{}{}
}

func (o *recordingObserver) NotFound(id string) {
	o.mu.Lock()
	o.notFound = append(o.notFound, id)
	o.mu.Unlock()
	o.changed <- struct{}{}
}

func (o *recordingObserver) Failed(_ string, err error) {
	o.mu.Lock()
	o.failed = append(o.failed, err)
	o.mu.Unlock()
	o.changed <- struct{}{}
}

func (o *recordingObserver) lastUpdate() (alert.Alert, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.updates) == 0 {
		return alert.Alert{}, 0
	}
	return o.updates[len(o.updates)-1], len(o.updates)
}

func (o *recordingObserver) waitChange(t *testing.T) {
	t.Helper()
	select {
	case <-o.changed:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for a delivery")
	}
}

func seedAlert(t *testing.T, store *alert.InMemoryStore) alert.Alert {
	t.Helper()
	a, err := store.Create(context.Background(), alert.CreateInput{
		SessionID: "s-1",
		UserID:    "u-1",
		Location:  alert.Location{Lat: 12.97, Lng: 77.59},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return a
}

func TestWatch_DeliversUpdatesUntilCancelled(t *testing.T) {
	t.Parallel()

	store := alert.NewInMemoryStore()
	a := seedAlert(t, store)
	sub := NewSubscriber(store, discardLogger(), nil)
	obs := newRecordingObserver()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Watch(ctx, a.ID, obs) }()

	obs.waitChange(t)
	if got, _ := obs.lastUpdate(); got.ID != a.ID || got.Status != alert.StatusSOS {
		t.Fatalf("initial delivery=%+v", got)
	}

	safe := alert.StatusSafe
	now := time.Now().UTC()
	if _, err := store.Update(context.Background(), a.ID, alert.Patch{Status: &safe, EndedAt: &now, At: now}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	obs.waitChange(t)
	if got, _ := obs.lastUpdate(); got.Status != alert.StatusSafe || got.EndedAt == nil {
		t.Fatalf("update delivery=%+v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch returned %v after cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Watch did not return after cancel")
	}
	if n := store.Watchers(a.ID); n != 0 {
		t.Fatalf("watchers=%d after Watch returned", n)
	}
}

func TestWatch_NotFoundIsTerminal(t *testing.T) {
	t.Parallel()

	store := alert.NewInMemoryStore()
	sub := NewSubscriber(store, discardLogger(), nil)
	obs := newRecordingObserver()

	err := sub.Watch(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ", obs)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Watch err=%v, want ErrNotFound", err)
	}
	if len(obs.notFound) != 1 || len(obs.updates) != 0 {
		t.Fatalf("notFound=%v updates=%d", obs.notFound, len(obs.updates))
	}
}

func TestWatch_DeletedAlertIsNotFound(t *testing.T) {
	t.Parallel()

	store := alert.NewInMemoryStore()
	a := seedAlert(t, store)
	sub := NewSubscriber(store, discardLogger(), nil)
	obs := newRecordingObserver()

	done := make(chan error, 1)
	go func() { done <- sub.Watch(context.Background(), a.ID, obs) }()
	obs.waitChange(t)

	store.Delete(a.ID)
	select {
	case err := <-done:
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("Watch err=%v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Watch did not return")
	}
}

func TestWatch_SubscriptionFailureIsTerminal(t *testing.T) {
	t.Parallel()

	store := alert.NewInMemoryStore()
	a := seedAlert(t, store)
	sub := NewSubscriber(store, discardLogger(), nil)
	obs := newRecordingObserver()

	done := make(chan error, 1)
	go func() { done <- sub.Watch(context.Background(), a.ID, obs) }()
	obs.waitChange(t)

	boom := errors.New("change feed lost")
	store.FailWatchers(a.ID, boom)

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("Watch err=%v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Watch did not return")
	}
	if len(obs.failed) != 1 {
		t.Fatalf("failed deliveries=%d", len(obs.failed))
	}
	if n := store.Watchers(a.ID); n != 0 {
		t.Fatalf("watchers=%d after failure", n)
	}
}

func TestWatch_SubscribeErrorReportsFailed(t *testing.T) {
	t.Parallel()

	store := alert.NewInMemoryStore()
	_ = store.Close()
	sub := NewSubscriber(store, discardLogger(), nil)

	var failed error
	err := sub.Watch(context.Background(), "any", Funcs{OnFailed: func(_ string, err error) { failed = err }})
	if err == nil || failed == nil {
		t.Fatalf("err=%v failed=%v", err, failed)
	}
}

func TestWatch_IndependentSubscriptions(t *testing.T) {
	t.Parallel()

	store := alert.NewInMemoryStore()
	a := seedAlert(t, store)
	sub := NewSubscriber(store, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, second := newRecordingObserver(), newRecordingObserver()
	go func() { _ = sub.Watch(ctx, a.ID, first) }()
	go func() { _ = sub.Watch(ctx, a.ID, second) }()
	first.waitChange(t)
	second.waitChange(t)

	if n := store.Watchers(a.ID); n != 2 {
		t.Fatalf("watchers=%d, want 2", n)
	}
}
