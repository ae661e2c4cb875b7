package alert

import (
	"context"
	"sync"
	"time"

	"beacon/cmd/internal/ids"
)

// InMemoryStore is the dev fallback when no database is configured.
// Watchers are notified synchronously while the store lock is held.
type InMemoryStore struct {
	mu       sync.Mutex
	alerts   map[string]Alert
	watchers map[string]map[uint64]*memWatcher
	nextW    uint64
	closed   bool
}

type memWatcher struct {
	onChange func(Snapshot)
	onError  func(error)
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		alerts:   make(map[string]Alert),
		watchers: make(map[string]map[uint64]*memWatcher),
	}
}

// Close detaches every watcher. Later calls fail with unavailable.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.watchers = make(map[string]map[uint64]*memWatcher)
	return nil
}

func (s *InMemoryStore) Create(ctx context.Context, in CreateInput) (Alert, error) {
	if err := ctx.Err(); err != nil {
		return Alert{}, ctxError("alert.Create", err)
	}
	in, err := in.normalize()
	if err != nil {
		return Alert{}, &StoreError{Op: "alert.Create", Code: CodeInvalidArgument, Message: err.Error(), Name: "StoreError", Err: err}
	}

	id, err := ids.NewULID(in.Now)
	if err != nil {
		return Alert{}, &StoreError{Op: "alert.Create", Code: CodeInternal, Message: "id generation failed", Name: "StoreError", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Alert{}, closedError("alert.Create")
	}

	a := newAlert(id, in)
	s.alerts[id] = a
	s.notifyLocked(id, Snapshot{Alert: a, Exists: true})
	return a, nil
}

func (s *InMemoryStore) Update(ctx context.Context, id string, p Patch) (Alert, error) {
	if err := ctx.Err(); err != nil {
		return Alert{}, ctxError("alert.Update", err)
	}
	if p.At.IsZero() {
		p.At = time.Now()
	}
	p.At = p.At.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Alert{}, closedError("alert.Update")
	}

	a, ok := s.alerts[id]
	if !ok {
		return Alert{}, notFound("alert.Update", id)
	}
	p.apply(&a)
	s.alerts[id] = a
	s.notifyLocked(id, Snapshot{Alert: a, Exists: true})
	return a, nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (Alert, error) {
	if err := ctx.Err(); err != nil {
		return Alert{}, ctxError("alert.Get", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return Alert{}, notFound("alert.Get", id)
	}
	return a, nil
}

func (s *InMemoryStore) Subscribe(ctx context.Context, id string, onChange func(Snapshot), onError func(error)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxError("alert.Subscribe", err)
	}
	if onChange == nil {
		onChange = func(Snapshot) {}
	}
	if onError == nil {
		onError = func(error) {}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, closedError("alert.Subscribe")
	}
	key := s.nextW
	s.nextW++
	set := s.watchers[id]
	if set == nil {
		set = make(map[uint64]*memWatcher)
		s.watchers[id] = set
	}
	set[key] = &memWatcher{onChange: onChange, onError: onError}

	a, ok := s.alerts[id]
	onChange(Snapshot{Alert: a, Exists: ok})
	s.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if set := s.watchers[id]; set != nil {
				delete(set, key)
				if len(set) == 0 {
					delete(s.watchers, id)
				}
			}
		})
	}
	context.AfterFunc(ctx, unsubscribe)
	return unsubscribe, nil
}

func (s *InMemoryStore) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, ctxError("alert.ExpireDue", err)
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, a := range s.alerts {
		if !a.Live() || a.ExpiresAt.After(now) {
			continue
		}
		a.Status = StatusExpired
		a.LastUpdated = now
		s.alerts[id] = a
		s.notifyLocked(id, Snapshot{Alert: a, Exists: true})
		n++
	}
	return n, nil
}

// Delete removes an alert and tells its watchers it no longer exists.
func (s *InMemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[id]; !ok {
		return
	}
	delete(s.alerts, id)
	s.notifyLocked(id, Snapshot{})
}

// FailWatchers reports err to every watcher of id. Stores backed by a network
// connection do this when the change feed breaks.
func (s *InMemoryStore) FailWatchers(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.watchers[id] {
		w.onError(err)
	}
}

// Watchers returns the number of live subscriptions on id.
func (s *InMemoryStore) Watchers(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers[id])
}

func (s *InMemoryStore) notifyLocked(id string, snap Snapshot) {
	for _, w := range s.watchers[id] {
		w.onChange(snap)
	}
}

func closedError(op string) error {
	return &StoreError{Op: op, Code: CodeUnavailable, Message: "store closed", Name: "StoreError"}
}

func ctxError(op string, err error) error {
	code := CodeUnavailable
	if err == context.DeadlineExceeded {
		code = CodeDeadlineExceeded
	}
	return &StoreError{Op: op, Code: code, Message: err.Error(), Name: "ContextError", Err: err}
}
