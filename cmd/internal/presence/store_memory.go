package presence

import (
	"context"
	"sync"
)

// InMemoryStore is the dev fallback when Redis is not configured.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Record)}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Get(ctx context.Context, uid string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[uid]
	if ok && r.Location != nil {
		p := *r.Location
		r.Location = &p
	}
	return r, ok, nil
}

func (s *InMemoryStore) Upsert(ctx context.Context, uid string, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if uid == "" {
		return ErrNoUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.records[uid]
	if r.Location != nil {
		p := *r.Location
		cur.Location = &p
	}
	if !r.LastActive.IsZero() {
		cur.LastActive = r.LastActive.UTC()
	}
	s.records[uid] = cur
	return nil
}
