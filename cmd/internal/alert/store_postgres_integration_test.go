package alert

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"beacon/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when BEACON_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_CreateUpdateGet(t *testing.T) {
	t.Parallel()

	store := mustNewPGStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Microsecond)
	acc := 8.0
	a, err := store.Create(ctx, CreateInput{
		SessionID: "sess-" + ids.NewSessionID(),
		UserID:    "u-1",
		Location:  Location{Lat: 12.9, Lng: 77.6, Accuracy: &acc},
		Now:       now,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSOS || got.Location.Lat != 12.9 || got.Location.Accuracy == nil {
		t.Fatalf("get mismatch: %+v", got)
	}

	safe := StatusSafe
	ended := now.Add(time.Minute)
	updated, err := store.Update(ctx, a.ID, Patch{Status: &safe, EndedAt: &ended, At: ended})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != StatusSafe || updated.EndedAt == nil || updated.Location.Lng != 77.6 {
		t.Fatalf("update mismatch: %+v", updated)
	}

	if _, err := store.Update(ctx, "missing", Patch{Status: &safe}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: expected not found, got %v", err)
	}
}

func TestPostgresStore_SubscribeSeesChanges(t *testing.T) {
	t.Parallel()

	store := mustNewPGStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, err := store.Create(ctx, CreateInput{SessionID: "sess-sub", Location: Location{Lat: 1, Lng: 1}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	snaps := make(chan Snapshot, 8)
	unsubscribe, err := store.Subscribe(ctx, a.ID, func(s Snapshot) { snaps <- s }, func(err error) {
		t.Errorf("unexpected subscription error: %v", err)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	first := <-snaps
	if !first.Exists || first.Alert.Location.Lat != 1 {
		t.Fatalf("initial snapshot mismatch: %+v", first)
	}

	loc := Location{Lat: 2, Lng: 2}
	if _, err := store.Update(ctx, a.ID, Patch{Location: &loc}); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case s := <-snaps:
		if s.Alert.Location.Lat != 2 {
			t.Fatalf("change snapshot mismatch: %+v", s)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for change notification")
	}
}

func TestPostgresStore_ExpireDue(t *testing.T) {
	t.Parallel()

	store := mustNewPGStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC()
	a, err := store.Create(ctx, CreateInput{SessionID: "sess-exp", Now: now, TTL: time.Minute})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := store.ExpireDue(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired=%d want=1", n)
	}
	got, _ := store.Get(ctx, a.ID)
	if got.Status != StatusExpired {
		t.Fatalf("status=%s want=EXPIRED", got.Status)
	}
}

func TestPostgresStore_MissingTableIsPrecondition(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	st, err := NewPostgresStore(pool, WithSchema("beacon_it_absent_"+strings.ToLower(ids.NewSessionID()[:8])))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = st.Create(ctx, CreateInput{SessionID: "s"})
	if got := Classify(err); got.Category != CategoryPrecondition && got.Category != CategoryPermission {
		t.Fatalf("expected precondition classification, got %+v (err=%v)", got, err)
	}
}

func mustNewPGStore(t *testing.T) *PostgresStore {
	t.Helper()

	pool := mustOpenTestPool(t)
	schema := "beacon_it_" + strings.ToLower(strings.ReplaceAll(ids.NewSessionID()[:13], "-", ""))

	st, err := NewPostgresStore(pool, WithSchema(schema), WithChannel("beacon_it_"+schema[len("beacon_it_"):]))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	t.Cleanup(func() {
		_ = st.Close()
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		_, _ = pool.Exec(dropCtx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("BEACON_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: BEACON_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}
