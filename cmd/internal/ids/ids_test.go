package ids

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	b, err := NewULID(now.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}

	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("unexpected lengths: %d %d", len(a), len(b))
	}
	if !(a < b) {
		t.Fatalf("ulids must sort by time: %q >= %q", a, b)
	}
	if !ValidULID(a) {
		t.Fatalf("ValidULID(%q)=false", a)
	}
	if ValidULID("not-a-ulid") {
		t.Fatalf("ValidULID accepted garbage")
	}
}

func TestNewSessionID(t *testing.T) {
	t.Parallel()

	a, b := NewSessionID(), NewSessionID()
	if a == b {
		t.Fatalf("session ids must differ")
	}
	u, err := uuid.Parse(a)
	if err != nil {
		t.Fatalf("parse %q: %v", a, err)
	}
	if u.Version() != 4 {
		t.Fatalf("version=%d want=4", u.Version())
	}
}
