package alert

import (
	"context"
	"time"
)

// Store persists alerts and streams their changes.
//
// Requirements:
//   - Create assigns a unique, opaque id and starts the record in StatusSOS.
//   - Update merges a Patch; it fails with a not-found StoreError for unknown ids.
//   - Subscribe delivers the current snapshot first, then every later change,
//     until the returned unsubscribe func is called or ctx is done.
//   - onChange is invoked serially per subscription and must not block.
type Store interface {
	Create(ctx context.Context, in CreateInput) (Alert, error)
	Update(ctx context.Context, id string, p Patch) (Alert, error)
	Get(ctx context.Context, id string) (Alert, error)
	Subscribe(ctx context.Context, id string, onChange func(Snapshot), onError func(error)) (unsubscribe func(), err error)

	// ExpireDue moves every live alert whose ExpiresAt is at or before now to StatusExpired.
	ExpireDue(ctx context.Context, now time.Time) (int, error)

	Close() error
}
