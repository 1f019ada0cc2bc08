package lock

import (
	"context"
	"time"
)

// Provider is a cross-process mutual-exclusion primitive. Each scheduled
// relay operation acquires a named lock before running; failure to acquire
// means another node is running (or recently ran) the operation and the
// tick should simply be skipped.
type Provider interface {
	// TryAcquire attempts to take the named lock. maxHold bounds how long a
	// crashed holder can keep the lock; minHold keeps the lock occupied for
	// at least that long after acquisition, spacing runs across the fleet.
	TryAcquire(ctx context.Context, name string, maxHold, minHold time.Duration) (bool, error)

	// Release frees the lock if still owned by this process, honoring the
	// minHold spacing given at acquisition.
	Release(ctx context.Context, name string) error
}
