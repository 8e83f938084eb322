// Package locks provides exclusive, expiring resource locks. The install
// pipeline holds one per box so two archives never install into the same box
// at once.
package locks

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned when the caller does not own the lock.
var ErrNotHeld = errors.New("lock not held")

// Lock captures the current lock ownership state.
type Lock struct {
	Resource   string    `json:"resource"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Store manages resource locks.
type Store interface {
	// Acquire takes the lock when it is free. ok is false when another owner
	// holds it.
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Lock, bool, error)
	Release(ctx context.Context, resource, owner string) error
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) error
	Get(ctx context.Context, resource string) (*Lock, error)
}

// BoxResource is the lock resource guarding installs into one box.
func BoxResource(boxName string) string {
	return "box:" + boxName
}
