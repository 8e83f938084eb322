package progress

import (
	"context"

	"github.com/cordum/barkit/core/infra/logging"
)

// Reporter pushes tracker snapshots to a cache under one key.
type Reporter struct {
	tracker *Tracker
	cache   Cache
	key     string
}

// NewReporter binds tracker to cache under Key(boxName).
func NewReporter(tracker *Tracker, cache Cache, boxName string) *Reporter {
	return &Reporter{tracker: tracker, cache: cache, key: Key(boxName)}
}

// Tracker returns the bound tracker.
func (r *Reporter) Tracker() *Tracker { return r.tracker }

// Publish writes the snapshot when forced or when the percentage reached the
// next multiple of ten. Cache failures are logged; they never fail an
// install.
func (r *Reporter) Publish(ctx context.Context, force bool) bool {
	if r == nil || r.tracker == nil {
		return false
	}
	if !force && !r.tracker.ShouldPublish() {
		return false
	}
	snap := r.tracker.Snapshot()
	if r.cache != nil {
		if err := r.cache.Put(ctx, r.key, snap); err != nil {
			logging.Error("progress", "publish failed", "key", r.key, "error", err)
			return false
		}
	}
	r.tracker.MarkPublished()
	return true
}
