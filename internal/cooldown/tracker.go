// Package cooldown tracks, per key, the instant after which a new request is allowed.
package cooldown

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Tracker records cooldown windows. Reads never change state.
type Tracker[K comparable] interface {
	// IsBlocked reports whether now is strictly before the recorded expiry for key.
	IsBlocked(key K) bool
	// Arm sets the expiry for key to now+d unless a later expiry is already recorded.
	Arm(key K, d time.Duration)
	// Remaining is the time left until key unblocks, never negative.
	Remaining(key K) time.Duration
}

// Option configures a MemoryTracker.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// MemoryTracker is an in-process Tracker. Expiry instants are kept in a ttlcache without a
// TTL of their own; an entry is dropped on the first read after its instant has passed on the
// tracker's clock, so an injected clock fully decides blocking.
type MemoryTracker[K comparable] struct {
	mu    sync.Mutex
	now   func() time.Time
	cache *ttlcache.Cache[K, time.Time]
}

// NewMemoryTracker starts the cache's cleanup loop; call Close to stop it.
func NewMemoryTracker[K comparable](opts ...Option) *MemoryTracker[K] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	cache := ttlcache.New[K, time.Time](
		ttlcache.WithDisableTouchOnHit[K, time.Time](),
		ttlcache.WithTTL[K, time.Time](ttlcache.NoTTL),
	)
	go cache.Start()

	return &MemoryTracker[K]{
		now:   o.now,
		cache: cache,
	}
}

func (t *MemoryTracker[K]) IsBlocked(key K) bool {
	return t.Remaining(key) > 0
}

func (t *MemoryTracker[K]) Arm(key K, d time.Duration) {
	if d <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	expiry := t.now().Add(d)

	if current, ok := t.expiry(key); ok && !expiry.After(current) {
		return
	}

	t.cache.Set(key, expiry, ttlcache.NoTTL)
}

func (t *MemoryTracker[K]) Remaining(key K) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	expiry, ok := t.expiry(key)
	if !ok {
		return 0
	}

	if left := expiry.Sub(t.now()); left > 0 {
		return left
	}

	return 0
}

// Close stops the cleanup loop.
func (t *MemoryTracker[K]) Close() {
	t.cache.Stop()
}

// expiry returns the recorded instant for key and drops it once passed. Callers hold mu.
func (t *MemoryTracker[K]) expiry(key K) (time.Time, bool) {
	item := t.cache.Get(key)
	if item == nil {
		return time.Time{}, false
	}

	if !t.now().Before(item.Value()) {
		t.cache.Delete(key)

		return time.Time{}, false
	}

	return item.Value(), true
}
