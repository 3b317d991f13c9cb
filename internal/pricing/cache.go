// Package pricing owns the platform pricing configuration cache, payment
// amount computation, and base-amount resolution for requests.
package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/resq-labs/resq-core/internal/models"
)

// LoadFunc fetches the singleton pricing row, seeding a default row when the
// backing table is empty.
type LoadFunc func(ctx context.Context) (*models.PlatformPricingConfig, error)

// ConfigCache is the process-wide pricing configuration accessor. Reads are
// TTL-cached; a single in-flight refresh is shared by concurrent callers so a
// cold cache does not stampede the database. Callers always receive deep
// copies.
type ConfigCache struct {
	mu        sync.Mutex
	load      LoadFunc
	ttl       time.Duration
	cached    *models.PlatformPricingConfig
	expiresAt time.Time
	inFlight  chan struct{}
}

// DefaultTTL is the cache lifetime when none is configured.
const DefaultTTL = 30 * time.Second

// NewConfigCache creates a cache over the given loader.
func NewConfigCache(load LoadFunc, ttl time.Duration) *ConfigCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ConfigCache{load: load, ttl: ttl}
}

// Get returns the pricing configuration, refreshing lazily once the TTL
// lapses. forceRefresh bypasses the TTL.
func (c *ConfigCache) Get(ctx context.Context, forceRefresh bool) (*models.PlatformPricingConfig, error) {
	for {
		c.mu.Lock()
		if !forceRefresh && c.cached != nil && time.Now().Before(c.expiresAt) {
			cfg := c.cached.Clone()
			c.mu.Unlock()
			return cfg, nil
		}

		// Another caller is already refreshing: wait for it, then re-check.
		if c.inFlight != nil {
			done := c.inFlight
			c.mu.Unlock()
			select {
			case <-done:
				forceRefresh = false
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// Mark this caller as the refresher.
		done := make(chan struct{})
		c.inFlight = done
		c.mu.Unlock()

		cfg, err := c.load(ctx)

		c.mu.Lock()
		c.inFlight = nil
		if err == nil {
			c.cached = cfg
			c.expiresAt = time.Now().Add(c.ttl)
		}
		c.mu.Unlock()
		close(done)

		if err != nil {
			return nil, err
		}
		return cfg.Clone(), nil
	}
}

// Invalidate drops the cached row. Admin edits call this after writing.
func (c *ConfigCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
	c.expiresAt = time.Time{}
}
