// Package ratelimit implements token-bucket admission control for the
// ingest pipeline. One bucket exists per (tenant, device) pair plus an
// aggregate bucket per tenant; the aggregate is checked first so a
// noisy tenant exhausts its own budget before touching anyone else's.
// Buckets are runtime-only state owned by the process that created
// them; a restarted ingestor starts with fresh buckets.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Limits are the tenant's subscription tier admission parameters.
type Limits struct {
	// Rate is the sustained refill rate in messages per second.
	Rate float64
	// Burst is the bucket capacity.
	Burst float64
}

// OrDefault fills zero-valued fields from d. Tenants whose tier rows
// carry no explicit limits fall back to the configured defaults.
func (l Limits) OrDefault(d Limits) Limits {
	if l.Rate <= 0 {
		l.Rate = d.Rate
	}
	if l.Burst <= 0 {
		l.Burst = d.Burst
	}
	return l
}

// bucket is a single token bucket. Guarded by the Limiter mutex.
type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
	lastUsed   time.Time
}

// setLimits applies the current tier parameters, clamping banked
// tokens down when the capacity shrank.
func (b *bucket) setLimits(rate, burst float64) {
	b.capacity = burst
	b.refillRate = rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// refillAndTake refills from elapsed time and consumes one token if
// available.
func (b *bucket) refillAndTake(now time.Time) bool {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
		b.lastRefill = now
	}
	b.lastUsed = now
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Limiter admits or rejects messages per device under tenant-scoped
// token buckets.
type Limiter struct {
	mu      sync.Mutex
	devices map[string]*bucket // key: tenant + "/" + device
	tenants map[string]*bucket

	// tenantMultiplier scales a device's limits up to the tenant
	// aggregate bucket.
	tenantMultiplier float64
	ttl              time.Duration
	logger           *slog.Logger
	now              func() time.Time // injectable for tests
}

// New creates a Limiter. tenantMultiplier scales per-device limits to
// the tenant-aggregate bucket; ttl controls idle bucket eviction.
func New(tenantMultiplier float64, ttl time.Duration, logger *slog.Logger) *Limiter {
	if tenantMultiplier < 1 {
		tenantMultiplier = 1
	}
	return &Limiter{
		devices:          make(map[string]*bucket),
		tenants:          make(map[string]*bucket),
		tenantMultiplier: tenantMultiplier,
		ttl:              ttl,
		logger:           logger,
		now:              time.Now,
	}
}

// Allow admits one message for (tenant, device) under the tenant's
// tier limits. The tenant-aggregate bucket is consulted first; a
// tenant-level rejection never consumes from the device bucket.
func (l *Limiter) Allow(tenant, device string, limits Limits) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	tb, ok := l.tenants[tenant]
	if !ok {
		tb = &bucket{
			tokens:     limits.Burst * l.tenantMultiplier,
			lastRefill: now,
		}
		l.tenants[tenant] = tb
	}
	// Tier changes propagate through the auth cache; apply the current
	// limits on every admission so a busy bucket picks them up too.
	tb.setLimits(limits.Rate*l.tenantMultiplier, limits.Burst*l.tenantMultiplier)
	if !tb.refillAndTake(now) {
		return false
	}

	key := tenant + "/" + device
	db, ok := l.devices[key]
	if !ok {
		db = &bucket{
			tokens:     limits.Burst,
			lastRefill: now,
		}
		l.devices[key] = db
	}
	db.setLimits(limits.Rate, limits.Burst)
	return db.refillAndTake(now)
}

// Run sweeps idle buckets every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := l.sweep(l.now())
			if evicted > 0 {
				l.logger.Debug("rate limit buckets evicted", "count", evicted)
			}
		}
	}
}

// sweep removes buckets idle longer than the TTL and returns how many
// were evicted.
func (l *Limiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, b := range l.devices {
		if now.Sub(b.lastUsed) > l.ttl {
			delete(l.devices, key)
			evicted++
		}
	}
	for key, b := range l.tenants {
		if now.Sub(b.lastUsed) > l.ttl {
			delete(l.tenants, key)
			evicted++
		}
	}
	return evicted
}

// Size returns the current bucket counts, for the queue_depth style
// gauges on the ops endpoint.
func (l *Limiter) Size() (devices, tenants int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.devices), len(l.tenants)
}
