// Package authcache caches device authorization lookups for the ingest
// hot path. Entries are LRU-evicted at capacity and treated as misses
// once older than the TTL; concurrent misses for the same device
// coalesce onto a single store lookup.
package authcache

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// Entry is a cached device authorization record.
type Entry struct {
	// TokenHash is the hex SHA-256 of the device's auth token.
	TokenHash string
	// DeviceStatus is the device's provisioning status ("ACTIVE",
	// "SUSPENDED", ...), not its heartbeat status.
	DeviceStatus string
	// SiteID is the device's registered site, checked against payloads.
	SiteID string
	// TenantStatus is the tenant's subscription status
	// (ACTIVE/SUSPENDED/EXPIRED).
	TenantStatus string
	// Rate and Burst are the tenant tier's admission limits.
	Rate  float64
	Burst float64
	// CachedAt drives TTL staleness.
	CachedAt time.Time
}

// HashToken returns the hex SHA-256 digest stored and compared for
// device tokens. Tokens are high-entropy opaque secrets, so a fast
// digest with constant-time comparison is the right trade for a
// per-message hot path.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken compares a presented token against the cached hash in
// constant time.
func (e *Entry) VerifyToken(token string) bool {
	presented := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(e.TokenHash)) == 1
}

// LookupFunc fetches an authorization record from the store. A nil
// entry with a nil error means the device does not exist.
type LookupFunc func(ctx context.Context, tenant, device string) (*Entry, error)

// Cache is the LRU+TTL authorization cache.
type Cache struct {
	lru    *lru.Cache[string, *Entry]
	ttl    time.Duration
	lookup LookupFunc
	group  singleflight.Group

	// hits and misses may be nil when metrics are not wired (tests).
	hits   prometheus.Counter
	misses prometheus.Counter

	now func() time.Time
}

// New creates a Cache with the given capacity and TTL, filling misses
// through lookup. hits and misses counters may be nil.
func New(maxSize int, ttl time.Duration, lookup LookupFunc, hits, misses prometheus.Counter) (*Cache, error) {
	l, err := lru.New[string, *Entry](maxSize)
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Cache{
		lru:    l,
		ttl:    ttl,
		lookup: lookup,
		hits:   hits,
		misses: misses,
		now:    time.Now,
	}, nil
}

// Get returns the authorization entry for (tenant, device), consulting
// the store on miss or staleness. A nil entry with nil error means the
// device is unknown; unknown devices are not cached.
func (c *Cache) Get(ctx context.Context, tenant, device string) (*Entry, error) {
	key := tenant + "/" + device

	if e, ok := c.lru.Get(key); ok {
		if c.now().Sub(e.CachedAt) <= c.ttl {
			c.inc(c.hits)
			return e, nil
		}
		// Stale entries are misses; leave eviction to the refill.
	}
	c.inc(c.misses)

	v, err, _ := c.group.Do(key, func() (any, error) {
		e, err := c.lookup(ctx, tenant, device)
		if err != nil {
			return nil, err
		}
		if e == nil {
			// Avoid boxing a typed nil into the any return.
			return nil, nil
		}
		e.CachedAt = c.now()
		c.lru.Add(key, e)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth lookup %s: %w", key, err)
	}
	if v == nil {
		return nil, nil
	}
	e, _ := v.(*Entry)
	return e, nil
}

// Invalidate drops a cached entry, e.g. after a device is suspended.
func (c *Cache) Invalidate(tenant, device string) {
	c.lru.Remove(tenant + "/" + device)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) inc(counter prometheus.Counter) {
	if counter != nil {
		counter.Inc()
	}
}
