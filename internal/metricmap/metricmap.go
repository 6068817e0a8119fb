// Package metricmap normalizes raw firmware metric keys to canonical
// ones using each device's key map. Maps are cached per device with a
// TTL; an absent device map (or an unmapped key) is a pass-through.
package metricmap

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetline/fleetline/internal/envelope"
)

// Map is a device's raw-key to canonical-key mapping.
type Map map[string]string

// resolve follows mapping chains (a→b, b→c) to a terminal key so that
// normalization is idempotent regardless of how the map was authored.
// Cycles terminate at the first repeated key.
func (m Map) resolve(key string) string {
	seen := map[string]bool{key: true}
	cur := key
	for {
		next, ok := m[cur]
		if !ok || seen[next] {
			return cur
		}
		seen[next] = true
		cur = next
	}
}

// LookupFunc fetches a device's merged key map from the store. A nil
// map with nil error means the device has no mappings.
type LookupFunc func(ctx context.Context, tenant, device string) (Map, error)

// Cache caches per-device key maps and applies them to metric maps.
type Cache struct {
	lru      *expirable.LRU[string, Map]
	lookup   LookupFunc
	remapped prometheus.Counter // may be nil
}

// New creates a Cache of at most maxSize device maps with the given
// TTL. The remapped counter (may be nil) counts rewritten keys.
func New(maxSize int, ttl time.Duration, lookup LookupFunc, remapped prometheus.Counter) *Cache {
	return &Cache{
		lru:      expirable.NewLRU[string, Map](maxSize, nil, ttl),
		lookup:   lookup,
		remapped: remapped,
	}
}

// deviceMap returns the cached key map for a device, fetching on miss.
func (c *Cache) deviceMap(ctx context.Context, tenant, device string) (Map, error) {
	key := tenant + "/" + device
	if m, ok := c.lru.Get(key); ok {
		return m, nil
	}

	m, err := c.lookup(ctx, tenant, device)
	if err != nil {
		return nil, fmt.Errorf("metric map lookup %s: %w", key, err)
	}
	if m == nil {
		m = Map{}
	}
	c.lru.Add(key, m)
	return m, nil
}

// Normalize rewrites one metric key through the device's map. Unmapped
// keys pass through unchanged.
func (c *Cache) Normalize(ctx context.Context, tenant, device, key string) (string, error) {
	m, err := c.deviceMap(ctx, tenant, device)
	if err != nil {
		return "", err
	}
	return m.resolve(key), nil
}

// NormalizeAll rewrites every key in metrics through the device's map,
// returning a new map and the number of keys rewritten. When two raw
// keys normalize to the same canonical key, the later value wins; the
// collision is counted as a rewrite.
func (c *Cache) NormalizeAll(ctx context.Context, tenant, device string, metrics map[string]envelope.Value) (map[string]envelope.Value, int, error) {
	m, err := c.deviceMap(ctx, tenant, device)
	if err != nil {
		return nil, 0, err
	}
	if len(m) == 0 {
		return metrics, 0, nil
	}

	out := make(map[string]envelope.Value, len(metrics))
	rewritten := 0
	for k, v := range metrics {
		canonical := m.resolve(k)
		if canonical != k {
			rewritten++
			if c.remapped != nil {
				c.remapped.Inc()
			}
		}
		out[canonical] = v
	}
	return out, rewritten, nil
}

// Invalidate drops a device's cached map, e.g. after its template
// changes.
func (c *Cache) Invalidate(tenant, device string) {
	c.lru.Remove(tenant + "/" + device)
}
