package metricmap

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetline/fleetline/internal/envelope"
)

func fixedLookup(m Map, lookups *atomic.Int64) LookupFunc {
	return func(ctx context.Context, tenant, device string) (Map, error) {
		if lookups != nil {
			lookups.Add(1)
		}
		return m, nil
	}
}

func TestNormalizeMappedKey(t *testing.T) {
	c := New(16, time.Minute, fixedLookup(Map{"tmp": "temperature"}, nil), nil)

	got, err := c.Normalize(context.Background(), "acme", "d-1", "tmp")
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if got != "temperature" {
		t.Errorf("Normalize(tmp) = %q, want temperature", got)
	}
}

func TestNormalizeUnmappedPassThrough(t *testing.T) {
	c := New(16, time.Minute, fixedLookup(Map{"tmp": "temperature"}, nil), nil)

	got, err := c.Normalize(context.Background(), "acme", "d-1", "humidity")
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if got != "humidity" {
		t.Errorf("Normalize(humidity) = %q, want pass-through", got)
	}
}

// TestNormalizeIdempotent asserts the round-trip law
// normalize(normalize(k)) == normalize(k), including over chained and
// cyclic maps.
func TestNormalizeIdempotent(t *testing.T) {
	maps := []Map{
		{"tmp": "temperature"},
		{"a": "b", "b": "c"},
		{"x": "y", "y": "x"}, // cycle
		{},
	}
	keys := []string{"tmp", "temperature", "a", "b", "c", "x", "y", "other"}

	for _, m := range maps {
		c := New(16, time.Minute, fixedLookup(m, nil), nil)
		for _, k := range keys {
			once, err := c.Normalize(context.Background(), "acme", "d-1", k)
			if err != nil {
				t.Fatalf("Normalize() error: %v", err)
			}
			twice, err := c.Normalize(context.Background(), "acme", "d-1", once)
			if err != nil {
				t.Fatalf("Normalize() error: %v", err)
			}
			if once != twice {
				t.Errorf("map %v: normalize(%q) = %q but normalize again = %q", m, k, once, twice)
			}
		}
	}
}

func TestNormalizeAll(t *testing.T) {
	var lookups atomic.Int64
	c := New(16, time.Minute, fixedLookup(Map{"tmp": "temperature", "hum": "humidity"}, &lookups), nil)

	in := map[string]envelope.Value{
		"tmp":     envelope.Num(45),
		"hum":     envelope.Num(18),
		"voltage": envelope.Num(3.3),
	}
	out, rewritten, err := c.NormalizeAll(context.Background(), "acme", "d-1", in)
	if err != nil {
		t.Fatalf("NormalizeAll() error: %v", err)
	}
	if rewritten != 2 {
		t.Errorf("rewritten = %d, want 2", rewritten)
	}
	if !out["temperature"].Equal(envelope.Num(45)) || !out["humidity"].Equal(envelope.Num(18)) {
		t.Errorf("NormalizeAll() = %v", out)
	}
	if !out["voltage"].Equal(envelope.Num(3.3)) {
		t.Errorf("unmapped key voltage lost: %v", out)
	}
	if _, still := out["tmp"]; still {
		t.Error("raw key tmp should be rewritten away")
	}

	// Second call uses the cached device map.
	if _, _, err := c.NormalizeAll(context.Background(), "acme", "d-1", in); err != nil {
		t.Fatal(err)
	}
	if n := lookups.Load(); n != 1 {
		t.Errorf("lookups = %d, want 1", n)
	}
}

func TestNormalizeAllEmptyMapReturnsInput(t *testing.T) {
	c := New(16, time.Minute, fixedLookup(nil, nil), nil)

	in := map[string]envelope.Value{"temperature": envelope.Num(45)}
	out, rewritten, err := c.NormalizeAll(context.Background(), "acme", "d-1", in)
	if err != nil {
		t.Fatalf("NormalizeAll() error: %v", err)
	}
	if rewritten != 0 {
		t.Errorf("rewritten = %d, want 0", rewritten)
	}
	if len(out) != 1 || !out["temperature"].Equal(envelope.Num(45)) {
		t.Errorf("NormalizeAll() = %v", out)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	var lookups atomic.Int64
	c := New(16, time.Minute, fixedLookup(Map{}, &lookups), nil)

	ctx := context.Background()
	c.Normalize(ctx, "acme", "d-1", "k")
	c.Invalidate("acme", "d-1")
	c.Normalize(ctx, "acme", "d-1", "k")

	if n := lookups.Load(); n != 2 {
		t.Errorf("lookups = %d, want 2 after Invalidate", n)
	}
}
