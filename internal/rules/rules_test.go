package rules

import (
	"testing"
	"time"

	"github.com/fleetline/fleetline/internal/envelope"
)

var t0 = time.Date(2026, 2, 17, 12, 0, 0, 0, time.UTC)

// numSeries builds a Series for one metric from (secondsAgo, value)
// pairs relative to now, oldest first.
func numSeries(metric string, now time.Time, points ...[2]float64) Series {
	readings := make([]Reading, 0, len(points))
	for _, p := range points {
		readings = append(readings, Reading{
			Time:  now.Add(-time.Duration(p[0]) * time.Second),
			Value: envelope.Num(p[1]),
		})
	}
	// points come newest-last already when secondsAgo descends
	return Series{metric: readings}
}

func TestThresholdLatestValue(t *testing.T) {
	r := &Rule{
		ID: "r1", Tenant: "acme", Mode: ModeThreshold, Enabled: true,
		Condition: Condition{Metric: "temperature", Op: OpGT, Threshold: 40},
	}

	fires, err := Evaluate(r, t0, numSeries("temperature", t0, [2]float64{10, 30}, [2]float64{0, 45}))
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !fires {
		t.Error("rule should fire on latest value 45 > 40")
	}

	fires, err = Evaluate(r, t0, numSeries("temperature", t0, [2]float64{10, 45}, [2]float64{0, 30}))
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if fires {
		t.Error("rule should not fire on latest value 30")
	}
}

func TestThresholdDisabledNeverFires(t *testing.T) {
	r := &Rule{
		ID: "r1", Mode: ModeThreshold, Enabled: false,
		Condition: Condition{Metric: "temperature", Op: OpGT, Threshold: 40},
	}
	fires, err := Evaluate(r, t0, numSeries("temperature", t0, [2]float64{0, 100}))
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if fires {
		t.Error("disabled rule must not fire")
	}
}

func TestThresholdNoReadings(t *testing.T) {
	r := &Rule{
		ID: "r1", Mode: ModeThreshold, Enabled: true,
		Condition: Condition{Metric: "temperature", Op: OpGT, Threshold: 40},
	}
	fires, err := Evaluate(r, t0, Series{})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if fires {
		t.Error("rule must not fire without readings")
	}
}

// TestDurationWindow covers the humidity scenario: readings every 5s
// below the threshold. The alert may only fire once the passing streak
// is at least duration_seconds old.
func TestDurationWindow(t *testing.T) {
	r := &Rule{
		ID: "r2", Mode: ModeThreshold, Enabled: true, DurationSeconds: 60,
		Condition: Condition{Metric: "humidity", Op: OpLT, Threshold: 20},
	}

	// Readings at t0, t0+5, ..., t0+55 — all humidity=18.
	readings := make([]Reading, 0, 12)
	for s := 0; s <= 55; s += 5 {
		readings = append(readings, Reading{
			Time:  t0.Add(time.Duration(s) * time.Second),
			Value: envelope.Num(18),
		})
	}

	// At t0+55 the streak is only 55s old: no alert.
	fires, err := Evaluate(r, t0.Add(55*time.Second), Series{"humidity": readings})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if fires {
		t.Error("rule fired at 55s, before the 60s window elapsed")
	}

	// At t0+65 the earliest in-window passing reading is 60s old: alert.
	more := append(append([]Reading{}, readings...), Reading{
		Time:  t0.Add(65 * time.Second),
		Value: envelope.Num(18),
	})
	fires, err = Evaluate(r, t0.Add(65*time.Second), Series{"humidity": more})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !fires {
		t.Error("rule should fire at 65s with a full 60s passing window")
	}

	// Recovery reading breaks the streak: no alert.
	recovered := append(append([]Reading{}, more...), Reading{
		Time:  t0.Add(70 * time.Second),
		Value: envelope.Num(25),
	})
	fires, err = Evaluate(r, t0.Add(70*time.Second), Series{"humidity": recovered})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if fires {
		t.Error("rule must not fire after a failing reading inside the window")
	}
}

func TestDurationWindowRequiresReadingInWindow(t *testing.T) {
	r := &Rule{
		ID: "r2", Mode: ModeThreshold, Enabled: true, DurationSeconds: 60,
		Condition: Condition{Metric: "humidity", Op: OpLT, Threshold: 20},
	}
	// Only stale readings, all passing but outside the window.
	s := numSeries("humidity", t0, [2]float64{300, 18}, [2]float64{200, 18})
	fires, err := Evaluate(r, t0, s)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if fires {
		t.Error("rule must not fire with no reading inside the window")
	}
}

func TestOperators(t *testing.T) {
	tests := []struct {
		op    Operator
		value float64
		want  bool
	}{
		{OpGT, 41, true},
		{OpGT, 40, false},
		{OpGTE, 40, true},
		{OpLT, 39, true},
		{OpLT, 40, false},
		{OpLTE, 40, true},
		{OpEQ, 40, true},
		{OpEQ, 41, false},
		{OpNEQ, 41, true},
		{OpNEQ, 40, false},
	}
	for _, tt := range tests {
		if got := compare(envelope.Num(tt.value), tt.op, 40); got != tt.want {
			t.Errorf("compare(%v, %s, 40) = %v, want %v", tt.value, tt.op, got, tt.want)
		}
	}
}

func TestCompareNonNumericFails(t *testing.T) {
	if compare(envelope.Str("hot"), OpNEQ, 40) {
		t.Error("string values must fail every comparison")
	}
}

func TestBoolCompare(t *testing.T) {
	// door_open == 1 style rules work through the bool-to-float view.
	if !compare(envelope.Boolean(true), OpEQ, 1) {
		t.Error("true should compare equal to 1")
	}
	if !compare(envelope.Boolean(false), OpEQ, 0) {
		t.Error("false should compare equal to 0")
	}
}

func TestMultiAll(t *testing.T) {
	r := &Rule{
		ID: "m1", Mode: ModeMulti, Enabled: true, Match: MatchAll,
		Conditions: []Condition{
			{Metric: "temperature", Op: OpGT, Threshold: 40},
			{Metric: "humidity", Op: OpLT, Threshold: 20},
		},
	}

	s := Series{
		"temperature": {{Time: t0, Value: envelope.Num(45)}},
		"humidity":    {{Time: t0, Value: envelope.Num(18)}},
	}
	fires, err := Evaluate(r, t0, s)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !fires {
		t.Error("ALL rule should fire when every condition passes")
	}

	s["humidity"] = []Reading{{Time: t0, Value: envelope.Num(50)}}
	fires, err = Evaluate(r, t0, s)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if fires {
		t.Error("ALL rule must not fire when one condition fails")
	}
}

func TestMultiAny(t *testing.T) {
	r := &Rule{
		ID: "m2", Mode: ModeMulti, Enabled: true, Match: MatchAny,
		Conditions: []Condition{
			{Metric: "temperature", Op: OpGT, Threshold: 40},
			{Metric: "humidity", Op: OpLT, Threshold: 20},
		},
	}

	s := Series{
		"temperature": {{Time: t0, Value: envelope.Num(30)}},
		"humidity":    {{Time: t0, Value: envelope.Num(18)}},
	}
	fires, err := Evaluate(r, t0, s)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !fires {
		t.Error("ANY rule should fire when one condition passes")
	}

	s["humidity"] = []Reading{{Time: t0, Value: envelope.Num(50)}}
	fires, err = Evaluate(r, t0, s)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if fires {
		t.Error("ANY rule must not fire when no condition passes")
	}
}

func TestMultiRejectsEmptyConditions(t *testing.T) {
	r := &Rule{ID: "m3", Mode: ModeMulti, Enabled: true, Match: MatchAll}
	if _, err := Evaluate(r, t0, Series{}); err == nil {
		t.Error("multi rule with no conditions should error")
	}
}

func TestUnknownModeErrors(t *testing.T) {
	r := &Rule{ID: "x", Mode: "psychic", Enabled: true}
	if _, err := Evaluate(r, t0, Series{}); err == nil {
		t.Error("unknown mode should error")
	}
}

// TestAnomalyMonotonicity asserts the only pinned-down property of the
// anomaly mode: for the same input, a higher sensitivity never yields
// fewer alerts.
func TestAnomalyMonotonicity(t *testing.T) {
	base := numSeries("temperature", t0,
		[2]float64{50, 20}, [2]float64{40, 21}, [2]float64{30, 19},
		[2]float64{20, 20}, [2]float64{10, 22}, [2]float64{0, 35},
	)

	prev := false
	for _, sens := range []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1} {
		r := &Rule{
			ID: "a1", Mode: ModeAnomaly, Enabled: true,
			Metric: "temperature", Sensitivity: sens,
		}
		fires, err := Evaluate(r, t0, base)
		if err != nil {
			t.Fatalf("Evaluate(sensitivity=%v) error: %v", sens, err)
		}
		if prev && !fires {
			t.Errorf("sensitivity %v stopped firing after a lower sensitivity fired", sens)
		}
		prev = prev || fires
	}
}

func TestAnomalyNeedsSamples(t *testing.T) {
	r := &Rule{
		ID: "a2", Mode: ModeAnomaly, Enabled: true,
		Metric: "temperature", Sensitivity: 1,
	}
	s := numSeries("temperature", t0, [2]float64{10, 20}, [2]float64{0, 400})
	fires, err := Evaluate(r, t0, s)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if fires {
		t.Error("anomaly mode must not fire below the minimum sample count")
	}
}

func TestAppliesTo(t *testing.T) {
	r := &Rule{DeviceScope: nil}
	if !r.AppliesTo("any-device") {
		t.Error("empty scope should match every device")
	}

	r = &Rule{DeviceScope: []string{"d-1", "d-2"}}
	if !r.AppliesTo("d-2") {
		t.Error("scoped rule should match a listed device")
	}
	if r.AppliesTo("d-3") {
		t.Error("scoped rule must not match an unlisted device")
	}
}

func TestFingerprintStability(t *testing.T) {
	a := RuleFingerprint("r-9", "d-17")
	b := RuleFingerprint("r-9", "d-17")
	if a != b {
		t.Errorf("fingerprints differ: %q vs %q", a, b)
	}
	if a != "RULE:r-9:d-17" {
		t.Errorf("fingerprint = %q, want RULE:r-9:d-17", a)
	}
	if got := HeartbeatFingerprint("d-17"); got != "NO_HEARTBEAT:d-17" {
		t.Errorf("heartbeat fingerprint = %q", got)
	}
}
