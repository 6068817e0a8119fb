// Package rules defines alert rule types and their evaluation against
// recent telemetry. Everything here is pure computation: the evaluator
// service fetches readings and applies alert effects; this package only
// decides whether a rule fires.
package rules

import (
	"fmt"
	"time"

	"github.com/fleetline/fleetline/internal/envelope"
)

// Mode selects the rule evaluation strategy.
type Mode string

const (
	ModeThreshold Mode = "threshold"
	ModeMulti     Mode = "multi"
	ModeAnomaly   Mode = "anomaly"
)

// Operator is a threshold comparison operator.
type Operator string

const (
	OpGT  Operator = "GT"
	OpGTE Operator = "GTE"
	OpLT  Operator = "LT"
	OpLTE Operator = "LTE"
	OpEQ  Operator = "EQ"
	OpNEQ Operator = "NEQ"
)

// Match combines multi-rule sub-conditions.
type Match string

const (
	MatchAll Match = "ALL"
	MatchAny Match = "ANY"
)

// Condition is a single metric comparison.
type Condition struct {
	Metric    string   `json:"metric"`
	Op        Operator `json:"op"`
	Threshold float64  `json:"threshold"`
}

// Rule is an alert rule. Which fields are meaningful depends on Mode:
// threshold uses Condition, multi uses Conditions+Match, anomaly uses
// Metric+Sensitivity. DurationSeconds applies to threshold and multi.
type Rule struct {
	ID       string
	Tenant   string
	Mode     Mode
	Severity string
	Enabled  bool
	// DeviceScope limits the rule to the listed devices. Empty means
	// every device in the tenant.
	DeviceScope     []string
	DurationSeconds int

	Condition  Condition
	Conditions []Condition
	Match      Match

	Metric      string
	Sensitivity float64

	// PolicyID references the escalation policy driving notification
	// for alerts this rule opens. Empty means no escalation.
	PolicyID string
}

// AppliesTo reports whether the rule's device scope includes device.
func (r *Rule) AppliesTo(device string) bool {
	if len(r.DeviceScope) == 0 {
		return true
	}
	for _, d := range r.DeviceScope {
		if d == device {
			return true
		}
	}
	return false
}

// Reading is one telemetry observation of a single metric.
type Reading struct {
	Time  time.Time
	Value envelope.Value
}

// Series holds recent readings per metric for one device, ascending by
// time. The evaluator fetches at least the rule's duration window plus
// slack before calling Evaluate.
type Series map[string][]Reading

// compare applies op to a metric value and threshold. Non-numeric
// values fail every comparison; rules over string metrics are not
// supported and must not fire.
func compare(v envelope.Value, op Operator, threshold float64) bool {
	f, ok := v.AsFloat()
	if !ok {
		return false
	}
	switch op {
	case OpGT:
		return f > threshold
	case OpGTE:
		return f >= threshold
	case OpLT:
		return f < threshold
	case OpLTE:
		return f <= threshold
	case OpEQ:
		return f == threshold
	case OpNEQ:
		return f != threshold
	default:
		return false
	}
}

// Evaluate reports whether the rule fires for the given series at now.
// Disabled rules never fire.
func Evaluate(r *Rule, now time.Time, s Series) (bool, error) {
	if !r.Enabled {
		return false, nil
	}
	switch r.Mode {
	case ModeThreshold:
		return evalCondition(r.Condition, time.Duration(r.DurationSeconds)*time.Second, now, s), nil
	case ModeMulti:
		return evalMulti(r, now, s)
	case ModeAnomaly:
		return evalAnomaly(r, s), nil
	default:
		return false, fmt.Errorf("rule %s has unknown mode %q", r.ID, r.Mode)
	}
}

// evalCondition implements the duration-window semantics: with a zero
// duration the latest reading decides; otherwise the condition must
// have held continuously across the window, meaning no failing reading
// inside it, at least one reading inside it, and a passing streak that
// began at or before the window start.
func evalCondition(c Condition, d time.Duration, now time.Time, s Series) bool {
	readings := s[c.Metric]
	if len(readings) == 0 {
		return false
	}

	if d == 0 {
		latest := readings[len(readings)-1]
		return compare(latest.Value, c.Op, c.Threshold)
	}

	windowStart := now.Add(-d)
	var streakStart time.Time
	anyInWindow := false

	for _, r := range readings {
		pass := compare(r.Value, c.Op, c.Threshold)
		if !pass {
			if r.Time.After(windowStart) {
				// A failing reading inside the window.
				return false
			}
			streakStart = time.Time{}
			continue
		}
		if streakStart.IsZero() {
			streakStart = r.Time
		}
		if !r.Time.Before(windowStart) {
			anyInWindow = true
		}
	}

	return anyInWindow && !streakStart.IsZero() && !streakStart.After(windowStart)
}

func evalMulti(r *Rule, now time.Time, s Series) (bool, error) {
	if len(r.Conditions) == 0 {
		return false, fmt.Errorf("rule %s has no conditions", r.ID)
	}
	d := time.Duration(r.DurationSeconds) * time.Second

	switch r.Match {
	case MatchAll:
		for _, c := range r.Conditions {
			if !evalCondition(c, d, now, s) {
				return false, nil
			}
		}
		return true, nil
	case MatchAny:
		for _, c := range r.Conditions {
			if evalCondition(c, d, now, s) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("rule %s has unknown match %q", r.ID, r.Match)
	}
}
