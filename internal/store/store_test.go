package store

import "testing"

func TestLockKeyStable(t *testing.T) {
	a := lockKey("evaluator:acme")
	b := lockKey("evaluator:acme")
	if a != b {
		t.Errorf("lockKey not deterministic: %d vs %d", a, b)
	}
	if lockKey("evaluator:acme") == lockKey("evaluator:globex") {
		t.Error("different tenants should hash to different lock keys")
	}
}

func TestSeverityRising(t *testing.T) {
	tests := []struct {
		current, next string
		want          bool
	}{
		{"warning", "critical", true},
		{"critical", "warning", false},
		{"warning", "warning", false},
		{"info", "error", true},
		{"critical", "critical", false},
	}
	for _, tt := range tests {
		if got := SeverityRising(tt.current, tt.next); got != tt.want {
			t.Errorf("SeverityRising(%s, %s) = %v, want %v", tt.current, tt.next, got, tt.want)
		}
	}
}
