package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRunVersionText(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), &out, &errOut, []string{"version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "fleetd") {
		t.Fatalf("output = %q", out.String())
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Fatalf("missing build fields: %q", out.String())
	}
}

func TestRunVersionJSON(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), &out, &errOut, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info["version"] == "" {
		t.Fatalf("info = %v", info)
	}
}

func TestRunNoCommandPrintsUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), &out, &errOut, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: fleetd") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunRejectsUnknowns(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"command", []string{"frobnicate"}},
		{"flag", []string{"-frobnicate"}},
		{"output format", []string{"-o", "yaml", "version"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			if err := run(context.Background(), &out, &errOut, tt.args); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
