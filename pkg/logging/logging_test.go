package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"bogus", InfoLevel},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestComponentSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Output: &buf})

	l.Component("swap").Info("committed", "swap_id", "abc")

	out := buf.String()
	if !strings.Contains(out, "swap") || !strings.Contains(out, "swap_id=abc") {
		t.Fatalf("component log not written to shared output: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	l.Component("watcher").Warn("stream closed", "swap_id", "xyz")

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["swap_id"] != "xyz" {
		t.Errorf("swap_id = %v, want xyz", entry["swap_id"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "warn", Output: &buf})

	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info message written at warn level: %q", buf.String())
	}
	l.Component("x").Info("hidden too")
	if buf.Len() != 0 {
		t.Fatalf("component did not inherit level: %q", buf.String())
	}
}
