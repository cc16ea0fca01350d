package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func captureJSON(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Configure(Options{Level: level, Format: "json", Output: &buf})
	t.Cleanup(func() { Configure(Options{}) })
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLoggerInfo(t *testing.T) {
	buf := captureJSON(t, "info")

	New("gate").Info("acquired", Fields{"key": "slack:1", "active": 2})

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	e := lines[0]
	if e["component"] != "gate" {
		t.Errorf("component = %v", e["component"])
	}
	if e["event"] != "acquired" {
		t.Errorf("event = %v", e["event"])
	}
	if e["key"] != "slack:1" {
		t.Errorf("key = %v", e["key"])
	}
	if e["level"] != "info" {
		t.Errorf("level = %v", e["level"])
	}
	if _, ok := e["ts"]; !ok {
		t.Error("missing ts")
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	buf := captureJSON(t, "warn")

	l := New("x")
	l.Debug("hidden", nil)
	l.Info("hidden", nil)
	l.Warn("shown", nil, errors.New("boom"))

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("expected only the warning, got %d lines", len(lines))
	}
	if lines[0]["error"] != "boom" {
		t.Errorf("error = %v", lines[0]["error"])
	}
}

func TestLoggerWithAndContext(t *testing.T) {
	buf := captureJSON(t, "debug")

	ctx := WithRequestID(context.Background(), "req-1")
	l := New("orchestrator").With(Fields{"platform": "slack"}).WithContext(ctx)
	l.Error("failed", Fields{"step": "route"}, nil)

	e := decodeLines(t, buf)[0]
	if e["request_id"] != "req-1" {
		t.Errorf("request_id = %v", e["request_id"])
	}
	if e["platform"] != "slack" || e["step"] != "route" {
		t.Errorf("fields missing: %v", e)
	}
}

func TestWithDoesNotMutateParent(t *testing.T) {
	parent := New("c").With(Fields{"a": 1})
	child := parent.With(Fields{"b": 2})
	if _, ok := parent.fields["b"]; ok {
		t.Error("parent mutated by With")
	}
	if child.fields["a"] != 1 {
		t.Error("child lost parent field")
	}
}

func TestTimedEvent(t *testing.T) {
	buf := captureJSON(t, "info")

	New("bridge").TimedEvent("turn_done", time.Now().Add(-50*time.Millisecond), nil)

	e := decodeLines(t, buf)[0]
	d, ok := e["duration_ms"].(float64)
	if !ok || d < 50 {
		t.Errorf("duration_ms = %v, want >= 50", e["duration_ms"])
	}
}

func TestUseJSON(t *testing.T) {
	var buf bytes.Buffer
	if !useJSON("json", &buf) {
		t.Error("json format should use JSON")
	}
	if useJSON("text", &buf) {
		t.Error("text format should not use JSON")
	}
	if !useJSON("auto", &buf) {
		t.Error("auto on a non-terminal writer should use JSON")
	}
}
