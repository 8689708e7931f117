package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerWithFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))

	log.Debug("hidden")
	log.Warn("fetch failed", Int64("channel_id", 42), Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["comp"] != "test" || m["message"] != "fetch failed" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["channel_id"] != float64(42) {
		t.Fatalf("channel_id = %v", m["channel_id"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("expected caller field: %v", m)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("must not panic")
	if Nop().IsZero() {
		t.Fatal("Nop logger is not zero")
	}
}

func TestFormatChatLine(t *testing.T) {
	line := `{"level":"warn","time":"x","message":"save failed","path":"state.json","err":"disk full"}`
	got := formatChatLine([]byte(line))
	want := "[WARN] save failed\n- err=disk full\n- path=state.json"
	if got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}
	if got := formatChatLine([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("non-json line = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" INFO ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
