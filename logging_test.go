package main

import (
	"strings"
	"testing"
	"time"
)

func TestFormatAttrs(t *testing.T) {
	got := formatAttrs([]any{"server", "survival", "line", "Steve joined the game", "count", 2, "dangling"})
	want := `server=survival line="Steve joined the game" count=2 dangling`
	if got != want {
		t.Fatalf("formatAttrs = %q, want %q", got, want)
	}
	if formatAttrs(nil) != "" {
		t.Fatalf("expected empty attrs")
	}
}

func TestFormatLogLine(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 1, 0, time.Local)
	line := formatLogLine(logEvent{at: at, level: logLevelWarn, msg: "card sync failed", attrs: []any{"server", "survival"}})
	if !strings.HasPrefix(line, "2024-05-01 12:00:01.000 [WARN] card sync failed server=survival") || !strings.HasSuffix(line, "\n") {
		t.Fatalf("unexpected log line %q", line)
	}
}
