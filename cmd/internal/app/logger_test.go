package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" Debug ": slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}

	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", in, got, want)
		}
	}
}

func TestNewHandler_FormatSelection(t *testing.T) {
	var buf bytes.Buffer

	if _, ok := newHandler(&buf, "info", "pretty", false).(*prettyHandler); !ok {
		t.Fatal("pretty format should select prettyHandler")
	}
	if _, ok := newHandler(&buf, "info", " PRETTY ", false).(*prettyHandler); !ok {
		t.Fatal("format match should be case and space insensitive")
	}
	if _, ok := newHandler(&buf, "info", "", false).(*slog.JSONHandler); !ok {
		t.Fatal("empty format should default to JSON")
	}
}

func TestNewHandler_JSONCarriesLevelAndSource(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, "warn", "json", false))

	log.Info("skipped")
	log.Warn("session.reconnect.exhausted", "session_key", "7_ventas", "attempts", 5)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected exactly one JSON line: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "session.reconnect.exhausted" || entry["session_key"] != "7_ventas" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if _, ok := entry["source"]; !ok {
		t.Fatalf("source missing: %v", entry)
	}
}
