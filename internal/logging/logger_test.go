package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"aegis/internal/config"
)

func TestNewWithWriterJSONRedacts(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	logger, closeFn, err := NewWithWriter(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "info", Format: "json"},
	}, "aegis", &out)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closeFn()

	logger.Info("notified", "email", "mom@example.com", "phone", "+1234567890", "bot_token", "secret")

	var record map[string]any
	if err := json.Unmarshal(out.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v (%s)", err, out.String())
	}
	if record["service"] != "aegis" {
		t.Fatalf("missing service attr: %v", record)
	}
	if record["email"] != "m***@example.com" || record["phone"] != "***7890" {
		t.Fatalf("addresses not masked: %v", record)
	}
	if record["bot_token"] != "[redacted]" {
		t.Fatalf("token not redacted: %v", record)
	}
	if _, ok := record["time"]; ok {
		t.Fatalf("console sink must drop time")
	}
}

func TestNewWithWriterLevelFilter(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	logger, closeFn, err := NewWithWriter(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "warn", Format: "line"},
	}, "", &out)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closeFn()

	logger.Info("hidden")
	logger.Warn("shown", "count", 3)
	if strings.Contains(out.String(), "hidden") {
		t.Fatalf("info must be filtered: %q", out.String())
	}
	if !strings.Contains(out.String(), "shown") || !strings.HasPrefix(out.String(), ansiYellow) {
		t.Fatalf("warn line must be yellow: %q", out.String())
	}
}

func TestNewTeeWritesFileSink(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "aegis.log")
	var out bytes.Buffer
	logger, closeFn, err := NewWithWriter(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "info", Format: "json"},
		File:    config.LogSinkConfig{Enabled: true, Level: "debug", Format: "json", Path: path},
	}, "aegis", &out)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("debug only in file")
	closeFn()

	if strings.Contains(out.String(), "debug only") {
		t.Fatalf("console must filter debug")
	}
}

func TestNewRejectsNoSinks(t *testing.T) {
	t.Parallel()

	if _, _, err := New(config.LogConfig{}, "aegis"); err == nil {
		t.Fatalf("expected no sinks error")
	}
	if _, _, err := New(config.LogConfig{Console: config.LogSinkConfig{Enabled: true, Level: "loud", Format: "line"}}, ""); err == nil {
		t.Fatalf("expected level error")
	}
}

func TestMaskAddress(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":                "",
		"a@b.io":          "a***@b.io",
		"12":              "***",
		"  555-0100  ":    "***0100",
		"friend@mail.com": "f***@mail.com",
	}
	for input, want := range cases {
		if got := MaskAddress(input); got != want {
			t.Fatalf("mask %q: got %q want %q", input, got, want)
		}
	}
}

func TestOrDiscard(t *testing.T) {
	t.Parallel()

	if OrDiscard(nil) == nil {
		t.Fatalf("expected non-nil logger")
	}
}
