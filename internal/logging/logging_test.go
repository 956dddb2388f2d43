package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"debug-2": slog.LevelDebug - 2,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q): want %v, got %v", in, want, got)
		}
	}
}

func TestInitFromEnv(t *testing.T) {
	t.Setenv("MEMPHISFLOW_LOG_LEVEL", "debug")
	t.Setenv("MEMPHISFLOW_LOG_JSON", "true")
	InitFromEnv()
	t.Cleanup(func() { Configure(Options{}) })

	l := L()
	if l == nil {
		t.Fatal("nil logger after InitFromEnv")
	}
	if _, ok := l.Handler().(*slog.JSONHandler); !ok {
		t.Fatalf("want JSON handler, got %T", l.Handler())
	}
	if !l.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug level not enabled")
	}
}

func TestConfigure_ServiceAttr(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{JSON: true, Output: &buf})
	t.Cleanup(func() { Configure(Options{}) })

	L().Info("memphis: connected", "station", "orders")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["service"] != "memphisflow" || rec["station"] != "orders" {
		t.Fatalf("unexpected record %v", rec)
	}
}
