// Package logging holds the process-wide structured logger. Every record
// carries service=memphisflow so engine logs can be told apart from the
// broker's when both land in one stream.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

const service = "memphisflow"

type Options struct {
	// Level is debug|info|warn|error or any slog level text such as
	// "DEBUG-2". Unknown values fall back to info.
	Level string
	JSON  bool
	// Output defaults to stderr.
	Output io.Writer
}

var current atomic.Pointer[slog.Logger]

func init() { Configure(Options{}) }

func Configure(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	ho := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var h slog.Handler = slog.NewTextHandler(out, ho)
	if opts.JSON {
		h = slog.NewJSONHandler(out, ho)
	}
	current.Store(slog.New(h).With("service", service))
}

func parseLevel(s string) slog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if s == "" || lvl.UnmarshalText([]byte(s)) != nil {
		return slog.LevelInfo
	}
	return lvl
}

// L returns the current logger. Safe for concurrent use.
func L() *slog.Logger { return current.Load() }

// InitFromEnv configures the logger from MEMPHISFLOW_LOG_LEVEL and
// MEMPHISFLOW_LOG_JSON.
func InitFromEnv() {
	asJSON, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv("MEMPHISFLOW_LOG_JSON")))
	Configure(Options{Level: os.Getenv("MEMPHISFLOW_LOG_LEVEL"), JSON: asJSON})
}
