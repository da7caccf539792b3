package app

import (
	"io"
	"log/slog"
)

// newLogger builds an isolated slog.Logger writing to every writer in outW.
// The global logger is left alone so that concurrent apps in tests do not
// interleave. Unknown levels fall back to info.
func newLogger(levelStr, formatStr string, outW ...io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}

	var w io.Writer
	switch len(outW) {
	case 0:
		w = io.Discard
	case 1:
		w = outW[0]
	default:
		// The run log is a tee of the console output.
		w = io.MultiWriter(outW...)
	}

	opts := &slog.HandlerOptions{Level: level}
	if formatStr == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
