// Package debug gates verbose diagnostics behind named categories so the
// emulator stays quiet by default and protocol or process noise can be
// switched on selectively.
//
// Categories name subsystems: protocol, supervisor, dispatch, reload,
// config, creds. The special name "all" selects everything.
// AUFRUF_DEBUG picks categories (comma separated) and AUFRUF_LOG_LEVEL
// picks the slog level; both override their config file counterparts.
//
//	debug.Log("protocol", "invocation delivered", "request_id", id)
//	if debug.Enabled("dispatch") { /* expensive formatting */ }
package debug

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelTrace sits below slog.LevelDebug. At TRACE the emulator logs full
// invocation payloads and raw protocol bodies untruncated.
const LevelTrace slog.Level = slog.LevelDebug - 4

// selection is the active category filter. Init replaces it wholesale and
// it is read without locking afterwards; the emulator finishes calling
// Init before any worker traffic starts.
type selection struct {
	all   bool
	names map[string]struct{}
}

var active = parseSelection(os.Getenv("AUFRUF_DEBUG"))

func parseSelection(spec string) *selection {
	sel := &selection{names: make(map[string]struct{})}
	for _, name := range strings.Split(spec, ",") {
		switch name = strings.ToLower(strings.TrimSpace(name)); name {
		case "":
		case "all":
			sel.all = true
		default:
			sel.names[name] = struct{}{}
		}
	}
	return sel
}

// Init applies the configured categories and log level and installs the
// process-wide slog handler. Environment variables win over config values.
func Init(cfgCategories, cfgLevel string) {
	if env := os.Getenv("AUFRUF_DEBUG"); env != "" {
		cfgCategories = env
	}
	active = parseSelection(cfgCategories)

	if env := os.Getenv("AUFRUF_LOG_LEVEL"); env != "" {
		cfgLevel = env
	}
	slog.SetDefault(slog.New(newHandler(os.Stderr, ParseLevel(cfgLevel))))
}

// newHandler builds the text handler used for all emulator logging. It
// renders LevelTrace as "TRACE" instead of slog's default "DEBUG-4".
func newHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if lv, ok := a.Value.Any().(slog.Level); ok && lv == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	})
}

// Enabled reports whether the category is selected for debug output.
// Unselected categories cost one map lookup.
func Enabled(category string) bool {
	if active.all {
		return true
	}
	_, ok := active.names[category]
	return ok
}

// Log emits msg at DEBUG when the category is selected, tagging the entry
// with the category name.
func Log(category, msg string, args ...any) {
	logAt(slog.LevelDebug, category, msg, args)
}

// Trace emits msg at TRACE when the category is selected. TRACE entries
// carry full payloads, so they stay hidden unless AUFRUF_LOG_LEVEL=TRACE.
func Trace(category, msg string, args ...any) {
	logAt(LevelTrace, category, msg, args)
}

func logAt(level slog.Level, category, msg string, args []any) {
	if !Enabled(category) {
		return
	}
	l := slog.Default()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, msg,
		append([]any{slog.String("debug", category)}, args...)...)
}

// ParseLevel maps a level name to its slog.Level. Unknown names fall
// back to INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Truncate shortens s to at most n bytes, marking the cut with an
// ellipsis. Log sites use it to keep payload excerpts on one line.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
