// Package logger configures the process-wide slog logger.
//
// Third-party library logs are suppressed unless the configured level is
// DEBUG, so a request trace isn't drowned out by dependencies chattering on
// the default slog logger. The suppression prefix isn't a hardcoded import
// path: it's read once from the running binary's own build info, so the
// filter keeps working if this module is ever renamed or vendored under a
// different path without anyone remembering to update a string literal
// here. Terminal and non-terminal output share one line-rendering handler
// parameterized by a timestamp flag and a color flag, rather than two
// near-duplicate handler types for the color/no-color cases.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

var defaultLogger *slog.Logger

var (
	modulePrefixOnce sync.Once
	modulePrefixVal  string
)

// fallbackModulePrefix covers build modes where debug.ReadBuildInfo has
// nothing useful to report (e.g. a binary built with `go build` of a
// single file outside any module, or certain `go run` invocations).
const fallbackModulePrefix = "github.com/relaycode/agentrun"

// ownModulePrefix resolves once per process which package prefix counts as
// "ours" for log filtering, from the build info the Go toolchain embeds in
// every binary. Reading it dynamically means the filter tracks whatever
// module path actually produced this binary instead of a literal that
// silently goes stale the moment the module is renamed.
func ownModulePrefix() string {
	modulePrefixOnce.Do(func() {
		modulePrefixVal = fallbackModulePrefix
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Path != "" {
			modulePrefixVal = info.Main.Path
		}
	})
	return modulePrefixVal
}

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, nil
	}
}

// filteringHandler wraps a slog handler and filters third-party library
// logs. Third-party logs only surface when the level is DEBUG.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.minLevel {
		return false
	}
	return h.handler.Enabled(ctx, level)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug || h.isOwnModule(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func (h *filteringHandler) isOwnModule(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	prefix := ownModulePrefix()
	file, _ := fn.FileLine(pc)
	return strings.Contains(fn.Name(), prefix) || strings.Contains(file, lastPathSegment(prefix)+"/")
}

// lastPathSegment returns the final "/"-delimited component of a module
// path (e.g. "agentrun" for "github.com/relaycode/agentrun"), used as a
// cheap fallback match against source file paths when the compiled
// function name alone doesn't carry the full module path.
func lastPathSegment(modulePath string) string {
	if i := strings.LastIndex(modulePath, "/"); i >= 0 {
		return modulePath[i+1:]
	}
	return modulePath
}

func getLevelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}

func normalizeLevel(level slog.Level) string {
	s := strings.ToUpper(level.String())
	if s == "WARNING" {
		s = "WARN"
	}
	return s
}

func isTerminal(file *os.File) bool {
	if fileInfo, err := file.Stat(); err == nil {
		return (fileInfo.Mode() & os.ModeCharDevice) != 0
	}
	return false
}

// lineHandler renders one line per record: an optional timestamp, the
// level token (colorized when color is set), the message, then
// space-separated key=value attributes. This single type covers every
// combination this package needs (terminal/non-terminal, simple/verbose):
// color and the timestamp are independent toggles rather than two
// hand-duplicated handler types that happened to differ only in which of
// those two things they did.
type lineHandler struct {
	handler       slog.Handler
	writer        io.Writer
	color         bool
	withTimestamp bool
}

func (h *lineHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *lineHandler) Handle(ctx context.Context, record slog.Record) error {
	var buf strings.Builder

	if h.withTimestamp && !record.Time.IsZero() {
		buf.WriteString(record.Time.Format("2006/01/02 15:04:05 "))
	}

	levelStr := normalizeLevel(record.Level)
	if h.color {
		buf.WriteString(getLevelColor(record.Level))
		buf.WriteString(levelStr)
		buf.WriteString("\033[0m")
	} else {
		buf.WriteString(levelStr)
	}
	buf.WriteString(" ")
	buf.WriteString(record.Message)

	record.Attrs(func(a slog.Attr) bool {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	_, err := h.writer.Write([]byte(buf.String()))
	return err
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &lineHandler{handler: h.handler.WithAttrs(attrs), writer: h.writer, color: h.color, withTimestamp: h.withTimestamp}
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	return &lineHandler{handler: h.handler.WithGroup(name), writer: h.writer, color: h.color, withTimestamp: h.withTimestamp}
}

// Init installs the process-wide slog default logger. format is "simple"
// (level + message), "verbose" (timestamp + level + message), or anything
// else to fall back to slog's standard text format. Color is applied
// automatically when output is a terminal; it never depends on format.
func Init(level slog.Level, output *os.File, format string) {
	verbose := format == "verbose"
	plain := format == "simple" || format == "" || verbose

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && a.Value.String() == "WARNING" {
				return slog.String("level", "WARN")
			}
			return a
		},
	}
	baseHandler := slog.NewTextHandler(output, opts)

	var handler slog.Handler = baseHandler
	if plain {
		handler = &lineHandler{handler: baseHandler, writer: output, color: isTerminal(output), withTimestamp: verbose}
	}

	defaultLogger = slog.New(&filteringHandler{handler: handler, minLevel: level})
	slog.SetDefault(defaultLogger)
}

// OpenLogFile opens or creates a log file for append-only writing.
func OpenLogFile(path string) (*os.File, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { file.Close() }, nil
}

// GetLogger returns the process-wide logger, lazily initializing with
// INFO level / simple format if Init was never called.
func GetLogger() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr, "simple")
	}
	return defaultLogger
}
