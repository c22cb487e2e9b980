// Package logging routes the planner's diagnostics to a rotating JSON log
// file so the operator's terminal only shows the conversation.
package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger bundles the structured logger with the file it writes to.
type Logger struct {
	*slog.Logger
	LogFile string
	Start   time.Time

	w io.WriteCloser
}

// ParseLevel maps debug/info/warn/error (any case) to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging: invalid level %q", level)
}

// New opens <dir>/stlpilot.log behind a size-rotated writer and installs the
// result as the slog default. The standard log package is redirected to the
// same file; its lines keep their "[ROLE] ..." prefixes inside a "msg" field.
//
// Expectations:
//   - Creates dir when absent
//   - Invalid levels are reported and the logger is not installed
//   - Records below the level are dropped
func New(dir, level string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create %s: %w", dir, err)
	}

	w := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "stlpilot.log"),
		MaxSize:    32, // MB
		MaxBackups: 3,
		MaxAge:     14,
	}
	if lvl == slog.LevelDebug {
		w.MaxSize = 256
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	l := &Logger{
		Logger:  slog.New(h),
		LogFile: w.Filename,
		Start:   time.Now(),
		w:       w,
	}
	slog.SetDefault(l.Logger)
	// slog.SetDefault points the log package at the handler; log lines arrive at Info.
	log.SetFlags(0)

	l.Info("logging started",
		slog.Time("start", l.Start),
		slog.String("level", lvl.String()),
		slog.String("GOOS", runtime.GOOS),
		slog.String("GOARCH", runtime.GOARCH))
	return l, nil
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	l.Info("logging stopped", slog.Duration("uptime", time.Since(l.Start).Round(time.Millisecond)))
	return l.w.Close()
}
