// Package logging provides the engine's structured logging on top of
// log/slog. Loggers are scoped two ways: by component at construction
// (WithComponent), and by the engine identifiers a request touches --
// project, task, attempt, process -- accumulated on the context as it flows
// from the attempt service down through the supervisor (ContextWithScope /
// Scoped). Every log line emitted under a scoped context carries those ids,
// so one attempt's trail can be followed across components.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Config selects level, format, and destination for the global logger.
type Config struct {
	Level    string          `yaml:"level"`  // debug, info, warn, error
	Format   string          `yaml:"format"` // json or text
	Output   string          `yaml:"output"` // stdout, stderr, or a file path
	Rotation *RotationConfig `yaml:"rotation"`
}

// DefaultConfig is text on stdout at info level.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: "text", Output: "stdout"}
}

var (
	mu     sync.RWMutex
	global = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
)

// Init replaces the global logger according to cfg. A nil cfg applies
// defaults.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	w, err := cfg.writer()
	if err != nil {
		return err
	}

	level := cfg.level()
	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	mu.Lock()
	global = slog.New(handler)
	mu.Unlock()
	slog.SetDefault(Logger())
	return nil
}

func (c *Config) level() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) writer() (io.Writer, error) {
	switch c.Output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		w, err := newRotatingWriter(c.Output, c.Rotation)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", c.Output, err)
		}
		return w, nil
	}
}

// Logger returns the global logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// WithComponent returns the global logger tagged with a component
// attribute. Components hold one of these for their lifetime.
func WithComponent(component string) *slog.Logger {
	return Logger().With(slog.String("component", component))
}

// Convenience passthroughs on the global logger.

func Debug(msg string, args ...any) { Logger().Debug(msg, args...) }
func Info(msg string, args ...any)  { Logger().Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger().Warn(msg, args...) }
func Error(msg string, args ...any) { Logger().Error(msg, args...) }

// Scope is the set of engine identifiers a request path has touched. Zero
// fields are unset and emit nothing.
type Scope struct {
	ProjectID uuid.UUID
	TaskID    uuid.UUID
	AttemptID uuid.UUID
	ProcessID uuid.UUID
}

func (s Scope) merge(over Scope) Scope {
	if over.ProjectID != uuid.Nil {
		s.ProjectID = over.ProjectID
	}
	if over.TaskID != uuid.Nil {
		s.TaskID = over.TaskID
	}
	if over.AttemptID != uuid.Nil {
		s.AttemptID = over.AttemptID
	}
	if over.ProcessID != uuid.Nil {
		s.ProcessID = over.ProcessID
	}
	return s
}

func (s Scope) attrs() []any {
	var out []any
	if s.ProjectID != uuid.Nil {
		out = append(out, slog.String("project_id", s.ProjectID.String()))
	}
	if s.TaskID != uuid.Nil {
		out = append(out, slog.String("task_id", s.TaskID.String()))
	}
	if s.AttemptID != uuid.Nil {
		out = append(out, slog.String("attempt_id", s.AttemptID.String()))
	}
	if s.ProcessID != uuid.Nil {
		out = append(out, slog.String("process_id", s.ProcessID.String()))
	}
	return out
}

type scopeKey struct{}

// ContextWithScope merges sc onto whatever scope ctx already carries; set
// fields win, unset fields inherit.
func ContextWithScope(ctx context.Context, sc Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, ScopeFromContext(ctx).merge(sc))
}

// ScopeFromContext returns the accumulated scope, zero if none.
func ScopeFromContext(ctx context.Context) Scope {
	if sc, ok := ctx.Value(scopeKey{}).(Scope); ok {
		return sc
	}
	return Scope{}
}

// Scoped tags base (or the global logger when base is nil) with every
// identifier the context's scope carries.
func Scoped(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = Logger()
	}
	attrs := ScopeFromContext(ctx).attrs()
	if len(attrs) == 0 {
		return base
	}
	return base.With(attrs...)
}
