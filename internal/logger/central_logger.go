package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	moduleKey  = "module"
	traceIDKey = "trace_id"

	traceLevelValue = slog.Level(-8)
)

var globalLogger atomic.Pointer[CentralLogger]

// SetGlobal installs cl as the process-wide logger returned by Global.
func SetGlobal(cl *CentralLogger) {
	globalLogger.Store(cl)
}

// Global returns the process-wide logger. A console logger at info level is
// created on first use when none was installed.
func Global() *CentralLogger {
	if cl := globalLogger.Load(); cl != nil {
		return cl
	}
	cl, err := NewCentralLogger(DefaultConfig())
	if err != nil {
		// DefaultConfig never opens files, so this is unreachable in practice
		panic(fmt.Sprintf("logger: default configuration failed: %v", err))
	}
	if globalLogger.CompareAndSwap(nil, cl) {
		return cl
	}
	return globalLogger.Load()
}

type loggerContextKey struct{ name string }

var traceContextKey = loggerContextKey{name: traceIDKey}

// WithTraceID returns a context carrying traceID; loggers obtained through
// WithContext attach it to every record.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceContextKey, traceID)
}

func getTraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(traceContextKey).(string); ok {
		return v
	}
	return ""
}

// CentralLogger owns the output handlers and hands out module loggers.
type CentralLogger struct {
	mu           sync.RWMutex
	handler      slog.Handler
	file         *os.File
	location     *time.Location
	defaultLevel slog.Level
	moduleLevels map[string]slog.Level
}

// NewCentralLogger builds a logger from cfg. A nil cfg means DefaultConfig.
func NewCentralLogger(cfg *LoggingConfig) (*CentralLogger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	loc := time.Local
	if cfg.Timezone != "" && !strings.EqualFold(cfg.Timezone, "local") {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	cl := &CentralLogger{
		location:     loc,
		defaultLevel: parseLogLevel(cfg.DefaultLevel),
		moduleLevels: make(map[string]slog.Level, len(cfg.ModuleLevels)),
	}
	for module, level := range cfg.ModuleLevels {
		cl.moduleLevels[module] = parseLogLevel(level)
	}

	var handlers []slog.Handler
	if cfg.Console != nil && cfg.Console.Enabled {
		handlers = append(handlers, slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       parseLogLevel(cfg.Console.Level),
			ReplaceAttr: dropTime,
		}))
	}
	if cfg.FileOutput != nil && cfg.FileOutput.Enabled {
		path := cfg.FileOutput.Path
		if path == "" {
			path = DefaultLogPath
		}
		if err := ensureFileDirectory(path); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		cl.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{
			Level:       parseLogLevel(cfg.FileOutput.Level),
			ReplaceAttr: cl.localTime,
		}))
	}
	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewTextHandler(io.Discard, nil))
	}
	cl.handler = fanoutHandler(handlers)

	return cl, nil
}

// Module returns a logger scoped to name.
func (cl *CentralLogger) Module(name string) Logger {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return &moduleLogger{
		module: name,
		logger: slog.New(cl.handler),
		level:  cl.getModuleLevelLocked(name),
		owner:  cl,
	}
}

// getModuleLevelLocked resolves the most specific configured level for a
// dotted module name. Callers must hold cl.mu.
func (cl *CentralLogger) getModuleLevelLocked(module string) slog.Level {
	for name := module; name != ""; {
		if level, ok := cl.moduleLevels[name]; ok {
			return level
		}
		idx := strings.LastIndex(name, ".")
		if idx < 0 {
			break
		}
		name = name[:idx]
	}
	return cl.defaultLevel
}

// Flush syncs the log file, if any.
func (cl *CentralLogger) Flush() error {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	if cl.file == nil {
		return nil
	}
	return cl.file.Sync()
}

// Close flushes and closes the log file.
func (cl *CentralLogger) Close() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.file == nil {
		return nil
	}
	err := cl.file.Close()
	cl.file = nil
	return err
}

func (cl *CentralLogger) localTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		return slog.Time(slog.TimeKey, a.Value.Time().In(cl.location))
	}
	return a
}

// Console output leaves timestamps to journald or the container runtime.
func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func ensureFileDirectory(filePath string) error {
	dir := filepath.Dir(filePath)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return nil
}

// NewSlogLogger returns a Logger writing text records to w. Intended for
// tests and small tools that do not need a CentralLogger.
func NewSlogLogger(w io.Writer, level LogLevel, tz *time.Location) Logger {
	if tz == nil {
		tz = time.UTC
	}
	cl := &CentralLogger{
		location:     tz,
		defaultLevel: parseLogLevel(string(level)),
		moduleLevels: map[string]slog.Level{},
	}
	cl.handler = slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       traceLevelValue,
		ReplaceAttr: cl.localTime,
	})
	return cl.Module("")
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return traceLevelValue
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type moduleLogger struct {
	module string
	logger *slog.Logger
	level  slog.Level
	fields []Field
	owner  *CentralLogger
}

func (m *moduleLogger) Module(name string) Logger {
	full := name
	if m.module != "" {
		full = m.module + "." + name
	}
	level := m.level
	if m.owner != nil {
		m.owner.mu.RLock()
		level = m.owner.getModuleLevelLocked(full)
		m.owner.mu.RUnlock()
	}
	return &moduleLogger{
		module: full,
		logger: m.logger,
		level:  level,
		fields: m.fields,
		owner:  m.owner,
	}
}

func (m *moduleLogger) Trace(msg string, fields ...Field) { m.log(traceLevelValue, msg, fields...) }
func (m *moduleLogger) Debug(msg string, fields ...Field) { m.log(slog.LevelDebug, msg, fields...) }
func (m *moduleLogger) Info(msg string, fields ...Field) { m.log(slog.LevelInfo, msg, fields...) }
func (m *moduleLogger) Warn(msg string, fields ...Field) { m.log(slog.LevelWarn, msg, fields...) }
func (m *moduleLogger) Error(msg string, fields ...Field) { m.log(slog.LevelError, msg, fields...) }

func (m *moduleLogger) Log(level LogLevel, msg string, fields ...Field) {
	m.log(parseLogLevel(string(level)), msg, fields...)
}

func (m *moduleLogger) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(m.fields)+len(fields))
	merged = append(merged, m.fields...)
	merged = append(merged, fields...)
	return &moduleLogger{
		module: m.module,
		logger: m.logger,
		level:  m.level,
		fields: merged,
		owner:  m.owner,
	}
}

func (m *moduleLogger) WithContext(ctx context.Context) Logger {
	if traceID := getTraceIDFromContext(ctx); traceID != "" {
		return m.With(String(traceIDKey, traceID))
	}
	return m
}

func (m *moduleLogger) Flush() error {
	if m.owner == nil {
		return nil
	}
	return m.owner.Flush()
}

func (m *moduleLogger) log(level slog.Level, msg string, fields ...Field) {
	if m == nil || level < m.level {
		return
	}

	attrs := make([]slog.Attr, 0, len(m.fields)+len(fields)+1)
	if m.module != "" {
		attrs = append(attrs, slog.String(moduleKey, m.module))
	}
	for i := range m.fields {
		attrs = append(attrs, fieldToAttr(m.fields[i]))
	}
	for i := range fields {
		attrs = append(attrs, fieldToAttr(fields[i]))
	}

	m.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func roundFloat(val float64) float64 {
	return math.Round(val*1000) / 1000
}

func fieldToAttr(f Field) slog.Attr {
	switch v := f.Value.(type) {
	case string:
		return slog.String(f.Key, v)
	case int:
		return slog.Int(f.Key, v)
	case int64:
		return slog.Int64(f.Key, v)
	case uint64:
		return slog.Uint64(f.Key, v)
	case float32:
		return slog.Float64(f.Key, roundFloat(float64(v)))
	case float64:
		return slog.Float64(f.Key, roundFloat(v))
	case bool:
		return slog.Bool(f.Key, v)
	case time.Time:
		return slog.Time(f.Key, v)
	case time.Duration:
		return slog.String(f.Key, v.Round(time.Millisecond).String())
	default:
		return slog.Any(f.Key, v)
	}
}
