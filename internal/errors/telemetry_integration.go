package errors

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter receives every EnhancedError built while reporting is active.
type TelemetryReporter interface {
	ReportError(ee *EnhancedError)
	IsEnabled() bool
}

var (
	telemetryMu     sync.RWMutex
	globalTelemetry TelemetryReporter
)

// SetTelemetryReporter installs reporter. Passing nil disables reporting.
func SetTelemetryReporter(reporter TelemetryReporter) {
	telemetryMu.Lock()
	defer telemetryMu.Unlock()
	globalTelemetry = reporter
	hasActiveReporting.Store(reporter != nil && reporter.IsEnabled())
}

func reportToTelemetry(ee *EnhancedError) {
	telemetryMu.RLock()
	reporter := globalTelemetry
	telemetryMu.RUnlock()
	if reporter != nil && reporter.IsEnabled() {
		reporter.ReportError(ee)
	}
}

// SentryReporter forwards errors to Sentry with file paths scrubbed.
type SentryReporter struct {
	enabled bool
}

// InitSentry configures the Sentry SDK and installs a SentryReporter.
func InitSentry(dsn, environment, release string) error {
	if dsn == "" {
		return fmt.Errorf("sentry DSN is empty")
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
	}); err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	SetTelemetryReporter(NewSentryReporter(true))
	return nil
}

// FlushTelemetry waits up to timeout for queued Sentry events.
func FlushTelemetry(timeout time.Duration) {
	if hasActiveReporting.Load() {
		sentry.Flush(timeout)
	}
}

func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError sends ee to Sentry once.
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.enabled || ee.IsReported() {
		return
	}

	message := scrubPaths(fmt.Sprintf("[%s] %s", ee.Category, ee.Err.Error()))
	title := fmt.Sprintf("%s: %s", ee.GetComponent(), ee.Category)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.GetComponent())
		scope.SetTag("category", string(ee.Category))
		if ee.Priority != "" {
			scope.SetTag("priority", ee.Priority)
		}
		for key, value := range ee.GetContext() {
			if s, ok := value.(string); ok {
				value = scrubPaths(s)
			}
			scope.SetContext(key, map[string]any{"value": value})
		}
		level := levelForCategory(ee.Category)
		scope.SetLevel(level)
		scope.SetFingerprint([]string{title})

		event := sentry.NewEvent()
		event.Message = message
		event.Level = level
		event.Exception = []sentry.Exception{{Type: title, Value: message}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

func levelForCategory(category ErrorCategory) sentry.Level {
	switch category {
	case CategoryModelInit, CategoryDatabase:
		return sentry.LevelError
	case CategoryNotFound, CategoryValidation, CategoryConflict:
		return sentry.LevelInfo
	default:
		return sentry.LevelWarning
	}
}

// Image paths can carry patient identifiers, so only the base name is kept.
var pathPattern = regexp.MustCompile(`(?:/[^/\s]+)+/([^/\s]+)`)

func scrubPaths(message string) string {
	return pathPattern.ReplaceAllString(message, ".../$1")
}
