package errors

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSentinel = NewStd("image missing")

func TestBuilder_SetsFieldsAndDefaults(t *testing.T) {
	ee := New(errSentinel).
		Component("detection").
		Category(CategoryNotFound).
		Priority(PriorityLow).
		FileContext("/data/smear.png").
		Build()

	assert.Equal(t, "detection", ee.GetComponent())
	assert.Equal(t, CategoryNotFound, ee.Category)
	assert.Equal(t, PriorityLow, ee.Priority)
	assert.Equal(t, "/data/smear.png", ee.GetContext()["file_path"])
	assert.False(t, ee.Timestamp.IsZero())

	bare := New(errSentinel).Build()
	assert.Equal(t, ComponentUnknown, bare.GetComponent())
	assert.Equal(t, CategoryGeneric, bare.Category)
}

func TestEnhancedError_IsAndCategory(t *testing.T) {
	ee := New(fmt.Errorf("detect: %w", errSentinel)).Category(CategoryNotFound).Build()
	wrapped := fmt.Errorf("batch: %w", ee)

	assert.True(t, Is(wrapped, errSentinel))
	assert.True(t, IsNotFound(wrapped))
	assert.True(t, IsCategory(wrapped, CategoryNotFound))
	assert.False(t, IsCategory(wrapped, CategoryDatabase))
	assert.False(t, IsNotFound(errSentinel))

	var target *EnhancedError
	require.True(t, As(wrapped, &target))
	assert.Equal(t, ee, target)
}

func TestIsCategory_NestedEnhancedErrors(t *testing.T) {
	inner := New(errSentinel).Category(CategoryInference).Build()
	outer := New(inner).Category(CategoryProcessing).Build()

	assert.True(t, IsCategory(outer, CategoryProcessing))
	assert.True(t, IsCategory(outer, CategoryInference))
}

type recordingReporter struct {
	mu       sync.Mutex
	reported []*EnhancedError
}

func (r *recordingReporter) IsEnabled() bool { return true }

func (r *recordingReporter) ReportError(ee *EnhancedError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, ee)
}

func TestTelemetryReporter_ReceivesBuiltErrors(t *testing.T) {
	reporter := &recordingReporter{}
	SetTelemetryReporter(reporter)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	New(errSentinel).Category(CategoryDatabase).Build()

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	require.Len(t, reporter.reported, 1)
	assert.Equal(t, CategoryDatabase, reporter.reported[0].Category)
}

func TestScrubPaths(t *testing.T) {
	got := scrubPaths("open /var/lib/uploads/patient-77/smear_01.png: no such file")
	assert.Equal(t, "open .../smear_01.png: no such file", got)
}
