package metrics

import "sync"

// TestRecorder captures recorded metrics for assertions in tests.
type TestRecorder struct {
	mu         sync.RWMutex
	operations map[string]map[string]int
	durations  map[string][]float64
	errors     map[string]map[string]int
	queueDepth int
}

// NewTestRecorder creates an empty TestRecorder.
func NewTestRecorder() *TestRecorder {
	return &TestRecorder{
		operations: make(map[string]map[string]int),
		durations:  make(map[string][]float64),
		errors:     make(map[string]map[string]int),
	}
}

func (r *TestRecorder) RecordOperation(operation, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.operations[operation] == nil {
		r.operations[operation] = make(map[string]int)
	}
	r.operations[operation][status]++
}

func (r *TestRecorder) RecordDuration(operation string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[operation] = append(r.durations[operation], seconds)
}

func (r *TestRecorder) RecordError(operation, errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errors[operation] == nil {
		r.errors[operation] = make(map[string]int)
	}
	r.errors[operation][errorType]++
}

// SetQueueDepth records the latest queue depth.
func (r *TestRecorder) SetQueueDepth(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueDepth = n
}

// GetOperationCount returns how often operation finished with status.
func (r *TestRecorder) GetOperationCount(operation, status string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operations[operation][status]
}

// GetDurations returns the observed durations of operation.
func (r *TestRecorder) GetDurations(operation string) []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]float64(nil), r.durations[operation]...)
}

// GetErrorCount returns how often operation failed with errorType.
func (r *TestRecorder) GetErrorCount(operation, errorType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errors[operation][errorType]
}

// QueueDepth returns the latest queue depth.
func (r *TestRecorder) QueueDepth() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queueDepth
}
