// Package metrics provides the Prometheus metrics of the analysis pipeline.
package metrics

// Recorder defines a minimal interface for recording metrics. Components
// depend on it rather than on concrete collectors.
type Recorder interface {
	// RecordOperation counts an operation outcome, e.g. ("inference", "success").
	RecordOperation(operation, status string)
	// RecordDuration observes the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)
	// RecordError counts an error of errorType during operation.
	RecordError(operation, errorType string)
}

// NoOpRecorder discards everything.
type NoOpRecorder struct{}

func (NoOpRecorder) RecordOperation(string, string) {}
func (NoOpRecorder) RecordDuration(string, float64) {}
func (NoOpRecorder) RecordError(string, string) {}

// OrNoOp returns r, or a NoOpRecorder when r is nil.
func OrNoOp(r Recorder) Recorder {
	if r == nil {
		return NoOpRecorder{}
	}
	return r
}
