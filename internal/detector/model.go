// Package detector adapts an object detection model to classified,
// per-image detection results.
package detector

import "context"

// RawDetection is a detection as emitted by the model, before filtering
// and classification.
type RawDetection struct {
	Label      string
	Confidence float64
	Box        [4]float64 // x1, y1, x2, y2
}

// Options control a single model invocation.
type Options struct {
	Threshold float64
	Verbose   bool
	Device    string // empty lets the model pick, "cpu" forces CPU execution
}

// Model is the object detection capability. Implementations must be safe
// for sequential use from one goroutine.
type Model interface {
	Predict(ctx context.Context, imagePath string, opts Options) ([]RawDetection, error)
}

// HealthChecker is implemented by models that can report whether they are
// loaded and ready.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

type strategy struct {
	name string
	opts Options
}

// The first entry is the standard call; the rest are fallbacks tried in
// order when the model fails.
var strategies = []strategy{
	{name: "standard", opts: Options{Verbose: true}},
	{name: "quiet", opts: Options{Verbose: false}},
	{name: "cpu", opts: Options{Verbose: false, Device: "cpu"}},
}
