package detector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/malarialab/smearscan/internal/detection"
	"github.com/malarialab/smearscan/internal/errors"
	"github.com/malarialab/smearscan/internal/logger"
	"github.com/malarialab/smearscan/internal/observability/metrics"
)

const componentName = "detector"

var (
	ErrModelUnavailable = errors.NewStd("detection model unavailable")
	ErrImageNotFound    = errors.NewStd("image not found")
	ErrInferenceFailed  = errors.NewStd("inference failed")
)

// Adapter runs the model on single images and turns raw detections into a
// detection.PerImageResult. It holds no per-call state.
type Adapter struct {
	model    Model
	log      logger.Logger
	recorder metrics.Recorder

	modelPath    string
	modelVersion string
}

// NewAdapter wraps model. It fails with ErrModelUnavailable when model is nil.
func NewAdapter(model Model, log logger.Logger, recorder metrics.Recorder) (*Adapter, error) {
	if model == nil {
		return nil, errors.New(ErrModelUnavailable).
			Component(componentName).
			Category(errors.CategoryModelInit).
			Priority(errors.PriorityCritical).
			Build()
	}
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	return &Adapter{
		model:    model,
		log:      log,
		recorder: metrics.OrNoOp(recorder),
	}, nil
}

// SetModelInfo records the model weights and version attached to inference
// errors. Call it before the adapter is shared.
func (a *Adapter) SetModelInfo(modelPath, modelVersion string) {
	a.modelPath = modelPath
	a.modelVersion = modelVersion
}

// CheckReady reports whether the model is available. Models without a
// health check are assumed ready.
func (a *Adapter) CheckReady(ctx context.Context) error {
	hc, ok := a.model.(HealthChecker)
	if !ok {
		return nil
	}
	if err := hc.CheckHealth(ctx); err != nil {
		return errors.New(fmt.Errorf("%w: %w", ErrModelUnavailable, err)).
			Component(componentName).
			Category(errors.CategoryModelInit).
			Build()
	}
	return nil
}

// Detect runs the model on one image. Detections below threshold are
// discarded; unrecognized labels and confidences outside [0, 1] are dropped
// with a warning.
func (a *Adapter) Detect(ctx context.Context, imagePath string, threshold float64) (*detection.PerImageResult, error) {
	start := time.Now()

	if info, err := os.Stat(imagePath); err != nil || info.IsDir() {
		a.recorder.RecordError(metrics.OpImageDetect, string(errors.CategoryNotFound))
		return nil, errors.New(fmt.Errorf("%w: %s", ErrImageNotFound, imagePath)).
			Component(componentName).
			Category(errors.CategoryNotFound).
			FileContext(imagePath).
			Build()
	}

	raw, err := a.infer(ctx, imagePath, threshold)
	if err != nil {
		a.recorder.RecordError(metrics.OpImageDetect, string(errors.CategoryInference))
		return nil, err
	}

	dets := a.classify(imagePath, raw, threshold)
	result := detection.Aggregate(dets)
	result.ImagePath = imagePath
	result.OriginalFilename = filepath.Base(imagePath)

	a.recorder.RecordDuration(metrics.OpImageDetect, time.Since(start).Seconds())
	a.recorder.RecordOperation(metrics.OpImageDetect, metrics.StatusSuccess)

	fields := []logger.Field{
		logger.String("image", result.OriginalFilename),
		logger.Int("raw_detections", len(raw)),
		logger.Int("parasites", result.ParasiteCount),
		logger.Int("wbcs", result.WBCCount),
		logger.Float64("ratio", result.Ratio),
		logger.Duration("elapsed", time.Since(start)),
	}
	if best, ok := result.MostConfident(); ok {
		fields = append(fields,
			logger.String("most_probable", string(best.Species)),
			logger.Float64("confidence", best.Confidence))
	}
	a.log.Info("detection completed", fields...)

	return &result, nil
}

// infer invokes the model, falling back through the alternative strategies
// when a call fails.
func (a *Adapter) infer(ctx context.Context, imagePath string, threshold float64) ([]RawDetection, error) {
	var errs []error
	for i, s := range strategies {
		opts := s.opts
		opts.Threshold = threshold

		start := time.Now()
		raw, err := a.model.Predict(ctx, imagePath, opts)
		a.recorder.RecordDuration(metrics.OpInference, time.Since(start).Seconds())
		if err == nil {
			status := metrics.StatusSuccess
			if i > 0 {
				status = metrics.StatusFallback
				a.log.Info("inference succeeded with fallback strategy",
					logger.String("strategy", s.name),
					logger.String("image", filepath.Base(imagePath)))
			}
			a.recorder.RecordOperation(metrics.OpInference, status)
			return raw, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		a.recorder.RecordOperation(metrics.OpInference, metrics.StatusError)

		if ctx.Err() != nil {
			break
		}
		if i+1 < len(strategies) {
			a.log.Warn("inference failed, trying fallback strategy",
				logger.String("strategy", s.name),
				logger.String("next_strategy", strategies[i+1].name),
				logger.Error(err))
		}
	}

	return nil, errors.New(fmt.Errorf("%w for %s: %w", ErrInferenceFailed, filepath.Base(imagePath), errors.Join(errs...))).
		Component(componentName).
		Category(errors.CategoryInference).
		FileContext(imagePath).
		ModelContext(a.modelPath, a.modelVersion).
		Context("attempts", len(errs)).
		Build()
}

func (a *Adapter) classify(imagePath string, raw []RawDetection, threshold float64) []detection.Detection {
	dets := make([]detection.Detection, 0, len(raw))
	for _, r := range raw {
		if !detection.ValidConfidence(r.Confidence) {
			a.recorder.RecordOperation(metrics.OpDetection, metrics.StatusDropped)
			a.log.Warn("detection with invalid confidence dropped",
				logger.String("label", r.Label),
				logger.Float64("confidence", r.Confidence),
				logger.String("image", filepath.Base(imagePath)))
			continue
		}
		if r.Confidence < threshold {
			continue
		}
		kind, species, ok := detection.Classify(r.Label)
		if !ok {
			a.recorder.RecordOperation(metrics.OpDetection, metrics.StatusDropped)
			a.log.Warn("unrecognized detection class dropped",
				logger.String("label", r.Label),
				logger.Float64("confidence", r.Confidence),
				logger.String("image", filepath.Base(imagePath)))
			continue
		}

		box := detection.NewBoundingBox(r.Box[0], r.Box[1], r.Box[2], r.Box[3])
		if kind == detection.KindWhiteBloodCell {
			dets = append(dets, detection.NewWhiteBloodCell(r.Confidence, box))
		} else {
			dets = append(dets, detection.NewParasite(species, r.Confidence, box))
		}
		a.recorder.RecordOperation(metrics.OpDetection, kind.String())
	}
	return dets
}
