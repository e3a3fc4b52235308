package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/malarialab/smearscan/internal/conf"
	"github.com/malarialab/smearscan/internal/detection"
	"github.com/malarialab/smearscan/internal/diagnosis"
	"github.com/malarialab/smearscan/internal/errors"
	"github.com/malarialab/smearscan/internal/logger"
	"github.com/malarialab/smearscan/internal/observability/metrics"
)

// Progress milestones. Detection spans setupProgress..persistProgress.
const (
	setupProgress   = 20
	detectSpan      = 60
	persistProgress = setupProgress + detectSpan
	doneProgress    = 100
)

var (
	ErrNoValidImages   = errors.NewStd("no valid images")
	ErrAllImagesFailed = errors.NewStd("all images failed")
)

// Detector runs detection on one image.
type Detector interface {
	Detect(ctx context.Context, imagePath string, threshold float64) (*detection.PerImageResult, error)
}

// DiagnosisWriter stores the diagnosis of a job.
type DiagnosisWriter interface {
	Write(ctx context.Context, req diagnosis.Request) (*diagnosis.Outcome, error)
}

// Analyzer runs a job's images through the detector in order and hands the
// results to the diagnosis writer. It implements Runner.
type Analyzer struct {
	detector  Detector
	writer    DiagnosisWriter
	threshold float64
	log       logger.Logger
	recorder  metrics.Recorder
}

// NewAnalyzer creates an Analyzer. A threshold outside (0, 1] falls back to
// conf.DefaultThreshold.
func NewAnalyzer(det Detector, writer DiagnosisWriter, threshold float64, log logger.Logger, recorder metrics.Recorder) *Analyzer {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	return &Analyzer{
		detector:  det,
		writer:    writer,
		threshold: normalizeThreshold(threshold),
		log:       log.Module("analyzer"),
		recorder:  metrics.OrNoOp(recorder),
	}
}

func normalizeThreshold(t float64) float64 {
	if t <= 0 || t > 1 {
		return conf.DefaultThreshold
	}
	return t
}

// Run processes job. Missing images are skipped up front and images that
// fail detection are skipped during the batch; the job fails only when no
// image produced a result or the diagnosis could not be stored.
func (a *Analyzer) Run(ctx context.Context, job Job, progress ProgressFunc) (*diagnosis.Outcome, error) {
	if progress == nil {
		progress = func(int) {}
	}
	start := time.Now()

	paths := a.existingImages(job)
	if len(paths) == 0 {
		return nil, errors.New(fmt.Errorf("%w: session %s has none of its %d images on disk",
			ErrNoValidImages, job.SessionID, len(job.ImagePaths))).
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("session_id", job.SessionID).
			Build()
	}
	progress(setupProgress)

	results := make([]detection.PerImageResult, 0, len(paths))
	var failed int
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, errors.New(err).
				Component(componentName).
				Category(errors.CategoryJobQueue).
				Context("session_id", job.SessionID).
				Context("images_done", i).
				Build()
		}

		res, err := a.detector.Detect(ctx, path, a.threshold)
		if err != nil {
			failed++
			a.log.Warn("image skipped",
				logger.String("session_id", job.SessionID),
				logger.String("image", filepath.Base(path)),
				logger.Error(err))
		} else {
			results = append(results, *res)
		}

		progress(setupProgress + (i+1)*detectSpan/len(paths))
	}

	if len(results) == 0 {
		return nil, errors.New(fmt.Errorf("%w: %d of %d images failed detection",
			ErrAllImagesFailed, failed, len(paths))).
			Component(componentName).
			Category(errors.CategoryProcessing).
			Context("session_id", job.SessionID).
			Build()
	}

	a.log.Info("batch detection finished",
		logger.String("session_id", job.SessionID),
		logger.Int("processed", len(results)),
		logger.Int("failed", failed),
		logger.Duration("elapsed", time.Since(start)))
	progress(persistProgress)

	outcome, err := a.writer.Write(ctx, diagnosis.Request{
		TestID:         job.TestID,
		SessionID:      job.SessionID,
		Results:        results,
		ProcessingTime: time.Since(start),
	})
	if err != nil {
		return nil, err
	}

	progress(doneProgress)
	return outcome, nil
}

// ProcessSingleImage runs detection on one image outside the queue. A
// threshold outside (0, 1] uses the analyzer's threshold.
func (a *Analyzer) ProcessSingleImage(ctx context.Context, imagePath string, threshold float64) (*detection.PerImageResult, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = a.threshold
	}
	return a.detector.Detect(ctx, imagePath, threshold)
}

func (a *Analyzer) existingImages(job Job) []string {
	paths := make([]string, 0, len(job.ImagePaths))
	for _, p := range job.ImagePaths {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			a.recorder.RecordError(metrics.OpImageDetect, string(errors.CategoryNotFound))
			a.log.Warn("image missing, skipping",
				logger.String("session_id", job.SessionID),
				logger.String("image", p))
			continue
		}
		paths = append(paths, p)
	}
	return paths
}
