// Package diagnosis folds per-image detection results into the persisted
// clinical diagnosis of a test.
package diagnosis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/malarialab/smearscan/internal/conf"
	"github.com/malarialab/smearscan/internal/datastore"
	"github.com/malarialab/smearscan/internal/detection"
	"github.com/malarialab/smearscan/internal/errors"
	"github.com/malarialab/smearscan/internal/logger"
	"github.com/malarialab/smearscan/internal/observability/metrics"
)

const componentName = "diagnosis"

var (
	ErrTestNotFound       = errors.NewStd("test not found")
	ErrDuplicateDiagnosis = errors.NewStd("diagnosis already exists")
	ErrPersistence        = errors.NewStd("diagnosis persistence failed")
)

// Request is the input of one diagnosis write.
type Request struct {
	TestID         string
	SessionID      string
	Results        []detection.PerImageResult
	ProcessingTime time.Duration
}

// Outcome reports what Write did. Duplicate is set when a diagnosis already
// existed; Diagnosis is then the stored one.
type Outcome struct {
	Diagnosis *datastore.DiagnosisResult
	Severity  Severity
	Duplicate bool
}

// Event is delivered to listeners after a diagnosis has been committed.
type Event struct {
	SessionID string
	Test      datastore.Test
	Diagnosis datastore.DiagnosisResult
	Severity  Severity
}

// Listener is notified about committed diagnoses. Errors are logged and
// never affect the stored record.
type Listener interface {
	Name() string
	OnDiagnosis(ctx context.Context, ev Event) error
}

// Writer persists diagnoses. Safe for concurrent use, though the queue only
// calls it from its worker.
type Writer struct {
	store        datastore.Interface
	log          logger.Logger
	recorder     metrics.Recorder
	modelVersion string
	now          func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// Option configures a Writer.
type Option func(*Writer)

func WithLogger(log logger.Logger) Option {
	return func(w *Writer) { w.log = log }
}

func WithRecorder(r metrics.Recorder) Option {
	return func(w *Writer) { w.recorder = metrics.OrNoOp(r) }
}

// WithModelVersion sets the model version stamped on every diagnosis.
func WithModelVersion(version string) Option {
	return func(w *Writer) {
		if version != "" {
			w.modelVersion = version
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// NewWriter creates a Writer storing into store.
func NewWriter(store datastore.Interface, opts ...Option) *Writer {
	w := &Writer{
		store:        store,
		recorder:     metrics.NoOpRecorder{},
		modelVersion: conf.DefaultModelVersion,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = logger.Global().Module(componentName)
	}
	return w
}

// AddListener registers l for committed diagnoses.
func (w *Writer) AddListener(l Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, l)
}

// Write stores the diagnosis of req.TestID. The diagnosis row, the test and
// session status transitions and the patient statistics commit in one
// transaction; on failure nothing is persisted. An existing diagnosis is
// left untouched and reported as a duplicate without error.
func (w *Writer) Write(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()

	summary := Summarize(req.Results)
	severity := Grade(summary.TotalParasites, summary.TotalWbcs)

	var stored *datastore.DiagnosisResult
	var test datastore.Test
	var sessions int64

	err := w.store.InTransaction(ctx, func(repo *datastore.Repository) error {
		t, err := repo.GetTest(req.TestID)
		if err != nil {
			if errors.IsNotFound(err) {
				return fmt.Errorf("%w: %s", ErrTestNotFound, req.TestID)
			}
			return err
		}

		n, err := repo.CountDiagnoses(t.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateDiagnosis
		}

		d := w.build(t.ID, &summary, severity, req.ProcessingTime)
		if err := repo.CreateDiagnosis(d); err != nil {
			if errors.Is(err, datastore.ErrDuplicate) {
				return fmt.Errorf("%w: %w", ErrDuplicateDiagnosis, err)
			}
			return err
		}

		now := w.now()
		if err := repo.CompleteTest(t, now); err != nil {
			return err
		}
		if sessions, err = repo.CompleteSessionsForTest(t.ID, now); err != nil {
			return err
		}
		if err := repo.RefreshPatientStatistics(t.PatientID); err != nil {
			return err
		}

		stored = d
		test = *t
		return nil
	})

	w.recorder.RecordDuration(metrics.OpDiagnosisWrite, time.Since(start).Seconds())

	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateDiagnosis):
		return w.duplicate(req)
	case errors.Is(err, ErrTestNotFound):
		w.recorder.RecordError(metrics.OpDiagnosisWrite, string(errors.CategoryNotFound))
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryNotFound).
			Context("test_id", req.TestID).
			Build()
	default:
		w.recorder.RecordError(metrics.OpDiagnosisWrite, string(errors.CategoryDatabase))
		w.log.Error("diagnosis write rolled back",
			logger.String("test_id", req.TestID),
			logger.Error(err))
		return nil, errors.New(fmt.Errorf("%w: %w", ErrPersistence, err)).
			Component(componentName).
			Category(errors.CategoryDatabase).
			Context("test_id", req.TestID).
			Timing("diagnosis-write", time.Since(start)).
			Build()
	}

	w.recorder.RecordOperation(metrics.OpDiagnosisWrite, metrics.StatusSuccess)
	w.recorder.RecordOperation(metrics.OpSeverity, severity.Level)

	fields := []logger.Field{
		logger.String("test_id", req.TestID),
		logger.String("status", stored.Status),
		logger.Int("images", len(req.Results)),
		logger.Int("total_parasites", stored.TotalParasites),
		logger.Int("total_wbcs", stored.TotalWbcs),
		logger.Float64("ratio", stored.ParasiteWbcRatio),
		logger.String("severity", severity.Level),
		logger.Int64("sessions_completed", sessions),
	}
	if stored.MostProbableParasiteType != nil {
		fields = append(fields, logger.String("most_probable", *stored.MostProbableParasiteType))
	}
	w.log.Info("diagnosis stored", fields...)

	w.notify(ctx, Event{
		SessionID: req.SessionID,
		Test:      test,
		Diagnosis: *stored,
		Severity:  severity,
	})

	return &Outcome{Diagnosis: stored, Severity: severity}, nil
}

func (w *Writer) build(testID string, s *Summary, severity Severity, elapsed time.Duration) *datastore.DiagnosisResult {
	d := &datastore.DiagnosisResult{
		TestID:              testID,
		Status:              datastore.DiagnosisNegative,
		ParasiteWbcRatio:    s.Ratio,
		Detections:          s.Images,
		TotalParasites:      s.TotalParasites,
		TotalWbcs:           s.TotalWbcs,
		SeverityLevel:       severity.Level,
		SeverityScore:       severity.Score,
		SeverityDescription: severity.Description,
		Confidence:          s.Confidence(),
		ProcessingTime:      elapsed.Seconds(),
		ModelVersion:        w.modelVersion,
	}
	if s.Positive() {
		d.Status = datastore.DiagnosisPositive
	}
	if mp := s.MostProbable; mp != nil {
		species := string(mp.Species)
		name := mp.Species.FullName()
		confidence := mp.Confidence
		d.MostProbableParasiteType = &species
		d.MostProbableParasiteFullName = &name
		d.MostProbableParasiteConfidence = &confidence
	}
	return d
}

func (w *Writer) duplicate(req Request) (*Outcome, error) {
	w.recorder.RecordOperation(metrics.OpDiagnosisWrite, metrics.StatusDuplicate)
	w.log.Warn("diagnosis already exists, keeping stored record",
		logger.String("test_id", req.TestID))

	existing, err := w.store.Repository().GetDiagnosisByTest(req.TestID)
	if err != nil {
		w.log.Debug("could not load existing diagnosis",
			logger.String("test_id", req.TestID),
			logger.Error(err))
		existing = nil
	}
	out := &Outcome{Diagnosis: existing, Duplicate: true}
	if existing != nil {
		out.Severity = Severity{
			Level:       existing.SeverityLevel,
			Score:       existing.SeverityScore,
			Description: existing.SeverityDescription,
		}
	}
	return out, nil
}

func (w *Writer) notify(ctx context.Context, ev Event) {
	w.mu.RLock()
	listeners := append([]Listener(nil), w.listeners...)
	w.mu.RUnlock()

	for _, l := range listeners {
		if err := l.OnDiagnosis(ctx, ev); err != nil {
			w.log.Warn("diagnosis listener failed",
				logger.String("listener", l.Name()),
				logger.String("test_id", ev.Test.ID),
				logger.Error(err))
		}
	}
}
