package diagnosis

import (
	"context"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malarialab/smearscan/internal/conf"
	"github.com/malarialab/smearscan/internal/datastore"
	"github.com/malarialab/smearscan/internal/detection"
	"github.com/malarialab/smearscan/internal/errors"
	"github.com/malarialab/smearscan/internal/logger"
	"github.com/malarialab/smearscan/internal/observability/metrics"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type fixture struct {
	store    datastore.Interface
	repo     *datastore.Repository
	patient  *datastore.Patient
	test     *datastore.Test
	session  *datastore.UploadSession
	recorder *metrics.TestRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = filepath.Join(t.TempDir(), "diagnosis.db")

	store := datastore.New(settings, logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC))
	require.NotNil(t, store)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })

	repo := store.Repository()
	patient := &datastore.Patient{PatientID: "PAT-20260314-001", FirstName: "Amara", LastName: "Eze"}
	require.NoError(t, repo.CreatePatient(patient))

	processedAt := testNow.Add(-90 * time.Second)
	test := &datastore.Test{
		TestID:      "TEST-20260314-001",
		PatientID:   patient.ID,
		Status:      datastore.TestStatusProcessing,
		SampleType:  "thin_smear",
		ProcessedAt: &processedAt,
		CreatedAt:   testNow.Add(-time.Hour),
	}
	require.NoError(t, repo.CreateTest(test))

	testID := test.ID
	patientID := patient.ID
	session := &datastore.UploadSession{
		SessionID:  "sess-001",
		TestID:     &testID,
		PatientID:  &patientID,
		Status:     datastore.SessionStatusProcessing,
		TotalFiles: 3,
	}
	require.NoError(t, repo.CreateUploadSession(session))

	return &fixture{
		store:    store,
		repo:     repo,
		patient:  patient,
		test:     test,
		session:  session,
		recorder: metrics.NewTestRecorder(),
	}
}

func (f *fixture) writer(store datastore.Interface) *Writer {
	return NewWriter(store,
		WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)),
		WithRecorder(f.recorder),
		WithClock(func() time.Time { return testNow }))
}

func threeImages() []detection.PerImageResult {
	return []detection.PerImageResult{
		image("a.jpg", parasites(detection.SpeciesPF, 0.9, 0.5), wbcs(1)),
		image("b.jpg", parasites(detection.SpeciesPM), wbcs(3)),
		image("c.jpg", parasites(detection.SpeciesPV, 0.95, 0.3, 0.3, 0.3, 0.3)),
	}
}

type recordingListener struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (l *recordingListener) Name() string { return "recording" }

func (l *recordingListener) OnDiagnosis(_ context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return l.err
}

func TestWrite_PersistsDiagnosisAndTransitions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.writer(f.store)
	listener := &recordingListener{err: fmt.Errorf("broker offline")}
	w.AddListener(listener)

	out, err := w.Write(context.Background(), Request{
		TestID:         f.test.ID,
		SessionID:      f.session.SessionID,
		Results:        threeImages(),
		ProcessingTime: 4 * time.Second,
	})
	require.NoError(t, err)
	require.False(t, out.Duplicate)

	stored, err := f.repo.GetDiagnosisByTest(f.test.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.DiagnosisPositive, stored.Status)
	assert.Equal(t, 7, stored.TotalParasites)
	assert.Equal(t, 4, stored.TotalWbcs)
	assert.InDelta(t, 1.75, stored.ParasiteWbcRatio, 1e-12)
	require.NotNil(t, stored.MostProbableParasiteType)
	assert.Equal(t, "PV", *stored.MostProbableParasiteType)
	assert.Equal(t, "Plasmodium Vivax", *stored.MostProbableParasiteFullName)
	assert.InDelta(t, 0.95, stored.Confidence, 1e-12)
	assert.Equal(t, SeverityCritical, stored.SeverityLevel)
	assert.InDelta(t, 100, stored.SeverityScore, 1e-9)
	assert.Equal(t, conf.DefaultModelVersion, stored.ModelVersion)
	assert.InDelta(t, 4.0, stored.ProcessingTime, 1e-9)
	require.Len(t, stored.Detections, 3)
	assert.Equal(t, "b.jpg", stored.Detections[1].OriginalFilename)
	assert.Equal(t, 3, stored.Detections[1].WhiteBloodCellsCount)

	test, err := f.repo.GetTest(f.test.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.TestStatusCompleted, test.Status)
	assert.InDelta(t, 90.0, test.ProcessingTime, 1e-6)

	session, err := f.repo.GetUploadSession(f.session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, datastore.SessionStatusCompleted, session.Status)

	patient, err := f.repo.GetPatient(f.patient.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, patient.TotalTests)
	assert.Equal(t, 1, patient.PositiveTests)
	assert.Equal(t, datastore.DiagnosisPositive, patient.LastTestResult)

	require.Len(t, listener.events, 1)
	assert.Equal(t, f.session.SessionID, listener.events[0].SessionID)
	assert.Equal(t, stored.ID, listener.events[0].Diagnosis.ID)
	assert.Equal(t, 1, f.recorder.GetOperationCount(metrics.OpDiagnosisWrite, metrics.StatusSuccess))
	assert.Equal(t, 1, f.recorder.GetOperationCount(metrics.OpSeverity, SeverityCritical))
}

func TestWrite_NegativeDiagnosis(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out, err := f.writer(f.store).Write(context.Background(), Request{
		TestID:  f.test.ID,
		Results: []detection.PerImageResult{image("a.jpg", wbcs(12))},
	})
	require.NoError(t, err)

	d := out.Diagnosis
	assert.Equal(t, datastore.DiagnosisNegative, d.Status)
	assert.Nil(t, d.MostProbableParasiteType)
	assert.Nil(t, d.MostProbableParasiteConfidence)
	assert.Zero(t, d.Confidence)
	assert.Equal(t, SeverityLow, d.SeverityLevel)
	assert.Zero(t, d.SeverityScore)
	assert.Equal(t, "No parasites detected", d.SeverityDescription)

	patient, err := f.repo.GetPatient(f.patient.ID)
	require.NoError(t, err)
	assert.Zero(t, patient.PositiveTests)
	assert.Equal(t, datastore.DiagnosisNegative, patient.LastTestResult)
}

func TestWrite_OutOfRangeConfidenceDoesNotFailJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out, err := f.writer(f.store).Write(context.Background(), Request{
		TestID: f.test.ID,
		Results: []detection.PerImageResult{
			image("a.jpg", parasites(detection.SpeciesPF, math.NaN()), parasites(detection.SpeciesPM, 0.95), wbcs(1)),
		},
	})
	require.NoError(t, err)

	stored, err := f.repo.GetDiagnosisByTest(f.test.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Diagnosis.ID, stored.ID)
	require.NotNil(t, stored.MostProbableParasiteType)
	assert.Equal(t, "PM", *stored.MostProbableParasiteType)
	assert.InDelta(t, 0.95, stored.Confidence, 1e-12)
	assert.Equal(t, 1, stored.TotalParasites)
	require.Len(t, stored.Detections, 1)
	require.Len(t, stored.Detections[0].ParasitesDetected, 1)
	assert.Equal(t, "PM", stored.Detections[0].ParasitesDetected[0].Type)
}

func TestWrite_DuplicateIsNoOp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.writer(f.store)
	ctx := context.Background()

	first, err := w.Write(ctx, Request{TestID: f.test.ID, Results: threeImages()})
	require.NoError(t, err)

	second, err := w.Write(ctx, Request{
		TestID:  f.test.ID,
		Results: []detection.PerImageResult{image("x.jpg", wbcs(2))},
	})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	require.NotNil(t, second.Diagnosis)
	assert.Equal(t, first.Diagnosis.ID, second.Diagnosis.ID)
	assert.Equal(t, 7, second.Diagnosis.TotalParasites)

	n, err := f.repo.CountDiagnoses(f.test.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, f.recorder.GetOperationCount(metrics.OpDiagnosisWrite, metrics.StatusDuplicate))
}

func TestWrite_TestNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.writer(f.store).Write(context.Background(), Request{
		TestID:  datastore.NewID(),
		Results: threeImages(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTestNotFound)
	assert.True(t, errors.IsNotFound(err))
}

// failAfterStore commits nothing: it fails the transaction after every
// write of the diagnosis has been issued.
type failAfterStore struct {
	datastore.Interface
}

func (s failAfterStore) InTransaction(ctx context.Context, fn func(repo *datastore.Repository) error) error {
	return s.Interface.InTransaction(ctx, func(repo *datastore.Repository) error {
		if err := fn(repo); err != nil {
			return err
		}
		return fmt.Errorf("disk I/O error")
	})
}

func TestWrite_PersistenceFailureRollsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	listener := &recordingListener{}
	w := f.writer(failAfterStore{f.store})
	w.AddListener(listener)

	_, err := w.Write(context.Background(), Request{TestID: f.test.ID, Results: threeImages()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))

	n, err := f.repo.CountDiagnoses(f.test.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	test, err := f.repo.GetTest(f.test.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.TestStatusProcessing, test.Status)

	session, err := f.repo.GetUploadSession(f.session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, datastore.SessionStatusProcessing, session.Status)

	patient, err := f.repo.GetPatient(f.patient.ID)
	require.NoError(t, err)
	assert.Zero(t, patient.TotalTests)

	assert.Empty(t, listener.events)
}
