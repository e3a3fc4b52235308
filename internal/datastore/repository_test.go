package datastore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/malarialab/smearscan/internal/errors"
)

func TestNew_SelectsBackend(t *testing.T) {
	t.Parallel()

	settings := createTestSettings(t)
	assert.IsType(t, &SQLiteStore{}, New(settings, nil))

	settings.Output.MySQL.Enabled = true
	assert.IsType(t, &MySQLStore{}, New(settings, nil))

	settings.Output.MySQL.Enabled = false
	settings.Output.SQLite.Enabled = false
	assert.Nil(t, New(settings, nil))
}

func TestRepository_GetTestNotFound(t *testing.T) {
	t.Parallel()

	repo := createDatabase(t).Repository()
	_, err := repo.GetTest("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, serrors.IsNotFound(err))
}

func TestRepository_CreateDiagnosisRejectsDuplicate(t *testing.T) {
	t.Parallel()

	repo := createDatabase(t).Repository()
	p := seedPatient(t, repo)
	tt := seedTest(t, repo, p.ID, time.Now())

	require.NoError(t, repo.CreateDiagnosis(&DiagnosisResult{TestID: tt.ID, Status: DiagnosisNegative}))
	err := repo.CreateDiagnosis(&DiagnosisResult{TestID: tt.ID, Status: DiagnosisPositive})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicate)

	n, err := repo.CountDiagnoses(tt.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRepository_DetectionsRoundTripAsJSON(t *testing.T) {
	t.Parallel()

	repo := createDatabase(t).Repository()
	p := seedPatient(t, repo)
	tt := seedTest(t, repo, p.ID, time.Now())

	in := &DiagnosisResult{
		TestID: tt.ID,
		Status: DiagnosisPositive,
		Detections: []ImageDetections{{
			ImageID:              "img-1",
			OriginalFilename:     "smear_01.png",
			ParasitesDetected:    []ParasiteDetection{{Type: "PF", Confidence: 0.91, BoundingBox: [4]float64{1, 2, 3, 4}}},
			WhiteBloodCellsCount: 0,
			ParasiteCount:        1,
		}},
	}
	require.NoError(t, repo.CreateDiagnosis(in))

	out, err := repo.GetDiagnosisByTest(tt.ID)
	require.NoError(t, err)
	require.Len(t, out.Detections, 1)
	assert.Equal(t, "smear_01.png", out.Detections[0].OriginalFilename)
	assert.Equal(t, "PF", out.Detections[0].ParasitesDetected[0].Type)
}

func TestRepository_CompleteTestRecordsProcessingTime(t *testing.T) {
	t.Parallel()

	repo := createDatabase(t).Repository()
	p := seedPatient(t, repo)
	tt := seedTest(t, repo, p.ID, time.Now())

	processedAt := time.Now().Add(-90 * time.Second)
	tt.ProcessedAt = &processedAt
	now := processedAt.Add(90 * time.Second)
	require.NoError(t, repo.CompleteTest(tt, now))

	loaded, err := repo.GetTest(tt.ID)
	require.NoError(t, err)
	assert.Equal(t, TestStatusCompleted, loaded.Status)
	assert.InDelta(t, 90.0, loaded.ProcessingTime, 0.01)
}

func TestRepository_RefreshPatientStatistics(t *testing.T) {
	t.Parallel()

	repo := createDatabase(t).Repository()
	p := seedPatient(t, repo)

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	older := seedTest(t, repo, p.ID, base)
	newer := seedTest(t, repo, p.ID, base.Add(24*time.Hour))
	pending := seedTest(t, repo, p.ID, base.Add(-24*time.Hour))
	_ = pending

	require.NoError(t, repo.CreateDiagnosis(&DiagnosisResult{TestID: older.ID, Status: DiagnosisPositive}))
	require.NoError(t, repo.CompleteTest(older, base))
	require.NoError(t, repo.CreateDiagnosis(&DiagnosisResult{TestID: newer.ID, Status: DiagnosisNegative}))
	require.NoError(t, repo.CompleteTest(newer, base))

	require.NoError(t, repo.RefreshPatientStatistics(p.ID))

	got, err := repo.GetPatient(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalTests)
	assert.Equal(t, 1, got.PositiveTests)
	require.NotNil(t, got.LastTestDate)
	assert.True(t, got.LastTestDate.Equal(newer.CreatedAt))
	assert.Equal(t, DiagnosisNegative, got.LastTestResult)
}

func TestInTransaction_RollsBackOnError(t *testing.T) {
	t.Parallel()

	store := createDatabase(t)
	p := seedPatient(t, store.Repository())
	tt := seedTest(t, store.Repository(), p.ID, time.Now())

	errAbort := errors.New("abort")
	err := store.InTransaction(context.Background(), func(repo *Repository) error {
		require.NoError(t, repo.CreateDiagnosis(&DiagnosisResult{TestID: tt.ID, Status: DiagnosisPositive}))
		require.NoError(t, repo.CompleteTest(tt, time.Now()))
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	n, err := store.Repository().CountDiagnoses(tt.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	loaded, err := store.Repository().GetTest(tt.ID)
	require.NoError(t, err)
	assert.Equal(t, TestStatusProcessing, loaded.Status)
}

func TestRepository_CompleteSessionsForTest(t *testing.T) {
	t.Parallel()

	repo := createDatabase(t).Repository()
	p := seedPatient(t, repo)
	tt := seedTest(t, repo, p.ID, time.Now())
	require.NoError(t, repo.CreateUploadSession(&UploadSession{SessionID: "sess-1", TestID: &tt.ID, Status: SessionStatusProcessing}))

	n, err := repo.CompleteSessionsForTest(tt.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	s, err := repo.GetUploadSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusCompleted, s.Status)
}
