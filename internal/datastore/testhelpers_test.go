package datastore

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malarialab/smearscan/internal/conf"
	"github.com/malarialab/smearscan/internal/logger"
)

func createTestSettings(t *testing.T) *conf.Settings {
	t.Helper()
	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = filepath.Join(t.TempDir(), "test.db")
	return settings
}

func createDatabase(t *testing.T) Interface {
	t.Helper()
	store := New(createTestSettings(t), logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC))
	require.NotNil(t, store)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedPatient(t *testing.T, repo *Repository) *Patient {
	t.Helper()
	p := &Patient{PatientID: "PAT-20260101-" + NewID()[:6], FirstName: "Ada", LastName: "Obi"}
	require.NoError(t, repo.CreatePatient(p))
	return p
}

func seedTest(t *testing.T, repo *Repository, patientID string, createdAt time.Time) *Test {
	t.Helper()
	tt := &Test{
		TestID:     "TEST-20260101-" + NewID()[:6],
		PatientID:  patientID,
		Status:     TestStatusProcessing,
		SampleType: "thin_smear",
		CreatedAt:  createdAt,
	}
	require.NoError(t, repo.CreateTest(tt))
	return tt
}
