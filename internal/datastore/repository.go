package datastore

import (
	stderrors "errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/malarialab/smearscan/internal/errors"
)

// ErrNotFound is returned when a looked up record does not exist.
var ErrNotFound = errors.NewStd("record not found")

// MySQL error number for duplicate entries on a unique key.
const mysqlDuplicateEntry = 1062

// Repository groups the queries used by the pipeline. A Repository obtained
// through InTransaction runs every call inside that transaction.
type Repository struct {
	db *gorm.DB
}

// NewID returns a new record identifier.
func NewID() string {
	return uuid.NewString()
}

// CreatePatient inserts p, assigning an ID when empty.
func (r *Repository) CreatePatient(p *Patient) error {
	if p.ID == "" {
		p.ID = NewID()
	}
	if err := r.db.Create(p).Error; err != nil {
		return dbError(err, "create-patient", "patient_id", p.PatientID)
	}
	return nil
}

// CreateTest inserts t, assigning an ID when empty.
func (r *Repository) CreateTest(t *Test) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if err := r.db.Create(t).Error; err != nil {
		return dbError(err, "create-test", "test_id", t.TestID)
	}
	return nil
}

// CreateUploadSession inserts s, assigning an ID when empty.
func (r *Repository) CreateUploadSession(s *UploadSession) error {
	if s.ID == "" {
		s.ID = NewID()
	}
	if err := r.db.Create(s).Error; err != nil {
		return dbError(err, "create-upload-session", "session_id", s.SessionID)
	}
	return nil
}

// GetPatient loads a patient by primary key.
func (r *Repository) GetPatient(id string) (*Patient, error) {
	var p Patient
	if err := r.first(&p, id, "get-patient"); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetTest loads a test by primary key.
func (r *Repository) GetTest(id string) (*Test, error) {
	var t Test
	if err := r.first(&t, id, "get-test"); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetUploadSession loads a session by its public session id.
func (r *Repository) GetUploadSession(sessionID string) (*UploadSession, error) {
	var s UploadSession
	err := r.db.Where("session_id = ?", sessionID).First(&s).Error
	if err != nil {
		return nil, r.notFoundOr(err, "get-upload-session", sessionID)
	}
	return &s, nil
}

// GetDiagnosisByTest loads the diagnosis of a test.
func (r *Repository) GetDiagnosisByTest(testID string) (*DiagnosisResult, error) {
	var d DiagnosisResult
	err := r.db.Where("test_id = ?", testID).First(&d).Error
	if err != nil {
		return nil, r.notFoundOr(err, "get-diagnosis", testID)
	}
	return &d, nil
}

// CountDiagnoses returns the number of diagnoses stored for a test.
func (r *Repository) CountDiagnoses(testID string) (int64, error) {
	var n int64
	if err := r.db.Model(&DiagnosisResult{}).Where("test_id = ?", testID).Count(&n).Error; err != nil {
		return 0, dbError(err, "count-diagnoses", "test_id", testID)
	}
	return n, nil
}

// CreateDiagnosis inserts d. The returned error matches ErrDuplicate when a
// diagnosis for the same test already exists.
func (r *Repository) CreateDiagnosis(d *DiagnosisResult) error {
	if d.ID == "" {
		d.ID = NewID()
	}
	if err := r.db.Create(d).Error; err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: test %s", ErrDuplicate, d.TestID)
		}
		return dbError(err, "create-diagnosis", "test_id", d.TestID)
	}
	return nil
}

// ErrDuplicate is returned when an insert conflicts with a unique key.
var ErrDuplicate = errors.NewStd("duplicate record")

// CompleteTest marks t completed at now and records its processing time.
func (r *Repository) CompleteTest(t *Test, now time.Time) error {
	updates := map[string]any{
		"status":     TestStatusCompleted,
		"updated_at": now,
	}
	if t.ProcessedAt != nil {
		t.ProcessingTime = now.Sub(*t.ProcessedAt).Seconds()
		updates["processing_time"] = t.ProcessingTime
	}
	if err := r.db.Model(&Test{}).Where("id = ?", t.ID).Updates(updates).Error; err != nil {
		return dbError(err, "complete-test", "test_id", t.ID)
	}
	t.Status = TestStatusCompleted
	return nil
}

// CompleteSessionsForTest marks the upload sessions owned by testID completed.
func (r *Repository) CompleteSessionsForTest(testID string, now time.Time) (int64, error) {
	res := r.db.Model(&UploadSession{}).
		Where("test_id = ?", testID).
		Updates(map[string]any{"status": SessionStatusCompleted, "updated_at": now})
	if res.Error != nil {
		return 0, dbError(res.Error, "complete-sessions", "test_id", testID)
	}
	return res.RowsAffected, nil
}

// RefreshPatientStatistics recomputes the rolling statistics of a patient
// from all of the patient's tests.
func (r *Repository) RefreshPatientStatistics(patientID string) error {
	var total int64
	if err := r.db.Model(&Test{}).Where("patient_id = ?", patientID).Count(&total).Error; err != nil {
		return dbError(err, "count-tests", "patient_id", patientID)
	}

	var positive int64
	err := r.db.Model(&Test{}).
		Joins("JOIN diagnosis_results ON diagnosis_results.test_id = tests.id").
		Where("tests.patient_id = ? AND tests.status = ? AND diagnosis_results.status = ?",
			patientID, TestStatusCompleted, DiagnosisPositive).
		Count(&positive).Error
	if err != nil {
		return dbError(err, "count-positive-tests", "patient_id", patientID)
	}

	updates := map[string]any{
		"total_tests":    int(total),
		"positive_tests": int(positive),
	}

	var latest Test
	err = r.db.Preload("Diagnosis").
		Where("patient_id = ?", patientID).
		Order("created_at DESC").
		First(&latest).Error
	switch {
	case err == nil:
		updates["last_test_date"] = latest.CreatedAt
		if latest.Diagnosis != nil {
			updates["last_test_result"] = latest.Diagnosis.Status
		}
	case !stderrors.Is(err, gorm.ErrRecordNotFound):
		return dbError(err, "latest-test", "patient_id", patientID)
	}

	if err := r.db.Model(&Patient{}).Where("id = ?", patientID).Updates(updates).Error; err != nil {
		return dbError(err, "update-patient-statistics", "patient_id", patientID)
	}
	return nil
}

func (r *Repository) first(dest any, id, operation string) error {
	if err := r.db.First(dest, "id = ?", id).Error; err != nil {
		return r.notFoundOr(err, operation, id)
	}
	return nil
}

func (r *Repository) notFoundOr(err error, operation, id string) error {
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return errors.New(fmt.Errorf("%w: %s", ErrNotFound, id)).
			Component("datastore").
			Category(errors.CategoryNotFound).
			Context("operation", operation).
			Build()
	}
	return dbError(err, operation, "id", id)
}

// IsUniqueViolation reports whether err is a unique constraint failure from
// any of the supported drivers.
func IsUniqueViolation(err error) bool {
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var mysqlErr *mysqldriver.MySQLError
	if stderrors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntry
	}
	return false
}
