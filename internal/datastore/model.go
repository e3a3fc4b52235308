// model.go defines the persisted laboratory entities
package datastore

import "time"

// Test statuses
const (
	TestStatusPending    = "pending"
	TestStatusUploaded   = "uploaded"
	TestStatusProcessing = "processing"
	TestStatusCompleted  = "completed"
	TestStatusFailed     = "failed"
	TestStatusCancelled  = "cancelled"
)

// Upload session statuses
const (
	SessionStatusActive     = "active"
	SessionStatusUploaded   = "uploaded"
	SessionStatusProcessing = "processing"
	SessionStatusCompleted  = "completed"
	SessionStatusFailed     = "failed"
	SessionStatusCancelled  = "cancelled"
	SessionStatusExpired    = "expired"
)

// Diagnosis statuses
const (
	DiagnosisPositive = "POSITIVE"
	DiagnosisNegative = "NEGATIVE"
)

// Patient carries the rolling test statistics recomputed on every diagnosis.
type Patient struct {
	ID             string `gorm:"primaryKey;type:varchar(36)"`
	PatientID      string `gorm:"uniqueIndex;type:varchar(50);not null"` // PAT-YYYYMMDD-XXX
	FirstName      string `gorm:"type:varchar(50)"`
	LastName       string `gorm:"type:varchar(50)"`
	TotalTests     int
	PositiveTests  int
	LastTestDate   *time.Time
	LastTestResult string `gorm:"type:varchar(20)"`
	Tests          []Test `gorm:"foreignKey:PatientID;references:ID;constraint:OnDelete:CASCADE"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Test is one diagnostic test of a patient's sample.
type Test struct {
	ID             string `gorm:"primaryKey;type:varchar(36)"`
	TestID         string `gorm:"uniqueIndex;type:varchar(50);not null"` // TEST-YYYYMMDD-XXX
	PatientID      string `gorm:"index;type:varchar(36);not null"`
	Status         string `gorm:"type:varchar(20);not null;default:pending"`
	SampleType     string `gorm:"type:varchar(20)"`
	ProcessedAt    *time.Time
	ProcessingTime float64          // seconds between ProcessedAt and completion
	Diagnosis      *DiagnosisResult `gorm:"foreignKey:TestID;references:ID;constraint:OnDelete:CASCADE"`
	CreatedAt      time.Time        `gorm:"index"`
	UpdatedAt      time.Time
}

// UploadSession tracks the images uploaded for a test.
type UploadSession struct {
	ID         string  `gorm:"primaryKey;type:varchar(36)"`
	SessionID  string  `gorm:"uniqueIndex;type:varchar(50);not null"`
	TestID     *string `gorm:"index;type:varchar(36)"`
	PatientID  *string `gorm:"type:varchar(36)"`
	Status     string  `gorm:"type:varchar(20);not null;default:active"`
	TotalFiles int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ImageDetections is the per-image summary stored on a diagnosis.
type ImageDetections struct {
	ImageID              string              `json:"imageId"`
	OriginalFilename     string              `json:"originalFilename"`
	ParasitesDetected    []ParasiteDetection `json:"parasitesDetected"`
	WbcsDetected         []WBCDetection      `json:"wbcsDetected"`
	WhiteBloodCellsCount int                 `json:"whiteBloodCellsCount"`
	ParasiteCount        int                 `json:"parasiteCount"`
	ParasiteWbcRatio     float64             `json:"parasiteWbcRatio"`
}

// ParasiteDetection is one stored parasite bounding box.
type ParasiteDetection struct {
	Type        string     `json:"type"`
	Confidence  float64    `json:"confidence"`
	BoundingBox [4]float64 `json:"bbox"`
}

// WBCDetection is one stored white blood cell bounding box.
type WBCDetection struct {
	Confidence  float64    `json:"confidence"`
	BoundingBox [4]float64 `json:"bbox"`
}

// DiagnosisResult is the immutable clinical record of a test; one per test.
type DiagnosisResult struct {
	ID     string `gorm:"primaryKey;type:varchar(36)"`
	TestID string `gorm:"uniqueIndex;type:varchar(36);not null"`
	Status string `gorm:"type:varchar(20);not null"`

	MostProbableParasiteType       *string  `gorm:"type:varchar(10)"`
	MostProbableParasiteConfidence *float64
	MostProbableParasiteFullName   *string  `gorm:"type:varchar(100)"`

	ParasiteWbcRatio float64
	Detections       []ImageDetections `gorm:"serializer:json"`
	TotalParasites   int
	TotalWbcs        int

	SeverityLevel       string `gorm:"type:varchar(20)"`
	SeverityScore       float64
	SeverityDescription string

	Confidence     float64
	ProcessingTime float64 // seconds
	ModelVersion   string  `gorm:"type:varchar(50)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func allModels() []any {
	return []any{&Patient{}, &Test{}, &UploadSession{}, &DiagnosisResult{}}
}
