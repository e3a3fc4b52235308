package analysis

import (
	"time"

	"github.com/malarialab/smearscan/internal/diagnosis"
)

// Status is the lifecycle stage of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one unit of queued work: the images of an upload session that
// produce the diagnosis of a test. It is immutable once enqueued.
type Job struct {
	SessionID  string
	TestID     string
	ImagePaths []string
}

// State is the tagged job state: Queued, Processing, Completed or Failed.
type State interface {
	Status() Status
	rank() int
}

// Queued is the state of a job waiting for the worker.
type Queued struct{}

// Processing is the state of the job the worker is running.
type Processing struct {
	Progress int
}

// Completed is the state of a job whose diagnosis was stored.
type Completed struct {
	Outcome *diagnosis.Outcome
}

// Failed is the terminal state of a job that produced no diagnosis.
type Failed struct {
	Err      error
	Progress int
}

func (Queued) Status() Status     { return StatusQueued }
func (Processing) Status() Status { return StatusProcessing }
func (Completed) Status() Status  { return StatusCompleted }
func (Failed) Status() Status     { return StatusFailed }

func (Queued) rank() int     { return 0 }
func (Processing) rank() int { return 1 }
func (Completed) rank() int  { return 2 }
func (Failed) rank() int     { return 2 }

// StatusReport is the polling view of a job.
type StatusReport struct {
	SessionID   string     `json:"sessionId"`
	TestID      string     `json:"testId"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	Error       string     `json:"error,omitempty"`
	Images      int        `json:"images"`
	DiagnosisID string     `json:"diagnosisId,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// entry is the queue's mutable record of a job. Guarded by Queue.mu.
type entry struct {
	job        Job
	state      State
	enqueuedAt time.Time
	startedAt  time.Time
	finishedAt time.Time
}

func newEntry(job Job, now time.Time) *entry {
	return &entry{job: job, state: Queued{}, enqueuedAt: now}
}

// advance moves the entry to next. Backward transitions and progress
// regressions are ignored and reported as false.
func (e *entry) advance(next State) bool {
	cur := e.state
	switch {
	case next.rank() > cur.rank():
	case next.rank() == cur.rank() && cur.rank() == 1:
		if next.(Processing).Progress < cur.(Processing).Progress {
			return false
		}
	default:
		return false
	}
	e.state = next
	return true
}

func (e *entry) progress() int {
	switch s := e.state.(type) {
	case Processing:
		return s.Progress
	case Completed:
		return 100
	case Failed:
		return s.Progress
	default:
		return 0
	}
}

func (e *entry) report() StatusReport {
	r := StatusReport{
		SessionID:  e.job.SessionID,
		TestID:     e.job.TestID,
		Status:     e.state.Status(),
		Progress:   e.progress(),
		Images:     len(e.job.ImagePaths),
		EnqueuedAt: e.enqueuedAt,
	}
	switch s := e.state.(type) {
	case Failed:
		if s.Err != nil {
			r.Error = s.Err.Error()
		}
	case Completed:
		if s.Outcome != nil && s.Outcome.Diagnosis != nil {
			r.DiagnosisID = s.Outcome.Diagnosis.ID
		}
	}
	if !e.startedAt.IsZero() {
		t := e.startedAt
		r.StartedAt = &t
	}
	if !e.finishedAt.IsZero() {
		t := e.finishedAt
		r.FinishedAt = &t
	}
	return r
}
