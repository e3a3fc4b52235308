// Package analysis runs uploaded image sets through the detector and the
// diagnosis writer, one job at a time.
package analysis

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/malarialab/smearscan/internal/diagnosis"
	"github.com/malarialab/smearscan/internal/errors"
	"github.com/malarialab/smearscan/internal/logger"
	"github.com/malarialab/smearscan/internal/observability/metrics"
)

const (
	componentName = "analysis"

	// DefaultStatusRetention is how long terminal job statuses stay queryable.
	DefaultStatusRetention = time.Hour
	statusCleanupInterval  = 10 * time.Minute
)

// ProgressFunc receives job progress in percent.
type ProgressFunc func(percent int)

// Runner processes one job to completion.
type Runner interface {
	Run(ctx context.Context, job Job, progress ProgressFunc) (*diagnosis.Outcome, error)
}

// Config configures a Queue.
type Config struct {
	StatusRetention time.Duration
	Logger          logger.Logger
	Recorder        metrics.Recorder
}

// Snapshot is the state of the whole queue.
type Snapshot struct {
	IsProcessing bool           `json:"isProcessing"`
	QueueLength  int            `json:"queueLength"`
	ActiveJobs   []StatusReport `json:"activeJobs"`
	QueuedJobs   []StatusReport `json:"queuedJobs"`
}

type queueDepthSetter interface{ SetQueueDepth(n int) }
type workerActiveSetter interface{ SetWorkerActive(active bool) }

// Queue is a FIFO of jobs drained by a single worker goroutine, so at most
// one job is processing at any time. The worker starts on Start or on the
// first Enqueue, idles while the queue is empty and exits on Stop.
type Queue struct {
	runner   Runner
	log      logger.Logger
	recorder metrics.Recorder
	now      func() time.Time

	mu       sync.Mutex
	pending  []*entry
	live     map[string]*entry
	current  *entry
	finished *cache.Cache
	started  bool
	stopped  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	jobCtx    context.Context
	jobCancel context.CancelFunc
}

// NewQueue creates a queue processing jobs with runner. A nil runner means
// the detection model is unavailable: every Enqueue is then rejected.
func NewQueue(runner Runner, cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = logger.Global().Module(componentName)
	}
	if cfg.StatusRetention <= 0 {
		cfg.StatusRetention = DefaultStatusRetention
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		runner:    runner,
		log:       cfg.Logger.Module("queue"),
		recorder:  metrics.OrNoOp(cfg.Recorder),
		now:       time.Now,
		live:      make(map[string]*entry),
		finished:  cache.New(cfg.StatusRetention, statusCleanupInterval),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		jobCtx:    ctx,
		jobCancel: cancel,
	}
	if runner == nil {
		q.log.Error("detection model unavailable, analysis jobs will be rejected")
	}
	return q
}

// Available reports whether the queue accepts jobs.
func (q *Queue) Available() bool {
	return q.runner != nil
}

// Start launches the worker. Calling it more than once is harmless.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.startWorkerLocked()
}

// Stop stops accepting jobs and waits for the job in progress to finish.
// When ctx expires first the job's context is cancelled. Queued jobs that
// were never started stay queued.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	started := q.started
	remaining := len(q.pending)
	close(q.quit)
	q.mu.Unlock()

	defer q.jobCancel()

	if remaining > 0 {
		q.log.Warn("stopping with queued jobs", logger.Int("queued", remaining))
	}
	if !started {
		return nil
	}

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		q.jobCancel()
		<-q.done
		return ctx.Err()
	}
}

// Enqueue appends a job and returns immediately. It returns false when the
// model is unavailable, the queue is stopped, sessionID is empty or a job
// for sessionID is already queued or processing.
func (q *Queue) Enqueue(sessionID, testID string, imagePaths []string) bool {
	if q.runner == nil {
		q.recorder.RecordError(metrics.OpJob, string(errors.CategoryModelInit))
		q.log.Warn("job rejected, detection model unavailable",
			logger.String("session_id", sessionID))
		return false
	}
	if sessionID == "" {
		q.log.Warn("job rejected, empty session id")
		return false
	}

	paths := append([]string(nil), imagePaths...)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		q.log.Warn("job rejected, queue stopped", logger.String("session_id", sessionID))
		return false
	}
	if _, exists := q.live[sessionID]; exists {
		q.log.Warn("job rejected, session already queued", logger.String("session_id", sessionID))
		return false
	}

	e := newEntry(Job{SessionID: sessionID, TestID: testID, ImagePaths: paths}, q.now())
	q.pending = append(q.pending, e)
	q.live[sessionID] = e
	q.finished.Delete(sessionID)
	q.publishGaugesLocked()

	q.log.Info("job enqueued",
		logger.String("session_id", sessionID),
		logger.String("test_id", testID),
		logger.Int("images", len(paths)),
		logger.Int("position", len(q.pending)),
		logger.Time("enqueued_at", e.enqueuedAt))

	q.startWorkerLocked()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// GetStatus returns the status of the job for sessionID, or nil when no
// such job is known.
func (q *Queue) GetStatus(sessionID string) *StatusReport {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.live[sessionID]; ok {
		r := e.report()
		return &r
	}
	if v, ok := q.finished.Get(sessionID); ok {
		r := v.(StatusReport)
		return &r
	}
	return nil
}

// Cancel removes a queued job. Jobs that are processing or finished cannot
// be cancelled.
func (q *Queue) Cancel(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.live[sessionID]
	if !ok || e.state.Status() != StatusQueued {
		return false
	}
	for i, p := range q.pending {
		if p == e {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	delete(q.live, sessionID)
	q.publishGaugesLocked()

	q.recorder.RecordOperation(metrics.OpJob, metrics.StatusCancelled)
	q.log.Info("job cancelled", logger.String("session_id", sessionID))
	return true
}

// QueueStatus returns a snapshot of the processing job and the queued jobs.
func (q *Queue) QueueStatus() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Snapshot{
		IsProcessing: q.current != nil,
		QueueLength:  len(q.pending),
		ActiveJobs:   []StatusReport{},
		QueuedJobs:   make([]StatusReport, 0, len(q.pending)),
	}
	if q.current != nil {
		s.ActiveJobs = append(s.ActiveJobs, q.current.report())
	}
	for _, e := range q.pending {
		s.QueuedJobs = append(s.QueuedJobs, e.report())
	}
	return s
}

func (q *Queue) startWorkerLocked() {
	if q.started || q.stopped || q.runner == nil {
		return
	}
	q.started = true
	go q.work()
}

func (q *Queue) work() {
	defer close(q.done)
	q.log.Debug("worker started")

	for {
		e := q.next()
		if e == nil {
			select {
			case <-q.wake:
				continue
			case <-q.quit:
				q.log.Debug("worker stopped")
				return
			}
		}

		q.process(e)

		select {
		case <-q.quit:
			q.log.Debug("worker stopped")
			return
		default:
		}
	}
}

// next pops the head of the queue and marks it processing.
func (q *Queue) next() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	e := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	e.advance(Processing{})
	e.startedAt = q.now()
	q.current = e
	q.publishGaugesLocked()
	return e
}

func (q *Queue) process(e *entry) {
	start := time.Now()
	q.log.Info("job started",
		logger.String("session_id", e.job.SessionID),
		logger.String("test_id", e.job.TestID),
		logger.Int("images", len(e.job.ImagePaths)))

	var (
		outcome *diagnosis.Outcome
		err     error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("job panicked: %v", r).
					Component(componentName).
					Category(errors.CategoryJobQueue).
					Priority(errors.PriorityCritical).
					Context("session_id", e.job.SessionID).
					Context("stack", string(debug.Stack())).
					Build()
			}
		}()
		outcome, err = q.runner.Run(q.jobCtx, e.job, func(p int) { q.setProgress(e, p) })
	}()

	q.finish(e, outcome, err, time.Since(start))
}

func (q *Queue) setProgress(e *entry, percent int) {
	percent = min(max(percent, 0), 100)

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := e.state.(Processing); ok {
		e.advance(Processing{Progress: percent})
	}
}

func (q *Queue) finish(e *entry, outcome *diagnosis.Outcome, err error, elapsed time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil && outcome == nil {
		err = fmt.Errorf("job produced no diagnosis")
	}
	if err != nil {
		e.advance(Failed{Err: err, Progress: e.progress()})
	} else {
		e.advance(Completed{Outcome: outcome})
	}
	e.finishedAt = q.now()

	delete(q.live, e.job.SessionID)
	q.finished.SetDefault(e.job.SessionID, e.report())
	q.current = nil
	q.publishGaugesLocked()

	q.recorder.RecordDuration(metrics.OpJob, elapsed.Seconds())
	if err != nil {
		q.recorder.RecordOperation(metrics.OpJob, metrics.StatusError)
		q.log.Error("job failed",
			logger.String("session_id", e.job.SessionID),
			logger.String("test_id", e.job.TestID),
			logger.Duration("elapsed", elapsed),
			logger.Error(err))
		return
	}
	q.recorder.RecordOperation(metrics.OpJob, metrics.StatusSuccess)
	q.log.Info("job completed",
		logger.String("session_id", e.job.SessionID),
		logger.String("test_id", e.job.TestID),
		logger.Bool("duplicate", outcome.Duplicate),
		logger.Duration("elapsed", elapsed))
}

func (q *Queue) publishGaugesLocked() {
	if g, ok := q.recorder.(queueDepthSetter); ok {
		g.SetQueueDepth(len(q.pending))
	}
	if g, ok := q.recorder.(workerActiveSetter); ok {
		g.SetWorkerActive(q.current != nil)
	}
}
