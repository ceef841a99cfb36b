// Package queue implements the in-memory job queue: priority dispatch over a
// bounded worker pool, retry with backoff, duplicate suppression, dead-letter
// handling, pause/resume and emergency stop. Durable snapshotting is delegated
// to an injected Store; execution is delegated to an injected Executor.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"swarmq/health"
	"swarmq/log"
)

// Executor runs one dispatch attempt for a job. The context carries the
// attempt deadline and is cancelled on job cancellation and emergency stop.
type Executor interface {
	Execute(ctx context.Context, job Job) (string, error)
}

// Store is the persistence collaborator used for crash recovery. A nil Store
// disables persistence. Implementations must tolerate being called
// concurrently; the queue never assumes atomic multi-record writes.
type Store interface {
	LoadJobs() ([]*Job, error)
	SaveJob(job *Job) error
	DeleteJob(id string) error
}

// Options configures a JobQueue.
type Options struct {
	// WorkerCount bounds the number of concurrently running jobs (default 4).
	WorkerCount int
	// MaxRetries is the default retry budget for requests that do not set one.
	MaxRetries int
	// Backoff computes retry delays (default exponential).
	Backoff BackoffStrategy
	// AttemptTimeout bounds one executor invocation, failovers included.
	AttemptTimeout time.Duration
	// Retention is how long terminal jobs stay in memory. Dead-lettered jobs
	// are exempt; they stay until purged. Zero disables eviction.
	Retention time.Duration
	// Store persists jobs for crash recovery. May be nil.
	Store Store
	// Health receives queue metrics. A fresh registry is created when nil.
	Health *health.Registry
}

// StopSummary reports the effect of an emergency stop.
type StopSummary struct {
	Affected  int       `json:"affected"`
	Reason    string    `json:"reason"`
	StoppedAt time.Time `json:"stopped_at"`
}

// JobQueue owns the job map and priority structure. All mutation happens under
// one mutex; callers only see the operations below, never raw state.
type JobQueue struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	byFp  map[string]string // fingerprint -> job id, non-terminal jobs only
	ready readyHeap
	lag   lagHeap
	seq   uint64

	cancels map[string]context.CancelFunc // running jobs
	timers  map[string]*time.Timer        // retrying jobs

	stopped  bool       // emergency stop gate; blocks dispatch, not enqueue
	gateWarn *log.Every // rate-limits the gated-dispatch warning, dispatchLoop only

	opts Options
	reg  *health.Registry
	exec Executor

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wake    chan struct{}
	sem     chan struct{}
	started atomic.Bool
}

// NewJobQueue creates a queue and recovers persisted jobs from the store.
// Jobs that were running when a previous process died re-enter queued.
func NewJobQueue(exec Executor, opts Options) (*JobQueue, error) {
	if exec == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 4
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff == nil {
		opts.Backoff = NewExponentialBackoff()
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Minute
	}
	if opts.Health == nil {
		opts.Health = health.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &JobQueue{
		jobs:     make(map[string]*Job),
		byFp:     make(map[string]string),
		cancels:  make(map[string]context.CancelFunc),
		timers:   make(map[string]*time.Timer),
		opts:     opts,
		reg:      opts.Health,
		exec:     exec,
		gateWarn: log.NewEvery(30 * time.Second),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		sem:      make(chan struct{}, opts.WorkerCount),
	}

	if opts.Store != nil {
		if err := q.recover(opts.Store); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to recover queue state: %w", err)
		}
	}

	return q, nil
}

// recover loads persisted jobs. Cold start (empty store) is not an error.
func (q *JobQueue) recover(store Store) error {
	jobs, err := store.LoadJobs()
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if job.Status == StatusRunning {
			// The previous process died mid-attempt.
			job.Status = StatusQueued
			job.StartedAt = nil
		}
		if job.Status == StatusRetrying {
			job.Status = StatusQueued
		}
		q.jobs[job.ID] = job
		if !job.Status.Terminal() {
			q.byFp[job.Fingerprint] = job.ID
		}
		switch job.Status {
		case StatusQueued:
			q.push(job)
		case StatusDeadLetter:
			q.reg.DeadLettered()
		}
	}

	if len(jobs) > 0 {
		log.InfoLog.Printf("recovered %d jobs from store", len(jobs))
	}
	return nil
}

// Start launches the dispatch loop and retention janitor.
func (q *JobQueue) Start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	q.wg.Add(1)
	go q.dispatchLoop()
	if q.opts.Retention > 0 {
		q.wg.Add(1)
		go q.janitor()
	}
	q.signalWake()
}

// Stop shuts the queue down, cancelling in-flight attempts. It waits for
// workers to observe cancellation or for ctx to expire.
func (q *JobQueue) Stop(ctx context.Context) error {
	q.cancel()

	q.mu.Lock()
	for _, t := range q.timers {
		t.Stop()
	}
	for _, cancelJob := range q.cancels {
		cancelJob()
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown cancelled: %w", ctx.Err())
	}
}

// Enqueue validates the request, suppresses duplicates and admits a new job.
// When a non-terminal job with the same fingerprint exists, that job is
// returned unchanged and nothing else happens.
func (q *JobQueue) Enqueue(req *Request) (Job, error) {
	if req == nil {
		return Job{}, fmt.Errorf("request cannot be nil")
	}
	if err := req.Validate(); err != nil {
		return Job{}, err
	}

	fp := Fingerprint(req.SessionID, req.Prompt, req.Mode, req.IdempotencyKey)

	q.mu.Lock()
	if id, ok := q.byFp[fp]; ok {
		existing := *q.jobs[id]
		q.mu.Unlock()
		log.DebugLog.Printf("enqueue suppressed duplicate of job %s", existing.ID)
		return existing, nil
	}

	job := newJob(req, q.opts.MaxRetries)
	q.jobs[job.ID] = job
	q.byFp[job.Fingerprint] = job.ID
	q.push(job)
	snapshot := *job
	q.mu.Unlock()

	q.persist(&snapshot)
	q.signalWake()
	log.InfoLog.Printf("enqueued job %s (session=%s priority=%d)", job.ID, job.SessionID, job.Priority)
	return snapshot, nil
}

// FindDuplicate returns the in-flight job matching the fingerprint of the
// given submission, if any. It uses the same fingerprint function as Enqueue.
func (q *JobQueue) FindDuplicate(sessionID, prompt string, mode Mode, idempotencyKey string) (Job, bool) {
	fp := Fingerprint(sessionID, prompt, mode, idempotencyKey)

	q.mu.Lock()
	defer q.mu.Unlock()
	if id, ok := q.byFp[fp]; ok {
		return *q.jobs[id], true
	}
	return Job{}, false
}

// GetJob returns a snapshot of a job.
func (q *JobQueue) GetJob(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// GetAllJobs returns snapshots of every tracked job.
func (q *JobQueue) GetAllJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, *job)
	}
	return out
}

// CancelJob cancels a job from queued, retrying, paused or running. It
// returns false when the job does not exist or is already terminal.
func (q *JobQueue) CancelJob(id string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.Terminal() {
		q.mu.Unlock()
		return false
	}

	q.abandonPending(job)
	if cancelJob, running := q.cancels[id]; running {
		cancelJob()
	}
	q.finalize(job, StatusCancelled)
	snapshot := *job
	q.mu.Unlock()

	q.persist(&snapshot)
	log.InfoLog.Printf("cancelled job %s", id)
	return true
}

// PauseJob pauses a job. Legal from queued, retrying and running; a paused
// running job has its in-flight attempt aborted without consuming the retry
// budget. Returns false for any other state.
func (q *JobQueue) PauseJob(id, reason string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return false
	}

	switch job.Status {
	case StatusQueued, StatusRetrying:
		q.abandonPending(job)
	case StatusRunning:
		if cancelJob, running := q.cancels[id]; running {
			cancelJob()
		}
		job.StartedAt = nil
	default:
		q.mu.Unlock()
		return false
	}

	job.Status = StatusPaused
	job.PauseReason = reason
	snapshot := *job
	q.mu.Unlock()

	q.persist(&snapshot)
	log.InfoLog.Printf("paused job %s: %s", id, reason)
	return true
}

// ResumeJob returns a paused job to queued with attempts unchanged.
func (q *JobQueue) ResumeJob(id string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusPaused {
		q.mu.Unlock()
		return false
	}

	job.Status = StatusQueued
	job.PauseReason = ""
	q.push(job)
	snapshot := *job
	q.mu.Unlock()

	q.persist(&snapshot)
	q.signalWake()
	log.InfoLog.Printf("resumed job %s", id)
	return true
}

// EmergencyStop cancels every non-terminal job, aborts in-flight attempts and
// closes the dispatch gate until Resume is called. Idempotent: calling it
// with nothing running still returns a valid summary.
func (q *JobQueue) EmergencyStop(reason string) StopSummary {
	q.mu.Lock()
	q.stopped = true

	var snapshots []Job
	for _, job := range q.jobs {
		if job.Status.Terminal() {
			continue
		}
		q.abandonPending(job)
		if cancelJob, running := q.cancels[job.ID]; running {
			cancelJob()
		}
		q.finalize(job, StatusCancelled)
		job.Error = reason
		snapshots = append(snapshots, *job)
	}
	affected := len(snapshots)
	q.ready = q.ready[:0]
	q.lag = q.lag[:0]
	q.mu.Unlock()

	for i := range snapshots {
		q.persist(&snapshots[i])
	}

	log.WarningLog.Printf("emergency stop (%s): cancelled %d jobs", reason, affected)
	return StopSummary{Affected: affected, Reason: reason, StoppedAt: time.Now()}
}

// Resume reopens dispatch after an emergency stop.
func (q *JobQueue) Resume() {
	q.mu.Lock()
	q.stopped = false
	q.mu.Unlock()
	q.signalWake()
	log.InfoLog.Printf("dispatch resumed")
}

// Stopped reports whether the emergency-stop gate is closed.
func (q *JobQueue) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// Metrics returns a snapshot of the queue health metrics. Lag is read from
// the head of the sequence-ordered heap, so the cost stays independent of
// the number of tracked jobs.
func (q *JobQueue) Metrics() health.Snapshot {
	snap := q.reg.Snapshot()

	q.mu.Lock()
	q.shedStaleLag()
	if q.lag.Len() > 0 {
		snap.LagMs = time.Since(q.lag[0].enqueuedAt).Milliseconds()
	}
	q.mu.Unlock()

	return snap
}

// Stats returns status and priority counts for operator inspection.
func (q *JobQueue) Stats() map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	statusCounts := make(map[string]int)
	priorityCounts := make(map[int]int)
	for _, job := range q.jobs {
		statusCounts[job.Status.String()]++
		priorityCounts[job.Priority]++
	}

	return map[string]interface{}{
		"total_jobs":      len(q.jobs),
		"status_counts":   statusCounts,
		"priority_counts": priorityCounts,
		"worker_count":    q.opts.WorkerCount,
		"stopped":         q.stopped,
	}
}

// ListDeadLetter returns snapshots of all dead-lettered jobs.
func (q *JobQueue) ListDeadLetter() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	for _, job := range q.jobs {
		if job.Status == StatusDeadLetter {
			out = append(out, *job)
		}
	}
	return out
}

// RetryDeadLetter returns a dead-lettered job to queued with a fresh retry
// budget. Returns false when the job is not dead-lettered.
func (q *JobQueue) RetryDeadLetter(id string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusDeadLetter {
		q.mu.Unlock()
		return false
	}

	job.Status = StatusQueued
	job.Attempts = 0
	job.Error = ""
	job.StartedAt = nil
	job.CompletedAt = nil
	q.byFp[job.Fingerprint] = job.ID
	q.reg.DeadLetterRemoved()
	q.push(job)
	snapshot := *job
	q.mu.Unlock()

	q.persist(&snapshot)
	q.signalWake()
	log.InfoLog.Printf("dead-lettered job %s requeued", id)
	return true
}

// PurgeDeadLetter evicts all dead-lettered jobs and returns the count.
func (q *JobQueue) PurgeDeadLetter() int {
	q.mu.Lock()
	var purged []string
	for id, job := range q.jobs {
		if job.Status == StatusDeadLetter {
			delete(q.jobs, id)
			q.reg.DeadLetterRemoved()
			purged = append(purged, id)
		}
	}
	q.mu.Unlock()

	if q.opts.Store != nil {
		for _, id := range purged {
			if err := q.opts.Store.DeleteJob(id); err != nil {
				log.WarningLog.Printf("failed to delete purged job %s: %v", id, err)
			}
		}
	}
	return len(purged)
}

// push inserts a job into the priority structure. Caller holds the mutex and
// has already set the job's status to queued.
func (q *JobQueue) push(job *Job) {
	q.shedStaleLag()
	q.seq++
	job.seq = q.seq
	item := &readyItem{id: job.ID, priority: job.Priority, seq: job.seq, enqueuedAt: time.Now()}
	heap.Push(&q.ready, item)
	heap.Push(&q.lag, item)
	q.reg.IncDepth(job.Priority)
}

// shedStaleLag pops lag entries whose job has since been dispatched, requeued
// under a new seq, or evicted, so the heap never grows past the live queue
// even when nobody polls Metrics. Caller holds the mutex.
func (q *JobQueue) shedStaleLag() {
	for q.lag.Len() > 0 {
		head := q.lag[0]
		job, ok := q.jobs[head.id]
		if ok && job.Status == StatusQueued && job.seq == head.seq {
			return
		}
		heap.Pop(&q.lag)
	}
}

// abandonPending removes a job's pending dispatch artifacts: its queue depth
// if queued, its retry timer if retrying. Caller holds the mutex. Heap
// entries are left behind and skipped lazily by seq mismatch.
func (q *JobQueue) abandonPending(job *Job) {
	if job.Status == StatusQueued {
		q.reg.DecDepth(job.Priority)
		job.seq = 0
	}
	if t, ok := q.timers[job.ID]; ok {
		t.Stop()
		delete(q.timers, job.ID)
	}
}

// finalize moves a job into a terminal state and releases its fingerprint.
// Caller holds the mutex.
func (q *JobQueue) finalize(job *Job, status Status) {
	job.Status = status
	now := time.Now()
	job.CompletedAt = &now
	delete(q.byFp, job.Fingerprint)
	delete(q.timers, job.ID)
}

func (q *JobQueue) persist(job *Job) {
	if q.opts.Store == nil {
		return
	}
	if err := q.opts.Store.SaveJob(job); err != nil {
		log.WarningLog.Printf("failed to persist job %s: %v", job.ID, err)
	}
}

func (q *JobQueue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop pops the highest-priority queued job whenever a worker slot is
// free. Backoff delays never run here; retries re-enter through timers.
func (q *JobQueue) dispatchLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}

		for {
			select {
			case q.sem <- struct{}{}:
			case <-q.ctx.Done():
				return
			}

			job, jobCtx, ok := q.takeNext()
			if !ok {
				<-q.sem
				if q.Stopped() && q.gateWarn.ShouldLog() {
					log.WarningLog.Printf("dispatch held by emergency stop")
				}
				break
			}

			q.wg.Add(1)
			go q.runJob(job, jobCtx)
		}
	}
}

// takeNext pops the next live entry and transitions its job to running.
func (q *JobQueue) takeNext() (Job, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return Job{}, nil, false
	}

	q.shedStaleLag()

	for q.ready.Len() > 0 {
		item := heap.Pop(&q.ready).(*readyItem)
		job, ok := q.jobs[item.id]
		if !ok || job.Status != StatusQueued || job.seq != item.seq {
			continue // stale entry, removed lazily
		}

		job.Status = StatusRunning
		now := time.Now()
		job.StartedAt = &now
		job.seq = 0
		job.epoch++
		q.reg.DecDepth(job.Priority)

		jobCtx, cancel := context.WithCancel(q.ctx)
		q.cancels[job.ID] = cancel

		return *job, jobCtx, true
	}

	return Job{}, nil, false
}

// runJob executes one dispatch attempt on a worker slot. The attempt timeout
// bounds the whole executor invocation, provider failovers included.
func (q *JobQueue) runJob(job Job, jobCtx context.Context) {
	defer q.wg.Done()
	defer func() {
		<-q.sem
		q.signalWake()
	}()

	q.reg.WorkerStarted()
	defer q.reg.WorkerFinished()

	attemptCtx, cancel := context.WithTimeout(jobCtx, q.opts.AttemptTimeout)
	defer cancel()

	log.InfoLog.Printf("dispatching job %s (attempt %d/%d)", job.ID, job.Attempts+1, job.MaxRetries+1)
	result, err := q.exec.Execute(attemptCtx, job)
	q.handleResult(job.ID, job.epoch, result, err)
}

// handleResult applies the outcome of one dispatch attempt. Outcomes are
// matched by epoch, not just by running status: a paused job's attempt may
// unwind slowly and return only after the job has been resumed and
// redispatched, and that stale outcome must neither consume retry budget nor
// cancel the live attempt.
func (q *JobQueue) handleResult(id string, epoch uint64, result string, err error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.epoch != epoch {
		q.mu.Unlock()
		return
	}

	cancel, hadCancel := q.cancels[id]
	delete(q.cancels, id)
	if hadCancel {
		defer cancel()
	}

	// Cancel, pause or emergency stop won the race; the attempt outcome is
	// discarded.
	if job.Status != StatusRunning {
		q.mu.Unlock()
		return
	}

	if err == nil {
		q.finalize(job, StatusCompleted)
		job.Result = result
		job.Error = ""
		q.reg.JobCompleted()
		snapshot := *job
		q.mu.Unlock()
		q.persist(&snapshot)
		log.InfoLog.Printf("job %s completed", id)
		return
	}

	job.Error = err.Error()

	if job.Attempts < job.MaxRetries {
		job.Attempts++
		job.Status = StatusRetrying
		delay := q.opts.Backoff.NextDelay(job.Attempts - 1)
		q.reg.RetryScheduled()
		q.scheduleRequeue(job, delay)
		snapshot := *job
		q.mu.Unlock()
		q.persist(&snapshot)
		log.InfoLog.Printf("job %s failed, retry %d/%d in %v: %v", id, job.Attempts, job.MaxRetries, delay, err)
		return
	}

	q.finalize(job, StatusDeadLetter)
	q.reg.DeadLettered()
	q.reg.JobFailed()
	snapshot := *job
	q.mu.Unlock()
	q.persist(&snapshot)
	log.ErrorLog.Printf("job %s dead-lettered after %d attempts: %v", id, job.Attempts+1, err)
}

// scheduleRequeue re-admits a retrying job after the backoff delay without
// blocking the dispatch loop. Caller holds the mutex.
func (q *JobQueue) scheduleRequeue(job *Job, delay time.Duration) {
	id := job.ID
	q.timers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, id)
		j, ok := q.jobs[id]
		if !ok || j.Status != StatusRetrying {
			q.mu.Unlock()
			return
		}
		j.Status = StatusQueued
		j.StartedAt = nil
		q.push(j)
		snapshot := *j
		q.mu.Unlock()

		q.persist(&snapshot)
		q.signalWake()
	})
}

// janitor evicts terminal jobs past the retention window. Dead-lettered jobs
// are kept until purged explicitly; there is no silent job loss.
func (q *JobQueue) janitor() {
	defer q.wg.Done()

	interval := q.opts.Retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-q.opts.Retention)
			q.mu.Lock()
			for id, job := range q.jobs {
				if job.Status == StatusDeadLetter || !job.Status.Terminal() {
					continue
				}
				if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
					delete(q.jobs, id)
				}
			}
			q.mu.Unlock()
		}
	}
}
