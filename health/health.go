// Package health accumulates queue health counters. It is a pure data
// aggregator: the queue writes, any caller reads, and reads never block
// writers.
package health

import (
	"sync"
	"sync/atomic"
)

// Snapshot is a point-in-time copy of the queue health metrics.
type Snapshot struct {
	QueueDepthByPriority map[int]int `json:"queue_depth_by_priority"`
	RetriesScheduled     uint64      `json:"retries_scheduled"`
	DLQSize              int64       `json:"dlq_size"`
	LagMs                int64       `json:"lag_ms"`
	JobsCompleted        uint64      `json:"jobs_completed"`
	JobsFailed           uint64      `json:"jobs_failed"`
	ActiveWorkers        int32       `json:"active_workers"`
}

// Registry tracks queue health. Depth is maintained incrementally per
// priority bucket so snapshots cost O(buckets), not O(jobs).
type Registry struct {
	mu    sync.RWMutex
	depth map[int]int

	retriesScheduled atomic.Uint64
	dlqSize          atomic.Int64
	jobsCompleted    atomic.Uint64
	jobsFailed       atomic.Uint64
	activeWorkers    atomic.Int32
}

// NewRegistry creates an empty health registry.
func NewRegistry() *Registry {
	return &Registry{depth: make(map[int]int)}
}

// IncDepth records a job entering the queued state at the given priority.
func (r *Registry) IncDepth(priority int) {
	r.mu.Lock()
	r.depth[priority]++
	r.mu.Unlock()
}

// DecDepth records a job leaving the queued state at the given priority.
func (r *Registry) DecDepth(priority int) {
	r.mu.Lock()
	if r.depth[priority] > 0 {
		r.depth[priority]--
	}
	if r.depth[priority] == 0 {
		delete(r.depth, priority)
	}
	r.mu.Unlock()
}

// RetryScheduled increments the monotonic retry counter.
func (r *Registry) RetryScheduled() {
	r.retriesScheduled.Add(1)
}

// DeadLettered records a job moving into the dead-letter set.
func (r *Registry) DeadLettered() {
	r.dlqSize.Add(1)
}

// DeadLetterRemoved records a dead-lettered job being requeued or purged.
func (r *Registry) DeadLetterRemoved() {
	r.dlqSize.Add(-1)
}

// JobCompleted increments the completion counter.
func (r *Registry) JobCompleted() {
	r.jobsCompleted.Add(1)
}

// JobFailed increments the terminal-failure counter.
func (r *Registry) JobFailed() {
	r.jobsFailed.Add(1)
}

// WorkerStarted and WorkerFinished track worker slot occupancy.
func (r *Registry) WorkerStarted()  { r.activeWorkers.Add(1) }
func (r *Registry) WorkerFinished() { r.activeWorkers.Add(-1) }

// DLQSize returns the current dead-letter count.
func (r *Registry) DLQSize() int64 {
	return r.dlqSize.Load()
}

// RetriesScheduled returns the monotonic retry counter.
func (r *Registry) RetriesScheduled() uint64 {
	return r.retriesScheduled.Load()
}

// Snapshot returns a copy of all counters. LagMs is zero here; the queue
// fills it from its priority structure, which knows the oldest queued job.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	depth := make(map[int]int, len(r.depth))
	for p, n := range r.depth {
		depth[p] = n
	}
	r.mu.RUnlock()

	return Snapshot{
		QueueDepthByPriority: depth,
		RetriesScheduled:     r.retriesScheduled.Load(),
		DLQSize:              r.dlqSize.Load(),
		JobsCompleted:        r.jobsCompleted.Load(),
		JobsFailed:           r.jobsFailed.Load(),
		ActiveWorkers:        r.activeWorkers.Load(),
	}
}
