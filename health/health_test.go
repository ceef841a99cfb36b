package health

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDepthTracking(t *testing.T) {
	r := NewRegistry()

	r.IncDepth(5)
	r.IncDepth(5)
	r.IncDepth(9)

	snap := r.Snapshot()
	assert.Equal(t, 2, snap.QueueDepthByPriority[5])
	assert.Equal(t, 1, snap.QueueDepthByPriority[9])

	r.DecDepth(5)
	r.DecDepth(9)

	snap = r.Snapshot()
	assert.Equal(t, 1, snap.QueueDepthByPriority[5])
	_, present := snap.QueueDepthByPriority[9]
	assert.False(t, present, "empty buckets are dropped")

	// Underflow is clamped, never negative.
	r.DecDepth(9)
	r.DecDepth(9)
	assert.NotContains(t, r.Snapshot().QueueDepthByPriority, 9)
}

func TestCounters(t *testing.T) {
	r := NewRegistry()

	r.RetryScheduled()
	r.RetryScheduled()
	r.DeadLettered()
	r.JobCompleted()
	r.JobFailed()
	r.WorkerStarted()

	snap := r.Snapshot()
	assert.Equal(t, uint64(2), snap.RetriesScheduled)
	assert.Equal(t, int64(1), snap.DLQSize)
	assert.Equal(t, uint64(1), snap.JobsCompleted)
	assert.Equal(t, uint64(1), snap.JobsFailed)
	assert.Equal(t, int32(1), snap.ActiveWorkers)

	r.DeadLetterRemoved()
	r.WorkerFinished()
	assert.Equal(t, int64(0), r.DLQSize())
	assert.Equal(t, int32(0), r.Snapshot().ActiveWorkers)

	// The retry counter is monotonic; nothing decrements it.
	assert.Equal(t, uint64(2), r.RetriesScheduled())
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.IncDepth(3)

	snap := r.Snapshot()
	snap.QueueDepthByPriority[3] = 99

	assert.Equal(t, 1, r.Snapshot().QueueDepthByPriority[3])
}

func TestConcurrentWrites(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.IncDepth(j % 4)
				r.RetryScheduled()
				r.Snapshot()
				r.DecDepth(j % 4)
			}
		}()
	}
	wg.Wait()

	snap := r.Snapshot()
	assert.Equal(t, uint64(800), snap.RetriesScheduled)
	assert.Empty(t, snap.QueueDepthByPriority)
}
