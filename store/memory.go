// Package store provides implementations of the persistence collaborators
// consumed by the queue and scheduler: an in-memory store for tests and
// ephemeral runs, and a sqlite store for durable snapshotting.
package store

import (
	"sync"

	"swarmq/queue"
	"swarmq/scheduler"
)

// Memory is a map-backed store. Useful for tests and store.path="" runs.
type Memory struct {
	mu    sync.RWMutex
	jobs  map[string]queue.Job
	tasks map[string]scheduler.Task
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[string]queue.Job),
		tasks: make(map[string]scheduler.Task),
	}
}

func (m *Memory) LoadJobs() ([]*queue.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*queue.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		j := job
		out = append(out, &j)
	}
	return out, nil
}

func (m *Memory) SaveJob(job *queue.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *Memory) DeleteJob(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *Memory) LoadTasks() ([]*scheduler.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*scheduler.Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		t := task
		out = append(out, &t)
	}
	return out, nil
}

func (m *Memory) SaveTask(task *scheduler.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = *task
	return nil
}

func (m *Memory) DeleteTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}
