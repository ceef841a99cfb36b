// Package scheduler maintains recurring task definitions and materializes
// jobs into the queue on a fixed tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"swarmq/log"
	"swarmq/queue"
)

// Task is a recurring job template.
type Task struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Trigger   string     `json:"trigger"`
	Prompt    string     `json:"prompt"`
	Mode      queue.Mode `json:"mode"`
	Priority  int        `json:"priority"`
	Enabled   bool       `json:"enabled"`
	NextRunAt time.Time  `json:"next_run_at"`
	CreatedAt time.Time  `json:"created_at"`

	trigger Trigger
}

// Enqueuer is the queue capability the scheduler consumes. The scheduler
// never mutates jobs directly.
type Enqueuer interface {
	Enqueue(req *queue.Request) (queue.Job, error)
}

// Store persists task definitions. May be nil.
type Store interface {
	LoadTasks() ([]*Task, error)
	SaveTask(task *Task) error
	DeleteTask(id string) error
}

// Scheduler runs a periodic tick over the task set. Task CRUD takes effect on
// the next tick; an in-flight materialization is never retracted.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*Task

	q     Enqueuer
	store Store
	tick  time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	now func() time.Time
}

// New creates a scheduler and loads persisted tasks from the store.
func New(q Enqueuer, store Store, tick time.Duration) (*Scheduler, error) {
	if q == nil {
		return nil, fmt.Errorf("enqueuer cannot be nil")
	}
	if tick <= 0 {
		tick = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		tasks:  make(map[string]*Task),
		q:      q,
		store:  store,
		tick:   tick,
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}

	if store != nil {
		tasks, err := store.LoadTasks()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load scheduled tasks: %w", err)
		}
		for _, task := range tasks {
			trigger, err := ParseTrigger(task.Trigger)
			if err != nil {
				log.WarningLog.Printf("skipping persisted task %s with bad trigger: %v", task.ID, err)
				continue
			}
			task.trigger = trigger
			if task.NextRunAt.IsZero() {
				task.NextRunAt = trigger.Next(s.now())
			}
			s.tasks[task.ID] = task
		}
		if len(s.tasks) > 0 {
			log.InfoLog.Printf("loaded %d scheduled tasks", len(s.tasks))
		}
	}

	return s, nil
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.run()
}

// Stop halts the tick loop.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick materializes every enabled task that is due. One task's failure never
// blocks the rest of the tick, and tick errors are never surfaced to callers.
func (s *Scheduler) Tick() {
	now := s.now()

	s.mu.Lock()
	var due []*Task
	for _, task := range s.tasks {
		if task.Enabled && !task.NextRunAt.After(now) {
			due = append(due, task)
		}
	}
	q := s.q
	s.mu.Unlock()

	for _, task := range due {
		req := &queue.Request{
			SessionID: "task:" + task.ID,
			Prompt:    task.Prompt,
			Mode:      task.Mode,
			Priority:  task.Priority,
		}
		if _, err := q.Enqueue(req); err != nil {
			log.ErrorLog.Printf("task %s materialization failed: %v", task.ID, err)
		}

		s.mu.Lock()
		// Re-fetch: enqueue ran unlocked, and a concurrent UpdateTask or
		// RemoveTask may have swapped or dropped the task since the due
		// snapshot was taken. Mutating the old pointer would persist a
		// stale definition over the update.
		cur, ok := s.tasks[task.ID]
		if !ok {
			s.mu.Unlock()
			continue
		}
		// Advance relative to the scheduled fire time, not the tick wall
		// clock, so tick latency never accumulates drift. A long outage
		// fires once and catches up.
		next := cur.NextRunAt
		for !next.After(now) {
			next = cur.trigger.Next(next)
			if next.IsZero() {
				log.WarningLog.Printf("task %s trigger yields no future fire time; disabling", cur.ID)
				cur.Enabled = false
				break
			}
		}
		cur.NextRunAt = next
		snapshot := *cur
		s.mu.Unlock()

		s.persist(&snapshot)
	}
}

// AddTask registers a new task. The trigger is validated here; the first fire
// is computed from now.
func (s *Scheduler) AddTask(task Task) (Task, error) {
	if task.Name == "" {
		return Task{}, fmt.Errorf("task name cannot be empty")
	}
	trigger, err := ParseTrigger(task.Trigger)
	if err != nil {
		return Task{}, err
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.trigger = trigger
	task.CreatedAt = s.now()
	task.NextRunAt = trigger.Next(task.CreatedAt)

	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = &task
	snapshot := task
	s.mu.Unlock()

	s.persist(&snapshot)
	log.InfoLog.Printf("added scheduled task %s (%s)", task.ID, task.Name)
	return snapshot, nil
}

// UpdateTask replaces an existing task's definition. A changed trigger
// recomputes the next fire time from now.
func (s *Scheduler) UpdateTask(task Task) (Task, error) {
	trigger, err := ParseTrigger(task.Trigger)
	if err != nil {
		return Task{}, err
	}

	s.mu.Lock()
	existing, ok := s.tasks[task.ID]
	if !ok {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("task %s not found", task.ID)
	}

	task.CreatedAt = existing.CreatedAt
	task.trigger = trigger
	if task.Trigger != existing.Trigger {
		task.NextRunAt = trigger.Next(s.now())
	} else {
		task.NextRunAt = existing.NextRunAt
	}
	s.tasks[task.ID] = &task
	snapshot := task
	s.mu.Unlock()

	s.persist(&snapshot)
	return snapshot, nil
}

// RemoveTask deletes a task. History (already-enqueued jobs) is untouched.
func (s *Scheduler) RemoveTask(id string) bool {
	s.mu.Lock()
	_, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	if ok && s.store != nil {
		if err := s.store.DeleteTask(id); err != nil {
			log.WarningLog.Printf("failed to delete task %s: %v", id, err)
		}
	}
	return ok
}

// EnableTask re-enables a task. The next fire time is recomputed so a long
// disabled period does not fire immediately for every missed interval.
func (s *Scheduler) EnableTask(id string) bool {
	return s.setEnabled(id, true)
}

// DisableTask stops further materialization without deleting the task.
func (s *Scheduler) DisableTask(id string) bool {
	return s.setEnabled(id, false)
}

func (s *Scheduler) setEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	task.Enabled = enabled
	if enabled {
		task.NextRunAt = task.trigger.Next(s.now())
	}
	snapshot := *task
	s.mu.Unlock()

	s.persist(&snapshot)
	return true
}

// GetTasks returns snapshots of all tasks.
func (s *Scheduler) GetTasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}
	return out
}

// GetTask returns a snapshot of one task.
func (s *Scheduler) GetTask(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

func (s *Scheduler) persist(task *Task) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveTask(task); err != nil {
		log.WarningLog.Printf("failed to persist task %s: %v", task.ID, err)
	}
}
