package scheduler

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmq/log"
	"swarmq/queue"
)

// TestMain initializes the test environment
func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()

	code := m.Run()

	os.Exit(code)
}

// fakeEnqueuer records materialized requests and can fail selected sessions.
type fakeEnqueuer struct {
	mu      sync.Mutex
	reqs    []*queue.Request
	failFor map[string]bool
}

func (f *fakeEnqueuer) Enqueue(req *queue.Request) (queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[req.SessionID] {
		return queue.Job{}, fmt.Errorf("queue rejected %s", req.SessionID)
	}
	f.reqs = append(f.reqs, req)
	return queue.Job{ID: "job-" + req.SessionID, SessionID: req.SessionID}, nil
}

func (f *fakeEnqueuer) sessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.reqs))
	for i, r := range f.reqs {
		out[i] = r.SessionID
	}
	return out
}

// fakeTaskStore is an in-memory Store stub.
type fakeTaskStore struct {
	mu     sync.Mutex
	seeded []*Task
	saved  map[string]Task
}

func newFakeTaskStore(seed ...*Task) *fakeTaskStore {
	return &fakeTaskStore{seeded: seed, saved: make(map[string]Task)}
}

func (s *fakeTaskStore) LoadTasks() ([]*Task, error) { return s.seeded, nil }

func (s *fakeTaskStore) SaveTask(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[task.ID] = *task
	return nil
}

func (s *fakeTaskStore) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, id)
	return nil
}

var testBase = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, q Enqueuer) (*Scheduler, *time.Time) {
	t.Helper()
	s, err := New(q, nil, time.Minute)
	require.NoError(t, err)

	cur := testBase
	s.now = func() time.Time { return cur }
	return s, &cur
}

func addEnabledTask(t *testing.T, s *Scheduler, name, trigger string) Task {
	t.Helper()
	task, err := s.AddTask(Task{
		Name:    name,
		Trigger: trigger,
		Prompt:  "run " + name,
		Mode:    queue.ModeChat,
		Enabled: true,
	})
	require.NoError(t, err)
	return task
}

func TestAddTaskValidation(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeEnqueuer{})

	_, err := s.AddTask(Task{Trigger: "@every 5m"})
	assert.Error(t, err, "missing name")

	_, err = s.AddTask(Task{Name: "x", Trigger: "not a trigger"})
	assert.Error(t, err, "bad trigger")

	task := addEnabledTask(t, s, "report", "@every 5m")
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, testBase.Add(5*time.Minute), task.NextRunAt)

	_, err = s.AddTask(Task{ID: task.ID, Name: "dup", Trigger: "@every 5m"})
	assert.Error(t, err, "duplicate id")
}

func TestTickMaterializesDueTasks(t *testing.T) {
	q := &fakeEnqueuer{}
	s, cur := newTestScheduler(t, q)

	task := addEnabledTask(t, s, "report", "@every 5m")

	// Not yet due.
	s.Tick()
	assert.Empty(t, q.sessions())

	*cur = testBase.Add(6 * time.Minute)
	s.Tick()

	sessions := q.sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "task:"+task.ID, sessions[0])

	got, _ := s.GetTask(task.ID)
	// Advanced from the scheduled fire time, not the tick wall clock.
	assert.Equal(t, testBase.Add(10*time.Minute), got.NextRunAt)
}

func TestTickCatchUpFiresOnce(t *testing.T) {
	q := &fakeEnqueuer{}
	s, cur := newTestScheduler(t, q)

	task := addEnabledTask(t, s, "report", "@every 5m")

	// A long outage: many intervals missed.
	*cur = testBase.Add(26 * time.Minute)
	s.Tick()

	assert.Len(t, q.sessions(), 1, "missed intervals collapse into one fire")
	got, _ := s.GetTask(task.ID)
	assert.Equal(t, testBase.Add(30*time.Minute), got.NextRunAt)
}

func TestTickFailureIsolation(t *testing.T) {
	q := &fakeEnqueuer{failFor: make(map[string]bool)}
	s, cur := newTestScheduler(t, q)

	bad := addEnabledTask(t, s, "bad", "@every 5m")
	good := addEnabledTask(t, s, "good", "@every 5m")
	q.failFor["task:"+bad.ID] = true

	*cur = testBase.Add(6 * time.Minute)
	s.Tick()

	sessions := q.sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "task:"+good.ID, sessions[0])

	// The failed task still advances; it will be retried next interval.
	gotBad, _ := s.GetTask(bad.ID)
	assert.Equal(t, testBase.Add(10*time.Minute), gotBad.NextRunAt)
}

func TestDisabledTaskNeverFires(t *testing.T) {
	q := &fakeEnqueuer{}
	s, cur := newTestScheduler(t, q)

	task := addEnabledTask(t, s, "report", "@every 5m")
	require.True(t, s.DisableTask(task.ID))

	*cur = testBase.Add(30 * time.Minute)
	s.Tick()
	assert.Empty(t, q.sessions())

	// Re-enabling schedules from now, not from the missed backlog.
	require.True(t, s.EnableTask(task.ID))
	got, _ := s.GetTask(task.ID)
	assert.Equal(t, cur.Add(5*time.Minute), got.NextRunAt)
}

func TestUpdateTask(t *testing.T) {
	s, cur := newTestScheduler(t, &fakeEnqueuer{})
	task := addEnabledTask(t, s, "report", "@every 5m")

	*cur = testBase.Add(time.Minute)

	// Same trigger keeps the scheduled fire time.
	task.Prompt = "updated prompt"
	updated, err := s.UpdateTask(task)
	require.NoError(t, err)
	assert.Equal(t, testBase.Add(5*time.Minute), updated.NextRunAt)
	assert.Equal(t, "updated prompt", updated.Prompt)

	// Changed trigger recomputes from now.
	updated.Trigger = "@every 10m"
	updated, err = s.UpdateTask(updated)
	require.NoError(t, err)
	assert.Equal(t, cur.Add(10*time.Minute), updated.NextRunAt)

	_, err = s.UpdateTask(Task{ID: "no-such-task", Name: "x", Trigger: "@every 5m"})
	assert.Error(t, err)
}

// hookEnqueuer runs a callback before recording, letting tests interleave
// task CRUD with an in-flight materialization.
type hookEnqueuer struct {
	fakeEnqueuer
	hook func()
}

func (h *hookEnqueuer) Enqueue(req *queue.Request) (queue.Job, error) {
	if h.hook != nil {
		h.hook()
	}
	return h.fakeEnqueuer.Enqueue(req)
}

func TestTickSurvivesConcurrentUpdate(t *testing.T) {
	q := &hookEnqueuer{}
	s, cur := newTestScheduler(t, q)
	store := newFakeTaskStore()
	s.store = store

	task := addEnabledTask(t, s, "report", "@every 5m")

	// The update lands while the tick is enqueueing, after the due snapshot
	// was taken.
	q.hook = func() {
		upd := task
		upd.Prompt = "updated prompt"
		upd.Trigger = "@every 30m"
		_, err := s.UpdateTask(upd)
		require.NoError(t, err)
	}

	*cur = testBase.Add(6 * time.Minute)
	s.Tick()

	got, ok := s.GetTask(task.ID)
	require.True(t, ok)
	assert.Equal(t, "updated prompt", got.Prompt)
	assert.Equal(t, "@every 30m", got.Trigger)
	// The replaced trigger's fire time stands; the tick must not wind it
	// back using the old definition.
	assert.Equal(t, cur.Add(30*time.Minute), got.NextRunAt)

	store.mu.Lock()
	saved := store.saved[task.ID]
	store.mu.Unlock()
	assert.Equal(t, "updated prompt", saved.Prompt)
	assert.Equal(t, "@every 30m", saved.Trigger)
}

func TestRemoveTask(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeEnqueuer{})
	task := addEnabledTask(t, s, "report", "@every 5m")

	assert.True(t, s.RemoveTask(task.ID))
	assert.False(t, s.RemoveTask(task.ID))
	_, ok := s.GetTask(task.ID)
	assert.False(t, ok)
}

func TestLoadPersistedTasks(t *testing.T) {
	good := &Task{
		ID:      "t1",
		Name:    "good",
		Trigger: "@every 5m",
		Prompt:  "p",
		Mode:    queue.ModeChat,
		Enabled: true,
	}
	bad := &Task{
		ID:      "t2",
		Name:    "bad",
		Trigger: "not a trigger",
	}

	s, err := New(&fakeEnqueuer{}, newFakeTaskStore(good, bad), time.Minute)
	require.NoError(t, err)

	tasks := s.GetTasks()
	require.Len(t, tasks, 1, "unparseable persisted tasks are skipped")
	assert.Equal(t, "t1", tasks[0].ID)
	assert.False(t, tasks[0].NextRunAt.IsZero(), "loaded tasks get a next fire time")
}
