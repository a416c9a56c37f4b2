package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andi/mediabatch/backend/database"
	"github.com/andi/mediabatch/backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAdapter blocks each execution on a per-task gate so tests control
// exactly when and how a task finishes
type stubAdapter struct {
	mu      sync.Mutex
	started chan uint
	gates   map[uint]chan error
	reqs    map[uint]ExecuteRequest
	outputs []models.TaskOutput
}

func newStubAdapter() *stubAdapter {
	return &stubAdapter{
		started: make(chan uint, 16),
		gates:   make(map[uint]chan error),
		reqs:    make(map[uint]ExecuteRequest),
	}
}

func (a *stubAdapter) execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	gate := make(chan error, 1)
	a.mu.Lock()
	a.gates[req.Task.ID] = gate
	a.reqs[req.Task.ID] = req
	a.mu.Unlock()
	a.started <- req.Task.ID

	select {
	case err := <-gate:
		if err != nil {
			return nil, err
		}
		return &ExecuteResult{Outputs: a.outputs}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *stubAdapter) finish(t *testing.T, id uint, err error) {
	t.Helper()
	a.mu.Lock()
	gate, ok := a.gates[id]
	a.mu.Unlock()
	require.True(t, ok, "task %d never reached the adapter", id)
	gate <- err
}

func (a *stubAdapter) request(id uint) ExecuteRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reqs[id]
}

func (a *stubAdapter) waitStarted(t *testing.T) uint {
	t.Helper()
	select {
	case id := <-a.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a task to reach the adapter")
		return 0
	}
}

func (a *stubAdapter) assertNoneStarted(t *testing.T) {
	t.Helper()
	select {
	case id := <-a.started:
		t.Fatalf("task %d unexpectedly reached the adapter", id)
	case <-time.After(100 * time.Millisecond):
	}
}

// recordingNotifier captures lifecycle events for assertions
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) has(eventType EventType, taskID uint) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e.Type == eventType && e.TaskID == taskID {
			return true
		}
	}
	return false
}

func newSchedulerTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "sched_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func setMaxConcurrent(t *testing.T, db *database.DB, n int) {
	t.Helper()
	require.NoError(t, database.NewConfigRepo(db).Set(map[string]interface{}{
		database.ConfigKeyMaxConcurrentTasks: n,
	}))
}

func submitImageTask(t *testing.T, s *Scheduler, name string) *models.Task {
	t.Helper()
	task, err := s.Submit(SubmitRequest{
		Type:      models.TaskTypeImageTransform,
		Name:      name,
		OutputDir: "/tmp/out",
		Files:     []models.TaskFile{{Path: "/in/" + name + ".jpg"}},
	})
	require.NoError(t, err)
	return task
}

func waitStatus(t *testing.T, db *database.DB, id uint, want models.TaskStatus) *models.Task {
	t.Helper()
	repo := database.NewTaskRepo(db)
	var task *models.Task
	require.Eventuallyf(t, func() bool {
		got, err := repo.GetByID(id)
		if err != nil {
			return false
		}
		task = got
		return got.Status == want
	}, 2*time.Second, 10*time.Millisecond, "task %d never reached status %s", id, want)
	return task
}

func TestSubmitValidation(t *testing.T) {
	db := newSchedulerTestDB(t)
	adapter := newStubAdapter()
	s, err := New(db, adapter.execute, nil)
	require.NoError(t, err)

	cases := []struct {
		name  string
		req   SubmitRequest
		field string
	}{
		{"unknown type", SubmitRequest{Type: "transcode", OutputDir: "/tmp/out"}, "type"},
		{"composition without files", SubmitRequest{Type: models.TaskTypeVideoCompose, OutputDir: "/tmp/out"}, "files"},
		{"missing output dir", SubmitRequest{Type: models.TaskTypeImageTransform}, "output_dir"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Submit(tc.req)
			var valErr *models.ValidationError
			require.ErrorAs(t, err, &valErr)
			assert.Equal(t, tc.field, valErr.Field)
		})
	}

	adapter.assertNoneStarted(t)
}

func TestSubmitAutoStartRunsToCompletion(t *testing.T) {
	db := newSchedulerTestDB(t)
	adapter := newStubAdapter()
	adapter.outputs = []models.TaskOutput{{Path: "/out/result.png", MediaKind: "image", Size: 1024}}
	notifier := &recordingNotifier{}
	s, err := New(db, adapter.execute, notifier)
	require.NoError(t, err)

	task := submitImageTask(t, s, "auto")
	require.Equal(t, task.ID, adapter.waitStarted(t))

	adapter.finish(t, task.ID, nil)
	done := waitStatus(t, db, task.ID, models.TaskStatusCompleted)

	assert.Equal(t, 100, done.Progress)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	require.Len(t, done.Outputs, 1)
	assert.Equal(t, "/out/result.png", done.Outputs[0].Path)

	assert.True(t, notifier.has(EventCreated, task.ID))
	assert.True(t, notifier.has(EventStarted, task.ID))
	assert.True(t, notifier.has(EventCompleted, task.ID))
}

func TestFIFOAdmission(t *testing.T) {
	db := newSchedulerTestDB(t)
	setMaxConcurrent(t, db, 1)
	adapter := newStubAdapter()
	s, err := New(db, adapter.execute, nil)
	require.NoError(t, err)

	first := submitImageTask(t, s, "first")
	second := submitImageTask(t, s, "second")
	third := submitImageTask(t, s, "third")

	require.Equal(t, first.ID, adapter.waitStarted(t))
	waitStatus(t, db, second.ID, models.TaskStatusQueued)
	waitStatus(t, db, third.ID, models.TaskStatusQueued)
	adapter.assertNoneStarted(t)

	status := s.QueueStatus()
	assert.Equal(t, 1, status.Running)
	assert.Equal(t, 2, status.Queued)
	assert.Equal(t, 1, status.MaxConcurrent)

	// submission order is admission order
	adapter.finish(t, first.ID, nil)
	require.Equal(t, second.ID, adapter.waitStarted(t))
	adapter.finish(t, second.ID, nil)
	require.Equal(t, third.ID, adapter.waitStarted(t))
	adapter.finish(t, third.ID, nil)

	waitStatus(t, db, third.ID, models.TaskStatusCompleted)
	status = s.QueueStatus()
	assert.Zero(t, status.Running)
	assert.Zero(t, status.Queued)
}

func TestExecutionFailureAndRetry(t *testing.T) {
	db := newSchedulerTestDB(t)
	adapter := newStubAdapter()
	notifier := &recordingNotifier{}
	s, err := New(db, adapter.execute, notifier)
	require.NoError(t, err)

	task := submitImageTask(t, s, "flaky")
	require.Equal(t, task.ID, adapter.waitStarted(t))

	adapter.finish(t, task.ID, &models.ExecutionError{
		Code:    models.ExecutionErrorCode,
		Message: "encoder exploded",
		Stack:   "ffmpeg: exit 1",
	})
	failed := waitStatus(t, db, task.ID, models.TaskStatusFailed)
	assert.Equal(t, models.ExecutionErrorCode, failed.ErrorCode)
	assert.Equal(t, "encoder exploded", failed.ErrorMessage)
	assert.True(t, notifier.has(EventFailed, task.ID))

	require.NoError(t, s.Retry(task.ID))
	require.Equal(t, task.ID, adapter.waitStarted(t))
	adapter.finish(t, task.ID, nil)

	done := waitStatus(t, db, task.ID, models.TaskStatusCompleted)
	assert.Equal(t, 1, done.RetryCount)
	assert.Empty(t, done.ErrorCode, "success wipes the previous attempt's error")
	assert.Empty(t, done.ErrorMessage)
	assert.Empty(t, done.ErrorStack)

	// retrying a running task is rejected
	running := submitImageTask(t, s, "busy")
	require.Equal(t, running.ID, adapter.waitStarted(t))
	assert.Error(t, s.Retry(running.ID))
	adapter.finish(t, running.ID, nil)
	waitStatus(t, db, running.ID, models.TaskStatusCompleted)
}

func TestPlainErrorGetsDefaultCode(t *testing.T) {
	db := newSchedulerTestDB(t)
	adapter := newStubAdapter()
	s, err := New(db, adapter.execute, nil)
	require.NoError(t, err)

	task := submitImageTask(t, s, "plain")
	require.Equal(t, task.ID, adapter.waitStarted(t))
	adapter.finish(t, task.ID, errors.New("disk full"))

	failed := waitStatus(t, db, task.ID, models.TaskStatusFailed)
	assert.Equal(t, models.ExecutionErrorCode, failed.ErrorCode)
	assert.Equal(t, "disk full", failed.ErrorMessage)
}

func TestCancelQueued(t *testing.T) {
	db := newSchedulerTestDB(t)
	setMaxConcurrent(t, db, 1)
	adapter := newStubAdapter()
	s, err := New(db, adapter.execute, nil)
	require.NoError(t, err)

	running := submitImageTask(t, s, "running")
	queued := submitImageTask(t, s, "queued")
	require.Equal(t, running.ID, adapter.waitStarted(t))
	waitStatus(t, db, queued.ID, models.TaskStatusQueued)

	require.NoError(t, s.Cancel(queued.ID))
	waitStatus(t, db, queued.ID, models.TaskStatusCancelled)

	// a second cancel finds nothing to act on
	assert.Error(t, s.Cancel(queued.ID))

	adapter.finish(t, running.ID, nil)
	waitStatus(t, db, running.ID, models.TaskStatusCompleted)
	adapter.assertNoneStarted(t)
}

func TestCancelRunningDiscardsLateOutcome(t *testing.T) {
	db := newSchedulerTestDB(t)
	adapter := newStubAdapter()
	s, err := New(db, adapter.execute, nil)
	require.NoError(t, err)

	task := submitImageTask(t, s, "doomed")
	require.Equal(t, task.ID, adapter.waitStarted(t))
	req := adapter.request(task.ID)
	assert.True(t, req.Owned())

	require.NoError(t, s.Cancel(task.ID))
	waitStatus(t, db, task.ID, models.TaskStatusCancelled)
	assert.False(t, req.Owned(), "cancelled execution loses ownership")

	// the adapter goroutine unwinds via its context; its outcome must not
	// overwrite the terminal status
	time.Sleep(100 * time.Millisecond)
	cancelled := waitStatus(t, db, task.ID, models.TaskStatusCancelled)
	assert.Empty(t, cancelled.ErrorCode)
}

func TestStaleCallbacksDropped(t *testing.T) {
	db := newSchedulerTestDB(t)
	adapter := newStubAdapter()
	s, err := New(db, adapter.execute, nil)
	require.NoError(t, err)

	task := submitImageTask(t, s, "stale")
	require.Equal(t, task.ID, adapter.waitStarted(t))
	req := adapter.request(task.ID)

	req.OnProgress(42, "halfway")
	halfway := waitStatus(t, db, task.ID, models.TaskStatusRunning)
	assert.Equal(t, 42, halfway.Progress)

	adapter.finish(t, task.ID, nil)
	waitStatus(t, db, task.ID, models.TaskStatusCompleted)

	// late ticks from a finished execution find their record gone
	req.OnProgress(55, "ghost")
	req.OnLog(models.LogLevelInfo, "ghost line")

	done := waitStatus(t, db, task.ID, models.TaskStatusCompleted)
	assert.Equal(t, 100, done.Progress)
	count, err := database.NewLogRepo(db).Count(task.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPauseResumeExcludesPausedTime(t *testing.T) {
	db := newSchedulerTestDB(t)
	adapter := newStubAdapter()
	s, err := New(db, adapter.execute, nil)
	require.NoError(t, err)

	begin := time.Now()
	task := submitImageTask(t, s, "paced")
	require.Equal(t, task.ID, adapter.waitStarted(t))

	adapter.request(task.ID).OnPid(4242, time.Now())
	running := waitStatus(t, db, task.ID, models.TaskStatusRunning)
	require.NotNil(t, running.Pid)

	require.NoError(t, s.Pause(task.ID))
	paused := waitStatus(t, db, task.ID, models.TaskStatusPaused)
	assert.Nil(t, paused.Pid, "pid binding only holds while running")
	assert.Error(t, s.Pause(task.ID), "double pause is rejected")

	time.Sleep(300 * time.Millisecond)

	require.NoError(t, s.Resume(task.ID))
	waitStatus(t, db, task.ID, models.TaskStatusRunning)
	assert.Error(t, s.Resume(task.ID), "resume without pause is rejected")

	adapter.finish(t, task.ID, nil)
	done := waitStatus(t, db, task.ID, models.TaskStatusCompleted)

	wallMs := time.Since(begin).Milliseconds()
	assert.Less(t, done.ExecutionTimeMs, wallMs-200,
		"paused interval must not count as execution time")
}

func TestPauseRequiresRunning(t *testing.T) {
	db := newSchedulerTestDB(t)
	setMaxConcurrent(t, db, 1)
	adapter := newStubAdapter()
	s, err := New(db, adapter.execute, nil)
	require.NoError(t, err)

	running := submitImageTask(t, s, "running")
	queued := submitImageTask(t, s, "queued")
	require.Equal(t, running.ID, adapter.waitStarted(t))

	assert.Error(t, s.Pause(queued.ID))
	assert.Error(t, s.Resume(queued.ID))

	adapter.finish(t, running.ID, nil)
	require.Equal(t, queued.ID, adapter.waitStarted(t))
	adapter.finish(t, queued.ID, nil)
	waitStatus(t, db, queued.ID, models.TaskStatusCompleted)
}

func TestSetConfigRaisesCapacity(t *testing.T) {
	db := newSchedulerTestDB(t)
	setMaxConcurrent(t, db, 1)
	adapter := newStubAdapter()
	s, err := New(db, adapter.execute, nil)
	require.NoError(t, err)

	first := submitImageTask(t, s, "first")
	second := submitImageTask(t, s, "second")
	require.Equal(t, first.ID, adapter.waitStarted(t))
	waitStatus(t, db, second.ID, models.TaskStatusQueued)
	adapter.assertNoneStarted(t)

	// raising the ceiling admits the waiting task without a new submission
	require.NoError(t, s.SetConfig(map[string]interface{}{
		database.ConfigKeyMaxConcurrentTasks: 2,
	}))
	require.Equal(t, second.ID, adapter.waitStarted(t))

	adapter.finish(t, first.ID, nil)
	adapter.finish(t, second.ID, nil)
	waitStatus(t, db, second.ID, models.TaskStatusCompleted)
}

func TestConfigChurnDuringAdmission(t *testing.T) {
	db := newSchedulerTestDB(t)
	adapter := newStubAdapter()
	s, err := New(db, adapter.execute, nil)
	require.NoError(t, err)

	// thread budgets are snapshotted at admission, so concurrent config
	// writes must never race with a starting execution
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_ = s.SetConfig(map[string]interface{}{
				database.ConfigKeyThreadsPerTask: 1 + i%4,
			})
		}
	}()

	var ids []uint
	for i := 0; i < 5; i++ {
		ids = append(ids, submitImageTask(t, s, "churn").ID)
	}
	wg.Wait()

	for range ids {
		adapter.finish(t, adapter.waitStarted(t), nil)
	}
	for _, id := range ids {
		done := waitStatus(t, db, id, models.TaskStatusCompleted)
		assert.Positive(t, adapter.request(id).Threads)
		assert.Equal(t, 100, done.Progress)
	}
}

func TestBulkOperations(t *testing.T) {
	db := newSchedulerTestDB(t)
	setMaxConcurrent(t, db, 2)
	adapter := newStubAdapter()
	s, err := New(db, adapter.execute, nil)
	require.NoError(t, err)

	first := submitImageTask(t, s, "first")
	second := submitImageTask(t, s, "second")
	third := submitImageTask(t, s, "third")
	adapter.waitStarted(t)
	adapter.waitStarted(t)
	waitStatus(t, db, third.ID, models.TaskStatusQueued)

	s.PauseAll()
	waitStatus(t, db, first.ID, models.TaskStatusPaused)
	waitStatus(t, db, second.ID, models.TaskStatusPaused)

	s.ResumeAll()
	waitStatus(t, db, first.ID, models.TaskStatusRunning)
	waitStatus(t, db, second.ID, models.TaskStatusRunning)

	s.CancelAll()
	waitStatus(t, db, first.ID, models.TaskStatusCancelled)
	waitStatus(t, db, second.ID, models.TaskStatusCancelled)
	waitStatus(t, db, third.ID, models.TaskStatusCancelled)

	status := s.QueueStatus()
	assert.Zero(t, status.Running)
	assert.Zero(t, status.Queued)
}

func TestReconcileFailsAbandonedRuns(t *testing.T) {
	db := newSchedulerTestDB(t)
	repo := database.NewTaskRepo(db)
	require.NoError(t, database.NewConfigRepo(db).Set(map[string]interface{}{
		database.ConfigKeyAutoStart: false,
	}))

	abandoned := &models.Task{Type: models.TaskTypeImageTransform, Name: "abandoned", OutputDir: "/tmp/out",
		Files: []models.TaskFile{{Path: "/a.jpg"}}}
	require.NoError(t, repo.Create(abandoned))
	require.NoError(t, repo.UpdateStatus(abandoned.ID, models.TaskStatusRunning, nil))
	require.NoError(t, repo.UpdatePid(abandoned.ID, 31337, time.Now()))

	stuck := &models.Task{Type: models.TaskTypeImageTransform, Name: "stuck-paused", OutputDir: "/tmp/out",
		Files: []models.TaskFile{{Path: "/b.jpg"}}}
	require.NoError(t, repo.Create(stuck))
	require.NoError(t, repo.UpdateStatus(stuck.ID, models.TaskStatusRunning, nil))
	require.NoError(t, repo.UpdateStatus(stuck.ID, models.TaskStatusPaused, nil))

	adapter := newStubAdapter()
	s, err := New(db, adapter.execute, nil)
	require.NoError(t, err)
	require.NoError(t, s.Reconcile())

	failed := waitStatus(t, db, abandoned.ID, models.TaskStatusFailed)
	assert.Equal(t, models.InterruptedErrorCode, failed.ErrorCode)
	assert.Nil(t, failed.Pid, "stale pid binding cleared")

	pausedFailed := waitStatus(t, db, stuck.ID, models.TaskStatusFailed)
	assert.Equal(t, models.InterruptedErrorCode, pausedFailed.ErrorCode)

	adapter.assertNoneStarted(t)
}

func TestReconcileRestoresQueue(t *testing.T) {
	db := newSchedulerTestDB(t)
	repo := database.NewTaskRepo(db)

	queued := &models.Task{Type: models.TaskTypeImageTransform, Name: "queued", OutputDir: "/tmp/out",
		Files: []models.TaskFile{{Path: "/a.jpg"}}}
	require.NoError(t, repo.Create(queued))
	require.NoError(t, repo.UpdateStatus(queued.ID, models.TaskStatusQueued, nil))

	pending := &models.Task{Type: models.TaskTypeImageTransform, Name: "pending", OutputDir: "/tmp/out",
		Files: []models.TaskFile{{Path: "/b.jpg"}}}
	require.NoError(t, repo.Create(pending))

	adapter := newStubAdapter()
	s, err := New(db, adapter.execute, nil)
	require.NoError(t, err)
	require.NoError(t, s.Reconcile())

	// both the restored queued task and the auto-started pending one run
	admitted := map[uint]bool{adapter.waitStarted(t): true, adapter.waitStarted(t): true}
	assert.True(t, admitted[queued.ID])
	assert.True(t, admitted[pending.ID])
	adapter.finish(t, queued.ID, nil)
	adapter.finish(t, pending.ID, nil)
	waitStatus(t, db, pending.ID, models.TaskStatusCompleted)
}

func TestReconcileRequeuePolicy(t *testing.T) {
	db := newSchedulerTestDB(t)
	repo := database.NewTaskRepo(db)

	abandoned := &models.Task{Type: models.TaskTypeImageTransform, Name: "abandoned", OutputDir: "/tmp/out",
		Files: []models.TaskFile{{Path: "/a.jpg"}}}
	require.NoError(t, repo.Create(abandoned))
	require.NoError(t, repo.UpdateStatus(abandoned.ID, models.TaskStatusRunning, nil))

	adapter := newStubAdapter()
	s, err := New(db, adapter.execute, nil, WithRecoveryPolicy(RecoveryRequeue))
	require.NoError(t, err)
	require.NoError(t, s.Reconcile())

	require.Equal(t, abandoned.ID, adapter.waitStarted(t))
	adapter.finish(t, abandoned.ID, nil)
	done := waitStatus(t, db, abandoned.ID, models.TaskStatusCompleted)
	assert.Empty(t, done.ErrorCode)
}

func TestShutdownLeavesPersistedState(t *testing.T) {
	db := newSchedulerTestDB(t)
	adapter := newStubAdapter()
	s, err := New(db, adapter.execute, nil)
	require.NoError(t, err)

	task := submitImageTask(t, s, "interrupted")
	require.Equal(t, task.ID, adapter.waitStarted(t))

	s.Shutdown()

	// the row still says running; the next start's reconciliation owns it
	persisted := waitStatus(t, db, task.ID, models.TaskStatusRunning)
	assert.Equal(t, models.TaskStatusRunning, persisted.Status)
	assert.Zero(t, s.QueueStatus().Running)
}
