package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/andi/mediabatch/backend/database"
	"github.com/andi/mediabatch/backend/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// EventType classifies a lifecycle notification
type EventType string

// Notification types
const (
	EventCreated   EventType = "created"
	EventUpdated   EventType = "updated"
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventLog       EventType = "log"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is one fire-and-forget notification for the event sink
type Event struct {
	Type     EventType       `json:"type"`
	TaskID   uint            `json:"task_id"`
	Task     *models.Task    `json:"task,omitempty"`
	Progress int             `json:"progress,omitempty"`
	Step     string          `json:"step,omitempty"`
	Level    models.LogLevel `json:"level,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Notifier receives lifecycle notifications; delivery is best-effort
type Notifier interface {
	Notify(event Event)
}

// ExecuteRequest carries everything the execution adapter needs for one job
type ExecuteRequest struct {
	Task    *models.Task
	Threads int

	OnLog      func(level models.LogLevel, message string)
	OnProgress func(progress int, step string)
	OnPid      func(pid int, startedAt time.Time)

	// Owned reports whether the scheduler still considers this execution
	// live; the adapter must abort promptly once it returns false
	Owned func() bool
}

// ExecuteResult is returned by the adapter on success
type ExecuteResult struct {
	Outputs []models.TaskOutput
}

// ExecuteFunc performs the actual work of one task
type ExecuteFunc func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)

// RecoveryPolicy decides what happens to tasks found persisted as running
// after an unclean shutdown
type RecoveryPolicy int

const (
	// RecoveryFail marks abandoned running tasks as failed
	RecoveryFail RecoveryPolicy = iota
	// RecoveryRequeue puts abandoned running tasks back in the wait queue
	RecoveryRequeue
)

// execRecord is the in-memory bookkeeping for one admitted task; its
// presence in the running map gates every transition for that task id
type execRecord struct {
	startedAt   time.Time
	pausedAt    *time.Time
	pausedTotal time.Duration
	cancel      context.CancelFunc
}

// SubmitRequest describes a new task submission
type SubmitRequest struct {
	Type      models.TaskType
	Name      string
	OutputDir string
	Config    json.RawMessage
	Files     []models.TaskFile
	Priority  int
	MaxRetry  int
}

// Scheduler coordinates admission, lifecycle transitions and persistence
// for all tasks. One mutex serializes every method, so no two transitions
// run concurrently; long-lived job work happens in adapter goroutines that
// re-enter through the callbacks.
type Scheduler struct {
	mu sync.Mutex

	taskRepo   *database.TaskRepo
	logRepo    *database.LogRepo
	configRepo *database.ConfigRepo
	notifier   Notifier
	execute    ExecuteFunc

	waitList []uint
	running  map[uint]*execRecord

	maxConcurrent  int
	threadsPerTask int
	autoStart      bool
	recovery       RecoveryPolicy
}

// Option customizes a Scheduler
type Option func(*Scheduler)

// WithRecoveryPolicy sets the startup reconciliation policy
func WithRecoveryPolicy(policy RecoveryPolicy) Option {
	return func(s *Scheduler) { s.recovery = policy }
}

// New creates a scheduler wired to the given stores, adapter and sink.
// Runtime tunables are read from the config store.
func New(db *database.DB, execute ExecuteFunc, notifier Notifier, opts ...Option) (*Scheduler, error) {
	configRepo := database.NewConfigRepo(db)
	settings, err := configRepo.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	s := &Scheduler{
		taskRepo:       database.NewTaskRepo(db),
		logRepo:        database.NewLogRepo(db),
		configRepo:     configRepo,
		notifier:       notifier,
		execute:        execute,
		running:        make(map[uint]*execRecord),
		maxConcurrent:  settings.MaxConcurrentTasks,
		threadsPerTask: settings.ThreadsPerTask,
		autoStart:      settings.AutoStart,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit validates and persists a new task. When auto-start is enabled the
// task is enqueued immediately.
func (s *Scheduler) Submit(req SubmitRequest) (*models.Task, error) {
	if !req.Type.Valid() {
		return nil, &models.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown task type %q", req.Type)}
	}
	if req.Type == models.TaskTypeVideoCompose && len(req.Files) == 0 {
		return nil, &models.ValidationError{Field: "files", Reason: "composition jobs require at least one input file"}
	}
	if req.OutputDir == "" {
		return nil, &models.ValidationError{Field: "output_dir", Reason: "output directory is required"}
	}

	task := &models.Task{
		Type:      req.Type,
		Name:      req.Name,
		Priority:  req.Priority,
		MaxRetry:  req.MaxRetry,
		OutputDir: req.OutputDir,
		Config:    datatypes.JSON(req.Config),
		Files:     req.Files,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.taskRepo.Create(task); err != nil {
		return nil, err
	}
	log.Printf("Task %d submitted (%s: %s)", task.ID, task.Type, task.Name)
	s.notify(Event{Type: EventCreated, TaskID: task.ID, Task: task})

	if s.autoStart {
		if err := s.enqueueLocked(task.ID); err != nil {
			log.Printf("Failed to enqueue task %d after submit: %v", task.ID, err)
		}
	}
	return task, nil
}

// Start moves a pending, failed or cancelled task into the wait queue
func (s *Scheduler) Start(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(id)
}

func (s *Scheduler) enqueueLocked(id uint) error {
	task, err := s.taskRepo.GetByID(id)
	if err != nil {
		return err
	}
	if _, err := NextStatus(task.Status, TriggerEnqueue); err != nil {
		return err
	}

	// persist before queueing so the wait list is reconstructable
	if err := s.taskRepo.UpdateStatus(id, models.TaskStatusQueued, nil); err != nil {
		return err
	}
	s.waitList = append(s.waitList, id)
	log.Printf("Task %d queued (position %d)", id, len(s.waitList))
	s.notify(Event{Type: EventUpdated, TaskID: id})

	s.admitLocked()
	return nil
}

// admitLocked pops the FIFO head into execution while capacity allows.
// Invoked after every enqueue, completion and config change.
func (s *Scheduler) admitLocked() {
	for len(s.running) < s.maxConcurrent && len(s.waitList) > 0 {
		id := s.waitList[0]
		s.waitList = s.waitList[1:]

		if err := s.taskRepo.UpdateStatus(id, models.TaskStatusRunning, nil); err != nil {
			// do not assume the write succeeded; put the task back and
			// stop admitting until the store recovers
			s.waitList = append([]uint{id}, s.waitList...)
			log.Printf("Failed to persist running status for task %d: %v", id, err)
			return
		}

		task, err := s.taskRepo.GetByID(id)
		if err != nil {
			log.Printf("Failed to load task %d for execution: %v", id, err)
			s.failLocked(id, nil, &models.ExecutionError{
				Code:    models.ExecutionErrorCode,
				Message: err.Error(),
			}, 0)
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		rec := &execRecord{startedAt: time.Now(), cancel: cancel}
		s.running[id] = rec

		log.Printf("Task %d admitted (%d/%d running)", id, len(s.running), s.maxConcurrent)
		s.notify(Event{Type: EventStarted, TaskID: id, Task: task})

		// snapshot the thread budget while the lock is held; SetConfig may
		// change it mid-flight
		go s.runTask(ctx, task, rec, s.threadsPerTask)
	}
}

// runTask invokes the execution adapter outside the scheduler lock and
// feeds its outcome back through finish
func (s *Scheduler) runTask(ctx context.Context, task *models.Task, rec *execRecord, threads int) {
	id := task.ID
	req := ExecuteRequest{
		Task:    task,
		Threads: threads,
		OnLog: func(level models.LogLevel, message string) {
			s.appendLog(id, rec, level, message)
		},
		OnProgress: func(progress int, step string) {
			s.reportProgress(id, rec, progress, step)
		},
		OnPid: func(pid int, startedAt time.Time) {
			s.reportPid(id, rec, pid, startedAt)
		},
		Owned: func() bool {
			return s.owns(id, rec)
		},
	}

	result, err := s.execute(ctx, req)
	s.finish(id, rec, result, err)
}

// owns reports whether rec is still the live execution record for id
func (s *Scheduler) owns(id uint, rec *execRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id] == rec
}

func (s *Scheduler) appendLog(id uint, rec *execRecord, level models.LogLevel, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] != rec {
		return
	}
	line := &models.TaskLog{TaskID: id, Level: level, Message: message}
	if err := s.logRepo.Append(line); err != nil {
		log.Printf("Failed to append log for task %d: %v", id, err)
		return
	}
	s.notify(Event{Type: EventLog, TaskID: id, Level: level, Message: message})
}

func (s *Scheduler) reportProgress(id uint, rec *execRecord, progress int, step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// a stale tick arriving after a terminal transition finds its record
	// gone and is dropped here
	if s.running[id] != rec {
		return
	}
	if err := s.taskRepo.UpdateProgress(id, progress, step); err != nil {
		log.Printf("Failed to update progress for task %d: %v", id, err)
		return
	}
	s.notify(Event{Type: EventProgress, TaskID: id, Progress: progress, Step: step})
}

func (s *Scheduler) reportPid(id uint, rec *execRecord, pid int, startedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] != rec {
		return
	}
	if err := s.taskRepo.UpdatePid(id, pid, startedAt); err != nil {
		log.Printf("Failed to record pid for task %d: %v", id, err)
	}
}

// finish resolves the adapter outcome into a terminal transition. If the
// record was already dropped (cancellation) the outcome is discarded.
func (s *Scheduler) finish(id uint, rec *execRecord, result *ExecuteResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running[id] != rec {
		return
	}
	delete(s.running, id)

	busyMs := busyMillis(rec, time.Now())
	if err != nil {
		execErr := models.AsExecutionError(err)
		log.Printf("Task %d failed after %dms: %s", id, busyMs, execErr.Message)
		s.failLocked(id, rec, execErr, busyMs)
		s.admitLocked()
		return
	}

	if uerr := s.taskRepo.ClearPid(id); uerr != nil {
		log.Printf("Failed to clear pid for task %d: %v", id, uerr)
	}
	progress := 100
	step := ""
	uerr := s.taskRepo.UpdateStatus(id, models.TaskStatusCompleted, &database.StatusExtras{
		Progress:        &progress,
		CurrentStep:     &step,
		ExecTimeDeltaMs: busyMs,
	})
	if uerr != nil {
		log.Printf("Failed to persist completion for task %d: %v", id, uerr)
	}
	if result != nil {
		for i := range result.Outputs {
			result.Outputs[i].TaskID = id
			if oerr := s.taskRepo.AddOutput(&result.Outputs[i]); oerr != nil {
				log.Printf("Failed to record output for task %d: %v", id, oerr)
			}
		}
	}
	log.Printf("Task %d completed in %dms", id, busyMs)
	s.notify(Event{Type: EventCompleted, TaskID: id})
	s.admitLocked()
}

// failLocked persists a failed transition with its error fields
func (s *Scheduler) failLocked(id uint, rec *execRecord, execErr *models.ExecutionError, busyMs int64) {
	if rec != nil {
		if err := s.taskRepo.ClearPid(id); err != nil {
			log.Printf("Failed to clear pid for task %d: %v", id, err)
		}
	}
	err := s.taskRepo.UpdateStatus(id, models.TaskStatusFailed, &database.StatusExtras{
		Error:           execErr,
		ExecTimeDeltaMs: busyMs,
	})
	if err != nil {
		log.Printf("Failed to persist failure for task %d: %v", id, err)
	}
	s.notify(Event{Type: EventFailed, TaskID: id, Message: execErr.Message})
}

// Pause freezes the execution-time clock for a running task. The external
// worker is not stopped; pausing is a cooperative signal the adapter may
// or may not honor.
func (s *Scheduler) Pause(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.running[id]
	if !ok {
		return fmt.Errorf("task %d is not running", id)
	}
	if rec.pausedAt != nil {
		return fmt.Errorf("task %d is already paused", id)
	}

	now := time.Now()
	rec.pausedAt = &now
	if err := s.taskRepo.UpdateStatus(id, models.TaskStatusPaused, nil); err != nil {
		rec.pausedAt = nil
		return err
	}
	// the pid binding only holds while running; the adapter re-reports it
	// if the worker is still alive after a resume
	if err := s.taskRepo.ClearPid(id); err != nil {
		log.Printf("Failed to clear pid for task %d: %v", id, err)
	}
	log.Printf("Task %d paused", id)
	s.notify(Event{Type: EventUpdated, TaskID: id})
	return nil
}

// Resume restores a paused task to running; the paused interval is
// excluded from execution-time accounting
func (s *Scheduler) Resume(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.running[id]
	if !ok {
		return fmt.Errorf("task %d is not running", id)
	}
	if rec.pausedAt == nil {
		return fmt.Errorf("task %d is not paused", id)
	}

	rec.pausedTotal += time.Since(*rec.pausedAt)
	rec.pausedAt = nil
	if err := s.taskRepo.UpdateStatus(id, models.TaskStatusRunning, nil); err != nil {
		return err
	}
	log.Printf("Task %d resumed", id)
	s.notify(Event{Type: EventUpdated, TaskID: id})
	return nil
}

// Cancel removes a queued task from the wait list, or drops a running
// task's execution record so the adapter sees it is no longer owned.
// Either path persists cancelled and triggers admission.
func (s *Scheduler) Cancel(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.running[id]; ok {
		delete(s.running, id)
		rec.cancel()
		busyMs := busyMillis(rec, time.Now())
		if err := s.taskRepo.ClearPid(id); err != nil {
			log.Printf("Failed to clear pid for task %d: %v", id, err)
		}
		err := s.taskRepo.UpdateStatus(id, models.TaskStatusCancelled, &database.StatusExtras{
			ExecTimeDeltaMs: busyMs,
		})
		if err != nil {
			return err
		}
		log.Printf("Task %d cancelled while running", id)
		s.notify(Event{Type: EventCancelled, TaskID: id})
		s.admitLocked()
		return nil
	}

	for i, queued := range s.waitList {
		if queued != id {
			continue
		}
		s.waitList = append(s.waitList[:i], s.waitList[i+1:]...)
		if err := s.taskRepo.UpdateStatus(id, models.TaskStatusCancelled, nil); err != nil {
			return err
		}
		log.Printf("Task %d cancelled while queued", id)
		s.notify(Event{Type: EventCancelled, TaskID: id})
		s.admitLocked()
		return nil
	}

	return fmt.Errorf("task %d is neither queued nor running", id)
}

// Retry re-enters a failed, cancelled or completed task into the queue and
// increments its retry counter. Prior error fields are left in place until
// the next outcome overwrites them.
func (s *Scheduler) Retry(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.taskRepo.GetByID(id)
	if err != nil {
		return err
	}
	if _, err := NextStatus(task.Status, TriggerRetry); err != nil {
		return err
	}

	if err := s.taskRepo.UpdateStatus(id, models.TaskStatusPending, nil); err != nil {
		return err
	}
	if err := s.taskRepo.IncrementRetryCount(id); err != nil {
		return err
	}
	log.Printf("Task %d retried (attempt %d)", id, task.RetryCount+1)
	s.notify(Event{Type: EventUpdated, TaskID: id})

	return s.enqueueLocked(id)
}

// PauseAll pauses every running task
func (s *Scheduler) PauseAll() {
	s.mu.Lock()
	ids := s.runningIDsLocked()
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.Pause(id); err != nil {
			log.Printf("PauseAll: %v", err)
		}
	}
}

// ResumeAll resumes every paused task
func (s *Scheduler) ResumeAll() {
	s.mu.Lock()
	ids := s.runningIDsLocked()
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.Resume(id); err != nil {
			log.Printf("ResumeAll: %v", err)
		}
	}
}

// CancelAll drains the wait list, then cancels every running task
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	queued := make([]uint, len(s.waitList))
	copy(queued, s.waitList)
	s.mu.Unlock()
	for _, id := range queued {
		if err := s.Cancel(id); err != nil {
			log.Printf("CancelAll: %v", err)
		}
	}

	s.mu.Lock()
	ids := s.runningIDsLocked()
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.Cancel(id); err != nil {
			log.Printf("CancelAll: %v", err)
		}
	}
}

func (s *Scheduler) runningIDsLocked() []uint {
	ids := make([]uint, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// SetConfig persists the given tunables and immediately re-runs admission,
// so raising the ceiling starts waiting tasks without a new submission
func (s *Scheduler) SetConfig(values map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.configRepo.Set(values); err != nil {
		return err
	}
	settings, err := s.configRepo.Snapshot()
	if err != nil {
		return err
	}
	s.maxConcurrent = settings.MaxConcurrentTasks
	s.threadsPerTask = settings.ThreadsPerTask
	s.autoStart = settings.AutoStart
	log.Printf("Scheduler config updated: maxConcurrent=%d threadsPerTask=%d autoStart=%v",
		s.maxConcurrent, s.threadsPerTask, s.autoStart)

	s.admitLocked()
	return nil
}

// Settings returns the current typed config snapshot
func (s *Scheduler) Settings() (*models.Settings, error) {
	return s.configRepo.Snapshot()
}

// QueueStatus returns a point-in-time view of the scheduler
func (s *Scheduler) QueueStatus() models.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.QueueStatus{
		Running:        len(s.running),
		Queued:         len(s.waitList),
		MaxConcurrent:  s.maxConcurrent,
		ThreadsPerTask: s.threadsPerTask,
		TotalThreads:   len(s.running) * s.threadsPerTask,
	}
}

// Reconcile repairs persisted state after an unclean shutdown, before
// admission resumes. Tasks persisted as queued are put back in the wait
// list in creation order. Tasks persisted as running or paused have lost
// their execution record: depending on the recovery policy they are either
// failed with code INTERRUPTED or requeued. Pending tasks are enqueued when
// auto-start is enabled.
func (s *Scheduler) Reconcile() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	abandoned, err := s.taskRepo.FindByStatuses(models.TaskStatusRunning, models.TaskStatusPaused)
	if err != nil {
		return err
	}
	for _, task := range abandoned {
		if err := s.taskRepo.ClearPid(task.ID); err != nil {
			log.Printf("Reconcile: failed to clear pid for task %d: %v", task.ID, err)
		}
		switch s.recovery {
		case RecoveryRequeue:
			if err := s.taskRepo.UpdateStatus(task.ID, models.TaskStatusQueued, nil); err != nil {
				return err
			}
			s.waitList = append(s.waitList, task.ID)
			log.Printf("Reconcile: task %d requeued after interrupted run", task.ID)
		default:
			err := s.taskRepo.UpdateStatus(task.ID, models.TaskStatusFailed, &database.StatusExtras{
				Error: &models.ExecutionError{
					Code:    models.InterruptedErrorCode,
					Message: "execution interrupted by shutdown",
				},
			})
			if err != nil {
				return err
			}
			log.Printf("Reconcile: task %d marked failed after interrupted run", task.ID)
		}
	}

	queued, err := s.taskRepo.FindByStatuses(models.TaskStatusQueued)
	if err != nil {
		return err
	}
	for _, task := range queued {
		s.waitList = append(s.waitList, task.ID)
	}
	if len(queued) > 0 {
		log.Printf("Reconcile: restored %d queued task(s)", len(queued))
	}

	if s.autoStart {
		pending, err := s.taskRepo.FindByStatuses(models.TaskStatusPending)
		if err != nil {
			return err
		}
		for _, task := range pending {
			if err := s.enqueueLocked(task.ID); err != nil {
				log.Printf("Reconcile: failed to enqueue pending task %d: %v", task.ID, err)
			}
		}
	}

	s.admitLocked()
	return nil
}

// Shutdown cancels every live execution context without changing persisted
// state; Reconcile repairs the leftovers on the next start
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.running {
		rec.cancel()
		delete(s.running, id)
	}
	log.Println("Scheduler stopped")
}

func (s *Scheduler) notify(event Event) {
	if s.notifier != nil {
		s.notifier.Notify(event)
	}
}

// busyMillis is the wall-clock execution time excluding paused intervals
func busyMillis(rec *execRecord, now time.Time) int64 {
	busy := now.Sub(rec.startedAt) - rec.pausedTotal
	if rec.pausedAt != nil {
		busy -= now.Sub(*rec.pausedAt)
	}
	if busy < 0 {
		busy = 0
	}
	return busy.Milliseconds()
}
