package models

import (
	"time"

	"gorm.io/datatypes"
)

// TaskStatus is the lifecycle state of a task
type TaskStatus string

// Task lifecycle states
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further automatic transition occurs from s
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Valid reports whether s is one of the known lifecycle states
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusQueued, TaskStatusRunning, TaskStatusPaused,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskType identifies the kind of job a task performs
type TaskType string

// Supported job kinds
const (
	TaskTypeVideoCompose   TaskType = "video_compose"
	TaskTypeImageTransform TaskType = "image_transform"
)

// Valid reports whether t is a supported job kind
func (t TaskType) Valid() bool {
	return t == TaskTypeVideoCompose || t == TaskTypeImageTransform
}

// LogLevel is the severity of a task log line
type LogLevel string

// Log severities
const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
	LogLevelSuccess LogLevel = "success"
	LogLevelDebug   LogLevel = "debug"
)

// Task represents one submitted unit of work
type Task struct {
	ID       uint     `json:"id"`
	Type     TaskType `json:"type"`
	Name     string   `json:"name"`
	Priority int      `json:"priority"`

	Status      TaskStatus `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"current_step,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetry    int        `json:"max_retry"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`

	Pid          *int       `json:"pid,omitempty"`
	PidStartedAt *time.Time `json:"pid_started_at,omitempty"`

	OutputDir string         `json:"output_dir"`
	Config    datatypes.JSON `json:"config,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorStack   string `json:"error_stack,omitempty"`

	Files   []TaskFile   `json:"files,omitempty"`
	Outputs []TaskOutput `json:"outputs,omitempty"`
}

// TaskFile is one input file of a task; SortOrder is meaningful for
// composition jobs
type TaskFile struct {
	ID        uint   `json:"id"`
	TaskID    uint   `json:"task_id"`
	Path      string `json:"path"`
	Category  string `json:"category,omitempty"`
	SortOrder int    `json:"sort_order"`
}

// TaskOutput is one file produced by a successful task
type TaskOutput struct {
	ID        uint      `json:"id"`
	TaskID    uint      `json:"task_id"`
	Path      string    `json:"path"`
	MediaKind string    `json:"media_kind"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskLog is one immutable log line owned by a task
type TaskLog struct {
	ID        uint      `json:"id"`
	TaskID    uint      `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw,omitempty"`
}

// RecentLog is a TaskLog joined with the owning task's type for the
// unified activity feed
type RecentLog struct {
	TaskLog
	TaskType TaskType `json:"task_type"`
}

// TaskFilter narrows a task listing
type TaskFilter struct {
	Statuses    []TaskStatus
	Types       []TaskType
	NameSearch  string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

// TaskStats are aggregate counts returned alongside a task listing
type TaskStats struct {
	ByStatus             map[TaskStatus]int64 `json:"by_status"`
	TotalCompletedTimeMs int64                `json:"total_completed_time_ms"`
}

// Settings is the typed snapshot of the config store merged over defaults
type Settings struct {
	MaxConcurrentTasks int    `json:"maxConcurrentTasks"`
	ThreadsPerTask     int    `json:"threadsPerTask"`
	AutoStart          bool   `json:"autoStart"`
	RetentionDays      int    `json:"retentionDays"`
	LogLevel           string `json:"logLevel"`
}

// QueueStatus is a point-in-time view of the scheduler
type QueueStatus struct {
	Running        int `json:"running"`
	Queued         int `json:"queued"`
	MaxConcurrent  int `json:"max_concurrent"`
	ThreadsPerTask int `json:"threads_per_task"`
	TotalThreads   int `json:"total_threads"`
}
