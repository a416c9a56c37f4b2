package database

import (
	"time"

	"github.com/andi/mediabatch/backend/models"
	"gorm.io/datatypes"
)

// TaskModel is the persisted form of models.Task
type TaskModel struct {
	ID       uint   `gorm:"primaryKey"`
	Type     string `gorm:"size:32;not null;index"`
	Name     string `gorm:"size:255"`
	Priority int    `gorm:"default:0"`

	Status      string `gorm:"size:20;not null;default:'pending';index"`
	Progress    int    `gorm:"default:0"`
	CurrentStep string `gorm:"size:255"`
	RetryCount  int    `gorm:"default:0"`
	MaxRetry    int    `gorm:"default:0"`

	CreatedAt       time.Time `gorm:"index"`
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ExecutionTimeMs int64 `gorm:"default:0"`

	Pid          *int
	PidStartedAt *time.Time

	OutputDir string         `gorm:"size:1024"`
	Config    datatypes.JSON `gorm:"type:text"`

	ErrorCode    string `gorm:"size:64"`
	ErrorMessage string `gorm:"type:text"`
	ErrorStack   string `gorm:"type:text"`

	Files   []TaskFileModel   `gorm:"foreignKey:TaskID"`
	Outputs []TaskOutputModel `gorm:"foreignKey:TaskID"`
}

func (TaskModel) TableName() string { return "tasks" }

// TaskFileModel is the persisted form of models.TaskFile
type TaskFileModel struct {
	ID        uint   `gorm:"primaryKey"`
	TaskID    uint   `gorm:"not null;index"`
	Path      string `gorm:"size:1024;not null"`
	Category  string `gorm:"size:64"`
	SortOrder int    `gorm:"not null;default:0"`
}

func (TaskFileModel) TableName() string { return "task_files" }

// TaskOutputModel is the persisted form of models.TaskOutput
type TaskOutputModel struct {
	ID        uint   `gorm:"primaryKey"`
	TaskID    uint   `gorm:"not null;index"`
	Path      string `gorm:"size:1024;not null"`
	MediaKind string `gorm:"size:32"`
	Size      int64
	CreatedAt time.Time
}

func (TaskOutputModel) TableName() string { return "task_outputs" }

// TaskLogModel is the persisted form of models.TaskLog
type TaskLogModel struct {
	ID        uint      `gorm:"primaryKey"`
	TaskID    uint      `gorm:"not null;index"`
	Timestamp time.Time `gorm:"not null;index"`
	Level     string    `gorm:"size:16;not null;default:'info'"`
	Message   string    `gorm:"type:text"`
	Raw       string    `gorm:"type:text"`
}

func (TaskLogModel) TableName() string { return "task_logs" }

// ConfigModel is one persisted config entry
type ConfigModel struct {
	Key       string         `gorm:"primaryKey;size:128;column:key"`
	Value     datatypes.JSON `gorm:"type:text"`
	UpdatedAt time.Time
}

func (ConfigModel) TableName() string { return "config" }

// SchemaVersionModel marks the schema revision for the migration runner
type SchemaVersionModel struct {
	ID        uint `gorm:"primaryKey"`
	Version   int  `gorm:"not null"`
	AppliedAt time.Time
}

func (SchemaVersionModel) TableName() string { return "schema_version" }

// ToTask converts TaskModel to models.Task
func (m *TaskModel) ToTask() *models.Task {
	task := &models.Task{
		ID:              m.ID,
		Type:            models.TaskType(m.Type),
		Name:            m.Name,
		Priority:        m.Priority,
		Status:          models.TaskStatus(m.Status),
		Progress:        m.Progress,
		CurrentStep:     m.CurrentStep,
		RetryCount:      m.RetryCount,
		MaxRetry:        m.MaxRetry,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
		ExecutionTimeMs: m.ExecutionTimeMs,
		Pid:             m.Pid,
		PidStartedAt:    m.PidStartedAt,
		OutputDir:       m.OutputDir,
		Config:          m.Config,
		ErrorCode:       m.ErrorCode,
		ErrorMessage:    m.ErrorMessage,
		ErrorStack:      m.ErrorStack,
	}
	for i := range m.Files {
		task.Files = append(task.Files, *m.Files[i].ToTaskFile())
	}
	for i := range m.Outputs {
		task.Outputs = append(task.Outputs, *m.Outputs[i].ToTaskOutput())
	}
	return task
}

// FromTask converts models.Task to TaskModel
func FromTask(t *models.Task) *TaskModel {
	m := &TaskModel{
		ID:              t.ID,
		Type:            string(t.Type),
		Name:            t.Name,
		Priority:        t.Priority,
		Status:          string(t.Status),
		Progress:        t.Progress,
		CurrentStep:     t.CurrentStep,
		RetryCount:      t.RetryCount,
		MaxRetry:        t.MaxRetry,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		ExecutionTimeMs: t.ExecutionTimeMs,
		Pid:             t.Pid,
		PidStartedAt:    t.PidStartedAt,
		OutputDir:       t.OutputDir,
		Config:          t.Config,
		ErrorCode:       t.ErrorCode,
		ErrorMessage:    t.ErrorMessage,
		ErrorStack:      t.ErrorStack,
	}
	for i := range t.Files {
		m.Files = append(m.Files, *FromTaskFile(&t.Files[i]))
	}
	return m
}

// ToTaskFile converts TaskFileModel to models.TaskFile
func (m *TaskFileModel) ToTaskFile() *models.TaskFile {
	return &models.TaskFile{
		ID:        m.ID,
		TaskID:    m.TaskID,
		Path:      m.Path,
		Category:  m.Category,
		SortOrder: m.SortOrder,
	}
}

// FromTaskFile converts models.TaskFile to TaskFileModel
func FromTaskFile(f *models.TaskFile) *TaskFileModel {
	return &TaskFileModel{
		ID:        f.ID,
		TaskID:    f.TaskID,
		Path:      f.Path,
		Category:  f.Category,
		SortOrder: f.SortOrder,
	}
}

// ToTaskOutput converts TaskOutputModel to models.TaskOutput
func (m *TaskOutputModel) ToTaskOutput() *models.TaskOutput {
	return &models.TaskOutput{
		ID:        m.ID,
		TaskID:    m.TaskID,
		Path:      m.Path,
		MediaKind: m.MediaKind,
		Size:      m.Size,
		CreatedAt: m.CreatedAt,
	}
}

// FromTaskOutput converts models.TaskOutput to TaskOutputModel
func FromTaskOutput(o *models.TaskOutput) *TaskOutputModel {
	return &TaskOutputModel{
		ID:        o.ID,
		TaskID:    o.TaskID,
		Path:      o.Path,
		MediaKind: o.MediaKind,
		Size:      o.Size,
		CreatedAt: o.CreatedAt,
	}
}

// ToTaskLog converts TaskLogModel to models.TaskLog
func (m *TaskLogModel) ToTaskLog() *models.TaskLog {
	return &models.TaskLog{
		ID:        m.ID,
		TaskID:    m.TaskID,
		Timestamp: m.Timestamp,
		Level:     models.LogLevel(m.Level),
		Message:   m.Message,
		Raw:       m.Raw,
	}
}
