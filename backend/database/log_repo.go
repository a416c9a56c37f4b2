package database

import (
	"time"

	"github.com/andi/mediabatch/backend/models"
)

// LogRepo is the append-only sink for per-task log lines
type LogRepo struct {
	db *DB
}

// NewLogRepo creates a new log repository
func NewLogRepo(db *DB) *LogRepo {
	return &LogRepo{db: db}
}

// Append stores one immutable log line
func (r *LogRepo) Append(logLine *models.TaskLog) error {
	model := &TaskLogModel{
		TaskID:    logLine.TaskID,
		Timestamp: logLine.Timestamp,
		Level:     string(logLine.Level),
		Message:   logLine.Message,
		Raw:       logLine.Raw,
	}
	if model.Timestamp.IsZero() {
		model.Timestamp = time.Now()
	}
	if model.Level == "" {
		model.Level = string(models.LogLevelInfo)
	}
	if err := r.db.conn.Create(model).Error; err != nil {
		return err
	}
	*logLine = *model.ToTaskLog()
	return nil
}

// ListByTask fetches a page of lines for one task, oldest first
func (r *LogRepo) ListByTask(taskID uint, limit, offset int) ([]*models.TaskLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var modelList []TaskLogModel
	err := r.db.conn.Where("task_id = ?", taskID).
		Order("timestamp").
		Limit(limit).
		Offset(offset).
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}
	logs := make([]*models.TaskLog, len(modelList))
	for i := range modelList {
		logs[i] = modelList[i].ToTaskLog()
	}
	return logs, nil
}

// Recent fetches the n most recent lines across all tasks, joined with the
// owning task's type and returned oldest-first for the activity feed
func (r *LogRepo) Recent(n int) ([]*models.RecentLog, error) {
	if n <= 0 {
		n = 50
	}
	type row struct {
		TaskLogModel
		TaskType string
	}
	var rows []row
	err := r.db.conn.Model(&TaskLogModel{}).
		Select("task_logs.*, tasks.type as task_type").
		Joins("JOIN tasks ON tasks.id = task_logs.task_id").
		Order("task_logs.timestamp desc").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	logs := make([]*models.RecentLog, len(rows))
	for i := range rows {
		// reverse into ascending time order
		logs[len(rows)-1-i] = &models.RecentLog{
			TaskLog:  *rows[i].ToTaskLog(),
			TaskType: models.TaskType(rows[i].TaskType),
		}
	}
	return logs, nil
}

// Count returns the number of stored lines for one task
func (r *LogRepo) Count(taskID uint) (int64, error) {
	var count int64
	err := r.db.conn.Model(&TaskLogModel{}).Where("task_id = ?", taskID).Count(&count).Error
	return count, err
}

// CountAll returns the number of stored lines across all tasks
func (r *LogRepo) CountAll() (int64, error) {
	var count int64
	err := r.db.conn.Model(&TaskLogModel{}).Count(&count).Error
	return count, err
}

// DeleteByTask removes every line owned by one task
func (r *LogRepo) DeleteByTask(taskID uint) error {
	return r.db.conn.Where("task_id = ?", taskID).Delete(&TaskLogModel{}).Error
}

// DeleteAll removes every stored line; storage compaction is left to the
// surrounding application
func (r *LogRepo) DeleteAll() error {
	return r.db.conn.Where("1 = 1").Delete(&TaskLogModel{}).Error
}
