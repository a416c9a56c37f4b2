package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/andi/mediabatch/backend/models"
	"gorm.io/gorm"
)

// TaskRepo is the only component allowed to mutate task, task file and
// task output rows
type TaskRepo struct {
	db *DB
}

// NewTaskRepo creates a new task repository
func NewTaskRepo(db *DB) *TaskRepo {
	return &TaskRepo{db: db}
}

// sortFields is the allow-list of task listing sort columns
var sortFields = map[string]bool{
	"created_at":        true,
	"updated_at":        true,
	"completed_at":      true,
	"name":              true,
	"priority":          true,
	"status":            true,
	"execution_time_ms": true,
}

// StatusExtras are optional fields written together with a status change
type StatusExtras struct {
	Progress        *int
	CurrentStep     *string
	Error           *models.ExecutionError
	ExecTimeDeltaMs int64
}

// ListOptions control filtering, ordering and pagination of a task listing
type ListOptions struct {
	Filter      models.TaskFilter
	SortBy      string
	SortDesc    bool
	Page        int
	PageSize    int
	WithFiles   bool
	WithOutputs bool
}

// ListResult is a page of tasks plus the aggregate stats for the same
// filter-free population, returned in one call
type ListResult struct {
	Tasks []*models.Task   `json:"tasks"`
	Total int64            `json:"total"`
	Stats models.TaskStats `json:"stats"`
}

// Create persists a new task and its input files as one transaction.
// The id, pending status and zeroed counters are assigned here; the
// ordering of task.Files is preserved as SortOrder.
func (r *TaskRepo) Create(task *models.Task) error {
	task.Status = models.TaskStatusPending
	task.Progress = 0
	task.RetryCount = 0

	model := FromTask(task)
	for i := range model.Files {
		model.Files[i].SortOrder = i
	}

	err := r.db.conn.Transaction(func(tx *gorm.DB) error {
		return tx.Create(model).Error
	})
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	*task = *model.ToTask()
	return nil
}

// GetByID retrieves a task by id, including its files and outputs
func (r *TaskRepo) GetByID(id uint) (*models.Task, error) {
	var model TaskModel
	err := r.db.conn.
		Preload("Files", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order") }).
		Preload("Outputs").
		First(&model, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("task %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return model.ToTask(), nil
}

// List retrieves a page of tasks plus aggregate stats
func (r *TaskRepo) List(opts ListOptions) (*ListResult, error) {
	query := r.applyFilter(r.db.conn.Model(&TaskModel{}), opts.Filter)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	sortBy := opts.SortBy
	if !sortFields[sortBy] {
		sortBy = "created_at"
	}
	order := sortBy
	if opts.SortDesc {
		order += " desc"
	}

	page := opts.Page
	if page < 1 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	listQuery := r.applyFilter(r.db.conn.Model(&TaskModel{}), opts.Filter).
		Order(order).
		Limit(pageSize).
		Offset((page - 1) * pageSize)
	if opts.WithFiles {
		listQuery = listQuery.Preload("Files", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order") })
	}
	if opts.WithOutputs {
		listQuery = listQuery.Preload("Outputs")
	}

	var modelList []TaskModel
	if err := listQuery.Find(&modelList).Error; err != nil {
		return nil, err
	}

	stats, err := r.stats()
	if err != nil {
		return nil, err
	}

	result := &ListResult{
		Tasks: make([]*models.Task, len(modelList)),
		Total: total,
		Stats: *stats,
	}
	for i := range modelList {
		result.Tasks[i] = modelList[i].ToTask()
	}
	return result, nil
}

func (r *TaskRepo) applyFilter(query *gorm.DB, filter models.TaskFilter) *gorm.DB {
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if len(filter.Types) > 0 {
		query = query.Where("type IN ?", filter.Types)
	}
	if filter.NameSearch != "" {
		query = query.Where("name LIKE ?", "%"+filter.NameSearch+"%")
	}
	if filter.CreatedFrom != nil {
		query = query.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("created_at <= ?", *filter.CreatedTo)
	}
	return query
}

func (r *TaskRepo) stats() (*models.TaskStats, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var counts []statusCount
	err := r.db.conn.Model(&TaskModel{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&counts).Error
	if err != nil {
		return nil, err
	}

	stats := &models.TaskStats{ByStatus: make(map[models.TaskStatus]int64)}
	for _, c := range counts {
		stats.ByStatus[models.TaskStatus(c.Status)] = c.Count
	}

	err = r.db.conn.Model(&TaskModel{}).
		Where("status = ?", models.TaskStatusCompleted).
		Select("COALESCE(SUM(execution_time_ms), 0)").
		Scan(&stats.TotalCompletedTimeMs).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// UpdateStatus writes a status transition in a single statement. It always
// bumps updated_at, captures started_at on the first transition to running,
// and stamps completed_at on terminal transitions. Extras, when present,
// are written in the same statement.
func (r *TaskRepo) UpdateStatus(id uint, status models.TaskStatus, extras *StatusExtras) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":     string(status),
		"updated_at": now,
	}
	if status == models.TaskStatusRunning {
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", now)
	}
	if status.IsTerminal() {
		updates["completed_at"] = now
	}
	// error fields belong to failed tasks only; a successful or cancelled
	// outcome wipes whatever a previous attempt left behind
	if status == models.TaskStatusCompleted || status == models.TaskStatusCancelled {
		updates["error_code"] = ""
		updates["error_message"] = ""
		updates["error_stack"] = ""
	}
	if extras != nil {
		if extras.Progress != nil {
			updates["progress"] = clampProgress(*extras.Progress)
		}
		if extras.CurrentStep != nil {
			updates["current_step"] = *extras.CurrentStep
		}
		if extras.Error != nil {
			updates["error_code"] = extras.Error.Code
			updates["error_message"] = extras.Error.Message
			updates["error_stack"] = extras.Error.Stack
		}
		if extras.ExecTimeDeltaMs != 0 {
			updates["execution_time_ms"] = gorm.Expr("execution_time_ms + ?", extras.ExecTimeDeltaMs)
		}
	}

	result := r.db.conn.Model(&TaskModel{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// UpdateProgress is the lightweight high-frequency update path, separate
// from the full status update
func (r *TaskRepo) UpdateProgress(id uint, progress int, step string) error {
	updates := map[string]interface{}{
		"progress":   clampProgress(progress),
		"updated_at": time.Now(),
	}
	if step != "" {
		updates["current_step"] = step
	}
	result := r.db.conn.Model(&TaskModel{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// IncrementExecutionTime adds ms to the accumulated busy time
func (r *TaskRepo) IncrementExecutionTime(id uint, ms int64) error {
	return r.db.conn.Model(&TaskModel{}).Where("id = ?", id).
		Update("execution_time_ms", gorm.Expr("execution_time_ms + ?", ms)).Error
}

// IncrementRetryCount bumps the retry counter by one
func (r *TaskRepo) IncrementRetryCount(id uint) error {
	return r.db.conn.Model(&TaskModel{}).Where("id = ?", id).
		Update("retry_count", gorm.Expr("retry_count + 1")).Error
}

// UpdatePid records the external worker process binding; the start time
// disambiguates OS pid reuse
func (r *TaskRepo) UpdatePid(id uint, pid int, startedAt time.Time) error {
	return r.db.conn.Model(&TaskModel{}).Where("id = ?", id).
		Updates(map[string]interface{}{"pid": pid, "pid_started_at": startedAt}).Error
}

// ClearPid removes the worker process binding when the task leaves running
func (r *TaskRepo) ClearPid(id uint) error {
	return r.db.conn.Model(&TaskModel{}).Where("id = ?", id).
		Updates(map[string]interface{}{"pid": nil, "pid_started_at": nil}).Error
}

// AddOutput records one produced file
func (r *TaskRepo) AddOutput(output *models.TaskOutput) error {
	model := FromTaskOutput(output)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now()
	}
	if err := r.db.conn.Create(model).Error; err != nil {
		return err
	}
	*output = *model.ToTaskOutput()
	return nil
}

// UpdateOutputDir changes the destination root of a task
func (r *TaskRepo) UpdateOutputDir(id uint, dir string) error {
	result := r.db.conn.Model(&TaskModel{}).Where("id = ?", id).Update("output_dir", dir)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// FindByStatuses retrieves all tasks currently in any of the given states,
// oldest first
func (r *TaskRepo) FindByStatuses(statuses ...models.TaskStatus) ([]*models.Task, error) {
	var modelList []TaskModel
	err := r.db.conn.Where("status IN ?", statuses).Order("created_at").Find(&modelList).Error
	if err != nil {
		return nil, err
	}
	tasks := make([]*models.Task, len(modelList))
	for i := range modelList {
		tasks[i] = modelList[i].ToTask()
	}
	return tasks, nil
}

// Delete removes a task and cascades to its files, outputs and logs
func (r *TaskRepo) Delete(id uint) error {
	var deleted int64
	err := r.db.conn.Transaction(func(tx *gorm.DB) error {
		if err := deleteTaskChildren(tx, []uint{id}); err != nil {
			return err
		}
		result := tx.Delete(&TaskModel{}, id)
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return err
	}
	if deleted == 0 {
		return fmt.Errorf("task %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// DeleteCompletedBefore removes completed tasks whose completion is older
// than the given number of days, cascading to their children. Returns the
// number of tasks removed.
func (r *TaskRepo) DeleteCompletedBefore(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	return r.deleteWhere("status = ? AND completed_at < ?", models.TaskStatusCompleted, cutoff)
}

// DeleteFailed removes all failed tasks and their children
func (r *TaskRepo) DeleteFailed() (int64, error) {
	return r.deleteWhere("status = ?", models.TaskStatusFailed)
}

// DeleteCancelled removes all cancelled tasks and their children
func (r *TaskRepo) DeleteCancelled() (int64, error) {
	return r.deleteWhere("status = ?", models.TaskStatusCancelled)
}

func (r *TaskRepo) deleteWhere(cond string, args ...interface{}) (int64, error) {
	var ids []uint
	if err := r.db.conn.Model(&TaskModel{}).Where(cond, args...).Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err := r.db.conn.Transaction(func(tx *gorm.DB) error {
		if err := deleteTaskChildren(tx, ids); err != nil {
			return err
		}
		return tx.Delete(&TaskModel{}, ids).Error
	})
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

func deleteTaskChildren(tx *gorm.DB, ids []uint) error {
	if err := tx.Where("task_id IN ?", ids).Delete(&TaskFileModel{}).Error; err != nil {
		return err
	}
	if err := tx.Where("task_id IN ?", ids).Delete(&TaskOutputModel{}).Error; err != nil {
		return err
	}
	return tx.Where("task_id IN ?", ids).Delete(&TaskLogModel{}).Error
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
