package scheduler

import (
	"fmt"

	"github.com/andi/mediabatch/backend/models"
)

// Trigger is an action applied to a task's lifecycle
type Trigger string

// Lifecycle triggers
const (
	TriggerEnqueue  Trigger = "enqueue"
	TriggerAdmit    Trigger = "admit"
	TriggerPause    Trigger = "pause"
	TriggerResume   Trigger = "resume"
	TriggerCancel   Trigger = "cancel"
	TriggerRetry    Trigger = "retry"
	TriggerComplete Trigger = "complete"
	TriggerFail     Trigger = "fail"
)

// NextStatus returns the status a task moves to when trigger fires from
// current, or an error when the edge does not exist. This is the single
// source of truth for the lifecycle graph; the conditional field writes
// that accompany a transition live in the task store's status update so
// each transition stays one durable statement.
func NextStatus(current models.TaskStatus, trigger Trigger) (models.TaskStatus, error) {
	switch trigger {
	case TriggerEnqueue:
		switch current {
		case models.TaskStatusPending, models.TaskStatusFailed, models.TaskStatusCancelled:
			return models.TaskStatusQueued, nil
		}
	case TriggerAdmit:
		if current == models.TaskStatusQueued {
			return models.TaskStatusRunning, nil
		}
	case TriggerPause:
		if current == models.TaskStatusRunning {
			return models.TaskStatusPaused, nil
		}
	case TriggerResume:
		if current == models.TaskStatusPaused {
			return models.TaskStatusRunning, nil
		}
	case TriggerCancel:
		switch current {
		case models.TaskStatusQueued, models.TaskStatusRunning, models.TaskStatusPaused:
			return models.TaskStatusCancelled, nil
		}
	case TriggerRetry:
		// completed is allowed as an explicit resubmission
		switch current {
		case models.TaskStatusFailed, models.TaskStatusCancelled, models.TaskStatusCompleted:
			return models.TaskStatusPending, nil
		}
	case TriggerComplete:
		switch current {
		case models.TaskStatusRunning, models.TaskStatusPaused:
			return models.TaskStatusCompleted, nil
		}
	case TriggerFail:
		switch current {
		case models.TaskStatusRunning, models.TaskStatusPaused:
			return models.TaskStatusFailed, nil
		}
	}
	return current, fmt.Errorf("cannot %s task in status %s", trigger, current)
}
