package model

import "time"

// TaskEventType is the type of a task lifecycle event.
type TaskEventType string

const (
	TaskEventRunning   TaskEventType = "task.running"
	TaskEventCompleted TaskEventType = "task.completed"
	TaskEventFailed    TaskEventType = "task.failed"
	TaskEventTimedOut  TaskEventType = "task.timed_out"
	TaskEventDenied    TaskEventType = "task.denied"
)

// TaskEventTypeFor returns the event type published when a task enters status.
func TaskEventTypeFor(status TaskStatus) (TaskEventType, bool) {
	switch status {
	case TaskStatusRunning:
		return TaskEventRunning, true
	case TaskStatusCompleted:
		return TaskEventCompleted, true
	case TaskStatusFailed:
		return TaskEventFailed, true
	case TaskStatusTimedOut:
		return TaskEventTimedOut, true
	case TaskStatusDenied:
		return TaskEventDenied, true
	}
	return "", false
}

// TaskEvent is a task lifecycle event published on every transition.
type TaskEvent struct {
	Type        TaskEventType `json:"type"`
	TaskID      string        `json:"taskId"`
	WorkspaceID string        `json:"workspaceId"`
	RuntimeID   string        `json:"runtimeId"`
	Status      TaskStatus    `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	ExitCode    *int          `json:"exitCode,omitempty"`
	DurationMs  int64         `json:"durationMs,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// NewTaskEvent builds the lifecycle event for the current state of a task.
func NewTaskEvent(t Task) TaskEvent {
	evType, _ := TaskEventTypeFor(t.Status)
	ev := TaskEvent{
		Type:        evType,
		TaskID:      t.ID,
		WorkspaceID: t.WorkspaceID,
		RuntimeID:   t.RuntimeID,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}

	if t.Status.IsTerminal() {
		ev.ExitCode = t.ExitCode
		ev.Error = t.Error
		if t.StartedAt != nil && t.CompletedAt != nil {
			ev.DurationMs = t.CompletedAt.Sub(*t.StartedAt).Milliseconds()
		}
	}

	return ev
}
