package orchestrator

import (
	"time"

	"github.com/deniskropp/t170/pkg/models"
)

// EventType represents the type of dispatch event.
type EventType string

const (
	// EventTaskDispatched indicates a task was assigned to an agent.
	EventTaskDispatched EventType = "task_dispatched"
	// EventTaskBlocked indicates ethical review rejected a task.
	EventTaskBlocked EventType = "task_blocked"
	// EventRoleSynthesized indicates a dynamic role and ephemeral agent were created.
	EventRoleSynthesized EventType = "role_synthesized"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskUnblocked indicates all dependencies of a task are now completed.
	EventTaskUnblocked EventType = "task_unblocked"
	// EventBatchCompleted indicates a dispatch cycle finished.
	EventBatchCompleted EventType = "batch_completed"
)

// DispatchEvent represents an event emitted by the dispatcher.
type DispatchEvent struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// TaskName is the name of the related task, if applicable.
	TaskName string
	// AgentID is the ID of the related agent, if applicable.
	AgentID string
	// Role is the role involved, if applicable.
	Role models.Role
	// Priority is the task priority, if applicable.
	Priority int
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Count is the number of results for batch events.
	Count int
	// Duration is the elapsed time for batch events.
	Duration time.Duration
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
