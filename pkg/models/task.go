package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been dispatched.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady is a derived status: pending with every dependency completed.
	// It is reported to callers but never persisted.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusInProgress indicates an agent has been assigned.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task completed successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusBlocked indicates the task was rejected by ethical review.
	TaskStatusBlocked TaskStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusReady, TaskStatusInProgress,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the dispatcher will never revisit a task in this status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusBlocked
}

// Metadata keys written by the orchestration core.
const (
	MetaCompletionResult = "completion_result"
	MetaError            = "error"
	MetaEthicalConcerns  = "ethical_concerns"
	MetaEthicalFeedback  = "ethical_feedback"
)

// Task represents a unit of work in the system.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Name is the short human-readable title.
	Name string `json:"name"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Type is a free-form category used to look up required capabilities.
	Type string `json:"type,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Priority orders dispatch; higher runs first.
	Priority int `json:"priority"`
	// Dependencies lists task IDs that must complete before this task.
	Dependencies []string `json:"dependencies,omitempty"`
	// AssignedTo is the role expected to execute this task.
	AssignedTo Role `json:"assigned_to,omitempty"`
	// Artifacts maps artifact names to references produced by the task.
	Artifacts map[string]string `json:"artifacts,omitempty"`
	// Metadata holds arbitrary annotations.
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the task was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// HasDependency reports whether id is one of the task's dependencies.
func (t *Task) HasDependency(id string) bool {
	for _, dep := range t.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// TaskSpec is the input for creating a task.
type TaskSpec struct {
	Name         string            `json:"name" yaml:"name"`
	Description  string            `json:"description,omitempty" yaml:"description"`
	Type         string            `json:"type,omitempty" yaml:"type"`
	Priority     int               `json:"priority" yaml:"priority"`
	Dependencies []string          `json:"dependencies,omitempty" yaml:"dependencies"`
	AssignedTo   Role              `json:"assigned_to,omitempty" yaml:"assigned_to"`
	Artifacts    map[string]string `json:"artifacts,omitempty" yaml:"artifacts"`
	Metadata     map[string]any    `json:"metadata,omitempty" yaml:"metadata"`
}

// TaskUpdate is a partial update. Nil fields are left untouched.
// Artifacts and Metadata entries are merged key by key into the existing maps.
type TaskUpdate struct {
	Name         *string
	Description  *string
	Type         *string
	Status       *TaskStatus
	Priority     *int
	Dependencies []string
	AssignedTo   *Role
	Artifacts    map[string]string
	Metadata     map[string]any
}

// StatusUpdate builds a TaskUpdate that only changes the status.
func StatusUpdate(s TaskStatus) TaskUpdate {
	return TaskUpdate{Status: &s}
}

// Apply merges the update into t. It does not touch ID, CreatedAt or UpdatedAt.
func (u TaskUpdate) Apply(t *Task) {
	if u.Name != nil {
		t.Name = *u.Name
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Type != nil {
		t.Type = *u.Type
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	if u.Dependencies != nil {
		t.Dependencies = DedupeStrings(u.Dependencies)
	}
	if u.AssignedTo != nil {
		t.AssignedTo = *u.AssignedTo
	}
	if len(u.Artifacts) > 0 {
		if t.Artifacts == nil {
			t.Artifacts = make(map[string]string, len(u.Artifacts))
		}
		for k, v := range u.Artifacts {
			t.Artifacts[k] = v
		}
	}
	if len(u.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			t.Metadata[k] = v
		}
	}
}

// DedupeStrings returns the input with duplicates and empty entries removed,
// preserving first-seen order.
func DedupeStrings(in []string) []string {
	if in == nil {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
