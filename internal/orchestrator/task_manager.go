package orchestrator

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deniskropp/t170/internal/errs"
	"github.com/deniskropp/t170/internal/state"
	"github.com/deniskropp/t170/pkg/models"
)

// TaskManager owns task lifecycle and dependency readiness.
type TaskManager struct {
	store state.TaskStore
	now   func() time.Time
}

// NewTaskManager creates a TaskManager backed by store.
func NewTaskManager(store state.TaskStore) *TaskManager {
	return &TaskManager{store: store, now: time.Now}
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string {
	return "task-" + uuid.NewString()
}

// Create validates spec and stores a new pending task.
// Dependency ids are not checked for existence.
func (m *TaskManager) Create(spec models.TaskSpec) (*models.Task, error) {
	const op = "create task"

	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, errs.Validation(op, "name is required")
	}
	if spec.Priority < 0 {
		return nil, errs.Validation(op, "priority must not be negative, got %d", spec.Priority)
	}

	now := m.now().UTC()
	t := &models.Task{
		ID:           NewTaskID(),
		Name:         name,
		Description:  spec.Description,
		Type:         spec.Type,
		Status:       models.TaskStatusPending,
		Priority:     spec.Priority,
		Dependencies: models.DedupeStrings(spec.Dependencies),
		AssignedTo:   models.Role(strings.TrimSpace(string(spec.AssignedTo))),
		Artifacts:    make(map[string]string, len(spec.Artifacts)),
		Metadata:     make(map[string]any, len(spec.Metadata)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.Dependencies == nil {
		t.Dependencies = []string{}
	}
	for k, v := range spec.Artifacts {
		t.Artifacts[k] = v
	}
	for k, v := range spec.Metadata {
		t.Metadata[k] = v
	}
	if t.HasDependency(t.ID) {
		return nil, errs.Validation(op, "task cannot depend on itself")
	}

	if err := m.store.CreateTask(t); err != nil {
		return nil, errs.Storage(op, err)
	}
	debugLog("[tasks] created %s %q priority=%d deps=%v", t.ID, t.Name, t.Priority, t.Dependencies)
	return t, nil
}

// Get returns the task with id. A missing task is a NotFound error.
func (m *TaskManager) Get(id string) (*models.Task, error) {
	const op = "get task"

	t, err := m.store.GetTask(id)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	if t == nil {
		return nil, errs.NotFound(op, "task", id)
	}
	return t, nil
}

// Update merges u into the task and refreshes UpdatedAt.
// ID and CreatedAt never change. Replacing dependencies fails when the new
// set would make the task depend on itself through other tasks.
func (m *TaskManager) Update(id string, u models.TaskUpdate) (*models.Task, error) {
	const op = "update task"
	if len(u.Dependencies) > 0 {
		if err := m.checkCycle(op, id, u.Dependencies); err != nil {
			return nil, err
		}
	}
	return m.mutate(op, id, nil, u)
}

func (m *TaskManager) checkCycle(op, id string, deps []string) error {
	all, err := m.store.ListTasks(nil)
	if err != nil {
		return errs.Storage(op, err)
	}
	if NewDependencyGraph(all).WithDependencies(id, models.DedupeStrings(deps)).HasCycle() {
		return errs.Validation(op, "dependencies of %s would form a cycle", id)
	}
	return nil
}

// ExecutionOrder returns every task with dependencies ahead of their
// dependents, ties in creation order.
func (m *TaskManager) ExecutionOrder() ([]*models.Task, error) {
	const op = "order tasks"
	all, err := m.store.ListTasks(nil)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	g := NewDependencyGraph(all)
	ids, err := g.TopologicalSort()
	if err != nil {
		return nil, errs.Validation(op, "%v", err)
	}
	out := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.Task(id))
	}
	return out, nil
}

// Transition applies u only if the task is currently in status from.
// The check and the write happen in one store transaction.
func (m *TaskManager) Transition(id string, from models.TaskStatus, u models.TaskUpdate) (*models.Task, error) {
	const op = "transition task"
	return m.mutate(op, id, func(t *models.Task) error {
		if t.Status != from {
			return errs.Validation(op, "task %s is %s, expected %s", id, t.Status, from)
		}
		return nil
	}, u)
}

func (m *TaskManager) mutate(op, id string, check func(*models.Task) error, u models.TaskUpdate) (*models.Task, error) {
	if err := validateUpdate(op, id, u); err != nil {
		return nil, err
	}

	t, err := m.store.MutateTask(id, func(t *models.Task) error {
		if check != nil {
			if err := check(t); err != nil {
				return err
			}
		}
		u.Apply(t)
		now := m.now().UTC()
		if now.Before(t.UpdatedAt) {
			now = t.UpdatedAt
		}
		t.UpdatedAt = now
		return nil
	})
	if errors.Is(err, state.ErrNotFound) {
		return nil, errs.NotFound(op, "task", id)
	}
	var rejected *errs.Error
	if errors.As(err, &rejected) && rejected.Code == errs.CodeValidation {
		return nil, rejected
	}
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	return t, nil
}

func validateUpdate(op, id string, u models.TaskUpdate) error {
	if u.Status != nil {
		if !u.Status.Valid() {
			return errs.Validation(op, "invalid status %q", *u.Status)
		}
		if *u.Status == models.TaskStatusReady {
			return errs.Validation(op, "status %q is derived and cannot be set", *u.Status)
		}
	}
	if u.Name != nil && strings.TrimSpace(*u.Name) == "" {
		return errs.Validation(op, "name must not be empty")
	}
	if u.Priority != nil && *u.Priority < 0 {
		return errs.Validation(op, "priority must not be negative, got %d", *u.Priority)
	}
	for _, dep := range u.Dependencies {
		if dep == id {
			return errs.Validation(op, "task cannot depend on itself")
		}
	}
	return nil
}

// List returns tasks in creation order, optionally filtered by status.
// Filtering by TaskStatusReady returns ListReady.
func (m *TaskManager) List(status *models.TaskStatus) ([]*models.Task, error) {
	if status != nil && *status == models.TaskStatusReady {
		return m.ListReady()
	}
	tasks, err := m.store.ListTasks(status)
	if err != nil {
		return nil, errs.Storage("list tasks", err)
	}
	return tasks, nil
}

// ListReady returns pending tasks whose dependencies all exist and are
// completed, in stable creation order. A missing dependency keeps a task out
// of the result without failing the call.
func (m *TaskManager) ListReady() ([]*models.Task, error) {
	pending := models.TaskStatusPending
	tasks, err := m.store.ListTasks(&pending)
	if err != nil {
		return nil, errs.Storage("list ready tasks", err)
	}

	cache := make(map[string]*models.Task)
	var ready []*models.Task
	for _, t := range tasks {
		ok, err := m.satisfied(t, cache)
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, t)
		}
	}
	return ready, nil
}

// DependenciesSatisfied reports whether every dependency of task exists and
// is completed.
func (m *TaskManager) DependenciesSatisfied(task *models.Task) (bool, error) {
	return m.satisfied(task, nil)
}

// IsReady reports whether task is pending with its dependencies satisfied.
func (m *TaskManager) IsReady(task *models.Task) (bool, error) {
	if task.Status != models.TaskStatusPending {
		return false, nil
	}
	return m.DependenciesSatisfied(task)
}

func (m *TaskManager) satisfied(task *models.Task, cache map[string]*models.Task) (bool, error) {
	for _, depID := range task.Dependencies {
		dep, seen := cache[depID]
		if !seen {
			var err error
			dep, err = m.store.GetTask(depID)
			if err != nil {
				return false, errs.Storage("check dependencies", err)
			}
			if cache != nil {
				cache[depID] = dep
			}
		}
		if dep == nil || dep.Status != models.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// Complete marks the task completed and records result in its metadata.
func (m *TaskManager) Complete(id, result string) (*models.Task, error) {
	status := models.TaskStatusCompleted
	return m.Update(id, models.TaskUpdate{
		Status:   &status,
		Metadata: map[string]any{models.MetaCompletionResult: result},
	})
}

// Fail marks the task failed and records reason in its metadata.
func (m *TaskManager) Fail(id, reason string) (*models.Task, error) {
	status := models.TaskStatusFailed
	return m.Update(id, models.TaskUpdate{
		Status:   &status,
		Metadata: map[string]any{models.MetaError: reason},
	})
}

// Dependents returns tasks that depend on id.
func (m *TaskManager) Dependents(id string) ([]*models.Task, error) {
	tasks, err := m.store.ListDependents(id)
	if err != nil {
		return nil, errs.Storage("list dependents", err)
	}
	return tasks, nil
}

// Dependencies returns the existing dependency tasks of id, in declaration order.
func (m *TaskManager) Dependencies(id string) ([]*models.Task, error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	var out []*models.Task
	for _, depID := range t.Dependencies {
		dep, err := m.store.GetTask(depID)
		if err != nil {
			return nil, errs.Storage("list dependencies", err)
		}
		if dep != nil {
			out = append(out, dep)
		}
	}
	return out, nil
}

// CountByStatus returns the number of stored tasks per status.
func (m *TaskManager) CountByStatus() (map[models.TaskStatus]int, error) {
	counts, err := m.store.CountTasksByStatus()
	if err != nil {
		return nil, errs.Storage("count tasks", err)
	}
	return counts, nil
}

// Delete removes a task. A missing task is a NotFound error.
func (m *TaskManager) Delete(id string) error {
	if _, err := m.Get(id); err != nil {
		return err
	}
	if err := m.store.DeleteTask(id); err != nil {
		return errs.Storage("delete task", err)
	}
	return nil
}
