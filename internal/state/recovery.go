package state

import (
	"fmt"
	"log"
	"time"

	"github.com/deniskropp/t170/pkg/models"
)

// Inconsistency describes state left behind by an interrupted process.
type Inconsistency struct {
	// StaleAgents are busy agents whose current task is missing or no longer in progress.
	StaleAgents []string
	// OrphanedTasks are in-progress tasks that no busy agent holds.
	OrphanedTasks []string
}

// Empty reports whether nothing needs repair.
func (i *Inconsistency) Empty() bool {
	return len(i.StaleAgents) == 0 && len(i.OrphanedTasks) == 0
}

// RecoveryManager detects and repairs violations of the busy-agent/in-progress-task pairing.
type RecoveryManager struct {
	db *DB
}

// NewRecoveryManager creates a new RecoveryManager with the given database.
func NewRecoveryManager(db *DB) *RecoveryManager {
	return &RecoveryManager{db: db}
}

// Check scans agents and tasks and reports every inconsistency found.
func (rm *RecoveryManager) Check() (*Inconsistency, error) {
	busy := models.AgentStatusBusy
	agents, err := rm.db.ListAgents(&busy)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	held := make(map[string]bool, len(agents))
	var out Inconsistency
	for _, a := range agents {
		if a.CurrentTaskID == "" {
			out.StaleAgents = append(out.StaleAgents, a.ID)
			continue
		}
		t, err := rm.db.GetTask(a.CurrentTaskID)
		if err != nil {
			return nil, fmt.Errorf("get task %s: %w", a.CurrentTaskID, err)
		}
		if t == nil || t.Status != models.TaskStatusInProgress {
			out.StaleAgents = append(out.StaleAgents, a.ID)
			continue
		}
		held[t.ID] = true
	}

	tasks, err := rm.db.ListTasksByStatus(models.TaskStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range tasks {
		if !held[t.ID] {
			out.OrphanedTasks = append(out.OrphanedTasks, t.ID)
		}
	}
	return &out, nil
}

// ReleaseStaleAgents returns stale busy agents to idle.
// Returns the number of agents released.
func (rm *RecoveryManager) ReleaseStaleAgents() (int, error) {
	inc, err := rm.Check()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	for _, id := range inc.StaleAgents {
		if err := rm.db.UpdateAgentStatus(id, models.AgentStatusIdle, "", now); err != nil {
			return 0, fmt.Errorf("release agent %s: %w", id, err)
		}
		log.Printf("[recovery] released stale agent %s", id)
	}
	return len(inc.StaleAgents), nil
}

// RequeueOrphanedTasks moves in-progress tasks that no agent holds back to pending
// so the dispatcher can pick them up again. Returns the number requeued.
// This is the only in_progress to pending transition; run it while no
// dispatcher is working on the same database.
func (rm *RecoveryManager) RequeueOrphanedTasks() (int, error) {
	inc, err := rm.Check()
	if err != nil {
		return 0, err
	}

	for _, id := range inc.OrphanedTasks {
		_, err := rm.db.MutateTask(id, func(t *models.Task) error {
			if t.Status != models.TaskStatusInProgress {
				return nil
			}
			t.Status = models.TaskStatusPending
			t.UpdatedAt = time.Now()
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("requeue task %s: %w", id, err)
		}
		log.Printf("[recovery] requeued orphaned task %s", id)
	}
	return len(inc.OrphanedTasks), nil
}
