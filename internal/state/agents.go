package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deniskropp/t170/pkg/models"
)

const agentColumns = `id, role, capabilities, status, current_task_id, last_active, is_ephemeral`

// RegisterAgent inserts an agent or replaces the existing profile with the same ID.
func (db *DB) RegisterAgent(a *models.AgentProfile) error {
	caps, err := encodeCapabilities(a.Capabilities)
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			capabilities = excluded.capabilities,
			status = excluded.status,
			current_task_id = excluded.current_task_id,
			last_active = excluded.last_active,
			is_ephemeral = excluded.is_ephemeral
	`, a.ID, string(a.Role), caps, string(a.Status), a.CurrentTaskID,
		formatTime(a.LastActive), boolToInt(a.IsEphemeral))
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID. It returns nil, nil when the agent does not exist.
func (db *DB) GetAgent(id string) (*models.AgentProfile, error) {
	row := db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// UpdateAgentStatus sets an agent's status and current task and refreshes
// last_active. It returns ErrNotFound for unknown agents.
func (db *DB) UpdateAgentStatus(id string, status models.AgentStatus, taskID string, now time.Time) error {
	result, err := db.Exec(`
		UPDATE agents SET status = ?, current_task_id = ?, last_active = ?
		WHERE id = ?
	`, string(status), taskID, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return requireRow(result, "update agent status")
}

// ListAgents lists agents, optionally filtered by status.
func (db *DB) ListAgents(status *models.AgentStatus) ([]*models.AgentProfile, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = db.Query(`SELECT `+agentColumns+` FROM agents WHERE status = ? ORDER BY rowid`, string(*status))
	} else {
		rows, err = db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY rowid`)
	}
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return scanAgents(rows)
}

// ListAgentsByRole lists every agent playing the given role.
func (db *DB) ListAgentsByRole(role models.Role) ([]*models.AgentProfile, error) {
	rows, err := db.Query(`SELECT `+agentColumns+` FROM agents WHERE role = ? ORDER BY rowid`, string(role))
	if err != nil {
		return nil, fmt.Errorf("list agents by role: %w", err)
	}
	return scanAgents(rows)
}

// FindIdleAgent returns an idle agent of the role without reserving it,
// or nil when none is idle.
func (db *DB) FindIdleAgent(role models.Role) (*models.AgentProfile, error) {
	row := db.QueryRow(`
		SELECT `+agentColumns+` FROM agents
		WHERE role = ? AND status = ?
		ORDER BY last_active, rowid LIMIT 1
	`, string(role), string(models.AgentStatusIdle))
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find idle agent: %w", err)
	}
	return a, nil
}

// ClaimIdleAgent atomically moves one idle agent of the role to busy with
// taskID as its current task. It returns nil when no idle agent exists.
// The least recently active agent is preferred.
func (db *DB) ClaimIdleAgent(role models.Role, taskID string, now time.Time) (*models.AgentProfile, error) {
	var claimed *models.AgentProfile
	err := db.Transaction(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT id FROM agents
			WHERE role = ? AND status = ?
			ORDER BY last_active, rowid
		`, string(role), string(models.AgentStatusIdle))
		if err != nil {
			return err
		}
		var candidates []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range candidates {
			a, err := claimTx(tx, id, taskID, now)
			if err != nil {
				return err
			}
			if a != nil {
				claimed = a
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim idle agent: %w", err)
	}
	return claimed, nil
}

// ClaimAgent atomically claims a specific agent if it is idle.
// It returns nil when the agent is missing or not idle.
func (db *DB) ClaimAgent(id, taskID string, now time.Time) (*models.AgentProfile, error) {
	var claimed *models.AgentProfile
	err := db.Transaction(func(tx *sql.Tx) error {
		a, err := claimTx(tx, id, taskID, now)
		claimed = a
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim agent: %w", err)
	}
	return claimed, nil
}

// claimTx performs the conditional idle-to-busy transition. The status
// predicate in the WHERE clause is what makes the claim exclusive.
func claimTx(tx *sql.Tx, id, taskID string, now time.Time) (*models.AgentProfile, error) {
	result, err := tx.Exec(`
		UPDATE agents SET status = ?, current_task_id = ?, last_active = ?
		WHERE id = ? AND status = ?
	`, string(models.AgentStatusBusy), taskID, formatTime(now), id, string(models.AgentStatusIdle))
	if err != nil {
		return nil, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	row := tx.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// ReleaseAgentsForTask moves every busy agent holding taskID back to idle.
// It returns the released agent IDs.
func (db *DB) ReleaseAgentsForTask(taskID string, now time.Time) ([]string, error) {
	var released []string
	err := db.Transaction(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id FROM agents WHERE current_task_id = ? AND status = ?`,
			taskID, string(models.AgentStatusBusy))
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			released = append(released, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.Exec(`
			UPDATE agents SET status = ?, current_task_id = '', last_active = ?
			WHERE current_task_id = ? AND status = ?
		`, string(models.AgentStatusIdle), formatTime(now), taskID, string(models.AgentStatusBusy))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("release agents for task: %w", err)
	}
	return released, nil
}

// DeleteAgent deletes an agent by ID.
func (db *DB) DeleteAgent(id string) error {
	_, err := db.Exec("DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// DeleteIdleEphemeralAgents removes ephemeral agents that are idle and
// hold no task. It returns the number deleted.
func (db *DB) DeleteIdleEphemeralAgents() (int64, error) {
	result, err := db.Exec(`
		DELETE FROM agents
		WHERE is_ephemeral = 1 AND status = ? AND current_task_id = ''
	`, string(models.AgentStatusIdle))
	if err != nil {
		return 0, fmt.Errorf("delete ephemeral agents: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

func scanAgent(r rowScanner) (*models.AgentProfile, error) {
	var a models.AgentProfile
	var role, status, lastActive string
	var caps sql.NullString
	var ephemeral int

	if err := r.Scan(&a.ID, &role, &caps, &status, &a.CurrentTaskID, &lastActive, &ephemeral); err != nil {
		return nil, err
	}

	a.Role = models.Role(role)
	a.Status = models.AgentStatus(status)
	a.LastActive, _ = parseTime(lastActive)
	a.IsEphemeral = ephemeral != 0
	if caps.Valid && caps.String != "" {
		if err := json.Unmarshal([]byte(caps.String), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	return &a, nil
}

func scanAgents(rows *sql.Rows) ([]*models.AgentProfile, error) {
	defer rows.Close()

	var agents []*models.AgentProfile
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func encodeCapabilities(caps []string) (string, error) {
	if caps == nil {
		caps = []string{}
	}
	b, err := json.Marshal(caps)
	if err != nil {
		return "", fmt.Errorf("encode capabilities: %w", err)
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
