package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/deniskropp/t170/pkg/models"
)

const taskColumns = `id, name, description, type, status, priority, dependencies,
	assigned_to, artifacts, metadata, created_at, updated_at`

// CreateTask inserts a new task.
func (db *DB) CreateTask(t *models.Task) error {
	deps, arts, meta, err := encodeTaskFields(t)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, t.Description, t.Type, string(t.Status), t.Priority, deps,
		string(t.AssignedTo), arts, meta, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. It returns nil, nil when the task does not exist.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask overwrites every mutable column of a task.
// It returns ErrNotFound when no row matches.
func (db *DB) UpdateTask(t *models.Task) error {
	deps, arts, meta, err := encodeTaskFields(t)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	result, err := db.Exec(`
		UPDATE tasks SET name = ?, description = ?, type = ?, status = ?, priority = ?,
			dependencies = ?, assigned_to = ?, artifacts = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`, t.Name, t.Description, t.Type, string(t.Status), t.Priority, deps,
		string(t.AssignedTo), arts, meta, formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireRow(result, "update task")
}

// MutateTask loads a task, applies fn and writes the result back in one
// transaction. It returns ErrNotFound when the task does not exist. If fn
// returns an error nothing is written.
func (db *DB) MutateTask(id string, fn func(t *models.Task) error) (*models.Task, error) {
	var out *models.Task
	err := db.Transaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		t, err := scanTask(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}

		if err := fn(t); err != nil {
			return err
		}

		deps, arts, meta, err := encodeTaskFields(t)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			UPDATE tasks SET name = ?, description = ?, type = ?, status = ?, priority = ?,
				dependencies = ?, assigned_to = ?, artifacts = ?, metadata = ?, updated_at = ?
			WHERE id = ?
		`, t.Name, t.Description, t.Type, string(t.Status), t.Priority, deps,
			string(t.AssignedTo), arts, meta, formatTime(t.UpdatedAt), t.ID)
		if err != nil {
			return fmt.Errorf("write task: %w", err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mutate task %s: %w", id, err)
	}
	return out, nil
}

// DeleteTask deletes a task by ID.
func (db *DB) DeleteTask(id string) error {
	_, err := db.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// ListTasks lists tasks in creation order, optionally filtered by status.
// The order is stable across calls.
func (db *DB) ListTasks(status *models.TaskStatus) ([]*models.Task, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = db.Query(`SELECT `+taskColumns+` FROM tasks WHERE status = ?
			ORDER BY created_at, rowid`, string(*status))
	} else {
		rows, err = db.Query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at, rowid`)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return scanTasks(rows)
}

// ListTasksByStatus is shorthand for ListTasks with a status filter.
func (db *DB) ListTasksByStatus(status models.TaskStatus) ([]*models.Task, error) {
	return db.ListTasks(&status)
}

// ListDependents returns tasks that list id among their dependencies.
func (db *DB) ListDependents(id string) ([]*models.Task, error) {
	// Dependencies are a JSON array; json_each keeps the match exact.
	rows, err := db.Query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE EXISTS (SELECT 1 FROM json_each(tasks.dependencies) WHERE json_each.value = ?)
		ORDER BY created_at, rowid
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list dependents: %w", err)
	}
	return scanTasks(rows)
}

// CountTasksByStatus returns the number of tasks in each status.
func (db *DB) CountTasksByStatus() (map[models.TaskStatus]int, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanTask(r rowScanner) (*models.Task, error) {
	var t models.Task
	var status, assigned, createdAt, updatedAt string
	var deps, arts, meta sql.NullString

	err := r.Scan(&t.ID, &t.Name, &t.Description, &t.Type, &status, &t.Priority,
		&deps, &assigned, &arts, &meta, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Status = models.TaskStatus(status)
	t.AssignedTo = models.Role(assigned)
	t.CreatedAt, _ = parseTime(createdAt)
	t.UpdatedAt, _ = parseTime(updatedAt)

	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies: %w", err)
		}
	}
	if arts.Valid && arts.String != "" {
		if err := json.Unmarshal([]byte(arts.String), &t.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func encodeTaskFields(t *models.Task) (deps, arts, meta string, err error) {
	depList := t.Dependencies
	if depList == nil {
		depList = []string{}
	}
	b, err := json.Marshal(depList)
	if err != nil {
		return "", "", "", fmt.Errorf("encode dependencies: %w", err)
	}
	deps = string(b)

	if arts, err = encodeJSONMap(t.Artifacts); err != nil {
		return "", "", "", fmt.Errorf("encode artifacts: %w", err)
	}
	if meta, err = encodeJSONMap(t.Metadata); err != nil {
		return "", "", "", fmt.Errorf("encode metadata: %w", err)
	}
	return deps, arts, meta, nil
}

func encodeJSONMap[V any](m map[string]V) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func requireRow(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
