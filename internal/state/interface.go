package state

import (
	"io"
	"time"

	"github.com/deniskropp/t170/pkg/models"
)

// TaskStore handles task persistence.
type TaskStore interface {
	CreateTask(t *models.Task) error
	GetTask(id string) (*models.Task, error)
	UpdateTask(t *models.Task) error
	MutateTask(id string, fn func(t *models.Task) error) (*models.Task, error)
	DeleteTask(id string) error
	ListTasks(status *models.TaskStatus) ([]*models.Task, error)
	ListDependents(id string) ([]*models.Task, error)
	CountTasksByStatus() (map[models.TaskStatus]int, error)
}

// AgentStore handles agent profile persistence and the atomic claim.
type AgentStore interface {
	RegisterAgent(a *models.AgentProfile) error
	GetAgent(id string) (*models.AgentProfile, error)
	UpdateAgentStatus(id string, status models.AgentStatus, taskID string, now time.Time) error
	ListAgents(status *models.AgentStatus) ([]*models.AgentProfile, error)
	ListAgentsByRole(role models.Role) ([]*models.AgentProfile, error)
	FindIdleAgent(role models.Role) (*models.AgentProfile, error)
	ClaimIdleAgent(role models.Role, taskID string, now time.Time) (*models.AgentProfile, error)
	ClaimAgent(id, taskID string, now time.Time) (*models.AgentProfile, error)
	ReleaseAgentsForTask(taskID string, now time.Time) ([]string, error)
	DeleteAgent(id string) error
	DeleteIdleEphemeralAgents() (int64, error)
}

// MessageStore journals bus traffic.
type MessageStore interface {
	AppendMessage(m *models.Message) error
	ListMessages(channel string, limit int) ([]*models.Message, error)
}

// MetricStore records metric points.
type MetricStore interface {
	RecordMetric(p models.MetricPoint) error
	ListMetrics(name string, since time.Time) ([]models.MetricPoint, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// StateStore composes every persistence concern the orchestrator needs so
// it can work with any backend.
type StateStore interface {
	io.Closer
	Migrator
	TaskStore
	AgentStore
	MessageStore
	MetricStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore   = (*DB)(nil)
	_ Migrator     = (*DB)(nil)
	_ TaskStore    = (*DB)(nil)
	_ AgentStore   = (*DB)(nil)
	_ MessageStore = (*DB)(nil)
	_ MetricStore  = (*DB)(nil)
)
