package models

import "time"

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	// AgentStatusIdle indicates the agent can accept a task.
	AgentStatusIdle AgentStatus = "idle"
	// AgentStatusBusy indicates the agent holds a task.
	AgentStatusBusy AgentStatus = "busy"
	// AgentStatusOffline indicates the agent is not available for dispatch.
	AgentStatusOffline AgentStatus = "offline"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusOffline:
		return true
	default:
		return false
	}
}

// AgentProfile describes an agent instance able to execute tasks for a role.
// Agents sharing a role are interchangeable.
type AgentProfile struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Role is the role this agent plays.
	Role Role `json:"role"`
	// Capabilities is the set of capability tags the agent offers.
	Capabilities []string `json:"capabilities,omitempty"`
	// Status is the current state of the agent.
	Status AgentStatus `json:"status"`
	// CurrentTaskID is the task the agent holds while busy.
	CurrentTaskID string `json:"current_task_id,omitempty"`
	// LastActive is refreshed on every status change.
	LastActive time.Time `json:"last_active"`
	// IsEphemeral marks agents created on demand for a synthesized role.
	IsEphemeral bool `json:"is_ephemeral"`
}

// HasCapability reports whether the agent offers the given capability.
func (a *AgentProfile) HasCapability(c string) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Removable reports whether an ephemeral agent can be cleaned up.
func (a *AgentProfile) Removable() bool {
	return a.IsEphemeral && a.Status == AgentStatusIdle && a.CurrentTaskID == ""
}
