package orchestrator

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deniskropp/t170/internal/errs"
	"github.com/deniskropp/t170/internal/roles"
	"github.com/deniskropp/t170/internal/state"
	"github.com/deniskropp/t170/pkg/models"
)

// AgentRegistry manages agent profiles and their availability.
// Claims go through the store's conditional update, so concurrent callers
// can never hold the same agent.
type AgentRegistry struct {
	store   state.AgentStore
	catalog *roles.Catalog
	now     func() time.Time
}

// AgentSummary counts agents by status and role.
type AgentSummary struct {
	Total     int
	Idle      int
	Busy      int
	Offline   int
	Ephemeral int
	ByRole    map[models.Role]int
}

// NewAgentRegistry creates an AgentRegistry. A nil catalog uses the built-in one.
func NewAgentRegistry(store state.AgentStore, catalog *roles.Catalog) *AgentRegistry {
	if catalog == nil {
		catalog = roles.DefaultCatalog()
	}
	return &AgentRegistry{store: store, catalog: catalog, now: time.Now}
}

// Catalog returns the role catalog used to fill default capabilities.
func (r *AgentRegistry) Catalog() *roles.Catalog {
	return r.catalog
}

// Register upserts a profile by id. Empty capabilities are filled from the
// catalog and LastActive is set to now.
func (r *AgentRegistry) Register(p models.AgentProfile) (*models.AgentProfile, error) {
	const op = "register agent"

	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return nil, errs.Validation(op, "agent id is required")
	}
	if strings.TrimSpace(string(p.Role)) == "" {
		return nil, errs.Validation(op, "agent role is required")
	}
	if p.Status == "" {
		p.Status = models.AgentStatusIdle
	}
	if !p.Status.Valid() {
		return nil, errs.Validation(op, "invalid status %q", p.Status)
	}
	p.CurrentTaskID = strings.TrimSpace(p.CurrentTaskID)
	if p.Status != models.AgentStatusBusy {
		p.CurrentTaskID = ""
	} else if p.CurrentTaskID == "" {
		return nil, errs.Validation(op, "busy agent %s needs a current task", p.ID)
	}
	if len(p.Capabilities) == 0 {
		p.Capabilities = r.catalog.CapabilitiesFor(p.Role)
	}
	p.Capabilities = models.DedupeStrings(p.Capabilities)
	p.LastActive = r.now().UTC()

	if err := r.store.RegisterAgent(&p); err != nil {
		return nil, errs.Storage(op, err)
	}
	debugLog("[agents] registered %s role=%s status=%s ephemeral=%v", p.ID, p.Role, p.Status, p.IsEphemeral)
	return &p, nil
}

// RegisterEphemeral registers a new idle ephemeral agent for role. Its
// capabilities are caps plus the catalog defaults for the role.
func (r *AgentRegistry) RegisterEphemeral(role models.Role, caps []string) (*models.AgentProfile, error) {
	merged := append(append([]string{}, caps...), r.catalog.CapabilitiesFor(role)...)
	return r.Register(models.AgentProfile{
		ID:           "agent-dynamic-" + uuid.NewString(),
		Role:         role,
		Capabilities: merged,
		Status:       models.AgentStatusIdle,
		IsEphemeral:  true,
	})
}

// UpdateStatus sets status, current task and LastActive. Busy requires a
// task id; every other status clears it.
func (r *AgentRegistry) UpdateStatus(id string, status models.AgentStatus, taskID string) error {
	const op = "update agent status"

	if !status.Valid() {
		return errs.Validation(op, "invalid status %q", status)
	}
	taskID = strings.TrimSpace(taskID)
	if status != models.AgentStatusBusy {
		taskID = ""
	} else if taskID == "" {
		return errs.Validation(op, "busy agent %s needs a current task", id)
	}
	err := r.store.UpdateAgentStatus(id, status, taskID, r.now().UTC())
	if errors.Is(err, state.ErrNotFound) {
		return errs.NotFound(op, "agent", id)
	}
	if err != nil {
		return errs.Storage(op, err)
	}
	return nil
}

// Get returns the agent with id. A missing agent is a NotFound error.
func (r *AgentRegistry) Get(id string) (*models.AgentProfile, error) {
	const op = "get agent"

	a, err := r.store.GetAgent(id)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	if a == nil {
		return nil, errs.NotFound(op, "agent", id)
	}
	return a, nil
}

// List returns every agent.
func (r *AgentRegistry) List() ([]*models.AgentProfile, error) {
	agents, err := r.store.ListAgents(nil)
	if err != nil {
		return nil, errs.Storage("list agents", err)
	}
	return agents, nil
}

// ListByRole returns the agents playing role.
func (r *AgentRegistry) ListByRole(role models.Role) ([]*models.AgentProfile, error) {
	agents, err := r.store.ListAgentsByRole(role)
	if err != nil {
		return nil, errs.Storage("list agents by role", err)
	}
	return agents, nil
}

// ListByCapability returns the agents offering capability.
func (r *AgentRegistry) ListByCapability(capability string) ([]*models.AgentProfile, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	var out []*models.AgentProfile
	for _, a := range all {
		if a.HasCapability(capability) {
			out = append(out, a)
		}
	}
	return out, nil
}

// FindIdle returns an idle agent of role, or nil. It does not reserve the agent.
func (r *AgentRegistry) FindIdle(role models.Role) (*models.AgentProfile, error) {
	a, err := r.store.FindIdleAgent(role)
	if err != nil {
		return nil, errs.Storage("find idle agent", err)
	}
	return a, nil
}

// ClaimIdle atomically moves one idle agent of role to busy on taskID.
// It returns nil when no agent is idle.
func (r *AgentRegistry) ClaimIdle(role models.Role, taskID string) (*models.AgentProfile, error) {
	a, err := r.store.ClaimIdleAgent(role, taskID, r.now().UTC())
	if err != nil {
		return nil, errs.Storage("claim idle agent", err)
	}
	if a != nil {
		debugLog("[agents] claimed %s (role=%s) for %s", a.ID, role, taskID)
	}
	return a, nil
}

// Claim atomically claims the agent with id if it is idle, or returns nil.
func (r *AgentRegistry) Claim(id, taskID string) (*models.AgentProfile, error) {
	a, err := r.store.ClaimAgent(id, taskID, r.now().UTC())
	if err != nil {
		return nil, errs.Storage("claim agent", err)
	}
	return a, nil
}

// ReleaseTask returns every agent holding taskID to idle.
func (r *AgentRegistry) ReleaseTask(taskID string) ([]string, error) {
	ids, err := r.store.ReleaseAgentsForTask(taskID, r.now().UTC())
	if err != nil {
		return nil, errs.Storage("release agents", err)
	}
	return ids, nil
}

// Remove deletes an agent. A missing agent is a NotFound error.
func (r *AgentRegistry) Remove(id string) error {
	if _, err := r.Get(id); err != nil {
		return err
	}
	if err := r.store.DeleteAgent(id); err != nil {
		return errs.Storage("remove agent", err)
	}
	return nil
}

// CleanupEphemeral deletes idle ephemeral agents that hold no task.
func (r *AgentRegistry) CleanupEphemeral() (int, error) {
	n, err := r.store.DeleteIdleEphemeralAgents()
	if err != nil {
		return 0, errs.Storage("cleanup ephemeral agents", err)
	}
	if n > 0 {
		debugLog("[agents] removed %d idle ephemeral agents", n)
	}
	return int(n), nil
}

// Summary counts agents by status and role.
func (r *AgentRegistry) Summary() (*AgentSummary, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	s := &AgentSummary{ByRole: make(map[models.Role]int)}
	for _, a := range all {
		s.Total++
		s.ByRole[a.Role]++
		if a.IsEphemeral {
			s.Ephemeral++
		}
		switch a.Status {
		case models.AgentStatusIdle:
			s.Idle++
		case models.AgentStatusBusy:
			s.Busy++
		case models.AgentStatusOffline:
			s.Offline++
		}
	}
	return s, nil
}

// Roles returns the roles in the summary, sorted by name.
func (s *AgentSummary) Roles() []models.Role {
	out := make([]models.Role, 0, len(s.ByRole))
	for r := range s.ByRole {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
