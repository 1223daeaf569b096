package models

import (
	"fmt"
	"strings"
)

// Role names a persona agents can play. The built-in set is closed; any other
// non-empty name is a dynamic role produced by role synthesis.
type Role string

// Built-in roles.
const (
	RoleOrchestrator        Role = "Orchestrator"
	RoleRoleDefiner         Role = "RoleDefiner"
	RolePromptEngineer      Role = "PromptEngineer"
	RoleProtocolEstablisher Role = "ProtocolEstablisher"
	RoleSystemMonitor       Role = "SystemMonitor"
	RoleMetaCommunicator    Role = "MetaCommunicator"
	RoleFizzLaMetta         Role = "FizzLaMetta"
	RoleKickLaMetta         Role = "KickLaMetta"
	RoleDima                Role = "Dima"
	RoleAR00L               Role = "AR-00L"
	RoleQllickBuzzFizz      Role = "QllickBuzz & QllickFizz"
	RoleWePlan              Role = "WePlan"
	RoleCodein              Role = "Codein"
)

// RoleDynamicSpecialist is the dynamic role used when synthesis cannot
// produce anything better.
const RoleDynamicSpecialist Role = "DynamicSpecialist"

// RoleBroadcast addresses every role on a channel.
const RoleBroadcast Role = "Broadcast"

var builtinRoles = []Role{
	RoleOrchestrator,
	RoleRoleDefiner,
	RolePromptEngineer,
	RoleProtocolEstablisher,
	RoleSystemMonitor,
	RoleMetaCommunicator,
	RoleFizzLaMetta,
	RoleKickLaMetta,
	RoleDima,
	RoleAR00L,
	RoleQllickBuzzFizz,
	RoleWePlan,
	RoleCodein,
}

// BuiltinRoles returns the closed set of built-in roles.
func BuiltinRoles() []Role {
	out := make([]Role, len(builtinRoles))
	copy(out, builtinRoles)
	return out
}

// IsBuiltin reports whether r is one of the built-in roles.
func (r Role) IsBuiltin() bool {
	for _, b := range builtinRoles {
		if r == b {
			return true
		}
	}
	return false
}

// IsDynamic reports whether r is a non-empty role outside the built-in set.
func (r Role) IsDynamic() bool {
	return r != "" && r != RoleBroadcast && !r.IsBuiltin()
}

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// ParseRole trims s and returns it as a Role. Unknown names are valid
// dynamic roles; only empty input is rejected.
func ParseRole(s string) (Role, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("role name is empty")
	}
	return Role(s), nil
}

// RoleDefinition is the output of role synthesis.
type RoleDefinition struct {
	Role             Role     `json:"role"`
	Mission          string   `json:"mission"`
	Responsibilities []string `json:"responsibilities"`
	Constraints      []string `json:"constraints"`
	SystemPrompt     string   `json:"systemPrompt"`
	Capabilities     []string `json:"capabilities"`
	IsEphemeral      bool     `json:"isEphemeral"`
}
