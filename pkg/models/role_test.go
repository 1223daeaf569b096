package models

import "testing"

func TestRole_IsBuiltin(t *testing.T) {
	tests := []struct {
		role    Role
		builtin bool
		dynamic bool
	}{
		{RoleOrchestrator, true, false},
		{RoleAR00L, true, false},
		{RoleQllickBuzzFizz, true, false},
		{RoleCodein, true, false},
		{RoleDynamicSpecialist, false, true},
		{Role("DataCurator"), false, true},
		{Role(""), false, false},
		{RoleBroadcast, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			if got := tt.role.IsBuiltin(); got != tt.builtin {
				t.Errorf("IsBuiltin() = %v, want %v", got, tt.builtin)
			}
			if got := tt.role.IsDynamic(); got != tt.dynamic {
				t.Errorf("IsDynamic() = %v, want %v", got, tt.dynamic)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("  WePlan ")
	if err != nil {
		t.Fatalf("ParseRole: %v", err)
	}
	if r != RoleWePlan {
		t.Errorf("ParseRole = %q, want %q", r, RoleWePlan)
	}

	if _, err := ParseRole("   "); err == nil {
		t.Error("expected error for blank role")
	}
}

func TestBuiltinRoles_ReturnsCopy(t *testing.T) {
	roles := BuiltinRoles()
	if len(roles) != 13 {
		t.Fatalf("len(BuiltinRoles()) = %d, want 13", len(roles))
	}
	roles[0] = "Mutated"
	if BuiltinRoles()[0] != RoleOrchestrator {
		t.Error("BuiltinRoles exposed internal slice")
	}
}

func TestAgentProfile_Removable(t *testing.T) {
	a := AgentProfile{IsEphemeral: true, Status: AgentStatusIdle}
	if !a.Removable() {
		t.Error("idle unassigned ephemeral agent should be removable")
	}
	a.CurrentTaskID = "t1"
	if a.Removable() {
		t.Error("assigned agent should not be removable")
	}
	b := AgentProfile{Status: AgentStatusIdle}
	if b.Removable() {
		t.Error("permanent agent should not be removable")
	}
}

func TestMessage_Clone(t *testing.T) {
	m := Message{ID: "m1", Metadata: map[string]string{"k": "v"}}
	c := m.Clone()
	c.Metadata["k"] = "changed"
	if m.Metadata["k"] != "v" {
		t.Error("Clone shared metadata map")
	}
}
