package roles

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/deniskropp/t170/pkg/models"
)

func TestDefaultCatalog_CoversBuiltinRoles(t *testing.T) {
	c := DefaultCatalog()
	for _, r := range models.BuiltinRoles() {
		if _, ok := c.Lookup(r); !ok {
			t.Errorf("built-in role %q missing from catalog", r)
		}
	}
}

func TestCatalog_CapabilitiesFor(t *testing.T) {
	c := DefaultCatalog()

	tests := []struct {
		role models.Role
		want []string
	}{
		{models.RoleCodein, []string{"code_implementation", "debugging", "refactoring"}},
		{models.RoleDima, []string{"ethical_review", "bias_detection"}},
		{models.RoleQllickBuzzFizz, []string{"rule_definition", "cli_generation"}},
		{models.Role("Unknown"), []string{"general_execution"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			if got := c.CapabilitiesFor(tt.role); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("CapabilitiesFor(%q) = %v, want %v", tt.role, got, tt.want)
			}
		})
	}
}

func TestCatalog_RequiredCapabilities(t *testing.T) {
	c := DefaultCatalog()
	tests := map[string]string{
		"TAS":        "task_execution",
		"tas":        "task_execution",
		"planning":   "strategic_planning",
		"code":       "code_implementation",
		"ethics":     "ethical_review",
		"monitoring": "system_analysis",
		"whatever":   "general_execution",
	}
	for typ, want := range tests {
		got := c.RequiredCapabilities(typ)
		if len(got) != 1 || got[0] != want {
			t.Errorf("RequiredCapabilities(%q) = %v, want [%s]", typ, got, want)
		}
	}
}

func TestCatalog_WithRoles(t *testing.T) {
	base := DefaultCatalog()
	ext, err := base.WithRoles([]RoleSpec{
		{Name: "DataCurator", Mission: "Curate datasets", Capabilities: []string{"data_cleaning", "data_cleaning"}},
		{Name: "Codein", Capabilities: []string{"go"}},
	})
	if err != nil {
		t.Fatalf("WithRoles: %v", err)
	}

	if got := ext.CapabilitiesFor("DataCurator"); !reflect.DeepEqual(got, []string{"data_cleaning"}) {
		t.Errorf("DataCurator capabilities = %v", got)
	}
	if got := ext.CapabilitiesFor(models.RoleCodein); !reflect.DeepEqual(got, []string{"go"}) {
		t.Errorf("overridden Codein capabilities = %v", got)
	}
	// The base catalog is untouched.
	if got := base.CapabilitiesFor(models.RoleCodein); len(got) != 3 {
		t.Errorf("base catalog mutated: %v", got)
	}

	if _, err := base.WithRoles([]RoleSpec{{Name: "  "}}); err == nil {
		t.Error("expected error for blank role name")
	}
}

func TestLoadCatalog_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	doc := `
roles:
  - name: Researcher
    mission: Find sources
    capabilities: [research]
task_types:
  research: [research]
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if _, ok := c.Lookup(models.RoleWePlan); !ok {
		t.Error("built-in roles lost in overlay")
	}
	if got := c.RequiredCapabilities("research"); len(got) != 1 || got[0] != "research" {
		t.Errorf("RequiredCapabilities(research) = %v", got)
	}
	roles := c.Roles()
	if roles[len(roles)-1] != "Researcher" {
		t.Errorf("overlay role not appended: %v", roles)
	}
}
