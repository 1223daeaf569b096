// Package roles holds the role-capability catalog and the synthesizer that
// mints ephemeral roles for tasks no existing agent can serve.
package roles

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/deniskropp/t170/pkg/models"
)

//go:embed catalog.yaml
var builtinCatalog []byte

// RoleSpec describes one role in the catalog.
type RoleSpec struct {
	Name         string   `yaml:"name" mapstructure:"name"`
	Mission      string   `yaml:"mission" mapstructure:"mission"`
	Capabilities []string `yaml:"capabilities" mapstructure:"capabilities"`
}

// catalogFile is the YAML layout of a catalog.
type catalogFile struct {
	Roles               []RoleSpec          `yaml:"roles"`
	TaskTypes           map[string][]string `yaml:"task_types"`
	DefaultCapabilities []string            `yaml:"default_capabilities"`
}

// Catalog maps roles to default capabilities and task types to required
// capabilities. It is immutable after construction and safe to share.
type Catalog struct {
	roles     map[models.Role]RoleSpec
	order     []models.Role
	taskTypes map[string][]string
	fallback  []string
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(builtinCatalog)
	if err != nil {
		// The embedded document is part of the binary.
		panic(fmt.Sprintf("roles: invalid built-in catalog: %v", err))
	}
	return c
}

// ParseCatalog parses a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse role catalog: %w", err)
	}

	c := &Catalog{
		roles:     make(map[models.Role]RoleSpec, len(f.Roles)),
		taskTypes: make(map[string][]string, len(f.TaskTypes)),
		fallback:  models.DedupeStrings(f.DefaultCapabilities),
	}
	for _, spec := range f.Roles {
		if err := c.add(spec); err != nil {
			return nil, err
		}
	}
	for typ, caps := range f.TaskTypes {
		c.taskTypes[strings.ToLower(typ)] = models.DedupeStrings(caps)
	}
	if len(c.fallback) == 0 {
		c.fallback = []string{"general_execution"}
	}
	return c, nil
}

// LoadCatalog reads the built-in catalog and overlays the file at path.
// Roles in the file replace built-in entries of the same name.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role catalog: %w", err)
	}
	overlay, err := ParseCatalog(data)
	if err != nil {
		return nil, err
	}
	return DefaultCatalog().Merge(overlay), nil
}

// WithRoles returns a copy of c extended with extra role specs, as supplied
// by configuration.
func (c *Catalog) WithRoles(extra []RoleSpec) (*Catalog, error) {
	out := c.clone()
	for _, spec := range extra {
		if err := out.add(spec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Merge returns a copy of c with every role and task type from other applied on top.
func (c *Catalog) Merge(other *Catalog) *Catalog {
	out := c.clone()
	for _, r := range other.order {
		out.add(other.roles[r])
	}
	for typ, caps := range other.taskTypes {
		out.taskTypes[typ] = caps
	}
	return out
}

func (c *Catalog) add(spec RoleSpec) error {
	role, err := models.ParseRole(spec.Name)
	if err != nil {
		return fmt.Errorf("role catalog: %w", err)
	}
	spec.Name = string(role)
	spec.Capabilities = models.DedupeStrings(spec.Capabilities)
	if _, exists := c.roles[role]; !exists {
		c.order = append(c.order, role)
	}
	c.roles[role] = spec
	return nil
}

func (c *Catalog) clone() *Catalog {
	out := &Catalog{
		roles:     make(map[models.Role]RoleSpec, len(c.roles)),
		order:     append([]models.Role{}, c.order...),
		taskTypes: make(map[string][]string, len(c.taskTypes)),
		fallback:  append([]string{}, c.fallback...),
	}
	for k, v := range c.roles {
		out.roles[k] = v
	}
	for k, v := range c.taskTypes {
		out.taskTypes[k] = v
	}
	return out
}

// Lookup returns the spec for role.
func (c *Catalog) Lookup(role models.Role) (RoleSpec, bool) {
	spec, ok := c.roles[role]
	return spec, ok
}

// Roles returns every catalogued role in declaration order.
func (c *Catalog) Roles() []models.Role {
	return append([]models.Role{}, c.order...)
}

// CapabilitiesFor returns the default capabilities of role, or the
// catalog's fallback set for unknown roles.
func (c *Catalog) CapabilitiesFor(role models.Role) []string {
	if spec, ok := c.roles[role]; ok && len(spec.Capabilities) > 0 {
		return append([]string{}, spec.Capabilities...)
	}
	return append([]string{}, c.fallback...)
}

// RequiredCapabilities returns the capabilities needed for a task type.
// Lookup is case-insensitive; unknown types need the fallback set.
func (c *Catalog) RequiredCapabilities(taskType string) []string {
	if caps, ok := c.taskTypes[strings.ToLower(taskType)]; ok {
		return append([]string{}, caps...)
	}
	return append([]string{}, c.fallback...)
}

// TaskTypes returns the known task types, sorted.
func (c *Catalog) TaskTypes() []string {
	out := make([]string, 0, len(c.taskTypes))
	for t := range c.taskTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
