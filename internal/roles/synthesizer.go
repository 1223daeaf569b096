package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/deniskropp/t170/internal/errs"
	"github.com/deniskropp/t170/pkg/models"
)

// Completer is the text completion service used for role synthesis.
type Completer interface {
	Complete(ctx context.Context, prompt, systemPrompt string, temperature float64) (string, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, prompt, systemPrompt string, temperature float64) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, prompt, systemPrompt string, temperature float64) (string, error) {
	return f(ctx, prompt, systemPrompt, temperature)
}

// Synthesis defaults.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultTemperature = 0.7
)

const synthesisSystemPrompt = `You design agent roles for a multi-agent system.
You answer with a single JSON object and nothing else.`

const synthesisPrompt = `No existing agent role can handle the task below. Define one new specialist role for it.

TASK:
%s

EXISTING ROLES (do not reuse these names):
%s

Respond with ONLY a JSON object with this exact structure:
{
  "role": "ShortPascalCaseName",
  "mission": "One sentence describing the role's purpose",
  "responsibilities": ["responsibility", "..."],
  "constraints": ["constraint", "..."],
  "systemPrompt": "Behavioral directive given to the agent",
  "capabilities": ["snake_case_capability", "..."]
}`

// FallbackRole returns the deterministic role used whenever synthesis fails.
func FallbackRole() models.RoleDefinition {
	return models.RoleDefinition{
		Role:    models.RoleDynamicSpecialist,
		Mission: "Handle specialized tasks that do not fit standard roles.",
		Responsibilities: []string{
			"Analyze task requirements",
			"Execute specialized actions",
			"Report results",
		},
		Constraints: []string{
			"Adhere to ethical guidelines",
			"Report anomalies",
		},
		SystemPrompt: "You are a dynamic specialist created for a specific task. Adapt to the requirements.",
		Capabilities: []string{"adaptation", "specialized-execution"},
		IsEphemeral:  true,
	}
}

// SynthesizerConfig configures a Synthesizer.
type SynthesizerConfig struct {
	// Timeout bounds one completion call. Zero means DefaultTimeout.
	Timeout time.Duration
	// Temperature is passed to the completer. Zero means DefaultTemperature.
	Temperature float64
	// OnFallback is called with the reason whenever the fallback role is used.
	OnFallback func(err error)
}

// Synthesizer mints ephemeral roles through a Completer.
type Synthesizer struct {
	completer Completer
	catalog   *Catalog
	cfg       SynthesizerConfig
}

// NewSynthesizer creates a synthesizer. A nil completer makes every
// Generate call return the fallback role.
func NewSynthesizer(completer Completer, catalog *Catalog, cfg SynthesizerConfig) *Synthesizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Synthesizer{completer: completer, catalog: catalog, cfg: cfg}
}

// Generate returns a role definition for the task. It never fails: any
// error from the completion service, a timeout or an unusable reply
// yields FallbackRole.
func (s *Synthesizer) Generate(ctx context.Context, taskDescription string) models.RoleDefinition {
	def, err := s.Synthesize(ctx, taskDescription)
	if err != nil {
		log.Printf("[roles] synthesis fell back to %s: %v", models.RoleDynamicSpecialist, err)
		if s.cfg.OnFallback != nil {
			s.cfg.OnFallback(err)
		}
		return FallbackRole()
	}
	return def
}

// Synthesize asks the completer for a role and validates the reply.
// Errors carry errs.CodeExternalService or errs.CodeValidation.
func (s *Synthesizer) Synthesize(ctx context.Context, taskDescription string) (models.RoleDefinition, error) {
	const op = "synthesize role"
	if s.completer == nil {
		return models.RoleDefinition{}, errs.External(op, errors.New("no completion service configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	prompt := fmt.Sprintf(synthesisPrompt, strings.TrimSpace(taskDescription), s.roleList())

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := s.completer.Complete(ctx, prompt, synthesisSystemPrompt, s.cfg.Temperature)
		done <- result{text, err}
	}()

	var reply string
	select {
	case <-ctx.Done():
		return models.RoleDefinition{}, errs.External(op, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return models.RoleDefinition{}, errs.External(op, r.err)
		}
		reply = r.text
	}

	return parseRoleDefinition(reply)
}

func (s *Synthesizer) roleList() string {
	names := make([]string, 0, len(s.catalog.Roles()))
	for _, r := range s.catalog.Roles() {
		names = append(names, string(r))
	}
	return strings.Join(names, ", ")
}

// parseRoleDefinition extracts the JSON object from a completion reply.
func parseRoleDefinition(reply string) (models.RoleDefinition, error) {
	const op = "parse role definition"

	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start == -1 || end == -1 || end <= start {
		return models.RoleDefinition{}, errs.Validation(op, "no JSON object in reply: %s", truncate(reply, 200))
	}

	var def models.RoleDefinition
	if err := json.Unmarshal([]byte(reply[start:end+1]), &def); err != nil {
		return models.RoleDefinition{}, errs.New(errs.CodeValidation, op, "malformed JSON", err)
	}

	role, err := models.ParseRole(string(def.Role))
	if err != nil {
		return models.RoleDefinition{}, errs.Validation(op, "reply has no role name")
	}
	if !role.IsDynamic() {
		return models.RoleDefinition{}, errs.Validation(op, "reply reuses reserved role %q", role)
	}
	def.Role = role

	def.Capabilities = models.DedupeStrings(def.Capabilities)
	if len(def.Capabilities) == 0 {
		def.Capabilities = FallbackRole().Capabilities
	}
	if def.Responsibilities == nil {
		def.Responsibilities = []string{}
	}
	if def.Constraints == nil {
		def.Constraints = []string{}
	}
	def.IsEphemeral = true
	return def, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
