package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/deniskropp/t170/internal/bus"
	"github.com/deniskropp/t170/internal/errs"
	"github.com/deniskropp/t170/internal/ethics"
	"github.com/deniskropp/t170/internal/orchestrator/policy"
	"github.com/deniskropp/t170/internal/roles"
	"github.com/deniskropp/t170/internal/state"
	"github.com/deniskropp/t170/internal/telemetry"
	"github.com/deniskropp/t170/pkg/models"
)

// Metric names written to the metric store.
const (
	MetricTaskDispatch   = "task_dispatch"
	MetricTaskCompletion = "task_completion"
)

// Result reasons.
const (
	ReasonNoRole           = "task has no assigned role"
	ReasonNotReady         = "task not ready"
	ReasonNoAgent          = "no agent available"
	reasonEthicsPrefix     = "ethical review failed: "
	completionStatusOK     = "success"
	completionStatusFailed = "failure"
)

// DispatchResult is the outcome of dispatching one task.
type DispatchResult struct {
	TaskID      string
	Success     bool
	AgentID     string
	Role        models.Role
	Reason      string
	Synthesized bool
}

// DispatcherDeps are the collaborators of a Dispatcher. Tasks and Agents are
// required; the rest are optional.
type DispatcherDeps struct {
	Tasks       *TaskManager
	Agents      *AgentRegistry
	Gate        ethics.Gate
	Synthesizer *roles.Synthesizer
	Bus         *bus.Bus
	Metrics     state.MetricStore
	Telemetry   *telemetry.Metrics
	Events      *EventEmitter
}

// Dispatcher matches ready tasks to idle agents.
type Dispatcher struct {
	tasks     *TaskManager
	agents    *AgentRegistry
	gate      ethics.Gate
	synth     *roles.Synthesizer
	bus       *bus.Bus
	metrics   state.MetricStore
	telemetry *telemetry.Metrics
	events    *EventEmitter
	policy    *policy.Config

	// cycleMu serializes dispatch cycles and single-task dispatches.
	cycleMu sync.Mutex

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	cycles    int
	lastCycle time.Time
}

// NewDispatcher creates a Dispatcher. A nil gate uses the default keyword
// gate; a nil synthesizer always produces the fallback role. The dispatcher
// keeps a normalized copy of p; invalid values fall back to defaults.
func NewDispatcher(deps DispatcherDeps, p *policy.Config) *Dispatcher {
	if p == nil {
		p = policy.Default()
	}
	if err := p.Validate(); err != nil {
		log.Printf("[dispatcher] invalid policy, using defaults where out of range: %v", err)
	}
	p = p.Normalized()

	gate := deps.Gate
	if gate == nil {
		gate = ethics.NewKeywordGate()
	}
	synth := deps.Synthesizer
	if synth == nil {
		synth = roles.NewSynthesizer(nil, deps.Agents.Catalog(), roles.SynthesizerConfig{
			Timeout:     p.Synthesis.Timeout,
			Temperature: p.Synthesis.Temperature,
		})
	}

	return &Dispatcher{
		tasks:     deps.Tasks,
		agents:    deps.Agents,
		gate:      gate,
		synth:     synth,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		telemetry: deps.Telemetry,
		events:    deps.Events,
		policy:    p,
	}
}

// Policy returns the dispatcher's policy.
func (d *Dispatcher) Policy() *policy.Config {
	return d.policy
}

// DispatchBatch runs one dispatch cycle over every ready task, highest
// priority first. Skipped tasks produce no result. A failure on one task is
// reported in its result and the cycle continues.
func (d *Dispatcher) DispatchBatch(ctx context.Context) ([]DispatchResult, error) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	start := time.Now()
	ready, err := d.tasks.ListReady()
	if err != nil {
		return nil, fmt.Errorf("dispatch batch: %w", err)
	}

	// Stable: equal priorities keep creation order.
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority > ready[j].Priority
	})
	debugLog("[dispatcher] cycle start: %d ready tasks", len(ready))

	var results []DispatchResult
	for _, t := range ready {
		if err := ctx.Err(); err != nil {
			if len(results) == 0 {
				return nil, err
			}
			break
		}
		if res, ok := d.dispatchTask(ctx, t); ok {
			results = append(results, res)
		}
	}

	elapsed := time.Since(start)
	d.mu.Lock()
	d.cycles++
	d.lastCycle = start
	d.mu.Unlock()

	d.telemetry.RecordCycle(ctx, elapsed.Seconds(), len(results))
	if len(ready) > 0 {
		d.events.Emit(DispatchEvent{
			Type:     EventBatchCompleted,
			Count:    len(results),
			Duration: elapsed,
			Message:  fmt.Sprintf("%d ready, %d results", len(ready), len(results)),
		})
	}
	debugLog("[dispatcher] cycle done in %s: %d results", elapsed, len(results))
	return results, nil
}

// Dispatch runs the dispatch steps for a single task. It returns a NotFound
// error for an unknown task. A task that is not ready or finds no agent
// yields an unsuccessful result rather than an error.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string) (DispatchResult, error) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	t, err := d.tasks.Get(taskID)
	if err != nil {
		return DispatchResult{}, err
	}
	ready, err := d.tasks.IsReady(t)
	if err != nil {
		return DispatchResult{}, err
	}
	if !ready {
		return DispatchResult{TaskID: taskID, Reason: ReasonNotReady}, nil
	}

	res, ok := d.dispatchTask(ctx, t)
	if !ok {
		return DispatchResult{TaskID: taskID, Reason: ReasonNoAgent}, nil
	}
	return res, nil
}

// dispatchTask reviews and assigns one task. The boolean is false when the
// task was skipped and no result should be reported.
func (d *Dispatcher) dispatchTask(ctx context.Context, snapshot *models.Task) (DispatchResult, bool) {
	fail := func(reason string) (DispatchResult, bool) {
		return DispatchResult{TaskID: snapshot.ID, Reason: reason}, true
	}

	t, err := d.tasks.Get(snapshot.ID)
	if errs.Is(err, errs.CodeNotFound) {
		return DispatchResult{}, false
	}
	if err != nil {
		log.Printf("[dispatcher] task %s: %v", snapshot.ID, err)
		d.telemetry.RecordDispatch(ctx, telemetry.OutcomeStoreError, string(snapshot.AssignedTo))
		return fail(err.Error())
	}
	if t.Status != models.TaskStatusPending {
		debugLog("[dispatcher] skip %s: status %s", t.ID, t.Status)
		return DispatchResult{}, false
	}

	review := d.gate.Review(ctx, ethics.ReviewRequest{
		TaskID:  t.ID,
		Context: t.Name + " - " + t.Description,
		Stage:   ethics.StagePreExecution,
	})
	if !review.Approved {
		return d.block(ctx, t, review)
	}

	if t.AssignedTo == "" {
		d.telemetry.RecordDispatch(ctx, telemetry.OutcomeUnassigned, "")
		return fail(ReasonNoRole)
	}

	agent, err := d.agents.ClaimIdle(t.AssignedTo, t.ID)
	if err != nil {
		log.Printf("[dispatcher] claim for %s: %v", t.ID, err)
		d.telemetry.RecordDispatch(ctx, telemetry.OutcomeStoreError, string(t.AssignedTo))
		return fail(err.Error())
	}

	synthesized := false
	if agent == nil && t.Priority >= d.policy.Dispatch.HighPriorityThreshold {
		agent, err = d.synthesizeAgent(ctx, t)
		if err != nil {
			log.Printf("[dispatcher] dynamic agent for %s: %v", t.ID, err)
			d.telemetry.RecordDispatch(ctx, telemetry.OutcomeStoreError, string(t.AssignedTo))
			return fail(err.Error())
		}
		synthesized = agent != nil
	}
	if agent == nil {
		debugLog("[dispatcher] no idle agent for %s (role=%s priority=%d)", t.ID, t.AssignedTo, t.Priority)
		d.telemetry.RecordDispatch(ctx, telemetry.OutcomeNoAgent, string(t.AssignedTo))
		return DispatchResult{}, false
	}

	role := agent.Role
	inProgress := models.TaskStatusInProgress
	if _, err := d.tasks.Transition(t.ID, models.TaskStatusPending, models.TaskUpdate{
		Status:     &inProgress,
		AssignedTo: &role,
	}); err != nil {
		if rerr := d.agents.UpdateStatus(agent.ID, models.AgentStatusIdle, ""); rerr != nil {
			log.Printf("[dispatcher] release %s after failed assignment: %v", agent.ID, rerr)
		}
		log.Printf("[dispatcher] assign %s to %s: %v", t.ID, agent.ID, err)
		d.telemetry.RecordDispatch(ctx, telemetry.OutcomeStoreError, string(role))
		return fail(err.Error())
	}

	d.announce(ctx, t, agent)
	outcome := telemetry.OutcomeAssigned
	if synthesized {
		outcome = telemetry.OutcomeSynthesized
	}
	d.telemetry.RecordDispatch(ctx, outcome, string(role))
	d.events.Emit(DispatchEvent{
		Type:     EventTaskDispatched,
		TaskID:   t.ID,
		TaskName: t.Name,
		AgentID:  agent.ID,
		Role:     role,
		Priority: t.Priority,
	})
	log.Printf("[dispatcher] task %s dispatched to %s (%s)", t.ID, agent.ID, role)

	return DispatchResult{
		TaskID:      t.ID,
		Success:     true,
		AgentID:     agent.ID,
		Role:        role,
		Synthesized: synthesized,
	}, true
}

func (d *Dispatcher) block(ctx context.Context, t *models.Task, review ethics.ReviewResult) (DispatchResult, bool) {
	blocked := models.TaskStatusBlocked
	concerns := review.Concerns
	if concerns == nil {
		concerns = []string{}
	}
	_, err := d.tasks.Update(t.ID, models.TaskUpdate{
		Status: &blocked,
		Metadata: map[string]any{
			models.MetaEthicalConcerns: concerns,
			models.MetaEthicalFeedback: review.Feedback,
		},
	})
	if err != nil {
		log.Printf("[dispatcher] block %s: %v", t.ID, err)
		d.telemetry.RecordDispatch(ctx, telemetry.OutcomeStoreError, string(t.AssignedTo))
		return DispatchResult{TaskID: t.ID, Reason: err.Error()}, true
	}

	reason := reasonEthicsPrefix + review.Feedback
	log.Printf("[dispatcher] task %s blocked: %v", t.ID, concerns)
	d.telemetry.RecordDispatch(ctx, telemetry.OutcomeBlocked, string(t.AssignedTo))
	d.events.Emit(DispatchEvent{
		Type:     EventTaskBlocked,
		TaskID:   t.ID,
		TaskName: t.Name,
		Role:     t.AssignedTo,
		Priority: t.Priority,
		Message:  reason,
	})
	return DispatchResult{TaskID: t.ID, Reason: reason}, true
}

// synthesizeAgent creates a dynamic role for t, registers an ephemeral agent
// for it and claims that agent. It returns nil when the claim misses.
// The agent carries the synthesized capabilities plus whatever the
// catalog requires for the task's type.
func (d *Dispatcher) synthesizeAgent(ctx context.Context, t *models.Task) (*models.AgentProfile, error) {
	desc := t.Description
	if desc == "" {
		desc = t.Name
	}
	def := d.synth.Generate(ctx, desc)
	d.telemetry.RecordSynthesis(ctx, def.Role == models.RoleDynamicSpecialist)

	caps := append(append([]string{}, def.Capabilities...), d.agents.Catalog().RequiredCapabilities(t.Type)...)
	registered, err := d.agents.RegisterEphemeral(def.Role, caps)
	if err != nil {
		return nil, err
	}
	if d.bus != nil {
		d.bus.RegisterRole(def.Role)
	}

	agent, err := d.agents.Claim(registered.ID, t.ID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, nil
	}

	log.Printf("[dispatcher] synthesized role %s for %s (agent %s)", def.Role, t.ID, agent.ID)
	d.events.Emit(DispatchEvent{
		Type:     EventRoleSynthesized,
		TaskID:   t.ID,
		TaskName: t.Name,
		AgentID:  agent.ID,
		Role:     def.Role,
		Priority: t.Priority,
		Message:  def.Mission,
	})
	return agent, nil
}

type executeCommand struct {
	Command  string `json:"command"`
	TaskID   string `json:"taskId"`
	Priority int    `json:"priority"`
}

// announce publishes the execute command and records the dispatch metric.
func (d *Dispatcher) announce(ctx context.Context, t *models.Task, agent *models.AgentProfile) {
	if d.bus != nil {
		content, err := json.Marshal(executeCommand{Command: "execute", TaskID: t.ID, Priority: t.Priority})
		if err != nil {
			log.Printf("[dispatcher] encode command for %s: %v", t.ID, err)
		} else {
			msg := bus.NewMessage(models.RoleOrchestrator, agent.Role, models.MessageCommand,
				d.policy.Dispatch.Channel, string(content))
			msg.CorrelationID = t.ID
			msg.Metadata = map[string]string{"agentId": agent.ID}
			d.bus.Publish(msg)
		}
	}

	d.recordMetric(MetricTaskDispatch, map[string]string{
		"taskId":    t.ID,
		"taskType":  t.Type,
		"agentRole": string(agent.Role),
		"agentId":   agent.ID,
		"priority":  strconv.Itoa(t.Priority),
	})
}

func (d *Dispatcher) recordMetric(name string, tags map[string]string) {
	if d.metrics == nil {
		return
	}
	if err := d.metrics.RecordMetric(models.MetricPoint{
		Name:      name,
		Value:     1,
		Tags:      tags,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		log.Printf("[dispatcher] record metric %s: %v", name, err)
	}
}

// HandleCompletion marks an in-progress task completed, releases its agent
// and reports dependents that became ready.
func (d *Dispatcher) HandleCompletion(ctx context.Context, taskID, result string) (*models.Task, error) {
	status := models.TaskStatusCompleted
	t, err := d.finish(taskID, models.TaskUpdate{
		Status:   &status,
		Metadata: map[string]any{models.MetaCompletionResult: result},
	})
	if err != nil {
		return nil, err
	}

	d.recordMetric(MetricTaskCompletion, map[string]string{
		"taskId":    t.ID,
		"agentRole": string(t.AssignedTo),
		"status":    completionStatusOK,
	})
	d.telemetry.RecordCompletion(ctx, completionStatusOK)
	d.events.Emit(DispatchEvent{
		Type:     EventTaskCompleted,
		TaskID:   t.ID,
		TaskName: t.Name,
		Role:     t.AssignedTo,
		Priority: t.Priority,
	})
	log.Printf("[dispatcher] task %s completed", t.ID)

	d.notifyUnblocked(t.ID)
	return t, nil
}

// HandleFailure marks an in-progress task failed and releases its agent.
func (d *Dispatcher) HandleFailure(ctx context.Context, taskID, reason string) (*models.Task, error) {
	status := models.TaskStatusFailed
	t, err := d.finish(taskID, models.TaskUpdate{
		Status:   &status,
		Metadata: map[string]any{models.MetaError: reason},
	})
	if err != nil {
		return nil, err
	}

	d.recordMetric(MetricTaskCompletion, map[string]string{
		"taskId":    t.ID,
		"agentRole": string(t.AssignedTo),
		"status":    completionStatusFailed,
		"error":     truncate(reason, d.policy.Metrics.ErrorTruncate),
	})
	d.telemetry.RecordCompletion(ctx, completionStatusFailed)
	d.events.Emit(DispatchEvent{
		Type:     EventTaskFailed,
		TaskID:   t.ID,
		TaskName: t.Name,
		Role:     t.AssignedTo,
		Priority: t.Priority,
		Error:    errors.New(reason),
	})
	log.Printf("[dispatcher] task %s failed: %s", t.ID, truncate(reason, d.policy.Metrics.ErrorTruncate))
	return t, nil
}

// finish applies a terminal update to an in-progress task and releases
// whichever agent holds it.
func (d *Dispatcher) finish(taskID string, u models.TaskUpdate) (*models.Task, error) {
	t, err := d.tasks.Transition(taskID, models.TaskStatusInProgress, u)
	if err != nil {
		return nil, err
	}
	released, err := d.agents.ReleaseTask(taskID)
	if err != nil {
		return nil, err
	}
	debugLog("[dispatcher] %s -> %s, released %v", taskID, t.Status, released)
	return t, nil
}

func (d *Dispatcher) notifyUnblocked(taskID string) {
	dependents, err := d.tasks.Dependents(taskID)
	if err != nil {
		log.Printf("[dispatcher] dependents of %s: %v", taskID, err)
		return
	}
	for _, dep := range dependents {
		ready, err := d.tasks.IsReady(dep)
		if err != nil {
			log.Printf("[dispatcher] readiness of %s: %v", dep.ID, err)
			continue
		}
		if ready {
			d.events.Emit(DispatchEvent{
				Type:     EventTaskUnblocked,
				TaskID:   dep.ID,
				TaskName: dep.Name,
				Role:     dep.AssignedTo,
				Priority: dep.Priority,
			})
		}
	}
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
