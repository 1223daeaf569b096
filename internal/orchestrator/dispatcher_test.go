package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/deniskropp/t170/internal/bus"
	"github.com/deniskropp/t170/internal/errs"
	"github.com/deniskropp/t170/internal/ethics"
	"github.com/deniskropp/t170/internal/orchestrator/policy"
	"github.com/deniskropp/t170/internal/roles"
	"github.com/deniskropp/t170/internal/state"
	"github.com/deniskropp/t170/pkg/models"
)

type testEnv struct {
	db     *state.DB
	tasks  *TaskManager
	agents *AgentRegistry
	bus    *bus.Bus
	events *EventEmitter
	d      *Dispatcher
}

func newTestEnv(t *testing.T, completer roles.Completer, gate ethics.Gate) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	tasks := NewTaskManager(db)
	agents := NewAgentRegistry(db, nil)
	b := bus.New(bus.WithJournal(db))
	events := NewEventEmitter(100, time.Millisecond)
	synth := roles.NewSynthesizer(completer, agents.Catalog(), roles.SynthesizerConfig{Timeout: time.Second})

	d := NewDispatcher(DispatcherDeps{
		Tasks:       tasks,
		Agents:      agents,
		Gate:        gate,
		Synthesizer: synth,
		Bus:         b,
		Metrics:     db,
		Events:      events,
	}, policy.Default())

	return &testEnv{db: db, tasks: tasks, agents: agents, bus: b, events: events, d: d}
}

func roleReply(role string) roles.Completer {
	return roles.CompleterFunc(func(ctx context.Context, prompt, system string, temp float64) (string, error) {
		return `Here you go: {"role":"` + role + `","mission":"Crunch data","responsibilities":["analyze"],` +
			`"constraints":[],"systemPrompt":"You crunch data.","capabilities":["data_analysis"]}`, nil
	})
}

func drainEvents(e *EventEmitter) []DispatchEvent {
	var out []DispatchEvent
	for {
		select {
		case ev := <-e.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfType(events []DispatchEvent, typ EventType) []DispatchEvent {
	var out []DispatchEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (e *testEnv) task(t *testing.T, id string) *models.Task {
	t.Helper()
	task, err := e.tasks.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return task
}

func TestNewDispatcher_CopiesPolicy(t *testing.T) {
	db := setupTestDB(t)
	p := &policy.Config{Synthesis: policy.SynthesisPolicy{Temperature: 5}}
	d := NewDispatcher(DispatcherDeps{Tasks: NewTaskManager(db), Agents: NewAgentRegistry(db, nil)}, p)

	if d.Policy() == p {
		t.Fatal("dispatcher shares the caller's policy")
	}
	if p.Synthesis.Temperature != 5 || p.Dispatch.Channel != "" {
		t.Errorf("caller policy modified: %+v", p)
	}
	got := d.Policy()
	if got.Synthesis.Temperature != 0.7 || got.Dispatch.Channel != "task-dispatch" {
		t.Errorf("dispatcher policy not normalized: %+v", got)
	}
}

func TestDispatchBatch_EmptyReadySet(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	mustRegister(t, env.agents, "g1", models.RoleCodein)
	a := mustCreate(t, env.tasks, models.TaskSpec{Name: "A"})
	mustCreate(t, env.tasks, models.TaskSpec{Name: "B", Dependencies: []string{a.ID}, AssignedTo: models.RoleCodein})
	env.tasks.Update(a.ID, models.StatusUpdate(models.TaskStatusFailed))

	results, err := env.d.DispatchBatch(context.Background())
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v, want none", results)
	}

	g1, _ := env.agents.Get("g1")
	if g1.Status != models.AgentStatusIdle {
		t.Errorf("agent status = %s, nothing should change", g1.Status)
	}
	if n := env.bus.QueueSize("task-dispatch"); n != 0 {
		t.Errorf("dispatch queue = %d, want 0", n)
	}
}

// Scenario A: one ready task, two idle agents of its role.
func TestDispatchBatch_AssignsExactlyOneAgent(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	const role = models.RoleCodein
	mustRegister(t, env.agents, "g1", role)
	mustRegister(t, env.agents, "g2", role)
	a := mustCreate(t, env.tasks, models.TaskSpec{Name: "A", Type: "code", Priority: 5, AssignedTo: role})

	results, err := env.d.DispatchBatch(context.Background())
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v, want one success", results)
	}
	res := results[0]
	if res.TaskID != a.ID || res.Role != role || res.Synthesized {
		t.Errorf("result = %+v", res)
	}

	busy := 0
	for _, id := range []string{"g1", "g2"} {
		g, _ := env.agents.Get(id)
		if g.Status == models.AgentStatusBusy {
			busy++
			if g.CurrentTaskID != a.ID || g.ID != res.AgentID {
				t.Errorf("busy agent = %+v", g)
			}
		}
	}
	if busy != 1 {
		t.Errorf("%d busy agents, want exactly 1", busy)
	}

	task := env.task(t, a.ID)
	if task.Status != models.TaskStatusInProgress || task.AssignedTo != role {
		t.Errorf("task = %s/%s, want in_progress/%s", task.Status, task.AssignedTo, role)
	}

	msgs := env.bus.Peek("task-dispatch", 10)
	if len(msgs) != 1 {
		t.Fatalf("dispatch messages = %d, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Type != models.MessageCommand || msg.Receiver != role || msg.Sender != models.RoleOrchestrator {
		t.Errorf("message = %+v", msg)
	}
	var cmd struct {
		Command  string `json:"command"`
		TaskID   string `json:"taskId"`
		Priority int    `json:"priority"`
	}
	if err := json.Unmarshal([]byte(msg.Content), &cmd); err != nil {
		t.Fatalf("decode content %q: %v", msg.Content, err)
	}
	if cmd.Command != "execute" || cmd.TaskID != a.ID || cmd.Priority != 5 {
		t.Errorf("command = %+v", cmd)
	}

	points, err := env.db.ListMetrics(MetricTaskDispatch, time.Time{})
	if err != nil {
		t.Fatalf("ListMetrics: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("dispatch metrics = %d, want 1", len(points))
	}
	tags := points[0].Tags
	if tags["taskId"] != a.ID || tags["taskType"] != "code" || tags["agentRole"] != string(role) ||
		tags["agentId"] != res.AgentID || tags["priority"] != "5" {
		t.Errorf("tags = %v", tags)
	}

	if got := eventsOfType(drainEvents(env.events), EventTaskDispatched); len(got) != 1 || got[0].TaskID != a.ID {
		t.Errorf("dispatched events = %+v", got)
	}
}

// Scenario C: no agent of an unknown role at high priority.
func TestDispatchBatch_SynthesizesEphemeralAgent(t *testing.T) {
	env := newTestEnv(t, roleReply("DataCruncher"), nil)
	c := mustCreate(t, env.tasks, models.TaskSpec{
		Name:        "C",
		Description: "crunch the quarterly data",
		Priority:    5,
		AssignedTo:  "UnknownRole",
	})

	results, err := env.d.DispatchBatch(context.Background())
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if len(results) != 1 || !results[0].Success || !results[0].Synthesized {
		t.Fatalf("results = %+v, want one synthesized success", results)
	}

	agent, err := env.agents.Get(results[0].AgentID)
	if err != nil {
		t.Fatalf("Get agent: %v", err)
	}
	if !agent.IsEphemeral {
		t.Error("synthesized agent must be ephemeral")
	}
	if agent.Role != "DataCruncher" || !agent.HasCapability("data_analysis") {
		t.Errorf("agent = %+v", agent)
	}
	if agent.Status != models.AgentStatusBusy || agent.CurrentTaskID != c.ID {
		t.Errorf("agent state = %s/%s", agent.Status, agent.CurrentTaskID)
	}

	task := env.task(t, c.ID)
	if task.Status != models.TaskStatusInProgress || task.AssignedTo != "DataCruncher" {
		t.Errorf("task = %s/%s", task.Status, task.AssignedTo)
	}

	all, _ := env.agents.List()
	if len(all) != 1 {
		t.Errorf("%d agents registered, want exactly 1", len(all))
	}
	if got := eventsOfType(drainEvents(env.events), EventRoleSynthesized); len(got) != 1 {
		t.Errorf("role_synthesized events = %d, want 1", len(got))
	}
}

func TestDispatchBatch_SynthesizedAgentCoversTaskType(t *testing.T) {
	env := newTestEnv(t, roleReply("DataCruncher"), nil)
	mustCreate(t, env.tasks, models.TaskSpec{
		Name:       "roadmap",
		Type:       "planning",
		Priority:   5,
		AssignedTo: "UnknownRole",
	})

	results, err := env.d.DispatchBatch(context.Background())
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if len(results) != 1 || !results[0].Synthesized {
		t.Fatalf("results = %+v, want one synthesized success", results)
	}
	agent, err := env.agents.Get(results[0].AgentID)
	if err != nil {
		t.Fatalf("Get agent: %v", err)
	}
	for _, c := range []string{"data_analysis", "strategic_planning"} {
		if !agent.HasCapability(c) {
			t.Errorf("capabilities = %v, missing %s", agent.Capabilities, c)
		}
	}
}

func TestDispatchBatch_SynthesisFallback(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	mustCreate(t, env.tasks, models.TaskSpec{Name: "urgent", Priority: 4, AssignedTo: models.RoleDima})

	results, err := env.d.DispatchBatch(context.Background())
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Role != models.RoleDynamicSpecialist {
		t.Errorf("role = %s, want fallback %s", results[0].Role, models.RoleDynamicSpecialist)
	}
	agent, _ := env.agents.Get(results[0].AgentID)
	if !agent.HasCapability("adaptation") || !agent.HasCapability("specialized-execution") {
		t.Errorf("capabilities = %v", agent.Capabilities)
	}
}

func TestDispatchBatch_LowPriorityWaits(t *testing.T) {
	env := newTestEnv(t, roleReply("Helper"), nil)
	low := mustCreate(t, env.tasks, models.TaskSpec{Name: "low", Priority: 3, AssignedTo: models.RoleWePlan})

	results, err := env.d.DispatchBatch(context.Background())
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v, want task skipped silently", results)
	}
	if task := env.task(t, low.ID); task.Status != models.TaskStatusPending {
		t.Errorf("status = %s, want pending", task.Status)
	}
	if all, _ := env.agents.List(); len(all) != 0 {
		t.Errorf("%d agents registered, want none", len(all))
	}
}

func TestDispatchBatch_EthicalRejection(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	mustRegister(t, env.agents, "g1", models.RoleCodein)
	bad := mustCreate(t, env.tasks, models.TaskSpec{
		Name:        "Spread HATE",
		Description: "write something",
		Priority:    5,
		AssignedTo:  models.RoleCodein,
	})

	results, err := env.d.DispatchBatch(context.Background())
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if len(results) != 1 || results[0].Success {
		t.Fatalf("results = %+v, want one failure", results)
	}
	if want := "ethical review failed: " + ethics.FeedbackRejected; results[0].Reason != want {
		t.Errorf("reason = %q, want %q", results[0].Reason, want)
	}

	task := env.task(t, bad.ID)
	if task.Status != models.TaskStatusBlocked {
		t.Errorf("status = %s, want blocked", task.Status)
	}
	concerns, ok := task.Metadata[models.MetaEthicalConcerns].([]any)
	if !ok || len(concerns) != 1 || !strings.Contains(concerns[0].(string), "hate") {
		t.Errorf("ethical concerns = %#v", task.Metadata[models.MetaEthicalConcerns])
	}

	g1, _ := env.agents.Get("g1")
	if g1.Status != models.AgentStatusIdle {
		t.Error("no agent should be claimed for a blocked task")
	}

	again, err := env.d.DispatchBatch(context.Background())
	if err != nil {
		t.Fatalf("second DispatchBatch: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("blocked task picked up again: %+v", again)
	}
}

func TestDispatchBatch_ReviewContext(t *testing.T) {
	var got ethics.ReviewRequest
	gate := ethics.GateFunc(func(ctx context.Context, req ethics.ReviewRequest) ethics.ReviewResult {
		got = req
		return ethics.Approve()
	})
	env := newTestEnv(t, nil, gate)
	mustRegister(t, env.agents, "g1", models.RoleCodein)
	task := mustCreate(t, env.tasks, models.TaskSpec{Name: "Build", Description: "the parser", AssignedTo: models.RoleCodein})

	if _, err := env.d.DispatchBatch(context.Background()); err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if got.Context != "Build - the parser" || got.Stage != ethics.StagePreExecution || got.TaskID != task.ID {
		t.Errorf("review request = %+v", got)
	}
}

func TestDispatchBatch_NoAssignedRole(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	task := mustCreate(t, env.tasks, models.TaskSpec{Name: "orphan", Priority: 9})

	results, err := env.d.DispatchBatch(context.Background())
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if len(results) != 1 || results[0].Success || results[0].Reason != ReasonNoRole {
		t.Errorf("results = %+v", results)
	}
	if got := env.task(t, task.ID); got.Status != models.TaskStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestDispatchBatch_PriorityOrder(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	mustRegister(t, env.agents, "g1", models.RoleCodein)
	low := mustCreate(t, env.tasks, models.TaskSpec{Name: "low", Priority: 1, AssignedTo: models.RoleCodein})
	high := mustCreate(t, env.tasks, models.TaskSpec{Name: "high", Priority: 3, AssignedTo: models.RoleCodein})

	results, err := env.d.DispatchBatch(context.Background())
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if len(results) != 1 || results[0].TaskID != high.ID {
		t.Fatalf("results = %+v, want high priority task", results)
	}
	if got := env.task(t, low.ID); got.Status != models.TaskStatusPending {
		t.Errorf("low priority task status = %s, want pending", got.Status)
	}
}

func TestDispatchBatch_EqualPriorityKeepsCreationOrder(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	mustRegister(t, env.agents, "g1", models.RoleCodein)
	first := mustCreate(t, env.tasks, models.TaskSpec{Name: "first", Priority: 2, AssignedTo: models.RoleCodein})
	mustCreate(t, env.tasks, models.TaskSpec{Name: "second", Priority: 2, AssignedTo: models.RoleCodein})

	results, err := env.d.DispatchBatch(context.Background())
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if len(results) != 1 || results[0].TaskID != first.ID {
		t.Errorf("results = %+v, want first task", results)
	}
}

func TestDispatchBatch_CancelledContext(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	mustRegister(t, env.agents, "g1", models.RoleCodein)
	mustCreate(t, env.tasks, models.TaskSpec{Name: "a", AssignedTo: models.RoleCodein})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := env.d.DispatchBatch(ctx); err == nil {
		t.Error("expected context error")
	}
}

func TestDispatch_SingleTask(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	mustRegister(t, env.agents, "g1", models.RoleCodein)
	mustRegister(t, env.agents, "g2", models.RoleCodein)
	a := mustCreate(t, env.tasks, models.TaskSpec{Name: "a", Priority: 9, AssignedTo: models.RoleCodein})
	b := mustCreate(t, env.tasks, models.TaskSpec{Name: "b", Priority: 1, AssignedTo: models.RoleCodein})

	res, err := env.d.Dispatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Success || res.TaskID != b.ID {
		t.Fatalf("result = %+v, want success for b", res)
	}
	if got := env.task(t, a.ID); got.Status != models.TaskStatusPending {
		t.Errorf("task a status = %s, Dispatch must only touch b", got.Status)
	}

	res, err = env.d.Dispatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Dispatch again: %v", err)
	}
	if res.Success || res.Reason != ReasonNotReady {
		t.Errorf("result = %+v, want not ready", res)
	}

	if _, err := env.d.Dispatch(context.Background(), "task-missing"); !errs.Is(err, errs.CodeNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestDispatch_NoAgentAvailable(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	task := mustCreate(t, env.tasks, models.TaskSpec{Name: "x", Priority: 1, AssignedTo: models.RoleDima})

	res, err := env.d.Dispatch(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Success || res.Reason != ReasonNoAgent {
		t.Errorf("result = %+v, want no agent available", res)
	}
}

func TestDispatch_DependenciesUnmet(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	mustRegister(t, env.agents, "g1", models.RoleCodein)
	a := mustCreate(t, env.tasks, models.TaskSpec{Name: "a"})
	b := mustCreate(t, env.tasks, models.TaskSpec{Name: "b", Dependencies: []string{a.ID}, AssignedTo: models.RoleCodein})

	res, err := env.d.Dispatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Reason != ReasonNotReady {
		t.Errorf("result = %+v, want not ready", res)
	}
}

func TestHandleCompletion(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	mustRegister(t, env.agents, "g1", models.RoleCodein)
	a := mustCreate(t, env.tasks, models.TaskSpec{Name: "A", Priority: 5, AssignedTo: models.RoleCodein})
	b := mustCreate(t, env.tasks, models.TaskSpec{Name: "B", Dependencies: []string{a.ID}, AssignedTo: models.RoleCodein})

	if _, err := env.d.DispatchBatch(context.Background()); err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	drainEvents(env.events)

	done, err := env.d.HandleCompletion(context.Background(), a.ID, "all good")
	if err != nil {
		t.Fatalf("HandleCompletion: %v", err)
	}
	if done.Status != models.TaskStatusCompleted || done.Metadata[models.MetaCompletionResult] != "all good" {
		t.Errorf("task = %+v", done)
	}

	g1, _ := env.agents.Get("g1")
	if g1.Status != models.AgentStatusIdle || g1.CurrentTaskID != "" {
		t.Errorf("agent = %+v, want released", g1)
	}

	events := drainEvents(env.events)
	if got := eventsOfType(events, EventTaskCompleted); len(got) != 1 {
		t.Errorf("completed events = %d", len(got))
	}
	if got := eventsOfType(events, EventTaskUnblocked); len(got) != 1 || got[0].TaskID != b.ID {
		t.Errorf("unblocked events = %+v", got)
	}

	points, _ := env.db.ListMetrics(MetricTaskCompletion, time.Time{})
	if len(points) != 1 || points[0].Tags["status"] != "success" {
		t.Errorf("completion metrics = %+v", points)
	}

	// B is now dispatchable to the released agent.
	results, err := env.d.DispatchBatch(context.Background())
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if len(results) != 1 || results[0].TaskID != b.ID || results[0].AgentID != "g1" {
		t.Errorf("results = %+v", results)
	}
}

func TestHandleCompletion_Errors(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	pending := mustCreate(t, env.tasks, models.TaskSpec{Name: "p"})

	if _, err := env.d.HandleCompletion(context.Background(), "task-missing", "x"); !errs.Is(err, errs.CodeNotFound) {
		t.Errorf("unknown task: err = %v, want not found", err)
	}
	if _, err := env.d.HandleCompletion(context.Background(), pending.ID, "x"); !errs.Is(err, errs.CodeValidation) {
		t.Errorf("pending task: err = %v, want validation error", err)
	}
	if got := env.task(t, pending.ID); got.Status != models.TaskStatusPending {
		t.Errorf("status = %s, must be unchanged", got.Status)
	}
}

func TestHandleFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	mustRegister(t, env.agents, "g1", models.RoleCodein)
	a := mustCreate(t, env.tasks, models.TaskSpec{Name: "A", AssignedTo: models.RoleCodein})
	env.d.DispatchBatch(context.Background())

	reason := strings.Repeat("x", 150)
	failed, err := env.d.HandleFailure(context.Background(), a.ID, reason)
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if failed.Status != models.TaskStatusFailed || failed.Metadata[models.MetaError] != reason {
		t.Errorf("task = %+v", failed)
	}

	g1, _ := env.agents.Get("g1")
	if g1.Status != models.AgentStatusIdle {
		t.Errorf("agent status = %s, want idle", g1.Status)
	}

	points, _ := env.db.ListMetrics(MetricTaskCompletion, time.Time{})
	if len(points) != 1 {
		t.Fatalf("completion metrics = %d, want 1", len(points))
	}
	if points[0].Tags["status"] != "failure" || len(points[0].Tags["error"]) != 100 {
		t.Errorf("tags = %v, want failure with 100-char error", points[0].Tags)
	}

	if got := eventsOfType(drainEvents(env.events), EventTaskFailed); len(got) != 1 || got[0].Error == nil {
		t.Errorf("failed events = %+v", got)
	}
}
