// Package orchestrator matches ready tasks to agents.
//
// The package provides:
//   - TaskManager: task lifecycle and dependency readiness
//   - AgentRegistry: agent profiles and the atomic idle-to-busy claim
//   - Dispatcher: the dispatch cycle, ethical gating, dynamic role fallback
//     and completion handling
//
// A dispatch cycle lists ready tasks, orders them by priority, reviews each
// through an ethics.Gate and claims an idle agent of the task's role. When no
// agent is idle and the task is urgent enough, a role is synthesized and an
// ephemeral agent registered for it. Assignments are announced on the bus and
// as DispatchEvents.
//
// Example usage:
//
//	tasks := orchestrator.NewTaskManager(db)
//	agents := orchestrator.NewAgentRegistry(db, roles.DefaultCatalog())
//	d := orchestrator.NewDispatcher(orchestrator.DispatcherDeps{
//		Tasks:  tasks,
//		Agents: agents,
//		Gate:   ethics.NewKeywordGate(),
//	}, policy.Default())
//	results, err := d.DispatchBatch(ctx)
package orchestrator
