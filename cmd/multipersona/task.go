package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/deniskropp/t170/internal/orchestrator"
	"github.com/deniskropp/t170/pkg/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and inspect tasks",
}

var (
	taskName        string
	taskDescription string
	taskType        string
	taskPriority    int
	taskDepends     []string
	taskRole        string
	taskFile        string
	taskStatus      string
	taskOrder       bool
)

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task, or every task in a YAML file",
	Long: `Create a task from flags, or a batch of tasks from a YAML file.

The file holds a list of tasks:

  - name: Gather requirements
    assigned_to: WePlan
    priority: 3
  - name: Write code
    assigned_to: Codein
    dependencies: [Gather requirements]

Dependencies may name earlier tasks in the same file; those are replaced by
the created task IDs.`,
	Args: cobra.NoArgs,
	RunE: runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <task-id> [result]",
	Short: "Mark an in-progress task completed and release its agent",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runTaskComplete,
}

var taskFailCmd = &cobra.Command{
	Use:   "fail <task-id> <reason>",
	Short: "Mark an in-progress task failed and release its agent",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskFail,
}

func init() {
	f := taskCreateCmd.Flags()
	f.StringVarP(&taskName, "name", "n", "", "Task name")
	f.StringVarP(&taskDescription, "description", "d", "", "Task description")
	f.StringVar(&taskType, "type", "", "Task type")
	f.IntVarP(&taskPriority, "priority", "p", 0, "Priority (higher dispatches first)")
	f.StringSliceVar(&taskDepends, "depends", nil, "IDs of tasks this task depends on")
	f.StringVarP(&taskRole, "role", "r", "", "Role expected to execute the task")
	f.StringVarP(&taskFile, "file", "f", "", "YAML file with a list of tasks")

	taskListCmd.Flags().StringVarP(&taskStatus, "status", "s", "", "Filter by status (pending, ready, in_progress, completed, failed, blocked)")
	taskListCmd.Flags().BoolVar(&taskOrder, "order", false, "List in dependency order instead of creation order")

	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskShowCmd, taskCompleteCmd, taskFailCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	var specs []models.TaskSpec
	if taskFile != "" {
		data, err := os.ReadFile(taskFile)
		if err != nil {
			return fmt.Errorf("read task file: %w", err)
		}
		specs, err = parseTaskFile(data)
		if err != nil {
			return err
		}
	} else {
		if taskName == "" {
			return fmt.Errorf("--name or --file is required")
		}
		specs = []models.TaskSpec{{
			Name:         taskName,
			Description:  taskDescription,
			Type:         taskType,
			Priority:     taskPriority,
			Dependencies: taskDepends,
			AssignedTo:   models.Role(strings.TrimSpace(taskRole)),
		}}
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	created, err := createTasks(a.tasks, specs)
	for _, t := range created {
		printStatus("+", fmt.Sprintf("%s %s", t.ID, t.Name), color.FgGreen)
	}
	return err
}

// parseTaskFile decodes a YAML list of task specs.
func parseTaskFile(data []byte) ([]models.TaskSpec, error) {
	var specs []models.TaskSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse task file: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("task file contains no tasks")
	}
	return specs, nil
}

// createTasks creates specs in order. A dependency naming an earlier spec is
// replaced by that task's ID. Stops at the first error.
func createTasks(tm *orchestrator.TaskManager, specs []models.TaskSpec) ([]*models.Task, error) {
	byName := make(map[string]string, len(specs))
	created := make([]*models.Task, 0, len(specs))
	for i, spec := range specs {
		deps := make([]string, 0, len(spec.Dependencies))
		for _, d := range spec.Dependencies {
			if id, ok := byName[d]; ok {
				d = id
			}
			deps = append(deps, d)
		}
		spec.Dependencies = deps

		t, err := tm.Create(spec)
		if err != nil {
			return created, fmt.Errorf("task %d (%q): %w", i+1, spec.Name, err)
		}
		byName[t.Name] = t.ID
		created = append(created, t)
	}
	return created, nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	var filter *models.TaskStatus
	if taskStatus != "" {
		s := models.TaskStatus(strings.ToLower(taskStatus))
		if !s.Valid() {
			return fmt.Errorf("unknown status %q", taskStatus)
		}
		filter = &s
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	var tasks []*models.Task
	if taskOrder {
		tasks, err = a.tasks.ExecutionOrder()
		if err == nil && filter != nil {
			tasks, err = filterTasks(a.tasks, tasks, *filter)
		}
	} else {
		tasks, err = a.tasks.List(filter)
	}
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRI\tROLE\tNAME")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			t.ID,
			color.New(taskStatusColor(t.Status)).Sprint(t.Status),
			t.Priority,
			orDash(string(t.AssignedTo)),
			truncateString(t.Name, 50))
	}
	return w.Flush()
}

// filterTasks keeps the tasks in status, treating ready as pending with
// satisfied dependencies.
func filterTasks(tm *orchestrator.TaskManager, tasks []*models.Task, status models.TaskStatus) ([]*models.Task, error) {
	out := tasks[:0]
	for _, t := range tasks {
		if status == models.TaskStatusReady {
			ready, err := tm.IsReady(t)
			if err != nil {
				return nil, err
			}
			if ready {
				out = append(out, t)
			}
			continue
		}
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.tasks.Get(args[0])
	if err != nil {
		return err
	}
	printTask(t)

	if t.Status == models.TaskStatusPending {
		ready, err := a.tasks.IsReady(t)
		if err != nil {
			return err
		}
		if ready {
			printStatus("○", "ready for dispatch", color.FgYellow)
		} else {
			printStatus("○", "waiting on dependencies", color.FgHiBlack)
		}
	}

	dependents, err := a.tasks.Dependents(t.ID)
	if err != nil {
		return err
	}
	for _, d := range dependents {
		fmt.Printf("  required by %s (%s)\n", d.ID, d.Status)
	}
	return nil
}

func runTaskComplete(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	result := ""
	if len(args) == 2 {
		result = args[1]
	}
	t, err := a.dispatcher.HandleCompletion(context.Background(), args[0], result)
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("%s completed", t.ID), color.FgGreen)
	return nil
}

func runTaskFail(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.dispatcher.HandleFailure(context.Background(), args[0], args[1])
	if err != nil {
		return err
	}
	printStatus("✗", fmt.Sprintf("%s failed: %s", t.ID, args[1]), color.FgRed)
	return nil
}
