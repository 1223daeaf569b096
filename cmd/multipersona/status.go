package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deniskropp/t170/internal/orchestrator"
	"github.com/deniskropp/t170/internal/state"
	"github.com/deniskropp/t170/pkg/models"
)

var statusSince time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task, agent and queue state",
	Long: `Display the current state of the dispatcher.

Shows:
  - Task counts by status and how many are ready
  - Agents by status and role
  - Message bus queue depths
  - Recent dispatch and completion metrics`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().DurationVar(&statusSince, "since", time.Hour, "Window for recent metrics")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.dispatcher.Status()
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render("Tasks"))
	displayTaskCounts(s)
	fmt.Println()

	fmt.Println(headerStyle.Render("Agents"))
	displayAgentSummary(s.Agents)
	fmt.Println()

	if err := displayRecentMetrics(a.db, statusSince); err != nil {
		return err
	}

	inc, err := state.NewRecoveryManager(a.db).Check()
	if err != nil {
		return err
	}
	if !inc.Empty() {
		fmt.Println()
		printStatus("⚠", fmt.Sprintf("%d stale agent(s), %d orphaned task(s); run 'multipersona recover'",
			len(inc.StaleAgents), len(inc.OrphanedTasks)), color.FgYellow)
	}
	return nil
}

func displayTaskCounts(s *orchestrator.DispatcherStatus) {
	order := []models.TaskStatus{
		models.TaskStatusPending,
		models.TaskStatusInProgress,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
		models.TaskStatusBlocked,
	}
	total := 0
	var lines []string
	for _, st := range order {
		n := s.Tasks[st]
		total += n
		line := labelStyle.Render(string(st)) + color.New(taskStatusColor(st)).Sprint(n)
		if st == models.TaskStatusPending && n > 0 {
			line += fmt.Sprintf(" (%d ready)", s.Ready)
		}
		lines = append(lines, line)
	}
	lines = append(lines, labelStyle.Render("total")+fmt.Sprint(total))
	fmt.Println(boxStyle.Render(strings.Join(lines, "\n")))
}

func displayAgentSummary(sum *orchestrator.AgentSummary) {
	if sum == nil || sum.Total == 0 {
		fmt.Println("  none registered")
		return
	}
	lines := []string{
		labelStyle.Render("idle") + color.GreenString("%d", sum.Idle),
		labelStyle.Render("busy") + color.CyanString("%d", sum.Busy),
		labelStyle.Render("offline") + fmt.Sprint(sum.Offline),
		labelStyle.Render("ephemeral") + fmt.Sprint(sum.Ephemeral),
	}
	for _, r := range sum.Roles() {
		lines = append(lines, labelStyle.Render(truncateString(r.String(), 13))+fmt.Sprint(sum.ByRole[r]))
	}
	fmt.Println(boxStyle.Render(strings.Join(lines, "\n")))
}

func displayRecentMetrics(db *state.DB, window time.Duration) error {
	since := time.Now().Add(-window)
	dispatched, err := db.ListMetrics(orchestrator.MetricTaskDispatch, since)
	if err != nil {
		return err
	}
	completions, err := db.ListMetrics(orchestrator.MetricTaskCompletion, since)
	if err != nil {
		return err
	}

	byStatus := make(map[string]int)
	for _, p := range completions {
		byStatus[p.Tags["status"]]++
	}
	statuses := make([]string, 0, len(byStatus))
	for st := range byStatus {
		statuses = append(statuses, st)
	}
	sort.Strings(statuses)

	fmt.Println(headerStyle.Render(fmt.Sprintf("Last %s", formatDuration(window))))
	lines := []string{labelStyle.Render("dispatched") + fmt.Sprint(len(dispatched))}
	for _, st := range statuses {
		lines = append(lines, labelStyle.Render(st)+fmt.Sprint(byStatus[st]))
	}
	fmt.Println(boxStyle.Render(strings.Join(lines, "\n")))
	return nil
}
