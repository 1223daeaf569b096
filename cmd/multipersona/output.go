package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/deniskropp/t170/internal/orchestrator"
	"github.com/deniskropp/t170/pkg/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(14)
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

// taskStatusColor returns the display color for a task status.
func taskStatusColor(s models.TaskStatus) color.Attribute {
	switch s {
	case models.TaskStatusCompleted:
		return color.FgGreen
	case models.TaskStatusInProgress:
		return color.FgCyan
	case models.TaskStatusFailed:
		return color.FgRed
	case models.TaskStatusBlocked:
		return color.FgMagenta
	default:
		return color.FgYellow
	}
}

// agentStatusColor returns the display color for an agent status.
func agentStatusColor(s models.AgentStatus) color.Attribute {
	switch s {
	case models.AgentStatusIdle:
		return color.FgGreen
	case models.AgentStatusBusy:
		return color.FgCyan
	default:
		return color.FgHiBlack
	}
}

func printResult(r orchestrator.DispatchResult) {
	switch {
	case r.Success && r.Synthesized:
		printStatus("✓", fmt.Sprintf("%s → %s (%s, synthesized)", r.TaskID, r.AgentID, r.Role), color.FgGreen)
	case r.Success:
		printStatus("✓", fmt.Sprintf("%s → %s (%s)", r.TaskID, r.AgentID, r.Role), color.FgGreen)
	default:
		printStatus("✗", fmt.Sprintf("%s: %s", r.TaskID, r.Reason), color.FgRed)
	}
}

func printEvent(ev orchestrator.DispatchEvent) {
	ts := ev.Timestamp.Format("15:04:05")
	switch ev.Type {
	case orchestrator.EventTaskDispatched:
		printStatus("→", fmt.Sprintf("%s dispatched %s to %s (%s)", ts, ev.TaskID, ev.AgentID, ev.Role), color.FgCyan)
	case orchestrator.EventRoleSynthesized:
		printStatus("✦", fmt.Sprintf("%s synthesized role %s for %s", ts, ev.Role, ev.TaskID), color.FgBlue)
	case orchestrator.EventTaskBlocked:
		printStatus("⚠", fmt.Sprintf("%s blocked %s: %s", ts, ev.TaskID, ev.Message), color.FgMagenta)
	case orchestrator.EventTaskCompleted:
		printStatus("✓", fmt.Sprintf("%s completed %s", ts, ev.TaskID), color.FgGreen)
	case orchestrator.EventTaskFailed:
		printStatus("✗", fmt.Sprintf("%s failed %s: %v", ts, ev.TaskID, ev.Error), color.FgRed)
	case orchestrator.EventTaskUnblocked:
		printStatus("○", fmt.Sprintf("%s ready %s", ts, ev.TaskID), color.FgYellow)
	case orchestrator.EventBatchCompleted:
		if ev.Count > 0 {
			fmt.Printf("  %s cycle: %s in %s\n", ts, ev.Message, formatDuration(ev.Duration))
		}
	}
}

func printTask(t *models.Task) {
	fmt.Println(headerStyle.Render(t.Name))
	rows := [][2]string{
		{"ID", t.ID},
		{"Status", color.New(taskStatusColor(t.Status)).Sprint(t.Status)},
		{"Priority", fmt.Sprint(t.Priority)},
		{"Role", orDash(string(t.AssignedTo))},
		{"Type", orDash(t.Type)},
		{"Depends on", orDash(strings.Join(t.Dependencies, ", "))},
		{"Created", t.CreatedAt.Local().Format(time.RFC3339)},
		{"Updated", t.UpdatedAt.Local().Format(time.RFC3339)},
	}
	if t.Description != "" {
		rows = append(rows, [2]string{"Description", t.Description})
	}
	for k, v := range t.Metadata {
		rows = append(rows, [2]string{k, fmt.Sprint(v)})
	}
	for k, v := range t.Artifacts {
		rows = append(rows, [2]string{"artifact:" + k, v})
	}

	var b strings.Builder
	for i, r := range rows {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(labelStyle.Render(r[0]) + r[1])
	}
	fmt.Println(boxStyle.Render(b.String()))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// truncateString shortens s to maxLen runes with an ellipsis.
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
