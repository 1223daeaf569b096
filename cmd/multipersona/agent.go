package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deniskropp/t170/pkg/models"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Register and inspect agents",
}

var (
	agentID           string
	agentRole         string
	agentCapabilities []string
	agentListRole     string
	agentOffline      bool
)

var agentRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an agent for a role",
	Long: `Register an agent able to execute tasks for a role.

Re-registering an existing ID replaces its profile. Capabilities default to
the role's catalog entry.`,
	Args: cobra.NoArgs,
	RunE: runAgentRegister,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	Args:  cobra.NoArgs,
	RunE:  runAgentList,
}

var agentRemoveCmd = &cobra.Command{
	Use:   "remove <agent-id>",
	Short: "Remove an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentRemove,
}

var agentCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove idle ephemeral agents",
	Args:  cobra.NoArgs,
	RunE:  runAgentCleanup,
}

var agentRolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "List catalog roles and their capabilities",
	Args:  cobra.NoArgs,
	RunE:  runAgentRoles,
}

func init() {
	f := agentRegisterCmd.Flags()
	f.StringVar(&agentID, "id", "", "Agent ID (required)")
	f.StringVarP(&agentRole, "role", "r", "", "Role the agent plays (required)")
	f.StringSliceVarP(&agentCapabilities, "capabilities", "c", nil, "Capability tags (default: catalog capabilities)")
	f.BoolVar(&agentOffline, "offline", false, "Register as offline")
	_ = agentRegisterCmd.MarkFlagRequired("id")
	_ = agentRegisterCmd.MarkFlagRequired("role")

	agentListCmd.Flags().StringVarP(&agentListRole, "role", "r", "", "Only list agents of this role")

	agentCmd.AddCommand(agentRegisterCmd, agentListCmd, agentRemoveCmd, agentCleanupCmd, agentRolesCmd)
}

func runAgentRegister(cmd *cobra.Command, args []string) error {
	role, err := models.ParseRole(agentRole)
	if err != nil {
		return err
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	p := models.AgentProfile{
		ID:           strings.TrimSpace(agentID),
		Role:         role,
		Capabilities: agentCapabilities,
		Status:       models.AgentStatusIdle,
	}
	if agentOffline {
		p.Status = models.AgentStatusOffline
	}
	agent, err := a.agents.Register(p)
	if err != nil {
		return err
	}
	printStatus("+", fmt.Sprintf("%s registered as %s [%s]", agent.ID, agent.Role, strings.Join(agent.Capabilities, ", ")), color.FgGreen)
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	var agents []*models.AgentProfile
	if agentListRole != "" {
		agents, err = a.agents.ListByRole(models.Role(strings.TrimSpace(agentListRole)))
	} else {
		agents, err = a.agents.List()
	}
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("No agents.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLE\tSTATUS\tTASK\tLAST ACTIVE")
	for _, ag := range agents {
		id := ag.ID
		if ag.IsEphemeral {
			id += " *"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\n",
			id,
			ag.Role,
			color.New(agentStatusColor(ag.Status)).Sprint(ag.Status),
			orDash(ag.CurrentTaskID),
			formatDuration(time.Since(ag.LastActive)))
	}
	return w.Flush()
}

func runAgentRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.agents.Remove(args[0]); err != nil {
		return err
	}
	printStatus("-", args[0]+" removed", color.FgYellow)
	return nil
}

func runAgentCleanup(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.agents.CleanupEphemeral()
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d ephemeral agent(s).\n", n)
	return nil
}

func runAgentRoles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	for _, role := range catalog.Roles() {
		spec, _ := catalog.Lookup(role)
		fmt.Println(headerStyle.Render(role.String()))
		if spec.Mission != "" {
			fmt.Printf("  %s\n", spec.Mission)
		}
		fmt.Printf("  capabilities: %s\n", strings.Join(catalog.CapabilitiesFor(role), ", "))
	}
	return nil
}
