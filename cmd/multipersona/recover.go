package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deniskropp/t170/internal/state"
)

var (
	recoverDryRun bool
	recoverPurge  time.Duration
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Repair state left by an interrupted dispatcher",
	Long: `Find busy agents holding no in-progress task and in-progress tasks held
by no agent. Stale agents return to idle; orphaned tasks return to pending
so the next cycle dispatches them again.`,
	Args: cobra.NoArgs,
	RunE: runRecover,
}

func init() {
	recoverCmd.Flags().BoolVar(&recoverDryRun, "dry-run", false, "Report problems without repairing them")
	recoverCmd.Flags().DurationVar(&recoverPurge, "purge-messages", 0, "Also delete journaled messages older than this (e.g. 72h)")
}

func runRecover(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if recoverPurge > 0 && !recoverDryRun {
		n, err := a.db.PurgeMessages(recoverPurge)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d journaled message(s).\n", n)
	}

	rm := state.NewRecoveryManager(a.db)
	inc, err := rm.Check()
	if err != nil {
		return err
	}
	if inc.Empty() {
		printStatus("✓", "state is consistent", color.FgGreen)
		return nil
	}

	for _, id := range inc.StaleAgents {
		printStatus("⚠", "stale agent "+id, color.FgYellow)
	}
	for _, id := range inc.OrphanedTasks {
		printStatus("⚠", "orphaned task "+id, color.FgYellow)
	}
	if recoverDryRun {
		return nil
	}

	released, err := rm.ReleaseStaleAgents()
	if err != nil {
		return err
	}
	requeued, err := rm.RequeueOrphanedTasks()
	if err != nil {
		return err
	}
	fmt.Printf("Released %d agent(s), requeued %d task(s).\n", released, requeued)
	return nil
}
