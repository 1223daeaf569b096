package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deniskropp/t170/internal/api"
)

var (
	runInterval time.Duration
	runQuiet    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dispatch loop",
	Long: `Run dispatch cycles until interrupted.

Each cycle lists ready tasks, reviews them, and assigns each to an idle
agent of its role. Dispatch events are printed as they happen. With
ethics.watch enabled, edits to the ethics policy file take effect without
a restart.`,
	RunE: runLoop,
}

func init() {
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "Dispatch interval (overrides dispatcher.interval)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Do not print dispatch events")
}

func runLoop(cmd *cobra.Command, args []string) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	if runInterval > 0 {
		a.dispatcher.Policy().Loop.Interval = runInterval
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.Ethics.Watch && a.cfg.Ethics.PolicyFile != "" {
		err := a.gate.Watch(ctx, a.cfg.Ethics.PolicyFile, func(err error) {
			if err == nil {
				log.Printf("[ethics] policy reloaded: %d keywords", len(a.gate.Keywords()))
			}
		})
		if err != nil {
			return err
		}
	}

	go func() {
		for ev := range a.events.Events() {
			if !runQuiet {
				printEvent(ev)
			}
		}
	}()

	fmt.Printf("%s dispatching every %s (database %s)\n",
		color.GreenString("●"), a.dispatcher.Policy().Loop.Interval, a.db.Path())

	err = a.dispatcher.Run(ctx)
	if a.completer != nil {
		reportUsage(a.completer.Usage())
	}
	if n := a.bus.DroppedCount(); n > 0 {
		fmt.Printf("Message bus: %d message(s) dropped from full queues\n", n)
	}
	if errors.Is(err, context.Canceled) {
		fmt.Println("\nStopped.")
		return nil
	}
	return err
}

func reportUsage(u *api.Usage) {
	if u.Calls() == 0 {
		return
	}
	in, out := u.Tokens()
	fmt.Printf("Role synthesis: %d call(s), %d input / %d output tokens\n", u.Calls(), in, out)
}
