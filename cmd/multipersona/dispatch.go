package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch [task-id]",
	Short: "Run one dispatch cycle",
	Long: `Run a single dispatch cycle and print the results.

With a task ID, dispatch only that task: it must be pending with all of its
dependencies completed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDispatch,
}

func runDispatch(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()

	if len(args) == 1 {
		res, err := a.dispatcher.Dispatch(ctx, args[0])
		if err != nil {
			return err
		}
		printResult(res)
		return nil
	}

	results, err := a.dispatcher.DispatchBatch(ctx)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("Nothing dispatched.")
		return nil
	}
	for _, r := range results {
		printResult(r)
	}
	return nil
}
