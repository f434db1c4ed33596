package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tagops/internal/operation"
)

func newOperationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operations",
		Short: "Inspect and wait for long-running operations",
	}
	cmd.AddCommand(newOperationsDescribeCmd(a))
	cmd.AddCommand(newOperationsWaitCmd(a))
	return cmd
}

func newOperationsDescribeCmd(a *app) *cobra.Command {
	var location string

	cmd := &cobra.Command{
		Use:   "describe NAME",
		Short: "Show the current state of an operation",
		Example: `  tagops operations describe operations/rctb.us-east1-b.123
  tagops operations describe projects/p/locations/us/operations/abc`,
		Args: exactArgs(1, "NAME"),
		RunE: func(cmd *cobra.Command, args []string) error {
			var op *operation.Operation
			err := a.endpoints.WithLocation(location, func() error {
				var err error
				op, err = a.fetcher.Fetch(cmd.Context(), args[0])
				return err
			})
			if err != nil {
				return err
			}
			return a.printer.PrintObj(op, a.stdout)
		},
	}

	cmd.Flags().StringVar(&location, "location", "", "Location of a regional Resource Manager operation")
	return cmd
}

func newOperationsWaitCmd(a *app) *cobra.Command {
	var (
		location string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "wait NAME",
		Short: "Wait for an operation to finish",
		Long: `Wait for an operation to finish and print its result.

Use this to resume waiting for an operation started with --async or one
that outlived a previous wait.`,
		Example: `  tagops operations wait operations/rctb.us-east1-b.123 --location=us-east1-b
  tagops operations wait projects/p/locations/us/operations/abc --timeout=30m`,
		Args: exactArgs(1, "NAME"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.Wait.WaiterConfig()
			if cmd.Flags().Changed("timeout") {
				if timeout < 0 {
					return operation.Validation("--timeout must not be negative")
				}
				cfg.Timeout = timeout
			}

			name := args[0]
			var final *operation.Operation
			err := a.endpoints.WithLocation(location, func() error {
				fmt.Fprintf(a.stderr, "Waiting for operation [%s] to complete...\n", name)
				var err error
				final, err = a.waiter(cfg).Wait(cmd.Context(), &operation.Operation{Name: name})
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stderr, "Operation [%s] finished.\n", name)
			return a.printResult(final)
		},
	}

	cmd.Flags().StringVar(&location, "location", "", "Location of a regional Resource Manager operation")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait, 0 to wait forever (default from config)")
	return cmd
}
