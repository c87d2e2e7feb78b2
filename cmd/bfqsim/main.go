// Command bfqsim drives the bfq scheduling core against synthetic
// request-event sequences reproducing the end-to-end scenarios of §8,
// printing a per-stream service report. It stands in for the "producer"
// named throughout the core's external interfaces, reduced to an in-memory
// sequence generator rather than a real block-layer integration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/virtfair/bfq/cmd/bfqsim/scenario"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "bfqsim [scenario]",
		Short: "Drive the bfq scheduling core against synthetic workloads",
		Long: `bfqsim replays the S1-S6 end-to-end scenarios against an in-process
scheduler instance and reports per-stream dispatched sectors, weight-raise
activity, and cooperator merges.

Examples:
  bfqsim run s1
  bfqsim list`,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log scheduler state transitions at debug level")

	root.AddCommand(newListCmd(), newRunCmd(&verbose))
	return root
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range scenario.All() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-4s %s\n", s.Name, s.Description)
			}
			return nil
		},
	}
}

func newRunCmd(verbose *bool) *cobra.Command {
	var dispatches int

	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "Run one scenario and print its service report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, ok := scenario.Lookup(args[0])
			if !ok {
				return fmt.Errorf("bfqsim: unknown scenario %q (see %q)", args[0], "bfqsim list")
			}
			report, err := sc.Run(*verbose, dispatches)
			if err != nil {
				return err
			}
			report.Print(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().IntVar(&dispatches, "dispatches", 0, "override the scenario's default dispatch count (0 = scenario default)")
	return cmd
}
