// Command machina is the step loop's command-line entry point. It exists
// so the core (registry, selector pipeline, executor, Genesis, journal) is
// exercisable end to end without embedding it in a larger service: a `run`
// subcommand loads a request document, drives one step-loop run to
// completion, and prints the journal. Cobra root/subcommand structure and
// the PersistentPreRunE logging-init pattern follow the teacher's
// cmd/nerd/main.go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/machina/machina/internal/logging"
)

var (
	workspaceRoot string
	verbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "machina",
	Short: "Machina runs an agentic task to completion through the step loop",
	Long: `Machina assembles a tool menu each step, runs it through the
selector pipeline (heuristic fallback, optional centroid or external
policy), dispatches the chosen tool against an 8-slot workspace, and
journals every event as a tamper-evident hash chain.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.Initialize(workspaceRoot, verbose); err != nil {
			return fmt.Errorf("machina: initialize logging: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workspaceRoot, "workspace", ".", "workspace root for .machina/ state (logs, journal, queue, plugins)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
