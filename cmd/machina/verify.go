package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/machina/machina/internal/journal"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <journal.jsonl>",
	Short: "Verify a journal's hash chain is unbroken",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := journal.VerifyFile(args[0])
		if err != nil {
			return fmt.Errorf("machina: verify %s: %w", args[0], err)
		}
		if line != 0 {
			return fmt.Errorf("machina: journal %s broken at line %d", args[0], line)
		}
		fmt.Printf("%s: chain verified\n", args[0])
		return nil
	},
}
