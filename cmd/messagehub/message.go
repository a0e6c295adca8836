package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var messageCmd = &cobra.Command{
	Use:     "message <id>",
	Short:   "Show the journaled state of a message",
	GroupID: "messages",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := hub.Message(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("looking up message: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), st)
		}
		printMessage(cmd.OutOrStdout(), st)
		return nil
	},
}
