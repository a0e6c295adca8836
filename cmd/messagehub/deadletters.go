package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/messagehub/pkg/client"
)

var (
	dlTopic string
	dlSince time.Duration
	dlKind  string
	dlLimit int
	dlYes   bool
)

func dlFilter() client.DeadLetterFilter {
	f := client.DeadLetterFilter{Topic: dlTopic, Kind: dlKind, Limit: dlLimit}
	if dlSince > 0 {
		f.Since = time.Now().Add(-dlSince)
	}
	return f
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&dlTopic, "topic", "", "topic pattern, e.g. 'orders.>'")
	cmd.Flags().DurationVar(&dlSince, "since", 0, "only entries dead-lettered within this window")
	cmd.Flags().StringVar(&dlKind, "kind", "", "transient or permanent")
	cmd.Flags().IntVar(&dlLimit, "limit", 0, "maximum entries")
}

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dl"},
	Short:   "Inspect and reprocess dead letters",
	GroupID: "ops",
}

var dlListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dls, err := hub.DeadLetters(cmd.Context(), dlFilter())
		if err != nil {
			return fmt.Errorf("listing dead letters: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), dls)
		}
		printDeadLetters(cmd.OutOrStdout(), dls)
		return nil
	},
}

var dlShowCmd = &cobra.Command{
	Use:   "show <message-id>",
	Short: "Show one dead letter with its attempt history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := hub.DeadLetter(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("getting dead letter: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), d)
		}
		printDeadLetter(cmd.OutOrStdout(), d)
		return nil
	},
}

var dlRequeueCmd = &cobra.Command{
	Use:   "requeue <message-id>...",
	Short: "Put dead letters back into dispatch with a fresh attempt budget",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			if err := hub.Requeue(cmd.Context(), id); err != nil {
				return fmt.Errorf("requeueing %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
		}
		return nil
	},
}

var dlPurgeCmd = &cobra.Command{
	Use:   "purge <message-id>...",
	Short: "Delete dead letters for good",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			if err := hub.Purge(cmd.Context(), id); err != nil {
				return fmt.Errorf("purging %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", id)
		}
		return nil
	},
}

var dlReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Requeue every dead letter matching the filter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := dlFilter()
		if f.Topic == "" && f.Kind == "" && f.Since.IsZero() && !dlYes {
			return fmt.Errorf("refusing to replay every dead letter without --yes")
		}
		n, err := hub.ReplayDeadLetters(cmd.Context(), f)
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %d\n", n)
		if err != nil {
			return fmt.Errorf("replay stopped: %w", err)
		}
		return nil
	},
}

func init() {
	addFilterFlags(dlListCmd)
	addFilterFlags(dlReplayCmd)
	dlReplayCmd.Flags().BoolVar(&dlYes, "yes", false, "allow replaying without a filter")

	deadLettersCmd.AddCommand(dlListCmd, dlShowCmd, dlRequeueCmd, dlPurgeCmd, dlReplayCmd)
}
