package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/messagehub/pkg/client"
)

var instancesTopic string

var instancesCmd = &cobra.Command{
	Use:     "instances",
	Short:   "List registered consumer instances",
	Long: `List registered consumer instances. With --topic only the instances
whose patterns match that concrete topic are shown.`,
	GroupID: "ops",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			list []client.Instance
			err  error
		)
		if instancesTopic != "" {
			list, err = hub.Subscribers(cmd.Context(), instancesTopic)
		} else {
			list, err = hub.Instances(cmd.Context())
		}
		if err != nil {
			return fmt.Errorf("listing instances: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), list)
		}
		printInstances(cmd.OutOrStdout(), list)
		return nil
	},
}

func init() {
	instancesCmd.Flags().StringVar(&instancesTopic, "topic", "", "only instances subscribed to this topic")
}

var compactUpTo uint64

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Remove fully processed records from the event log",
	Long: `Remove records of messages that reached ACKED or DEAD_LETTERED. Records
of pending and in-flight messages are always kept. When archiving is
configured the removed records are uploaded first.`,
	GroupID: "ops",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := hub.Compact(cmd.Context(), compactUpTo)
		if err != nil {
			return fmt.Errorf("compacting: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d, kept %d, archived %d across %d partitions\n",
			res.Removed, res.Kept, res.Archived, res.Partitions)
		return nil
	},
}

func init() {
	compactCmd.Flags().Uint64Var(&compactUpTo, "up-to", 0, "highest sequence number to consider (0 means all)")
}

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of a running hub",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := hub.Health(cmd.Context())
		if h.Status == "" && err != nil {
			return fmt.Errorf("checking health: %w", err)
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			if perr := printJSON(out, h); perr != nil {
				return perr
			}
			return err
		}
		fmt.Fprintf(out, "Status:       %s\n", h.Status)
		if h.Store.Error != "" {
			fmt.Fprintf(out, "Store error:  %s\n", h.Store.Error)
		}
		fmt.Fprintf(out, "Event log:    %d records, %d bytes, %d partitions\n", h.Store.Records, h.Store.Bytes, h.Store.Partitions)
		fmt.Fprintf(out, "Queue:        %d pending %v, %d in flight, %d scheduled\n", h.Queue.Pending, h.Queue.Depths, h.Queue.InFlight, h.Queue.Scheduled)
		if h.Queue.NextRetryAt > 0 {
			fmt.Fprintf(out, "Next retry:   %s\n", time.UnixMilli(h.Queue.NextRetryAt).UTC().Format(time.RFC3339))
		}
		fmt.Fprintf(out, "Instances:    %s\n", counts(h.Instances))
		fmt.Fprintf(out, "Breakers:     %s\n", counts(h.Breakers))
		fmt.Fprintf(out, "Dead letters: %d\n", h.DeadLetters)
		return err
	},
}

func counts(m map[string]int) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d %s", m[k], k)
	}
	return s
}
