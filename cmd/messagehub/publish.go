package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/messagehub/pkg/client"
)

var (
	publishPriority    int
	publishContentType string
	publishCorrelation string
	publishMeta        []string
)

var publishCmd = &cobra.Command{
	Use:   "publish <topic> <payload|@file|->",
	Short: "Publish a message",
	Long: `Publish a message to a topic and print its ID.

The payload is taken literally, read from a file when prefixed with @, or
read from stdin when it is "-".`,
	GroupID: "messages",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(cmd.InOrStdin(), args[1])
		if err != nil {
			return err
		}
		meta, err := parseMeta(publishMeta)
		if err != nil {
			return err
		}

		opts := []client.PublishOption{client.WithPriority(publishPriority)}
		if publishContentType != "" {
			opts = append(opts, client.WithContentType(publishContentType))
		}
		if publishCorrelation != "" {
			opts = append(opts, client.WithCorrelationID(publishCorrelation))
		}
		if len(meta) > 0 {
			opts = append(opts, client.WithMetadata(meta))
		}

		id, err := hub.Publish(cmd.Context(), args[0], payload, opts...)
		if err != nil {
			return fmt.Errorf("publishing: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]string{"id": id})
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	publishCmd.Flags().IntVarP(&publishPriority, "priority", "p", 0, "priority level, 0 is the most urgent")
	publishCmd.Flags().StringVar(&publishContentType, "content-type", "", "payload content type")
	publishCmd.Flags().StringVar(&publishCorrelation, "correlation-id", "", "correlation ID (generated when empty)")
	publishCmd.Flags().StringArrayVarP(&publishMeta, "meta", "m", nil, "metadata key=value, repeatable")
}

func readPayload(stdin io.Reader, arg string) ([]byte, error) {
	switch {
	case arg == "-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("reading payload: %w", err)
		}
		return data, nil
	default:
		return []byte(arg), nil
	}
}

func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("metadata %q: want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}
