package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	gorillaws "github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/snehjoshi/messagehub/pkg/client"
)

var (
	eventsPartition string
	eventsFrom      uint64
	eventsLimit     int
	eventsFollow    bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read or follow the event log",
	Long: `Print a page of the event log. With --follow, print the page and then
stream new records as they are journaled until interrupted.`,
	GroupID: "messages",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if eventsFollow {
			return followEvents(cmd)
		}
		page, err := hub.Events(cmd.Context(), client.EventQuery{
			Partition: eventsPartition,
			From:      eventsFrom,
			Limit:     eventsLimit,
		})
		if err != nil {
			return fmt.Errorf("reading events: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), page)
		}
		printEvents(cmd.OutOrStdout(), page.Events)
		if page.Next > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "\nnext: --from %d\n", page.Next)
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsPartition, "partition", "", "partition (topic); empty reads all")
	eventsCmd.Flags().Uint64Var(&eventsFrom, "from", 0, "first sequence number")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 100, "maximum records")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "stream new records")
}

// streamURL turns the hub URL into the websocket stream URL.
func streamURL(base, partition string, from uint64) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing hub URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events/stream"
	q := url.Values{}
	if partition != "" {
		q.Set("partition", partition)
	}
	if from > 0 {
		q.Set("from", strconv.FormatUint(from, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func followEvents(cmd *cobra.Command) error {
	target, err := streamURL(hubURL, eventsPartition, eventsFrom)
	if err != nil {
		return err
	}
	header := map[string][]string{}
	if apiKey != "" {
		header["X-Api-Key"] = []string{apiKey}
	}
	conn, _, err := gorillaws.DefaultDialer.DialContext(cmd.Context(), target, header)
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer conn.Close()
	go func() {
		<-cmd.Context().Done()
		_ = conn.Close()
	}()

	out := cmd.OutOrStdout()
	for {
		var f struct {
			Type  string          `json:"type"`
			Event json.RawMessage `json:"event"`
			Error string          `json:"error"`
		}
		if err := conn.ReadJSON(&f); err != nil {
			if cmd.Context().Err() != nil {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		if f.Type == "error" {
			fmt.Fprintf(cmd.ErrOrStderr(), "stream error: %s\n", f.Error)
			continue
		}
		if jsonOutput {
			fmt.Fprintln(out, string(f.Event))
			continue
		}
		var r client.Record
		if err := json.Unmarshal(f.Event, &r); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		fmt.Fprintf(out, "%d\t%s\t%s\t%s\t%s\n", r.Seq, r.Partition, r.Type, r.MessageID, millis(r.Timestamp))
	}
}
