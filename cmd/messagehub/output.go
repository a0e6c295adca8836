package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/snehjoshi/messagehub/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func millis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05.000")
}

func printEvents(w io.Writer, recs []client.Record) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tPARTITION\tEVENT\tMESSAGE\tTIME")
	for _, r := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.Seq, r.Partition, r.Type, r.MessageID, millis(r.Timestamp))
	}
	tw.Flush()
}

func printDeadLetters(w io.Writer, dls []client.DeadLetter) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MESSAGE\tTOPIC\tKIND\tATTEMPTS\tDEAD-LETTERED\tLAST ERROR")
	for _, d := range dls {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			d.MessageID, d.Message.Topic, d.FailureKind, len(d.Attempts), millis(d.DeadLetteredAt), truncate(d.LastError, 60))
	}
	tw.Flush()
}

func printDeadLetter(w io.Writer, d client.DeadLetter) {
	fmt.Fprintf(w, "Message:       %s\n", d.MessageID)
	fmt.Fprintf(w, "Topic:         %s\n", d.Message.Topic)
	fmt.Fprintf(w, "Failure:       %s\n", d.FailureKind)
	fmt.Fprintf(w, "Dead-lettered: %s\n", millis(d.DeadLetteredAt))
	fmt.Fprintf(w, "Last error:    %s\n", d.LastError)
	if len(d.Attempts) > 0 {
		fmt.Fprintln(w, "Attempts:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, a := range d.Attempts {
			fmt.Fprintf(tw, "  #%d\t%s\t%s\t%dms\t%s\n", a.Number, orDash(a.InstanceID), millis(a.StartedAt), a.DurationMs, a.Error)
		}
		tw.Flush()
	}
}

func printMessage(w io.Writer, st client.MessageStatus) {
	m := st.Message
	fmt.Fprintf(w, "ID:           %s\n", m.ID)
	fmt.Fprintf(w, "Topic:        %s\n", m.Topic)
	fmt.Fprintf(w, "Priority:     %d\n", m.Priority)
	fmt.Fprintf(w, "Status:       %s (%s @ seq %d)\n", m.Status, st.LastEvent, st.Seq)
	fmt.Fprintf(w, "Attempts:     %d/%d\n", m.AttemptCount, m.MaxAttempts)
	fmt.Fprintf(w, "Created:      %s\n", millis(m.CreatedAt))
	if m.CorrelationID != "" {
		fmt.Fprintf(w, "Correlation:  %s\n", m.CorrelationID)
	}
	if m.NotBefore != 0 {
		fmt.Fprintf(w, "Next attempt: %s\n", millis(m.NotBefore))
	}
}

func printInstances(w io.Writer, list []client.Instance) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tHEALTH\tWEIGHT\tOUTSTANDING\tADDRESS\tTOPICS")
	for _, i := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", i.ID, i.Health, i.Weight, i.Outstanding, i.Address, strings.Join(i.Topics, ","))
	}
	tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
