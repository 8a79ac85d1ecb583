package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"haul/internal/ipc"
)

func newDeadLetterCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dl"},
		Short:   "List transfers that exhausted their retry budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.DeadLetters()
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Records)
				}
				out := cmd.OutOrStdout()
				if len(resp.Records) == 0 {
					fmt.Fprintln(out, "No dead letters")
					return nil
				}
				rows := make([][]string, 0, len(resp.Records))
				for _, rec := range resp.Records {
					peers := make([]string, 0, len(rec.Attempts))
					for _, attempt := range rec.Attempts {
						peers = append(peers, attempt.PeerID+"="+attempt.Outcome)
					}
					rows = append(rows, []string{
						rec.ItemID,
						rec.Lane,
						rec.Reason,
						strconv.Itoa(len(rec.Attempts)),
						strings.Join(peers, ", "),
						formatWhen(rec.RecordedAt),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Lane", "Reason", "Attempts", "Sources", "Recorded"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	cmd.AddCommand(newAcknowledgeCommand(ctx))
	return cmd
}

func newAcknowledgeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <id>...",
		Short: "Acknowledge dead letters so the items may be resubmitted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				out := cmd.OutOrStdout()
				for _, id := range args {
					id = strings.TrimSpace(id)
					if _, err := client.Acknowledge(id); err != nil {
						return fmt.Errorf("acknowledge %s: %w", id, err)
					}
					fmt.Fprintf(out, "Dead letter %s acknowledged\n", id)
				}
				return nil
			})
		},
	}
}
