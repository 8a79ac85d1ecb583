package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"haul/internal/coordinator"
	"haul/internal/ipc"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, lane, and source health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				status, err := client.Status()
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, status)
				}
				out := cmd.OutOrStdout()
				printStatus(out, status, shouldColorize(out))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func printStatus(out io.Writer, status *ipc.StatusResponse, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "%sRunning:     %s (pid %d, started %s)\n", statusIndent, yesNo(status.Running), status.PID, formatWhen(status.StartedAt))
	fmt.Fprintf(out, "%sJournal:     %s\n", statusIndent, status.JournalPath)
	fmt.Fprintf(out, "%sDead letters: %d unacknowledged\n", statusIndent, status.DeadLetters)
	fmt.Fprintf(out, "%sStaging:     %s in %d partial files\n", statusIndent, humanize.IBytes(uint64(max(status.StagingBytes, 0))), status.StagingFiles)
	if status.Resumed > 0 || status.Restarted > 0 {
		fmt.Fprintf(out, "%sRecovered:   %d resumed, %d restarted\n", statusIndent, status.Resumed, status.Restarted)
	}
	if status.LastError != "" {
		fmt.Fprintf(out, "%sLast error:  %s\n", statusIndent, status.LastError)
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader(fmt.Sprintf("Lanes (%d slots)", status.TotalSlots), colorize) {
		fmt.Fprintln(out, line)
	}
	rows := make([][]string, 0, len(status.Lanes))
	for _, lane := range status.Lanes {
		rows = append(rows, []string{
			lane.Lane,
			strconv.Itoa(lane.Reserved),
			strconv.Itoa(lane.Occupied),
			strconv.Itoa(lane.Active),
			strconv.Itoa(lane.Pending),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Lane", "Reserved", "Occupied", "Active", "Pending"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
	))
	fmt.Fprintln(out)

	if len(status.ItemStates) > 0 {
		for _, line := range renderSectionHeader("Transfers", colorize) {
			fmt.Fprintln(out, line)
		}
		states := make([]string, 0, len(status.ItemStates))
		for state := range status.ItemStates {
			states = append(states, state)
		}
		sort.Strings(states)
		for _, state := range states {
			fmt.Fprintf(out, "%s%-16s %d\n", statusIndent, stateLabel(coordinator.State(state))+":", status.ItemStates[state])
		}
		fmt.Fprintln(out)
	}

	if len(status.Bans) > 0 {
		for _, line := range renderSectionHeader("Banned sources", colorize) {
			fmt.Fprintln(out, line)
		}
		for _, ban := range status.Bans {
			fmt.Fprintf(out, "%s%s until %s\n", statusIndent, ban.SourceID, ban.BannedUntil.Local().Format("15:04:05"))
		}
		fmt.Fprintln(out)
	}

	if len(status.Checks) > 0 {
		for _, line := range renderSectionHeader("Preflight", colorize) {
			fmt.Fprintln(out, line)
		}
		for _, check := range status.Checks {
			fmt.Fprintln(out, renderStatusLine(check.Name, check.Passed, check.Detail, colorize))
		}
	}
}
