package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"haul/internal/ipc"
	"haul/internal/services"
)

func newTransferCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newSubmitCommand(ctx),
		newCancelCommand(ctx),
		newListCommand(ctx),
		newShowCommand(ctx),
		newWatchCommand(ctx),
	}
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var req ipc.SubmitRequest
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "submit <id> <final-path>",
		Short: "Queue a transfer into the library",
		Long: "Queue a transfer identified by <id> and written to <final-path> under the library directory.\n" +
			"Without --peer the daemon picks a mirror that holds <id>.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ID = strings.TrimSpace(args[0])
			req.FinalPath = strings.TrimSpace(args[1])
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Submit(req)
				if err != nil && !errors.Is(err, services.ErrSourceExhausted) {
					return err
				}
				if jsonOut {
					if writeErr := writeJSON(cmd, resp.Item); writeErr != nil {
						return writeErr
					}
					return err
				}
				out := cmd.OutOrStdout()
				if err != nil {
					fmt.Fprintf(out, "Transfer %s has no usable source\n", req.ID)
					return err
				}
				fmt.Fprintf(out, "Transfer %s queued in %s lane (%s)\n", resp.Item.ID, resp.Item.Lane, stateLabel(resp.Item.State))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&req.Lane, "lane", "l", "standard", "Priority lane: express, standard, or background")
	cmd.Flags().StringVar(&req.PeerID, "peer", "", "Fetch from this mirror peer")
	cmd.Flags().StringVar(&req.RemotePath, "remote", "", "Path on the peer (defaults to the id)")
	cmd.Flags().StringVar(&req.Checksum, "sha256", "", "Expected SHA-256 of the finished file")
	cmd.Flags().Int64Var(&req.TotalBytes, "size", 0, "Expected size in bytes when known")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a transfer and discard its partial data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Cancel(strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Transfer %s %s\n", resp.Item.ID, strings.ToLower(stateLabel(resp.Item.State)))
				return nil
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var states []string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transfers known to the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.List(states)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Items)
				}
				out := cmd.OutOrStdout()
				if len(resp.Items) == 0 {
					fmt.Fprintln(out, "No transfers")
					return nil
				}
				fmt.Fprint(out, renderItemTable(resp.Items, shouldColorize(out)))
				fmt.Fprintln(out)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "Filter by state (repeatable)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show details for one transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Describe(strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Item)
				}
				out := cmd.OutOrStdout()
				printItemDetail(out, resp.Item, shouldColorize(out))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "watch [id]",
		Short: "Stream transfer progress",
		Long: "Print a line whenever a transfer changes. With an id the command exits once that\n" +
			"transfer settles unless --follow is set.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = strings.TrimSpace(args[0])
			}
			base := cmd.Context()
			if base == nil {
				base = context.Background()
			}
			runCtx, stop := signal.NotifyContext(base, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return ctx.withClient(func(client *ipc.Client) error {
				return watchLoop(runCtx, cmd, client, id, follow || id == "", poll)
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep watching after the transfer settles")
	cmd.Flags().DurationVar(&poll, "wait", 5*time.Second, "Long-poll window per request")
	return cmd
}

func watchLoop(ctx context.Context, cmd *cobra.Command, client *ipc.Client, id string, follow bool, wait time.Duration) error {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	var after time.Time
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		resp, err := client.Watch(ipc.WatchRequest{ID: id, After: after, WaitMillis: int(wait / time.Millisecond)})
		if err != nil {
			return err
		}
		for _, item := range resp.Items {
			if item.UpdatedAt.After(after) {
				after = item.UpdatedAt
			}
			line := fmt.Sprintf("%s  %-24s %-14s %s", item.UpdatedAt.Local().Format("15:04:05"), item.ID, colorState(item.State, colorize), formatProgress(item))
			if item.Error != "" {
				line += "  " + item.Error
			}
			fmt.Fprintln(out, line)
			if !follow && item.ID == id && item.State.Terminal() {
				return nil
			}
		}
	}
}
