package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"haul/internal/coordinator"
	"haul/internal/ipc"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 16
	statusIndent     = "  "
)

var titleCaser = cases.Title(language.English)

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// stateLabel renders "dead_lettered" as "Dead Lettered".
func stateLabel(state coordinator.State) string {
	raw := strings.ReplaceAll(string(state), "_", " ")
	if raw == "" {
		return "-"
	}
	return titleCaser.String(raw)
}

func stateColor(state coordinator.State) string {
	switch state {
	case coordinator.StateCompleted:
		return ansiGreen
	case coordinator.StateStalled, coordinator.StateRetrying, coordinator.StateExcluding:
		return ansiYellow
	case coordinator.StateDeadLettered, coordinator.StateFailed, coordinator.StateSourceExhausted:
		return ansiRed
	case coordinator.StateActive, coordinator.StateFinalizing:
		return ansiBlue
	default:
		return ""
	}
}

func colorState(state coordinator.State, colorize bool) string {
	label := stateLabel(state)
	if !colorize {
		return label
	}
	if color := stateColor(state); color != "" {
		return color + label + ansiReset
	}
	return label
}

func formatProgress(item ipc.Item) string {
	received := humanize.IBytes(uint64(max(item.BytesReceived, 0)))
	if item.TotalBytes <= 0 {
		return received
	}
	pct := float64(item.BytesReceived) / float64(item.TotalBytes) * 100
	return fmt.Sprintf("%s / %s (%.0f%%)", received, humanize.IBytes(uint64(item.TotalBytes)), pct)
}

func formatSource(item ipc.Item) string {
	if item.Source.PeerID == "" {
		return "-"
	}
	if item.Source.Path == "" {
		return item.Source.PeerID
	}
	return item.Source.PeerID + ":" + item.Source.Path
}

func formatWhen(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return humanize.Time(ts)
}

func renderStatusLine(label string, ok bool, message string, colorize bool) string {
	kind := "OK"
	color := ansiGreen
	if !ok {
		kind = "WARN"
		color = ansiYellow
	}
	text := fmt.Sprintf("[%s]", kind)
	if message != "" {
		text += " " + message
	}
	line := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", text)
	if colorize {
		return color + line + ansiReset
	}
	return line
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func renderItemTable(items []ipc.Item, colorize bool) string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.ID,
			item.Lane,
			colorState(item.State, colorize),
			formatProgress(item),
			formatSource(item),
			fmt.Sprintf("%d", item.RetryCount),
			formatWhen(item.UpdatedAt),
		})
	}
	return renderTable(
		[]string{"ID", "Lane", "State", "Progress", "Source", "Retries", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
	)
}

func printItemDetail(out io.Writer, item ipc.Item, colorize bool) {
	fmt.Fprintf(out, "ID:         %s\n", item.ID)
	fmt.Fprintf(out, "Lane:       %s\n", item.Lane)
	fmt.Fprintf(out, "State:      %s\n", colorState(item.State, colorize))
	fmt.Fprintf(out, "Progress:   %s\n", formatProgress(item))
	fmt.Fprintf(out, "Source:     %s\n", formatSource(item))
	fmt.Fprintf(out, "Final path: %s\n", item.FinalPath)
	fmt.Fprintf(out, "Retries:    %d\n", item.RetryCount)
	fmt.Fprintf(out, "Attempts:   %d\n", item.Attempts)
	if !item.NextRetryAt.IsZero() {
		fmt.Fprintf(out, "Next retry: %s\n", formatWhen(item.NextRetryAt))
	}
	fmt.Fprintf(out, "Submitted:  %s\n", formatWhen(item.SubmittedAt))
	fmt.Fprintf(out, "Updated:    %s\n", formatWhen(item.UpdatedAt))
	if item.Error != "" {
		fmt.Fprintf(out, "Error:      %s\n", item.Error)
	}
}
