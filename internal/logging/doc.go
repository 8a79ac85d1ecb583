// Package logging assembles structured slog loggers and formatting helpers used
// across the haul daemon and CLI.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so engine code can tag log lines with item
// IDs, lanes, attempt IDs, and correlation IDs. Per-component level overrides
// come from the logging.components table in the config file.
package logging
