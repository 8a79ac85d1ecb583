// Package logs reads the daemon log file for the CLI.
//
// Tail returns the last lines of the current log or the lines appended after
// a saved offset, optionally waiting for new output. JSON-formatted logs can
// be narrowed to a single transfer by item id.
package logs
