// Package main hosts the haul CLI entrypoint and command graph.
//
// The Cobra command tree runs the daemon in the foreground and translates
// terminal invocations into IPC calls against it: submitting and cancelling
// transfers, watching progress, and reviewing dead letters. Configuration
// resolution and socket discovery live in commandContext so subcommands only
// deal with presentation.
package main
