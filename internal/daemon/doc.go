// Package daemon coordinates the long-running haul process.
//
// It wires configuration, the recovery journal, the dead-letter log and the
// transfer coordinator into a single lifecycle with flock-based locking to
// prevent multiple instances sharing a journal. Start replays the journal,
// prunes orphaned staging files and then runs the coordinator; Stop leaves
// every in-flight record in place for the next start.
//
// Keep orchestration logic here: transfer semantics live in the coordinator
// while the daemon focuses on startup, shutdown and status.
package daemon
