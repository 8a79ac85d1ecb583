// Package journal is the crash-recovery log for in-flight transfers, backed by
// SQLite in WAL mode with synchronous=FULL.
//
// Each transfer follows prepare, log, execute, commit: Prepare writes the
// record before the first byte is requested, HeartbeatUpdate advances the
// resume offset monotonically, and Commit deletes the record once the final
// file is in place. Whatever is left in the table after a crash is exactly
// the set of transfers that need recovery.
//
// Schema changes bump schemaVersion in schema.go; an older journal must be
// drained before upgrading.
package journal
