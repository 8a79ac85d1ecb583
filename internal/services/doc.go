// Package services defines shared utilities consumed by the transfer engine
// components.
//
// Key responsibilities:
//   - Context helpers that stamp item IDs, lane names, attempt IDs, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper so callers can classify
//     failures (retry, dead letter, surface) with errors.Is.
//
// Use these helpers when wiring new engine logic so operational behaviour
// (error handling, observability, retries) stays uniform across components.
package services
