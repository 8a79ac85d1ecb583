// Package ipc exposes the daemon over JSON-RPC Unix sockets and ships the
// matching client used by the CLI.
//
// It owns socket lifecycle management and the request/response DTOs. Errors
// cross the wire as strings prefixed with their kind (for example
// "not_found: ..."), and the client turns the prefix back into the matching
// services marker so callers can keep using errors.Is.
package ipc
