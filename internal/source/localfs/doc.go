// Package localfs is a transfer source backed by local mirror directories,
// one per peer id. It supports ranged opens and is the source the daemon uses
// when no network client is plugged in.
package localfs
