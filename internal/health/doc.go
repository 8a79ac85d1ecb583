// Package health decides whether an active transfer is stalled.
//
// The signal is progress, not elapsed time: an item stalls only after a run
// of samples where the byte count did not move while the remote side claimed
// to be serving it. Items above the late-stage ratio get twice the patience,
// since peers commonly throttle the tail of a transfer.
package health
