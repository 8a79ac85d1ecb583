// Package deadletter keeps the append-only log of transfers that exhausted
// their retry budget, stored in a Pebble LSM under the daemon state dir.
//
// A record carries the full attempt history so an operator can see which
// sources were tried and why each attempt ended. Records stay listed until
// Acknowledge writes a marker for the item.
package deadletter
