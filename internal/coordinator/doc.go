// Package coordinator runs the transfer lifecycle.
//
// Each submitted item gets one goroutine that owns its state, journal record
// and staging file. The goroutine requests a slot from the scheduler, streams
// bytes from the item's source on a second goroutine, and on every heartbeat
// tick samples the health monitor and writes progress to the journal.
//
// Stalls ban the source and move the item to an alternative; preemption
// pauses the item with its bytes intact and requeues it at the head of its
// lane; a finished stream is verified and swapped into place before the
// journal record is committed. Items that exhaust their retry budget are
// dead lettered and stay visible until acknowledged.
//
// Recover must run before Run after a restart so that interrupted attempts
// resume from their last durable heartbeat.
package coordinator
