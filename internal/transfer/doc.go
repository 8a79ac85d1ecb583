// Package transfer defines the contracts between the engine and the peer
// network client: refs, streams with remote queue position, sources that
// open (optionally resumed) streams, and finders that locate alternatives.
//
// Nothing here talks to a network. Concrete implementations live under
// internal/source.
package transfer
