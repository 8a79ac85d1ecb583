package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrResumeUnsupported is returned by Source.Open when the source cannot start
// at a non-zero offset. The caller restarts the attempt from zero.
var ErrResumeUnsupported = errors.New("resume unsupported")

// Ref identifies one remote copy of an item.
type Ref struct {
	PeerID string `json:"peer_id"`
	Path   string `json:"path"`
}

// IsZero reports whether the ref is unset.
func (r Ref) IsZero() bool {
	return r.PeerID == "" && r.Path == ""
}

func (r Ref) String() string {
	if r.IsZero() {
		return "-"
	}
	return r.PeerID + ":" + r.Path
}

// Position is the remote-side queue state of a stream.
type Position struct {
	queued bool
	index  int
}

// Active means the remote side is currently serving bytes.
var Active = Position{}

// QueuedAt reports the stream as waiting at position n in the remote queue.
func QueuedAt(n int) Position {
	return Position{queued: true, index: n}
}

// IsActive reports whether the remote side is serving bytes.
func (p Position) IsActive() bool {
	return !p.queued
}

// Queued returns the remote queue index when the stream is waiting.
func (p Position) Queued() (int, bool) {
	return p.index, p.queued
}

func (p Position) String() string {
	if !p.queued {
		return "active"
	}
	return fmt.Sprintf("queued@%d", p.index)
}

// Stream is an open byte stream from a source.
type Stream interface {
	io.ReadCloser
	// Size returns the full item size in bytes, or 0 when unknown.
	Size() int64
	// QueuePosition reports whether the remote side is serving or queueing.
	QueuePosition() Position
}

// Source opens streams for refs.
type Source interface {
	Open(ctx context.Context, ref Ref, offset int64) (Stream, error)
}

// Finder locates alternative copies of an item. hint carries the last ref
// used for the item (zero for a fresh submission); exclude holds peer ids
// that must not be returned.
type Finder interface {
	FindAlternative(ctx context.Context, itemID string, hint Ref, exclude map[string]struct{}) (Ref, bool, error)
}
