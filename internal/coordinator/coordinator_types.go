package coordinator

import (
	"time"

	"haul/internal/deadletter"
	"haul/internal/scheduler"
	"haul/internal/transfer"
)

// State is the lifecycle position of a transfer item.
type State string

const (
	StatePending         State = "pending"
	StatePreparing       State = "preparing"
	StateQueued          State = "queued"
	StateActive          State = "active"
	StateStalled         State = "stalled"
	StateExcluding       State = "excluding"
	StateRetrying        State = "retrying"
	StateFinalizing      State = "finalizing"
	StateCompleted       State = "completed"
	StateCancelled       State = "cancelled"
	StateDeadLettered    State = "dead_lettered"
	StateSourceExhausted State = "source_exhausted"
	StateFailed          State = "failed"
)

// Terminal reports whether no further transitions happen without operator
// action.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateDeadLettered, StateSourceExhausted, StateFailed:
		return true
	default:
		return false
	}
}

// Request describes a transfer to submit.
type Request struct {
	// ID is the stable content identity; resubmitting the same ID is a no-op
	// while the item is in flight.
	ID        string
	Lane      scheduler.Lane
	FinalPath string
	// Source is optional; when zero the finder picks one.
	Source transfer.Ref
	// Checksum is an optional sha256 hex digest verified before finalizing.
	Checksum string
	// TotalBytes is optional; the stream's reported size takes precedence.
	TotalBytes int64
}

// Snapshot is a read-only copy of an item for observers.
type Snapshot struct {
	ID            string       `json:"id"`
	Lane          string       `json:"lane"`
	State         State        `json:"state"`
	BytesReceived int64        `json:"bytes_received"`
	TotalBytes    int64        `json:"total_bytes"`
	RetryCount    int          `json:"retry_count"`
	NextRetryAt   time.Time    `json:"next_retry_at,omitempty"`
	Source        transfer.Ref `json:"source"`
	FinalPath     string       `json:"final_path"`
	Error         string       `json:"error,omitempty"`
	SubmittedAt   time.Time    `json:"submitted_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	Attempts      int          `json:"attempts"`
}

// item is the mutable state of one transfer, owned by its task goroutine.
type item struct {
	ID            string
	Lane          scheduler.Lane
	State         State
	BytesReceived int64
	TotalBytes    int64
	RetryCount    int
	NextRetryAt   time.Time
	Source        transfer.Ref
	FinalPath     string
	StagingPath   string
	Checksum      string
	Attempts      []deadletter.Attempt
	LastError     string
	SubmittedAt   time.Time

	// unavailable holds peers that reported not having the item.
	unavailable map[string]struct{}
	// finalizeOnly marks a recovered item whose staging file is complete.
	finalizeOnly bool
}

func (it *item) snapshot(now time.Time) Snapshot {
	return Snapshot{
		ID:            it.ID,
		Lane:          it.Lane.String(),
		State:         it.State,
		BytesReceived: it.BytesReceived,
		TotalBytes:    it.TotalBytes,
		RetryCount:    it.RetryCount,
		NextRetryAt:   it.NextRetryAt,
		Source:        it.Source,
		FinalPath:     it.FinalPath,
		Error:         it.LastError,
		SubmittedAt:   it.SubmittedAt,
		UpdatedAt:     now,
		Attempts:      len(it.Attempts),
	}
}

// outcome is how one attempt ended.
type outcome int

const (
	outcomeComplete outcome = iota
	outcomePreempted
	outcomeStalled
	outcomeUnavailable
	outcomeTransient
	outcomeStopped
)

func (o outcome) String() string {
	switch o {
	case outcomeComplete:
		return "complete"
	case outcomePreempted:
		return "preempted"
	case outcomeStalled:
		return "stalled"
	case outcomeUnavailable:
		return "unavailable"
	case outcomeTransient:
		return "transient"
	default:
		return "stopped"
	}
}
