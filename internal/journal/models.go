package journal

import "time"

// Stage records how far an attempt got before the process last stopped.
type Stage string

const (
	// StagePrepared means the record is durable but no bytes have been written.
	StagePrepared Stage = "prepared"
	// StageWriting means bytes are flowing into the staging file.
	StageWriting Stage = "writing"
	// StageFinalizing means the staging file is being moved to its final path.
	StageFinalizing Stage = "finalizing"
	// StageDeadLettered marks a retained record whose item exhausted its retries.
	StageDeadLettered Stage = "dead_lettered"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StagePrepared, StageWriting, StageFinalizing, StageDeadLettered:
		return true
	default:
		return false
	}
}

// Record is the durable resume point for one transfer. A record exists only
// while an attempt is in progress, crashed without resolution, or was dead
// lettered and not yet acknowledged.
type Record struct {
	ItemID        string
	StagingPath   string
	FinalPath     string
	Lane          string
	PeerID        string
	RemotePath    string
	BytesReceived int64
	TotalBytes    int64
	RetryCount    int
	Checksum      string
	Stage         Stage
	CreatedAt     time.Time
	LastUpdated   time.Time
}
