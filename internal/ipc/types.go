package ipc

import (
	"time"

	"haul/internal/coordinator"
	"haul/internal/deadletter"
	"haul/internal/reputation"
	"haul/internal/scheduler"
)

// Item is the wire form of a transfer snapshot.
type Item = coordinator.Snapshot

// DeadLetter is the wire form of a dead-letter record.
type DeadLetter = deadletter.Record

// SubmitRequest enqueues a transfer. PeerID and RemotePath are optional;
// when PeerID is empty the daemon picks a source.
type SubmitRequest struct {
	ID         string `json:"id"`
	Lane       string `json:"lane"`
	FinalPath  string `json:"final_path"`
	PeerID     string `json:"peer_id"`
	RemotePath string `json:"remote_path"`
	Checksum   string `json:"checksum"`
	TotalBytes int64  `json:"total_bytes"`
}

// SubmitResponse returns the accepted item.
type SubmitResponse struct {
	Item Item `json:"item"`
}

// CancelRequest stops an item and discards its partial data.
type CancelRequest struct {
	ID string `json:"id"`
}

// CancelResponse returns the item after cancellation.
type CancelResponse struct {
	Item Item `json:"item"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// CheckResult mirrors a preflight check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// LaneUsage reports slot use of one lane.
type LaneUsage struct {
	Lane     string `json:"lane"`
	Reserved int    `json:"reserved"`
	Occupied int    `json:"occupied"`
	Active   int    `json:"active"`
	Pending  int    `json:"pending"`
}

// Ban is an excluded source.
type Ban = reputation.Entry

// StatusResponse represents combined daemon and coordinator status.
type StatusResponse struct {
	Running        bool           `json:"running"`
	PID            int            `json:"pid"`
	StartedAt      time.Time      `json:"started_at"`
	LockPath       string         `json:"lock_path"`
	JournalPath    string         `json:"journal_path"`
	DeadLetterPath string         `json:"dead_letter_path"`
	TotalSlots     int            `json:"total_slots"`
	Lanes          []LaneUsage    `json:"lanes"`
	JournalStages  map[string]int `json:"journal_stages"`
	ItemStates     map[string]int `json:"item_states"`
	Bans           []Ban          `json:"bans"`
	DeadLetters    int            `json:"dead_letters"`
	StagingFiles   int            `json:"staging_files"`
	StagingBytes   int64          `json:"staging_bytes"`
	Resumed        int            `json:"resumed"`
	Restarted      int            `json:"restarted"`
	Checks         []CheckResult  `json:"checks"`
	LastError      string         `json:"last_error"`
}

// ListRequest filters items by state. Empty means every item.
type ListRequest struct {
	States []string `json:"states"`
}

// ListResponse contains items, oldest submission first.
type ListResponse struct {
	Items []Item `json:"items"`
}

// DescribeRequest fetches a single item by id.
type DescribeRequest struct {
	ID string `json:"id"`
}

// DescribeResponse contains a single item.
type DescribeResponse struct {
	Item Item `json:"item"`
}

// WatchRequest waits up to WaitMillis for snapshots updated after After.
// An empty ID watches every item.
type WatchRequest struct {
	ID         string    `json:"id"`
	After      time.Time `json:"after"`
	WaitMillis int       `json:"wait_millis"`
}

// WatchResponse carries the latest snapshot per changed item, in change order.
type WatchResponse struct {
	Items []Item `json:"items"`
}

// DeadLettersRequest lists unacknowledged dead letters.
type DeadLettersRequest struct{}

// DeadLettersResponse contains dead-letter records, oldest first.
type DeadLettersResponse struct {
	Records []DeadLetter `json:"records"`
}

// AcknowledgeRequest clears a dead letter.
type AcknowledgeRequest struct {
	ID string `json:"id"`
}

// AcknowledgeResponse confirms the acknowledgement.
type AcknowledgeResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

func laneUsage(stats scheduler.Stats) []LaneUsage {
	out := make([]LaneUsage, 0, len(stats.Lanes))
	for _, lane := range stats.Lanes {
		out = append(out, LaneUsage{
			Lane:     lane.Lane.String(),
			Reserved: lane.Reserved,
			Occupied: lane.Occupied,
			Active:   lane.Active,
			Pending:  lane.Pending,
		})
	}
	return out
}
