package health

import (
	"sync"
	"time"

	"haul/internal/transfer"
)

const (
	// DefaultStallSamples is the number of consecutive no-progress samples
	// that produce a stall verdict.
	DefaultStallSamples = 4
	// DefaultLateStageRatio is the completion ratio above which the stall
	// threshold doubles.
	DefaultLateStageRatio = 0.9
)

// Verdict is the liveness classification for one sample.
type Verdict int

const (
	Live Verdict = iota
	Stalled
)

func (v Verdict) String() string {
	if v == Stalled {
		return "stalled"
	}
	return "live"
}

// Sample is one periodic progress observation.
type Sample struct {
	ItemID        string
	BytesReceived int64
	TotalBytes    int64
	Queue         transfer.Position
	At            time.Time
}

// State is the per-item heartbeat bookkeeping.
type State struct {
	LastSampledBytes      int64
	LastSampleTime        time.Time
	ConsecutiveNoProgress int
}

// Monitor classifies stalls from progress samples. It never retries or
// cancels anything.
type Monitor struct {
	mu           sync.Mutex
	states       map[string]*State
	stallSamples int
	lateRatio    float64
	now          func() time.Time
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock overrides the time used for samples without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New builds a monitor. Non-positive arguments fall back to the defaults.
func New(stallSamples int, lateStageRatio float64, opts ...Option) *Monitor {
	if stallSamples <= 0 {
		stallSamples = DefaultStallSamples
	}
	if lateStageRatio <= 0 || lateStageRatio >= 1 {
		lateStageRatio = DefaultLateStageRatio
	}
	m := &Monitor{
		states:       make(map[string]*State),
		stallSamples: stallSamples,
		lateRatio:    lateStageRatio,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Threshold returns the number of no-progress samples required to stall an
// item at the given progress. Unknown totals use the base threshold.
func (m *Monitor) Threshold(bytesReceived, totalBytes int64) int {
	if totalBytes > 0 && float64(bytesReceived)/float64(totalBytes) > m.lateRatio {
		return 2 * m.stallSamples
	}
	return m.stallSamples
}

// Sample records s and returns the verdict for the item.
func (m *Monitor) Sample(s Sample) Verdict {
	at := s.At
	if at.IsZero() {
		at = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[s.ItemID]
	if !ok {
		state = &State{}
		m.states[s.ItemID] = state
	}
	if s.BytesReceived == state.LastSampledBytes && s.BytesReceived > 0 && s.Queue.IsActive() {
		state.ConsecutiveNoProgress++
	} else {
		state.ConsecutiveNoProgress = 0
		state.LastSampledBytes = s.BytesReceived
	}
	state.LastSampleTime = at

	if state.ConsecutiveNoProgress >= m.Threshold(s.BytesReceived, s.TotalBytes) {
		return Stalled
	}
	return Live
}

// Forget drops all state for itemID. Called when an attempt ends so the next
// attempt starts from a clean counter.
func (m *Monitor) Forget(itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, itemID)
}

// State returns a copy of the heartbeat state for itemID.
func (m *Monitor) State(itemID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[itemID]
	if !ok {
		return State{}, false
	}
	return *state, true
}
