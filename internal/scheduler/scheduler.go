package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"haul/internal/logging"
)

// Capacities partitions the slot pool. Background receives whatever the
// Express and Standard reserves leave.
type Capacities struct {
	Total           int
	ExpressReserve  int
	StandardReserve int
}

func (c Capacities) partition(l Lane) int {
	switch l {
	case Express:
		return max(c.ExpressReserve, 0)
	case Standard:
		return max(c.StandardReserve, 0)
	default:
		return max(c.Total-max(c.ExpressReserve, 0)-max(c.StandardReserve, 0), 0)
	}
}

// Grant is a held slot.
type Grant struct {
	ItemID    string
	Lane      Lane
	GrantedAt time.Time

	s         *Scheduler
	partition Lane
	paused    chan struct{}
	resume    *Ticket
	released  bool
}

// Paused is closed when the grant is preempted. The holder must stop its
// attempt, keep its progress, and wait on Resume.
func (g *Grant) Paused() <-chan struct{} {
	return g.paused
}

// Resume returns the ticket queued for the holder after preemption, or nil.
func (g *Grant) Resume() *Ticket {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	return g.resume
}

// Release returns the slot. After preemption the slot is already gone, so
// Release instead abandons the resume ticket; a holder that wants to continue
// waits on Resume and does not call Release. Calling it more than once is a
// no-op.
func (g *Grant) Release() {
	g.s.release(g)
}

// Ticket is a slot request. It becomes ready once granted.
type Ticket struct {
	ItemID      string
	Lane        Lane
	RequestedAt time.Time

	s         *Scheduler
	ready     chan struct{}
	grant     *Grant
	withdrawn bool
}

// Ready is closed once the ticket holds a grant.
func (t *Ticket) Ready() <-chan struct{} {
	return t.ready
}

// Grant returns the grant once Ready is closed.
func (t *Ticket) Grant() *Grant {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.grant
}

// Wait blocks until the ticket is granted or ctx ends. On ctx end the ticket
// is withdrawn, releasing a grant that raced in.
func (t *Ticket) Wait(ctx context.Context) (*Grant, error) {
	select {
	case <-t.ready:
		return t.Grant(), nil
	case <-ctx.Done():
		t.s.Withdraw(t)
		return nil, ctx.Err()
	}
}

// Scheduler arbitrates the slot pool across lanes.
type Scheduler struct {
	mu            sync.Mutex
	caps          Capacities
	used          [laneCount]int
	active        map[*Grant]struct{}
	pending       [laneCount][]*Ticket
	lastPreempted map[string]time.Time
	minDwell      time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMinDwell sets the minimum time between two preemptions of one item.
func WithMinDwell(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.minDwell = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New builds a scheduler over caps.
func New(caps Capacities, opts ...Option) *Scheduler {
	s := &Scheduler{
		caps:          caps,
		active:        make(map[*Grant]struct{}),
		lastPreempted: make(map[string]time.Time),
		minDwell:      time.Minute,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "scheduler")
	return s
}

// Configure re-partitions the pool. Existing grants keep their slots; new
// admissions honour the new sizes.
func (s *Scheduler) Configure(caps Capacities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = caps
	s.logger.Info("slot partitions configured",
		logging.Int("total", caps.Total),
		logging.Int("express_reserve", caps.partition(Express)),
		logging.Int("standard_reserve", caps.partition(Standard)),
		logging.Int("background", caps.partition(Background)),
	)
	s.dispatchLocked()
}

// Request queues a slot request and grants it immediately when possible.
// Express requests preempt lower-lane work when the pool is full.
func (s *Scheduler) Request(itemID string, lane Lane) *Ticket {
	if !lane.Valid() {
		lane = Standard
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Ticket{ItemID: itemID, Lane: lane, RequestedAt: s.now(), s: s, ready: make(chan struct{})}
	s.pending[lane] = append(s.pending[lane], t)
	s.dispatchLocked()
	return t
}

// Acquire blocks until a slot is granted for itemID or ctx ends.
func (s *Scheduler) Acquire(ctx context.Context, itemID string, lane Lane) (*Grant, error) {
	return s.Request(itemID, lane).Wait(ctx)
}

// Withdraw abandons a ticket. A ticket that was already granted releases its
// grant.
func (s *Scheduler) Withdraw(t *Ticket) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdrawLocked(t)
}

func (s *Scheduler) withdrawLocked(t *Ticket) {
	if t == nil || t.withdrawn {
		return
	}
	t.withdrawn = true
	if t.grant != nil {
		s.releaseLocked(t.grant)
		return
	}
	queue := s.pending[t.Lane]
	for i, candidate := range queue {
		if candidate == t {
			s.pending[t.Lane] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
}

// Rebalance retries pending admissions, including preemption for waiting
// Express requests whose victims have become eligible. The coordinator calls
// it once per tick.
func (s *Scheduler) Rebalance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchLocked()
}

func (s *Scheduler) release(g *Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(g)
}

func (s *Scheduler) releaseLocked(g *Grant) {
	if g == nil || g.released {
		return
	}
	g.released = true
	if _, ok := s.active[g]; !ok {
		if g.resume != nil {
			s.withdrawLocked(g.resume)
			s.dispatchLocked()
		}
		return
	}
	delete(s.active, g)
	s.used[g.partition]--
	s.dispatchLocked()
}

// dispatchLocked grants pending tickets in lane priority then FIFO order.
func (s *Scheduler) dispatchLocked() {
	for _, lane := range Lanes {
		for len(s.pending[lane]) > 0 {
			t := s.pending[lane][0]
			partition, ok := s.freePartitionLocked(lane)
			if !ok && lane == Express {
				partition, ok = s.preemptLocked(t)
			}
			if !ok {
				break
			}
			s.pending[lane] = s.pending[lane][1:]
			s.grantLocked(t, partition)
		}
	}
}

// freePartitionLocked finds an idle slot in the lane's own partition or any
// lower-priority one.
func (s *Scheduler) freePartitionLocked(lane Lane) (Lane, bool) {
	for p := lane; p <= Background; p++ {
		if s.used[p] < s.caps.partition(p) {
			return p, true
		}
	}
	return 0, false
}

func (s *Scheduler) grantLocked(t *Ticket, partition Lane) {
	g := &Grant{
		ItemID:    t.ItemID,
		Lane:      t.Lane,
		GrantedAt: s.now(),
		s:         s,
		partition: partition,
		paused:    make(chan struct{}),
	}
	s.active[g] = struct{}{}
	s.used[partition]++
	t.grant = g
	close(t.ready)
}

// preemptLocked pauses the active grant in the lowest lane below Express,
// preferring the longest-running one, and hands its slot to the requester.
// Items preempted within the dwell window are skipped.
func (s *Scheduler) preemptLocked(requester *Ticket) (Lane, bool) {
	now := s.now()
	for id, at := range s.lastPreempted {
		if now.Sub(at) >= s.minDwell {
			delete(s.lastPreempted, id)
		}
	}

	var victim *Grant
	for g := range s.active {
		if !requester.Lane.Outranks(g.Lane) {
			continue
		}
		if _, recent := s.lastPreempted[g.ItemID]; recent {
			continue
		}
		if victim == nil ||
			g.Lane > victim.Lane ||
			(g.Lane == victim.Lane && g.GrantedAt.Before(victim.GrantedAt)) {
			victim = g
		}
	}
	if victim == nil {
		return 0, false
	}

	delete(s.active, victim)
	s.used[victim.partition]--
	s.lastPreempted[victim.ItemID] = now

	resume := &Ticket{ItemID: victim.ItemID, Lane: victim.Lane, RequestedAt: now, s: s, ready: make(chan struct{})}
	s.pending[victim.Lane] = append([]*Ticket{resume}, s.pending[victim.Lane]...)
	victim.resume = resume
	close(victim.paused)

	s.logger.Info("slot preempted",
		logging.String(logging.FieldItemID, victim.ItemID),
		logging.Lane(victim.Lane.String()),
		logging.String("preempted_by", requester.ItemID),
		logging.Duration("held_for", now.Sub(victim.GrantedAt)),
		logging.Event("slot_preempted"),
	)
	return victim.partition, true
}

// LaneStats is a per-lane snapshot.
type LaneStats struct {
	Lane     Lane
	Reserved int
	Occupied int
	Active   int
	Pending  int
}

// Stats is a scheduler snapshot.
type Stats struct {
	Total int
	Lanes []LaneStats
}

// Stats returns a snapshot of partition usage and queue depth. Occupied
// counts slots in the lane's partition; Active counts grants held by the lane.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var activeByLane [laneCount]int
	for g := range s.active {
		activeByLane[g.Lane]++
	}
	out := Stats{Total: s.caps.Total, Lanes: make([]LaneStats, 0, laneCount)}
	for _, lane := range Lanes {
		out.Lanes = append(out.Lanes, LaneStats{
			Lane:     lane,
			Reserved: s.caps.partition(lane),
			Occupied: s.used[lane],
			Active:   activeByLane[lane],
			Pending:  len(s.pending[lane]),
		})
	}
	return out
}
