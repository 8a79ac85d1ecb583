package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"haul/internal/config"
	"haul/internal/deadletter"
	"haul/internal/fileutil"
	"haul/internal/health"
	"haul/internal/journal"
	"haul/internal/logging"
	"haul/internal/reputation"
	"haul/internal/scheduler"
	"haul/internal/services"
	"haul/internal/transfer"
)

const observerBuffer = 16

// Journal is the durable record of in-flight transfers. *journal.Store
// implements it.
type Journal interface {
	Prepare(ctx context.Context, rec journal.Record) error
	HeartbeatUpdate(ctx context.Context, itemID string, bytesReceived int64) error
	ResetProgress(ctx context.Context, itemID, peerID, remotePath string, retryCount int) error
	SetTotal(ctx context.Context, itemID string, totalBytes int64) error
	SetRetryCount(ctx context.Context, itemID string, retryCount int) error
	SetStage(ctx context.Context, itemID string, stage journal.Stage) error
	Commit(ctx context.Context, itemID string) error
	Get(ctx context.Context, itemID string) (*journal.Record, error)
	ListPending(ctx context.Context) ([]*journal.Record, error)
}

// DeadLetters is the append-only log of items that ran out of retries.
// *deadletter.Store implements it.
type DeadLetters interface {
	Append(rec deadletter.Record) error
	List() ([]deadletter.Record, error)
	Get(itemID string) (*deadletter.Record, error)
	Acknowledge(itemID string) error
}

// Dependencies are the collaborators a Coordinator drives. Journal,
// DeadLetters, Source and Finder are required; the rest are built from
// config when nil.
type Dependencies struct {
	Journal     Journal
	DeadLetters DeadLetters
	Scheduler   *scheduler.Scheduler
	Health      *health.Monitor
	Bans        *reputation.Table
	Source      transfer.Source
	Finder      transfer.Finder
	Logger      *slog.Logger
}

// Coordinator owns the lifecycle of every transfer item.
type Coordinator struct {
	journal     Journal
	deadLetters DeadLetters
	scheduler   *scheduler.Scheduler
	health      *health.Monitor
	bans        *reputation.Table
	source      transfer.Source
	finder      transfer.Finder
	fs          afero.Fs
	writer      *fileutil.Writer
	logger      *slog.Logger

	stagingDir     string
	libraryDir     string
	interval       time.Duration
	maxRetries     int
	backoffBase    time.Duration
	backoffMax     time.Duration
	journalRetries uint
	journalDelay   time.Duration
	ticks          <-chan time.Time
	now            func() time.Time

	root     context.Context
	stopRoot context.CancelFunc

	mu        sync.Mutex
	tasks     map[string]*task
	observers map[*observer]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTicks replaces the heartbeat ticker with ch.
func WithTicks(ch <-chan time.Time) Option {
	return func(c *Coordinator) {
		c.ticks = ch
	}
}

// WithFs sets the filesystem holding staging and final paths.
func WithFs(fs afero.Fs) Option {
	return func(c *Coordinator) {
		if fs != nil {
			c.fs = fs
		}
	}
}

// WithBackoff overrides the retry backoff bounds.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(c *Coordinator) {
		if base > 0 {
			c.backoffBase = base
		}
		if maxDelay > 0 {
			c.backoffMax = maxDelay
		}
	}
}

// New builds a coordinator from cfg and deps.
func New(cfg *config.Config, deps Dependencies, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "coordinator", "new", "config required", nil)
	}
	if deps.Journal == nil || deps.DeadLetters == nil {
		return nil, services.Wrap(services.ErrConfiguration, "coordinator", "new", "journal and dead-letter stores required", nil)
	}
	if deps.Source == nil || deps.Finder == nil {
		return nil, services.Wrap(services.ErrConfiguration, "coordinator", "new", "transfer source and finder required", nil)
	}
	logger := logging.ForComponent(deps.Logger, "coordinator", cfg.Logging.Components)
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.New(scheduler.Capacities{
			Total:           cfg.Scheduler.TotalSlots,
			ExpressReserve:  cfg.Scheduler.ExpressReserve,
			StandardReserve: cfg.Scheduler.StandardReserve,
		}, scheduler.WithMinDwell(cfg.MinDwell()), scheduler.WithLogger(deps.Logger))
	}
	if deps.Health == nil {
		deps.Health = health.New(cfg.Health.StallSamples, cfg.Health.LateStageRatio)
	}
	if deps.Bans == nil {
		deps.Bans = reputation.New(cfg.BanDuration())
	}

	c := &Coordinator{
		journal:        deps.Journal,
		deadLetters:    deps.DeadLetters,
		scheduler:      deps.Scheduler,
		health:         deps.Health,
		bans:           deps.Bans,
		source:         deps.Source,
		finder:         deps.Finder,
		fs:             fileutil.NewOSFs(),
		logger:         logger,
		stagingDir:     cfg.Paths.StagingDir,
		libraryDir:     cfg.Paths.LibraryDir,
		interval:       cfg.SampleInterval(),
		maxRetries:     cfg.Retry.MaxRetries,
		backoffBase:    cfg.BackoffBase(),
		backoffMax:     cfg.BackoffMax(),
		journalRetries: uint(max(cfg.Journal.HeartbeatRetries, 1)),
		journalDelay:   50 * time.Millisecond,
		now:            time.Now,
		tasks:          make(map[string]*task),
		observers:      make(map[*observer]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.interval <= 0 {
		c.interval = 15 * time.Second
	}
	c.writer = fileutil.NewWriter(c.fs)
	c.root, c.stopRoot = context.WithCancel(context.Background())
	return c, nil
}

// task is the goroutine-owned state of one item plus its control channels.
type task struct {
	it              *item
	ctx             context.Context
	cancel          context.CancelFunc
	cancelRequested atomic.Bool
	tick            chan struct{}
	done            chan struct{}
	snap            Snapshot // guarded by Coordinator.mu
}

func (c *Coordinator) newTask(it *item) *task {
	ctx := services.WithLane(services.WithItemID(c.root, it.ID), it.Lane.String())
	ctx, cancel := context.WithCancel(ctx)
	t := &task{
		it:     it,
		ctx:    ctx,
		cancel: cancel,
		tick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	t.snap = it.snapshot(c.now())
	return t
}

// StagingPath returns the deterministic staging location for itemID.
func (c *Coordinator) StagingPath(itemID string) string {
	name := uuid.NewSHA1(uuid.NameSpaceURL, []byte("haul:"+itemID)).String()
	return filepath.Join(c.stagingDir, name+".part")
}

// Submit registers req and starts it. Submitting an ID that is already in
// flight returns the ID without side effects. The journal intent is durable
// before Submit returns; a journal failure rejects the submission.
func (c *Coordinator) Submit(ctx context.Context, req Request) (string, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return "", services.Wrap(services.ErrValidation, "coordinator", "submit", "item id required", nil)
	}
	if !req.Lane.Valid() {
		return "", services.Wrap(services.ErrValidation, "coordinator", "submit", "unknown lane", nil)
	}
	finalPath := strings.TrimSpace(req.FinalPath)
	if finalPath == "" {
		return "", services.Wrap(services.ErrValidation, "coordinator", "submit", "final path required", nil)
	}
	if !filepath.IsAbs(finalPath) {
		finalPath = filepath.Join(c.libraryDir, finalPath)
	}

	it := &item{
		ID:          id,
		Lane:        req.Lane,
		State:       StatePending,
		TotalBytes:  max(req.TotalBytes, 0),
		Source:      req.Source,
		FinalPath:   filepath.Clean(finalPath),
		StagingPath: c.StagingPath(id),
		Checksum:    strings.ToLower(strings.TrimSpace(req.Checksum)),
		SubmittedAt: c.now(),
	}
	t := c.newTask(it)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.cancel()
		return "", services.Wrap(services.ErrCancelled, "coordinator", "submit", "coordinator stopped", nil)
	}
	if existing := c.tasks[id]; existing != nil {
		state := existing.snap.State
		if !state.Terminal() {
			c.mu.Unlock()
			t.cancel()
			return id, nil
		}
		if state == StateDeadLettered {
			c.mu.Unlock()
			t.cancel()
			return id, services.Wrap(services.ErrDeadLettered, "coordinator", "submit", "acknowledge the dead letter before resubmitting", nil)
		}
	}
	c.tasks[id] = t
	c.mu.Unlock()
	c.publish(t)

	logger := logging.WithContext(t.ctx, c.logger)

	if it.Source.IsZero() {
		ref, ok, err := c.finder.FindAlternative(ctx, id, transfer.Ref{}, c.bans.Excluded())
		if err != nil {
			c.abandon(t)
			return "", services.Wrap(services.ErrTransient, "coordinator", "submit", "find source", err)
		}
		if ok && c.bans.Banned(ref.PeerID) {
			ok = false
		}
		if !ok {
			it.LastError = "no source available"
			c.transition(t, StateSourceExhausted)
			t.cancel()
			close(t.done)
			logging.WarnWithContext(logger, "no source available for submission", "source_exhausted",
				logging.Hint("resubmit once a peer offers the item"),
				logging.Impact("item was not started"),
			)
			return id, services.Wrap(services.ErrSourceExhausted, "coordinator", "submit", id, nil)
		}
		it.Source = ref
	}

	err := c.journal.Prepare(ctx, journal.Record{
		ItemID:      id,
		StagingPath: it.StagingPath,
		FinalPath:   it.FinalPath,
		Lane:        it.Lane.String(),
		PeerID:      it.Source.PeerID,
		RemotePath:  it.Source.Path,
		TotalBytes:  it.TotalBytes,
		Checksum:    it.Checksum,
	})
	if err != nil {
		c.abandon(t)
		if errors.Is(err, journal.ErrExists) {
			rec, getErr := c.journal.Get(ctx, id)
			if getErr == nil && rec != nil && rec.Stage == journal.StageDeadLettered {
				return id, services.Wrap(services.ErrDeadLettered, "coordinator", "submit", "acknowledge the dead letter before resubmitting", nil)
			}
			return id, services.Wrap(services.ErrValidation, "coordinator", "submit", "journal already holds this item; run recovery", err)
		}
		return "", services.Wrap(services.ErrBackend, "coordinator", "submit", "journal prepare failed", err)
	}

	c.transition(t, StatePreparing)
	logger.Info("transfer submitted",
		logging.Peer(it.Source.PeerID),
		logging.String("remote_path", it.Source.Path),
		logging.String("final_path", it.FinalPath),
		logging.Event("transfer_submitted"),
	)
	c.start(t)
	return id, nil
}

// abandon drops a task that never started.
func (c *Coordinator) abandon(t *task) {
	c.mu.Lock()
	if c.tasks[t.it.ID] == t {
		delete(c.tasks, t.it.ID)
	}
	c.mu.Unlock()
	t.cancel()
	close(t.done)
}

func (c *Coordinator) start(t *task) {
	c.wg.Add(1)
	go c.drive(t)
}

// Cancel stops itemID, discards its partial data and commits its journal
// record. It waits for the item to stop or ctx to end.
func (c *Coordinator) Cancel(ctx context.Context, itemID string) error {
	c.mu.Lock()
	t := c.tasks[itemID]
	var state State
	if t != nil {
		state = t.snap.State
	}
	c.mu.Unlock()

	if t == nil {
		return services.Wrap(services.ErrNotFound, "coordinator", "cancel", itemID, nil)
	}
	switch {
	case state == StateCancelled:
		return nil
	case state == StateDeadLettered:
		return services.Wrap(services.ErrValidation, "coordinator", "cancel", "item is dead lettered; acknowledge it instead", nil)
	case state.Terminal():
		return services.Wrap(services.ErrValidation, "coordinator", "cancel", fmt.Sprintf("item already %s", state), nil)
	}

	t.cancelRequested.Store(true)
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current view of itemID.
func (c *Coordinator) Snapshot(itemID string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[itemID]
	if !ok {
		return Snapshot{}, false
	}
	return t.snap, true
}

// List returns every known item, oldest submission first.
func (c *Coordinator) List() []Snapshot {
	c.mu.Lock()
	out := make([]Snapshot, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.snap)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// SchedulerStats exposes slot usage for status output.
func (c *Coordinator) SchedulerStats() scheduler.Stats {
	return c.scheduler.Stats()
}

// Bans lists sources that are currently excluded.
func (c *Coordinator) Bans() []reputation.Entry {
	return c.bans.List()
}

// ListDeadLetters returns unacknowledged dead letters.
func (c *Coordinator) ListDeadLetters() ([]deadletter.Record, error) {
	return c.deadLetters.List()
}

// Acknowledge clears a dead letter after operator review, removing the
// retained journal record and its staging data. The journal is committed
// first so a failed commit leaves the dead letter in place to acknowledge
// again. An item whose dead letter never reached the log is still cleared.
func (c *Coordinator) Acknowledge(ctx context.Context, itemID string) error {
	c.mu.Lock()
	parked := false
	if t := c.tasks[itemID]; t != nil && t.snap.State == StateDeadLettered {
		parked = true
	}
	c.mu.Unlock()

	rec, err := c.journal.Get(ctx, itemID)
	if err != nil {
		return err
	}
	retained := rec != nil && (rec.Stage == journal.StageDeadLettered || parked)
	if retained {
		c.removeStaging(rec.StagingPath)
		if err := c.durable(ctx, "commit", func(ctx context.Context) error {
			return c.journal.Commit(ctx, itemID)
		}); err != nil {
			return err
		}
	}
	if err := c.deadLetters.Acknowledge(itemID); err != nil {
		if !errors.Is(err, services.ErrNotFound) || !(retained || parked) {
			return err
		}
	}

	c.mu.Lock()
	if t := c.tasks[itemID]; t != nil && t.snap.State == StateDeadLettered {
		delete(c.tasks, itemID)
	}
	c.mu.Unlock()

	c.logger.Info("dead letter acknowledged",
		logging.String(logging.FieldItemID, itemID),
		logging.Event("dead_letter_acknowledged"),
	)
	return nil
}

// Run drives heartbeat ticks until ctx ends, then stops every item without
// touching its journal record so a later Recover resumes it.
func (c *Coordinator) Run(ctx context.Context) error {
	ticks := c.ticks
	if ticks == nil {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	c.logger.Info("coordinator running",
		logging.Duration("heartbeat_interval", c.interval),
		logging.Duration("ban_duration", c.bans.Duration()),
	)
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return nil
		case <-ticks:
			c.tick()
		}
	}
}

func (c *Coordinator) tick() {
	c.scheduler.Rebalance()
	c.bans.Prune()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tasks {
		select {
		case t.tick <- struct{}{}:
		default:
		}
	}
}

// Close stops all items and waits for their goroutines.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stopRoot()
	c.wg.Wait()
	c.mu.Lock()
	for o := range c.observers {
		delete(c.observers, o)
		close(o.ch)
	}
	c.mu.Unlock()
}

// Wait blocks until every started item has stopped.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

type observer struct {
	itemID string
	ch     chan Snapshot
}

// send never blocks: when the buffer is full the oldest snapshot is dropped.
func (o *observer) send(s Snapshot) {
	select {
	case o.ch <- s:
		return
	default:
	}
	select {
	case <-o.ch:
	default:
	}
	select {
	case o.ch <- s:
	default:
	}
}

// Observe streams snapshots for itemID, or for every item when itemID is
// empty. The current snapshot is delivered first. Slow readers lose the
// oldest snapshots rather than stalling the coordinator. The returned func
// stops the stream.
func (c *Coordinator) Observe(itemID string) (<-chan Snapshot, func()) {
	o := &observer{itemID: itemID, ch: make(chan Snapshot, observerBuffer)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(o.ch)
		return o.ch, func() {}
	}
	if itemID != "" {
		if t := c.tasks[itemID]; t != nil {
			o.send(t.snap)
		}
	}
	c.observers[o] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return o.ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.observers[o]; ok {
				delete(c.observers, o)
				close(o.ch)
			}
		})
	}
}

func (c *Coordinator) publish(t *task) {
	snap := t.it.snapshot(c.now())
	c.mu.Lock()
	defer c.mu.Unlock()
	t.snap = snap
	for o := range c.observers {
		if o.itemID == "" || o.itemID == snap.ID {
			o.send(snap)
		}
	}
}

func (c *Coordinator) transition(t *task, state State) {
	previous := t.it.State
	t.it.State = state
	if previous != state {
		logging.WithContext(t.ctx, c.logger).Debug("state changed",
			logging.String("from", string(previous)),
			logging.String(logging.FieldState, string(state)),
		)
	}
	c.publish(t)
}
