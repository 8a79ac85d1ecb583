package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"haul/internal/config"
	"haul/internal/coordinator"
	"haul/internal/fileutil"
	"haul/internal/journal"
	"haul/internal/logging"
	"haul/internal/preflight"
	"haul/internal/reputation"
	"haul/internal/scheduler"
	"haul/internal/staging"
)

// orphanGrace keeps staging files touched this recently out of cleanup.
const orphanGrace = time.Minute

// Daemon owns the coordinator lifecycle and enforces single-instance execution.
type Daemon struct {
	cfg         *config.Config
	logger      *slog.Logger
	journal     *journal.Store
	coordinator *coordinator.Coordinator
	fs          afero.Fs

	lockPath string
	lock     *flock.Flock

	mu        sync.Mutex
	running   atomic.Bool
	stopped   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	startedAt time.Time
	recovery  coordinator.RecoveryReport
	checks    []preflight.Result
}

// Status represents daemon runtime information.
type Status struct {
	Running        bool
	PID            int
	StartedAt      time.Time
	LockPath       string
	JournalPath    string
	DeadLetterPath string
	Recovery       coordinator.RecoveryReport
	Scheduler      scheduler.Stats
	JournalStages  map[journal.Stage]int
	Bans           []reputation.Entry
	DeadLetters    int
	StagingFiles   int
	StagingBytes   int64
	Preflight      []preflight.Result
	LastError      string
}

// New constructs a daemon around an already built coordinator.
func New(cfg *config.Config, store *journal.Store, coord *coordinator.Coordinator, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || coord == nil {
		return nil, errors.New("daemon requires config, journal, and coordinator")
	}
	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(logger, "daemon"),
		journal:     store,
		coordinator: coord,
		fs:          fileutil.NewOSFs(),
		lockPath:    lockPath,
		lock:        flock.New(lockPath),
	}, nil
}

// Start acquires the daemon lock, recovers interrupted transfers and runs
// the coordinator until ctx ends or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if d.stopped {
		return errors.New("daemon cannot be restarted after stop")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another haul daemon instance is already running")
	}

	d.checks = preflight.RunAll(ctx, d.cfg)
	for _, check := range preflight.Failed(d.checks) {
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", check.Name),
			logging.String("detail", check.Detail),
			logging.Hint("fix the path or mirror and the next transfer picks it up"),
		)
	}

	report, err := d.coordinator.Recover(ctx)
	if err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("recover journal: %w", err)
	}
	d.recovery = report
	d.cleanStaging(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return d.coordinator.Run(groupCtx)
	})
	d.cancel = cancel
	d.group = group
	d.startedAt = time.Now()
	d.running.Store(true)
	d.logger.Info("haul daemon started",
		logging.String("lock", d.lockPath),
		logging.Int("resumed", report.Resumed),
		logging.Int("restarted", report.Restarted),
		logging.Int("finalized", report.Finalized),
		logging.Event("daemon_start"),
	)
	return nil
}

// cleanStaging removes .part files that no journal record owns.
func (d *Daemon) cleanStaging(ctx context.Context) {
	records, err := d.journal.ListPending(ctx)
	if err != nil {
		logging.WarnWithContext(d.logger, "staging cleanup skipped", "staging_cleanup_skipped",
			logging.Error(err),
			logging.Impact("orphaned partial files remain on disk"),
		)
		return
	}
	referenced := make(map[string]struct{}, len(records))
	for _, rec := range records {
		referenced[rec.StagingPath] = struct{}{}
	}
	result := staging.CleanOrphaned(ctx, d.fs, d.cfg.Paths.StagingDir, referenced, orphanGrace, d.logger)
	if len(result.Removed) > 0 {
		d.logger.Info("orphaned staging files removed", logging.Int("count", len(result.Removed)))
	}
}

// Stop halts the coordinator, leaving journal records for the next start,
// and releases the daemon lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	d.cancel()
	if err := d.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("coordinator exited with error", logging.Error(err))
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.stopped = true
	d.logger.Info("haul daemon stopped", logging.Event("daemon_stop"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

// Coordinator exposes the transfer coordinator to the IPC layer.
func (d *Daemon) Coordinator() *coordinator.Coordinator {
	return d.coordinator
}

// Running reports whether the coordinator loop is active.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	status := Status{
		Running:        d.running.Load(),
		PID:            os.Getpid(),
		StartedAt:      d.startedAt,
		LockPath:       d.lockPath,
		JournalPath:    d.journal.Path(),
		DeadLetterPath: d.cfg.DeadLetterPath(),
		Recovery:       d.recovery,
		Preflight:      append([]preflight.Result(nil), d.checks...),
	}
	d.mu.Unlock()

	status.Scheduler = d.coordinator.SchedulerStats()
	status.Bans = d.coordinator.Bans()
	stages, err := d.journal.Stats(ctx)
	if err != nil {
		status.LastError = err.Error()
	} else {
		status.JournalStages = stages
	}
	letters, err := d.coordinator.ListDeadLetters()
	if err != nil {
		status.LastError = err.Error()
	} else {
		status.DeadLetters = len(letters)
	}
	files, err := staging.ListFiles(d.fs, d.cfg.Paths.StagingDir)
	if err != nil {
		status.LastError = err.Error()
	} else {
		status.StagingFiles = len(files)
		status.StagingBytes = staging.TotalSize(files)
	}
	return status
}
