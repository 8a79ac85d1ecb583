package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"haul/internal/deadletter"
	"haul/internal/fileutil"
	"haul/internal/health"
	"haul/internal/journal"
	"haul/internal/logging"
	"haul/internal/scheduler"
	"haul/internal/services"
	"haul/internal/transfer"
)

const copyChunk = 32 * 1024

// drive runs one item from Preparing to a terminal state, or until the
// coordinator shuts down.
func (c *Coordinator) drive(t *task) {
	defer c.wg.Done()
	defer close(t.done)

	it := t.it
	if it.finalizeOnly {
		// Recovered with every byte staged; only the swap is left.
		it.finalizeOnly = false
		done, err := c.finalize(t)
		if done || !c.recoverAttempt(t, outcomeTransient, err) {
			return
		}
	}
	var ticket *scheduler.Ticket
	for {
		if ticket == nil {
			ticket = c.scheduler.Request(it.ID, it.Lane)
		}
		c.transition(t, StateQueued)
		grant, err := ticket.Wait(t.ctx)
		if err != nil {
			c.stop(t)
			return
		}
		ticket = nil

		result, err := c.attempt(t, grant)
		if result == outcomePreempted {
			ticket = grant.Resume()
			continue
		}
		grant.Release()

		switch result {
		case outcomeStopped:
			c.stop(t)
			return
		case outcomeComplete:
			done, ferr := c.finalize(t)
			if done {
				return
			}
			result, err = outcomeTransient, ferr
		}
		if !c.recoverAttempt(t, result, err) {
			return
		}
	}
}

// attempt streams bytes from the item's current source into its staging file
// until the stream ends, the item stalls, the slot is preempted, or the task
// is stopped.
func (c *Coordinator) attempt(t *task, grant *scheduler.Grant) (result outcome, err error) {
	it := t.it
	attemptID := uuid.NewString()
	ctx := services.WithAttemptID(t.ctx, attemptID)
	logger := logging.WithContext(ctx, c.logger)
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	record := deadletter.Attempt{
		AttemptID:  attemptID,
		PeerID:     it.Source.PeerID,
		RemotePath: it.Source.Path,
		StartedAt:  c.now(),
	}
	defer func() {
		record.EndedAt = c.now()
		record.BytesReceived = it.BytesReceived
		record.Outcome = result.String()
		it.Attempts = append(it.Attempts, record)
		if err != nil && result != outcomeStopped && result != outcomePreempted {
			it.LastError = err.Error()
		}
	}()

	c.drainTick(t)
	c.health.Forget(it.ID)
	c.transition(t, StateActive)

	if it.BytesReceived > 0 && c.stagingSize(it.StagingPath) < it.BytesReceived {
		logging.WarnWithContext(logger, "staging shorter than recorded progress", "staging_short",
			logging.Progress(it.BytesReceived, it.TotalBytes),
			logging.Impact("transfer restarts from zero"),
		)
		c.restartFromZero(ctx, t)
	}

	stream, err := c.source.Open(actx, it.Source, it.BytesReceived)
	if err != nil && it.BytesReceived > 0 && errors.Is(err, transfer.ErrResumeUnsupported) {
		logger.Info("source cannot resume; restarting from zero",
			logging.Peer(it.Source.PeerID),
			logging.Int64("discarded_bytes", it.BytesReceived),
		)
		c.restartFromZero(ctx, t)
		stream, err = c.source.Open(actx, it.Source, 0)
	}
	if err != nil {
		switch {
		case t.ctx.Err() != nil:
			return outcomeStopped, t.ctx.Err()
		case errors.Is(err, services.ErrNotFound):
			return outcomeUnavailable, err
		default:
			return outcomeTransient, services.Wrap(services.ErrTransient, "coordinator", "open source", it.Source.String(), err)
		}
	}
	var closeOnce sync.Once
	closeStream := func() { closeOnce.Do(func() { _ = stream.Close() }) }
	defer closeStream()

	if size := stream.Size(); size > 0 && size != it.TotalBytes {
		it.TotalBytes = size
		if err := c.durable(ctx, "set_total", func(ctx context.Context) error {
			return c.journal.SetTotal(ctx, it.ID, size)
		}); err != nil {
			logging.WarnWithContext(logger, "total size not persisted", "journal_write_failed", logging.Error(err))
		}
	}

	file, err := c.openStaging(it.StagingPath, it.BytesReceived)
	if err != nil {
		return outcomeTransient, services.Wrap(services.ErrTransient, "coordinator", "open staging", it.StagingPath, err)
	}
	var closeFile sync.Once
	finishFile := func() {
		closeFile.Do(func() {
			_ = file.Sync()
			_ = file.Close()
		})
	}
	defer finishFile()

	var written atomic.Int64
	written.Store(it.BytesReceived)
	copied := make(chan error, 1)
	go copyStream(stream, file, &written, copied)

	logger.Info("transfer attempt started",
		logging.Peer(it.Source.PeerID),
		logging.Int64("offset", it.BytesReceived),
		logging.Int64("total_bytes", it.TotalBytes),
		logging.Int("retry_count", it.RetryCount),
		logging.Event("attempt_started"),
	)

	// halt stops the reader and settles progress at what reached the file.
	halt := func() {
		cancel()
		closeStream()
		<-copied
		finishFile()
		it.BytesReceived = written.Load()
		c.heartbeat(ctx, it)
		c.publish(t)
	}

	for {
		select {
		case <-t.tick:
			bytes := written.Load()
			if err := file.Sync(); err != nil {
				logger.Debug("staging sync failed", logging.Error(err))
			}
			it.BytesReceived = bytes
			c.heartbeat(ctx, it)
			verdict := c.health.Sample(health.Sample{
				ItemID:        it.ID,
				BytesReceived: bytes,
				TotalBytes:    it.TotalBytes,
				Queue:         stream.QueuePosition(),
				At:            c.now(),
			})
			c.publish(t)
			if verdict == health.Stalled {
				halt()
				return outcomeStalled, services.Wrap(services.ErrStalled, "coordinator", "heartbeat",
					fmt.Sprintf("no progress from %s at %d bytes", it.Source.PeerID, it.BytesReceived), nil)
			}

		case <-grant.Paused():
			halt()
			logger.Info("transfer paused for higher priority work",
				logging.Progress(it.BytesReceived, it.TotalBytes),
				logging.Event("attempt_preempted"),
			)
			return outcomePreempted, services.ErrPreempted

		case <-t.ctx.Done():
			halt()
			return outcomeStopped, t.ctx.Err()

		case cerr := <-copied:
			finishFile()
			it.BytesReceived = written.Load()
			c.heartbeat(ctx, it)
			if cerr != nil {
				if t.ctx.Err() != nil {
					return outcomeStopped, t.ctx.Err()
				}
				return outcomeTransient, services.Wrap(services.ErrTransient, "coordinator", "read", it.Source.String(), cerr)
			}
			if it.TotalBytes > 0 && it.BytesReceived != it.TotalBytes {
				return outcomeTransient, services.Wrap(services.ErrTransient, "coordinator", "read",
					fmt.Sprintf("stream ended at %d of %d bytes", it.BytesReceived, it.TotalBytes), nil)
			}
			if it.TotalBytes == 0 {
				it.TotalBytes = it.BytesReceived
				if err := c.durable(ctx, "set_total", func(ctx context.Context) error {
					return c.journal.SetTotal(ctx, it.ID, it.TotalBytes)
				}); err != nil {
					logging.WarnWithContext(logger, "total size not persisted", "journal_write_failed", logging.Error(err))
				}
			}
			c.publish(t)
			return outcomeComplete, nil
		}
	}
}

func copyStream(src io.Reader, dst io.Writer, written *atomic.Int64, done chan<- error) {
	buf := make([]byte, copyChunk)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				done <- werr
				return
			}
			written.Add(int64(n))
		}
		if rerr == io.EOF {
			done <- nil
			return
		}
		if rerr != nil {
			done <- rerr
			return
		}
	}
}

// recoverAttempt handles a failed attempt. It returns true when the item
// should be queued again.
func (c *Coordinator) recoverAttempt(t *task, result outcome, cause error) bool {
	it := t.it
	logger := logging.WithContext(t.ctx, c.logger)

	switchSource := false
	switch result {
	case outcomeStalled:
		c.transition(t, StateStalled)
		until := c.bans.Ban(it.Source.PeerID)
		logging.WarnWithContext(logger, "transfer stalled; source banned", "transfer_stalled",
			logging.Peer(it.Source.PeerID),
			logging.Time("banned_until", until),
			logging.Progress(it.BytesReceived, it.TotalBytes),
			logging.Hint("no action needed unless retries run out"),
			logging.Impact("switching to another source"),
		)
		c.transition(t, StateExcluding)
		switchSource = true
	case outcomeUnavailable:
		if it.unavailable == nil {
			it.unavailable = make(map[string]struct{})
		}
		it.unavailable[it.Source.PeerID] = struct{}{}
		logger.Info("source does not hold item",
			logging.Peer(it.Source.PeerID),
			logging.Error(cause),
		)
		c.transition(t, StateExcluding)
		switchSource = true
	default:
		logger.Info("transfer attempt failed",
			logging.Peer(it.Source.PeerID),
			logging.String("error_kind", services.Kind(cause)),
			logging.Error(cause),
		)
		if until, banned := c.bans.BannedUntil(it.Source.PeerID); banned {
			logger.Info("source banned since attempt started",
				logging.Peer(it.Source.PeerID),
				logging.Time("banned_until", until),
			)
			c.transition(t, StateExcluding)
			switchSource = true
		}
	}

	for {
		if it.RetryCount >= c.maxRetries {
			c.deadLetter(t, cause)
			return false
		}
		it.RetryCount++

		if switchSource {
			ref, ok, err := c.finder.FindAlternative(t.ctx, it.ID, it.Source, c.excluded(it))
			if err != nil && t.ctx.Err() != nil {
				c.stop(t)
				return false
			}
			if err != nil {
				logger.Debug("alternative lookup failed", logging.Error(err))
			}
			if ok && c.bans.Banned(ref.PeerID) {
				ok = false
			}
			if ok {
				c.switchSource(t, ref)
				return true
			}
			cause = services.Wrap(services.ErrSourceExhausted, "coordinator", "find alternative", it.ID, cause)
			if it.RetryCount >= c.maxRetries {
				c.deadLetter(t, cause)
				return false
			}
		} else if err := c.durable(t.ctx, "set_retry", func(ctx context.Context) error {
			return c.journal.SetRetryCount(ctx, it.ID, it.RetryCount)
		}); err != nil {
			logging.WarnWithContext(logger, "retry count not persisted", "journal_write_failed", logging.Error(err))
		}

		delay := c.backoff(it.RetryCount)
		it.NextRetryAt = c.now().Add(delay)
		c.transition(t, StateRetrying)
		logger.Info("retry scheduled",
			logging.Int("retry_count", it.RetryCount),
			logging.Duration("delay", delay),
			logging.Bool("switch_source", switchSource),
		)
		timer := time.NewTimer(delay)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			c.stop(t)
			return false
		case <-timer.C:
		}
		it.NextRetryAt = time.Time{}
		if !switchSource {
			return true
		}
	}
}

// backoff returns base * 2^(retry-1), capped at the configured maximum.
func (c *Coordinator) backoff(retry int) time.Duration {
	delay := c.backoffBase
	for i := 1; i < retry && delay < c.backoffMax; i++ {
		delay *= 2
	}
	return min(delay, c.backoffMax)
}

func (c *Coordinator) excluded(it *item) map[string]struct{} {
	out := c.bans.Excluded()
	for peer := range it.unavailable {
		out[peer] = struct{}{}
	}
	return out
}

// switchSource starts a fresh attempt from zero against ref. The journal is
// reset before the staging bytes go away so a crash in between restarts
// cleanly.
func (c *Coordinator) switchSource(t *task, ref transfer.Ref) {
	it := t.it
	logger := logging.WithContext(t.ctx, c.logger)
	if err := c.durable(t.ctx, "reset", func(ctx context.Context) error {
		return c.journal.ResetProgress(ctx, it.ID, ref.PeerID, ref.Path, it.RetryCount)
	}); err != nil {
		logging.WarnWithContext(logger, "source switch not persisted", "journal_write_failed", logging.Error(err))
	}
	c.removeStaging(it.StagingPath)
	logger.Info("switching source",
		logging.String("from", it.Source.PeerID),
		logging.String("to", ref.PeerID),
		logging.Int("retry_count", it.RetryCount),
		logging.Event("source_switched"),
	)
	it.Source = ref
	it.BytesReceived = 0
	c.health.Forget(it.ID)
}

func (c *Coordinator) restartFromZero(ctx context.Context, t *task) {
	it := t.it
	if err := c.durable(ctx, "reset", func(ctx context.Context) error {
		return c.journal.ResetProgress(ctx, it.ID, it.Source.PeerID, it.Source.Path, it.RetryCount)
	}); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, c.logger), "progress reset not persisted", "journal_write_failed", logging.Error(err))
	}
	c.removeStaging(it.StagingPath)
	it.BytesReceived = 0
}

// finalize swaps the staging file into place and then commits the journal.
// It returns done=false with the cause when the item should be retried.
func (c *Coordinator) finalize(t *task) (bool, error) {
	it := t.it
	logger := logging.WithContext(t.ctx, c.logger)
	c.transition(t, StateFinalizing)
	if err := c.durable(t.ctx, "set_stage", func(ctx context.Context) error {
		return c.journal.SetStage(ctx, it.ID, journal.StageFinalizing)
	}); err != nil {
		logging.WarnWithContext(logger, "finalizing stage not persisted", "journal_write_failed", logging.Error(err))
	}

	verify := fileutil.SizeVerifier(it.BytesReceived)
	if it.Checksum != "" {
		verify = fileutil.AllOf(verify, fileutil.ChecksumVerifier(it.Checksum))
	}
	err := c.writer.MoveAtomic(it.StagingPath, it.FinalPath, verify)
	switch {
	case errors.Is(err, services.ErrVerificationFailed):
		it.LastError = err.Error()
		c.removeStaging(it.StagingPath)
		c.commit(t)
		c.health.Forget(it.ID)
		c.transition(t, StateFailed)
		logging.ErrorWithContext(logger, "transfer failed verification", "verification_failed",
			logging.Error(err),
			logging.Peer(it.Source.PeerID),
			logging.Hint("resubmit from a different source"),
		)
		return true, err
	case errors.Is(err, services.ErrNotFound):
		c.restartFromZero(t.ctx, t)
		return false, err
	case err != nil:
		return false, services.Wrap(services.ErrTransient, "coordinator", "finalize", it.FinalPath, err)
	}

	c.commit(t)
	c.health.Forget(it.ID)
	c.transition(t, StateCompleted)
	logger.Info("transfer completed",
		logging.String("final_path", it.FinalPath),
		logging.Int64("bytes", it.BytesReceived),
		logging.Int("retry_count", it.RetryCount),
		logging.Event("transfer_completed"),
	)
	return true, nil
}

// deadLetter parks the item for operator review. The journal is marked only
// once the dead letter is in the log; when the append fails the record stays
// pending and the item retries after restart.
func (c *Coordinator) deadLetter(t *task, cause error) {
	it := t.it
	logger := logging.WithContext(t.ctx, c.logger)
	reason := "retry budget exhausted"
	if cause != nil {
		reason = fmt.Sprintf("%s: %v", reason, cause)
	}
	it.LastError = reason

	rec := deadletter.Record{
		ItemID:    it.ID,
		FinalPath: it.FinalPath,
		Lane:      it.Lane.String(),
		Reason:    reason,
		Attempts:  append([]deadletter.Attempt(nil), it.Attempts...),
	}
	if err := c.deadLetters.Append(rec); err != nil {
		logging.ErrorWithContext(logger, "dead letter not recorded", "dead_letter_write_failed",
			logging.Error(err),
			logging.Hint("check the state directory; the item retries after restart or clears with 'haul ack'"),
		)
	} else if err := c.durable(context.WithoutCancel(t.ctx), "set_stage", func(ctx context.Context) error {
		return c.journal.SetStage(ctx, it.ID, journal.StageDeadLettered)
	}); err != nil {
		logging.WarnWithContext(logger, "dead-letter stage not persisted", "journal_write_failed", logging.Error(err))
	}
	c.health.Forget(it.ID)
	c.transition(t, StateDeadLettered)
	logging.ErrorWithContext(logger, "transfer dead lettered", "transfer_dead_lettered",
		logging.String("reason", reason),
		logging.Int("attempts", len(it.Attempts)),
		logging.Alert("dead_letter"),
		logging.Hint("review with 'haul deadletters' and clear with 'haul ack'"),
	)
}

// stop ends the task after its context was cancelled. An explicit cancel
// discards partial data and commits the journal; a shutdown leaves both for
// Recover.
func (c *Coordinator) stop(t *task) {
	it := t.it
	c.health.Forget(it.ID)
	if !t.cancelRequested.Load() {
		logging.WithContext(t.ctx, c.logger).Debug("item stopped for shutdown",
			logging.Progress(it.BytesReceived, it.TotalBytes),
		)
		return
	}
	c.removeStaging(it.StagingPath)
	c.commit(t)
	it.NextRetryAt = time.Time{}
	c.transition(t, StateCancelled)
	logging.WithContext(t.ctx, c.logger).Info("transfer cancelled",
		logging.Int64("discarded_bytes", it.BytesReceived),
		logging.Event("transfer_cancelled"),
	)
}

func (c *Coordinator) commit(t *task) {
	ctx := context.WithoutCancel(t.ctx)
	if err := c.durable(ctx, "commit", func(ctx context.Context) error {
		return c.journal.Commit(ctx, t.it.ID)
	}); err != nil {
		logging.ErrorWithContext(logging.WithContext(ctx, c.logger), "journal commit failed", "journal_commit_failed",
			logging.Error(err),
			logging.Hint("recovery commits the record on next start"),
		)
	}
}

// heartbeat persists progress. Failures are logged and never stop the
// transfer; a lost heartbeat only widens the resume window.
func (c *Coordinator) heartbeat(ctx context.Context, it *item) {
	ctx = context.WithoutCancel(ctx)
	err := c.durable(ctx, "heartbeat", func(ctx context.Context) error {
		return c.journal.HeartbeatUpdate(ctx, it.ID, it.BytesReceived)
	})
	if err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, c.logger), "heartbeat not persisted", "heartbeat_failed",
			logging.Progress(it.BytesReceived, it.TotalBytes),
			logging.Error(err),
			logging.Impact("a crash now resumes from an earlier offset"),
		)
	}
}

// durable runs a journal write, retrying backend failures.
func (c *Coordinator) durable(ctx context.Context, operation string, fn func(context.Context) error) error {
	return retry.Do(
		func() error { return fn(ctx) },
		retry.Context(ctx),
		retry.Attempts(c.journalRetries),
		retry.Delay(c.journalDelay),
		retry.MaxDelay(10*c.journalDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, services.ErrBackend) }),
		retry.OnRetry(func(n uint, err error) {
			logging.WithContext(ctx, c.logger).Debug("journal write retry",
				logging.String("operation", operation),
				logging.Int("attempt", int(n)+1),
				logging.Error(err),
			)
		}),
	)
}

func (c *Coordinator) drainTick(t *task) {
	select {
	case <-t.tick:
	default:
	}
}

func (c *Coordinator) openStaging(path string, offset int64) (afero.File, error) {
	if err := c.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := c.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := file.Truncate(offset); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}

func (c *Coordinator) stagingSize(path string) int64 {
	info, err := c.fs.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}

func (c *Coordinator) removeStaging(path string) {
	if err := c.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Debug("staging removal failed", logging.String("path", path), logging.Error(err))
	}
}
