package coordinator

import (
	"context"
	"os"

	"haul/internal/journal"
	"haul/internal/logging"
	"haul/internal/scheduler"
	"haul/internal/transfer"
)

// RecoveryReport summarises what Recover did with each pending record.
type RecoveryReport struct {
	Resumed      int
	Restarted    int
	Completed    int
	Finalized    int
	DeadLettered int
}

// Recover resolves every journal record left by a previous run. Each record
// is an interrupted attempt:
//   - staging gone and final present: the swap landed before the crash, so
//     the record is committed without re-copying;
//   - finalizing with every byte staged: the swap is retried without
//     touching the source;
//   - staging at least as long as the recorded progress: trimmed to the
//     recorded offset and resumed from there;
//   - staging missing or short: restarted from zero under the same record;
//   - dead lettered: kept visible until acknowledged.
//
// Call it once before Run.
func (c *Coordinator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	records, err := c.journal.ListPending(ctx)
	if err != nil {
		return report, err
	}

	for _, rec := range records {
		lane, err := scheduler.ParseLane(rec.Lane)
		if err != nil {
			lane = scheduler.Standard
		}
		it := &item{
			ID:            rec.ItemID,
			Lane:          lane,
			State:         StatePreparing,
			BytesReceived: rec.BytesReceived,
			TotalBytes:    rec.TotalBytes,
			RetryCount:    rec.RetryCount,
			Source:        transfer.Ref{PeerID: rec.PeerID, Path: rec.RemotePath},
			FinalPath:     rec.FinalPath,
			StagingPath:   rec.StagingPath,
			Checksum:      rec.Checksum,
			SubmittedAt:   rec.CreatedAt,
		}
		t := c.newTask(it)
		logger := logging.WithContext(t.ctx, c.logger)

		if rec.Stage == journal.StageDeadLettered {
			it.State = StateDeadLettered
			if dl, err := c.deadLetters.Get(rec.ItemID); err == nil && dl != nil {
				it.LastError = dl.Reason
				it.Attempts = dl.Attempts
			}
			c.register(t)
			close(t.done)
			report.DeadLettered++
			continue
		}

		if debris, err := c.writer.Recover(rec.FinalPath); err != nil {
			logger.Warn("final path debris not resolved", logging.Error(err))
		} else if debris.Changed() {
			logger.Info("resolved interrupted swap",
				logging.String("final_path", rec.FinalPath),
				logging.Bool("rolled_forward", debris.RolledForward),
				logging.Bool("restored_backup", debris.RestoredBackup),
			)
		}

		stagingSize := c.stagingSize(rec.StagingPath)
		_, finalErr := c.fs.Stat(rec.FinalPath)
		finalExists := finalErr == nil

		switch {
		case stagingSize < 0 && finalExists:
			c.commit(t)
			t.cancel()
			report.Completed++
			logger.Info("transfer already finalized; journal committed",
				logging.String("final_path", rec.FinalPath),
				logging.Event("recovery_committed"),
			)
			continue

		case rec.Stage == journal.StageFinalizing && rec.BytesReceived > 0 &&
			stagingSize == rec.BytesReceived &&
			(rec.TotalBytes == 0 || rec.TotalBytes == rec.BytesReceived):
			it.finalizeOnly = true
			report.Finalized++
			logger.Info("retrying interrupted finalize",
				logging.String("final_path", rec.FinalPath),
				logging.Int64("bytes", rec.BytesReceived),
				logging.Event("recovery_finalizing"),
			)

		case stagingSize >= rec.BytesReceived:
			if stagingSize > rec.BytesReceived {
				if err := c.truncate(rec.StagingPath, rec.BytesReceived); err != nil {
					logger.Warn("staging trim failed; restarting from zero", logging.Error(err))
					c.restartFromZero(ctx, t)
					report.Restarted++
					break
				}
			}
			report.Resumed++
			logger.Info("resuming interrupted transfer",
				logging.Int64("offset", rec.BytesReceived),
				logging.String("stage", string(rec.Stage)),
				logging.Event("recovery_resumed"),
			)

		default:
			c.restartFromZero(ctx, t)
			report.Restarted++
			logger.Info("staging missing or short; restarting from zero",
				logging.Int64("recorded_bytes", rec.BytesReceived),
				logging.Int64("staging_bytes", max(stagingSize, 0)),
				logging.Event("recovery_restarted"),
			)
		}

		c.register(t)
		c.start(t)
	}

	c.logger.Info("journal recovery complete",
		logging.Int("resumed", report.Resumed),
		logging.Int("restarted", report.Restarted),
		logging.Int("completed", report.Completed),
		logging.Int("finalized", report.Finalized),
		logging.Int("dead_lettered", report.DeadLettered),
	)
	return report, nil
}

func (c *Coordinator) register(t *task) {
	t.snap = t.it.snapshot(c.now())
	c.mu.Lock()
	c.tasks[t.it.ID] = t
	c.mu.Unlock()
	c.publish(t)
}

func (c *Coordinator) truncate(path string, size int64) error {
	file, err := c.fs.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
