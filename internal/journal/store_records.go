package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"haul/internal/services"
)

// ErrRegression is returned when a heartbeat would move progress backwards.
var ErrRegression = errors.New("journal progress regression")

// ErrExists is returned by Prepare when the item already has a record.
var ErrExists = errors.New("journal record exists")

const recordColumns = "item_id, staging_path, final_path, lane, peer_id, remote_path, bytes_received, total_bytes, retry_count, checksum, stage, created_at, last_updated"

// heartbeatSQL advances progress monotonically. The first heartbeat moves a
// prepared record into the writing stage.
const heartbeatSQL = `UPDATE journal_records
    SET bytes_received = ?,
        last_updated = ?,
        stage = CASE WHEN stage = 'prepared' THEN 'writing' ELSE stage END
    WHERE item_id = ? AND bytes_received <= ?`

// Prepare durably records a new attempt before any byte is requested. It fails
// closed: a returned error means the transfer must not start.
func (s *Store) Prepare(ctx context.Context, rec Record) error {
	if rec.ItemID == "" {
		return services.Wrap(services.ErrValidation, "journal", "prepare", "item id required", nil)
	}
	if rec.StagingPath == "" || rec.FinalPath == "" {
		return services.Wrap(services.ErrValidation, "journal", "prepare", "staging and final paths required", nil)
	}
	if rec.Stage == "" {
		rec.Stage = StagePrepared
	}
	if !rec.Stage.Valid() {
		return services.Wrap(services.ErrValidation, "journal", "prepare", fmt.Sprintf("unknown stage %q", rec.Stage), nil)
	}
	timestamp := s.now().UTC().Format(time.RFC3339Nano)

	var inserted int64
	err := s.write(ctx, "prepare", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO journal_records (`+recordColumns+`)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
             ON CONFLICT(item_id) DO NOTHING`,
			rec.ItemID,
			rec.StagingPath,
			rec.FinalPath,
			rec.Lane,
			nullableString(rec.PeerID),
			nullableString(rec.RemotePath),
			rec.BytesReceived,
			rec.TotalBytes,
			rec.RetryCount,
			nullableString(rec.Checksum),
			string(rec.Stage),
			timestamp,
			timestamp,
		)
		if err != nil {
			return err
		}
		inserted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if inserted == 0 {
		return fmt.Errorf("%w: %s", ErrExists, rec.ItemID)
	}
	return nil
}

// HeartbeatUpdate records bytesReceived for itemID. Progress never moves
// backwards; a smaller value returns ErrRegression and leaves the record as is.
func (s *Store) HeartbeatUpdate(ctx context.Context, itemID string, bytesReceived int64) error {
	timestamp := s.now().UTC().Format(time.RFC3339Nano)
	return s.write(ctx, "heartbeat", func(ctx context.Context) error {
		res, err := s.heartbeatStmt.ExecContext(ctx, bytesReceived, timestamp, itemID, bytesReceived)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			return nil
		}
		var current int64
		err = s.db.QueryRowContext(ctx, `SELECT bytes_received FROM journal_records WHERE item_id = ?`, itemID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return services.Wrap(services.ErrNotFound, "journal", "heartbeat", itemID, nil)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s has %d bytes, heartbeat reported %d", ErrRegression, itemID, current, bytesReceived)
	})
}

// ResetProgress starts a new attempt for itemID from byte zero against the
// given source.
func (s *Store) ResetProgress(ctx context.Context, itemID, peerID, remotePath string, retryCount int) error {
	timestamp := s.now().UTC().Format(time.RFC3339Nano)
	return s.updateOne(ctx, "reset", itemID,
		`UPDATE journal_records
            SET bytes_received = 0, peer_id = ?, remote_path = ?, retry_count = ?, stage = ?, last_updated = ?
          WHERE item_id = ?`,
		nullableString(peerID), nullableString(remotePath), retryCount, string(StagePrepared), timestamp, itemID,
	)
}

// SetTotal records the source-reported size once it is known.
func (s *Store) SetTotal(ctx context.Context, itemID string, totalBytes int64) error {
	timestamp := s.now().UTC().Format(time.RFC3339Nano)
	return s.updateOne(ctx, "set_total", itemID,
		`UPDATE journal_records SET total_bytes = ?, last_updated = ? WHERE item_id = ?`,
		totalBytes, timestamp, itemID,
	)
}

// SetRetryCount records a retry against the current source without
// touching progress.
func (s *Store) SetRetryCount(ctx context.Context, itemID string, retryCount int) error {
	timestamp := s.now().UTC().Format(time.RFC3339Nano)
	return s.updateOne(ctx, "set_retry", itemID,
		`UPDATE journal_records SET retry_count = ?, last_updated = ? WHERE item_id = ?`,
		retryCount, timestamp, itemID,
	)
}

// SetStage moves itemID to stage.
func (s *Store) SetStage(ctx context.Context, itemID string, stage Stage) error {
	if !stage.Valid() {
		return services.Wrap(services.ErrValidation, "journal", "set_stage", fmt.Sprintf("unknown stage %q", stage), nil)
	}
	timestamp := s.now().UTC().Format(time.RFC3339Nano)
	return s.updateOne(ctx, "set_stage", itemID,
		`UPDATE journal_records SET stage = ?, last_updated = ? WHERE item_id = ?`,
		string(stage), timestamp, itemID,
	)
}

// Commit deletes the record for itemID. Committing a missing record is not an
// error so recovery can repeat it safely.
func (s *Store) Commit(ctx context.Context, itemID string) error {
	return s.write(ctx, "commit", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM journal_records WHERE item_id = ?`, itemID)
		return err
	})
}

// Get returns the record for itemID, or nil when none exists.
func (s *Store) Get(ctx context.Context, itemID string) (*Record, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM journal_records WHERE item_id = ?`, itemID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// ListPending returns every record in creation order. Startup recovery walks
// this list.
func (s *Store) ListPending(ctx context.Context) ([]*Record, error) {
	return s.list(ctx, `SELECT `+recordColumns+` FROM journal_records ORDER BY created_at, item_id`)
}

// Stats returns the number of records per stage.
func (s *Store) Stats(ctx context.Context) (map[Stage]int, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT stage, COUNT(1) FROM journal_records GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("journal stats: %w", err)
	}
	defer rows.Close()
	stats := make(map[Stage]int)
	for rows.Next() {
		var (
			stage string
			count int
		)
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, err
		}
		stats[Stage(stage)] = count
	}
	return stats, rows.Err()
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Record, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) updateOne(ctx context.Context, operation, itemID, query string, args ...any) error {
	return s.write(ctx, operation, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return services.Wrap(services.ErrNotFound, "journal", operation, itemID, nil)
		}
		return nil
	})
}
