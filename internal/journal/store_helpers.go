package journal

import (
	"database/sql"
	"errors"
	"time"
)

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*Record, error) {
	var (
		itemID      string
		stagingPath string
		finalPath   string
		lane        string
		peerID      sql.NullString
		remotePath  sql.NullString
		bytes       int64
		total       int64
		retryCount  int
		checksum    sql.NullString
		stage       string
		createdRaw  sql.NullString
		updatedRaw  sql.NullString
	)
	if err := scanner.Scan(
		&itemID,
		&stagingPath,
		&finalPath,
		&lane,
		&peerID,
		&remotePath,
		&bytes,
		&total,
		&retryCount,
		&checksum,
		&stage,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	rec := &Record{
		ItemID:        itemID,
		StagingPath:   stagingPath,
		FinalPath:     finalPath,
		Lane:          lane,
		PeerID:        peerID.String,
		RemotePath:    remotePath.String,
		BytesReceived: bytes,
		TotalBytes:    total,
		RetryCount:    retryCount,
		Checksum:      checksum.String,
		Stage:         Stage(stage),
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		rec.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		rec.LastUpdated = updated
	}
	return rec, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
