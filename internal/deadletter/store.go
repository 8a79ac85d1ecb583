package deadletter

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/pebble"

	"haul/internal/logging"
	"haul/internal/services"
)

// Attempt is one try at fetching an item from one source.
type Attempt struct {
	AttemptID     string    `json:"attempt_id"`
	PeerID        string    `json:"peer_id"`
	RemotePath    string    `json:"remote_path"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	BytesReceived int64     `json:"bytes_received"`
	Outcome       string    `json:"outcome"`
}

// Record is an item that exhausted its retry budget.
type Record struct {
	ItemID     string    `json:"item_id"`
	FinalPath  string    `json:"final_path"`
	Lane       string    `json:"lane"`
	Reason     string    `json:"reason"`
	Attempts   []Attempt `json:"attempts"`
	RecordedAt time.Time `json:"recorded_at"`
}

const (
	recordPrefix = "dl/"
	ackPrefix    = "ack/"
	keySep       = "\x00"
)

// Store is an append-only dead-letter log. Records are never rewritten; an
// acknowledgement is a separate marker that hides every record of the item
// written at or before the acknowledgement.
type Store struct {
	db     *pebble.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) the log at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	logger = logging.NewComponentLogger(logger, "deadletter")
	db, err := pebble.Open(path, &pebble.Options{Logger: &pebbleLogger{logger: logger}})
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", path, err)
	}
	logger.Debug("dead-letter log opened", logging.String("path", path))
	return &Store{db: db, path: path, logger: logger, now: time.Now}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append durably adds rec. RecordedAt defaults to now.
func (s *Store) Append(rec Record) error {
	if rec.ItemID == "" {
		return services.Wrap(services.ErrValidation, "deadletter", "append", "item id required", nil)
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}
	rec.RecordedAt = rec.RecordedAt.UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := s.db.Set(recordKey(rec.ItemID, rec.RecordedAt), data, pebble.Sync); err != nil {
		return services.Wrap(services.ErrBackend, "deadletter", "append", rec.ItemID, err)
	}
	return nil
}

// List returns unacknowledged records, oldest first.
func (s *Store) List() ([]Record, error) {
	acks, err := s.acks()
	if err != nil {
		return nil, err
	}
	all, err := s.scan()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if ackedAt, ok := acks[rec.ItemID]; ok && !rec.RecordedAt.After(ackedAt) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// Get returns the newest unacknowledged record for itemID, or nil.
func (s *Store) Get(itemID string) (*Record, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}
	var found *Record
	for i := range records {
		if records[i].ItemID == itemID {
			found = &records[i]
		}
	}
	return found, nil
}

// Acknowledge hides every record for itemID written so far. It returns
// services.ErrNotFound when the item has nothing to acknowledge.
func (s *Store) Acknowledge(itemID string) error {
	rec, err := s.Get(itemID)
	if err != nil {
		return err
	}
	if rec == nil {
		return services.Wrap(services.ErrNotFound, "deadletter", "acknowledge", itemID, nil)
	}
	ackedAt := s.now().UTC()
	if ackedAt.Before(rec.RecordedAt) {
		ackedAt = rec.RecordedAt
	}
	value := []byte(strconv.FormatInt(ackedAt.UnixNano(), 10))
	if err := s.db.Set([]byte(ackPrefix+itemID), value, pebble.Sync); err != nil {
		return services.Wrap(services.ErrBackend, "deadletter", "acknowledge", itemID, err)
	}
	s.logger.Info("dead letter acknowledged", logging.String(logging.FieldItemID, itemID))
	return nil
}

func (s *Store) scan() ([]Record, error) {
	iter, err := s.db.NewIter(prefixBounds(recordPrefix))
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var records []Record
	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			logging.WarnWithContext(s.logger, "skipping unreadable dead letter", "deadletter_decode_failed",
				logging.String("key", string(iter.Key())),
				logging.Error(err),
				logging.Impact("record hidden from listings"),
			)
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) acks() (map[string]time.Time, error) {
	iter, err := s.db.NewIter(prefixBounds(ackPrefix))
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	acks := make(map[string]time.Time)
	for iter.First(); iter.Valid(); iter.Next() {
		nanos, err := strconv.ParseInt(string(iter.Value()), 10, 64)
		if err != nil {
			continue
		}
		acks[string(iter.Key()[len(ackPrefix):])] = time.Unix(0, nanos).UTC()
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return acks, nil
}

func recordKey(itemID string, at time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s%s%020d", recordPrefix, itemID, keySep, at.UnixNano()))
}

func prefixBounds(prefix string) *pebble.IterOptions {
	upper := []byte(prefix)
	upper[len(upper)-1]++
	return &pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: upper}
}

// pebbleLogger adapts slog to the pebble.Logger interface.
type pebbleLogger struct {
	logger *slog.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.logger.Error(msg)
	panic(errors.New(msg))
}
