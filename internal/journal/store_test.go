package journal_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"haul/internal/journal"
	"haul/internal/services"
	"haul/internal/testsupport"
)

func newRecord(id string) journal.Record {
	return journal.Record{
		ItemID:      id,
		StagingPath: filepath.Join("/staging", id+".part"),
		FinalPath:   filepath.Join("/library", id),
		Lane:        "standard",
		PeerID:      "peer-a",
		RemotePath:  "music/" + id,
		TotalBytes:  100,
	}
}

func TestPrepareAndGet(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenJournal(t, cfg)
	ctx := context.Background()

	if err := store.Prepare(ctx, newRecord("item-1")); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	rec, err := store.Get(ctx, "item-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record")
	}
	if rec.Stage != journal.StagePrepared {
		t.Fatalf("expected prepared stage, got %q", rec.Stage)
	}
	if rec.PeerID != "peer-a" || rec.TotalBytes != 100 || rec.BytesReceived != 0 {
		t.Fatalf("unexpected record %#v", rec)
	}
	if rec.CreatedAt.IsZero() || rec.LastUpdated.IsZero() {
		t.Fatalf("expected timestamps, got %#v", rec)
	}

	missing, err := store.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil record for missing item, got %#v err=%v", missing, err)
	}
}

func TestPrepareRejectsDuplicatesAndInvalid(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenJournal(t, cfg)
	ctx := context.Background()

	if err := store.Prepare(ctx, newRecord("dup")); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := store.Prepare(ctx, newRecord("dup")); !errors.Is(err, journal.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	bad := newRecord("bad")
	bad.FinalPath = ""
	if err := store.Prepare(ctx, bad); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestHeartbeatIsMonotonic(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenJournal(t, cfg)
	ctx := context.Background()

	if err := store.Prepare(ctx, newRecord("item")); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	for _, n := range []int64{10, 20, 20} {
		if err := store.HeartbeatUpdate(ctx, "item", n); err != nil {
			t.Fatalf("HeartbeatUpdate(%d) failed: %v", n, err)
		}
	}
	if err := store.HeartbeatUpdate(ctx, "item", 15); !errors.Is(err, journal.ErrRegression) {
		t.Fatalf("expected regression error, got %v", err)
	}

	rec, err := store.Get(ctx, "item")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.BytesReceived != 20 {
		t.Fatalf("expected 20 bytes after rejected regression, got %d", rec.BytesReceived)
	}
	if rec.Stage != journal.StageWriting {
		t.Fatalf("expected writing stage after first heartbeat, got %q", rec.Stage)
	}

	if err := store.HeartbeatUpdate(ctx, "missing", 1); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResetProgressStartsNewAttempt(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenJournal(t, cfg)
	ctx := context.Background()

	if err := store.Prepare(ctx, newRecord("item")); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := store.HeartbeatUpdate(ctx, "item", 50); err != nil {
		t.Fatalf("HeartbeatUpdate failed: %v", err)
	}
	if err := store.ResetProgress(ctx, "item", "peer-b", "alt/item", 1); err != nil {
		t.Fatalf("ResetProgress failed: %v", err)
	}

	rec, err := store.Get(ctx, "item")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.BytesReceived != 0 || rec.PeerID != "peer-b" || rec.RemotePath != "alt/item" || rec.RetryCount != 1 {
		t.Fatalf("unexpected record after reset %#v", rec)
	}
	if rec.Stage != journal.StagePrepared {
		t.Fatalf("expected prepared stage, got %q", rec.Stage)
	}
	if err := store.HeartbeatUpdate(ctx, "item", 5); err != nil {
		t.Fatalf("HeartbeatUpdate after reset failed: %v", err)
	}
	if err := store.ResetProgress(ctx, "missing", "", "", 0); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetStageRetryAndTotal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenJournal(t, cfg)
	ctx := context.Background()

	if err := store.Prepare(ctx, newRecord("item")); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := store.HeartbeatUpdate(ctx, "item", 80); err != nil {
		t.Fatalf("HeartbeatUpdate failed: %v", err)
	}
	if err := store.SetTotal(ctx, "item", 400); err != nil {
		t.Fatalf("SetTotal failed: %v", err)
	}
	if err := store.SetRetryCount(ctx, "item", 2); err != nil {
		t.Fatalf("SetRetryCount failed: %v", err)
	}
	if err := store.SetStage(ctx, "item", journal.StageFinalizing); err != nil {
		t.Fatalf("SetStage failed: %v", err)
	}
	if err := store.SetStage(ctx, "item", journal.Stage("bogus")); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for unknown stage, got %v", err)
	}

	rec, err := store.Get(ctx, "item")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.BytesReceived != 80 || rec.TotalBytes != 400 || rec.RetryCount != 2 || rec.Stage != journal.StageFinalizing {
		t.Fatalf("unexpected record %#v", rec)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenJournal(t, cfg)
	ctx := context.Background()

	if err := store.Prepare(ctx, newRecord("item")); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.Commit(ctx, "item"); err != nil {
			t.Fatalf("Commit #%d failed: %v", i+1, err)
		}
	}
	rec, err := store.Get(ctx, "item")
	if err != nil || rec != nil {
		t.Fatalf("expected record removed, got %#v err=%v", rec, err)
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ctx := context.Background()

	first, err := journal.Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := first.Prepare(ctx, newRecord("a")); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := first.HeartbeatUpdate(ctx, "a", 64); err != nil {
		t.Fatalf("HeartbeatUpdate failed: %v", err)
	}
	if err := first.Prepare(ctx, newRecord("b")); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second := testsupport.MustOpenJournal(t, cfg)
	pending, err := second.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending records, got %d", len(pending))
	}
	byID := map[string]*journal.Record{}
	for _, rec := range pending {
		byID[rec.ItemID] = rec
	}
	if byID["a"].BytesReceived != 64 || byID["a"].Stage != journal.StageWriting {
		t.Fatalf("unexpected recovered record %#v", byID["a"])
	}

	stats, err := second.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats[journal.StageWriting] != 1 || stats[journal.StagePrepared] != 1 {
		t.Fatalf("unexpected stats %v", stats)
	}
}

func TestWriteTimeoutSurfacesBackendError(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenJournal(t, cfg, journal.WithWriteTimeout(time.Nanosecond))

	time.Sleep(time.Millisecond)
	err := store.Prepare(context.Background(), newRecord("slow"))
	if !errors.Is(err, services.ErrBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestCancelledContextFailsClosed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenJournal(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Prepare(ctx, newRecord("x")); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	rec, err := store.Get(context.Background(), "x")
	if err != nil || rec != nil {
		t.Fatalf("expected no record after failed prepare, got %#v err=%v", rec, err)
	}
}

func TestClockOptionStampsRecords(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := testsupport.MustOpenJournal(t, cfg, journal.WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	if err := store.Prepare(ctx, newRecord("item")); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	rec, err := store.Get(ctx, "item")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !rec.CreatedAt.Equal(fixed) || !rec.LastUpdated.Equal(fixed) {
		t.Fatalf("expected fixed timestamps, got %v %v", rec.CreatedAt, rec.LastUpdated)
	}
}
