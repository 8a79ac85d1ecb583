package health_test

import (
	"testing"
	"time"

	"haul/internal/health"
	"haul/internal/transfer"
)

func feed(m *health.Monitor, id string, bytes, total int64, queue transfer.Position, n int) []health.Verdict {
	verdicts := make([]health.Verdict, 0, n)
	for i := 0; i < n; i++ {
		verdicts = append(verdicts, m.Sample(health.Sample{ItemID: id, BytesReceived: bytes, TotalBytes: total, Queue: queue}))
	}
	return verdicts
}

func TestStallDeclaredOnFourthNoProgressSample(t *testing.T) {
	m := health.New(4, 0.9)

	if v := m.Sample(health.Sample{ItemID: "a", BytesReceived: 500, TotalBytes: 1000, Queue: transfer.Active}); v != health.Live {
		t.Fatalf("first sample should be live, got %v", v)
	}
	verdicts := feed(m, "a", 500, 1000, transfer.Active, 4)
	for i, v := range verdicts[:3] {
		if v != health.Live {
			t.Fatalf("no-progress sample %d should be live, got %v", i+1, v)
		}
	}
	if verdicts[3] != health.Stalled {
		t.Fatalf("fourth no-progress sample should stall, got %v", verdicts[3])
	}
	state, ok := m.State("a")
	if !ok || state.ConsecutiveNoProgress != 4 || state.LastSampledBytes != 500 {
		t.Fatalf("unexpected state %#v ok=%v", state, ok)
	}
}

func TestLateStageDoublesThreshold(t *testing.T) {
	m := health.New(4, 0.9)
	m.Sample(health.Sample{ItemID: "late", BytesReceived: 950, TotalBytes: 1000})

	verdicts := feed(m, "late", 950, 1000, transfer.Active, 8)
	for i, v := range verdicts[:7] {
		if v != health.Live {
			t.Fatalf("late-stage sample %d should be live, got %v", i+1, v)
		}
	}
	if verdicts[7] != health.Stalled {
		t.Fatalf("eighth late-stage sample should stall, got %v", verdicts[7])
	}
}

func TestUnknownTotalUsesBaseThreshold(t *testing.T) {
	m := health.New(4, 0.9)
	m.Sample(health.Sample{ItemID: "u", BytesReceived: 950})
	verdicts := feed(m, "u", 950, 0, transfer.Active, 4)
	if verdicts[3] != health.Stalled {
		t.Fatalf("expected stall at base threshold for unknown total, got %v", verdicts)
	}
}

func TestProgressResetsCounter(t *testing.T) {
	m := health.New(4, 0.9)
	m.Sample(health.Sample{ItemID: "p", BytesReceived: 10, TotalBytes: 100})
	feed(m, "p", 10, 100, transfer.Active, 3)
	if v := m.Sample(health.Sample{ItemID: "p", BytesReceived: 11, TotalBytes: 100}); v != health.Live {
		t.Fatalf("progress should be live, got %v", v)
	}
	state, _ := m.State("p")
	if state.ConsecutiveNoProgress != 0 || state.LastSampledBytes != 11 {
		t.Fatalf("expected reset state, got %#v", state)
	}
	verdicts := feed(m, "p", 11, 100, transfer.Active, 3)
	if verdicts[2] != health.Live {
		t.Fatal("counter should have restarted after progress")
	}
}

func TestZeroBytesAndRemoteQueueNeverStall(t *testing.T) {
	m := health.New(4, 0.9)
	for _, v := range feed(m, "zero", 0, 100, transfer.Active, 10) {
		if v != health.Live {
			t.Fatal("zero bytes must not count as a stall")
		}
	}

	m.Sample(health.Sample{ItemID: "q", BytesReceived: 40, TotalBytes: 100})
	for _, v := range feed(m, "q", 40, 100, transfer.QueuedAt(3), 10) {
		if v != health.Live {
			t.Fatal("remote queue wait must not count as a stall")
		}
	}
}

func TestForgetAndClock(t *testing.T) {
	fixed := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	m := health.New(0, 0, health.WithClock(func() time.Time { return fixed }))
	if got := m.Threshold(0, 0); got != health.DefaultStallSamples {
		t.Fatalf("expected default threshold, got %d", got)
	}
	m.Sample(health.Sample{ItemID: "x", BytesReceived: 1})
	state, ok := m.State("x")
	if !ok || !state.LastSampleTime.Equal(fixed) {
		t.Fatalf("expected clock timestamp, got %#v", state)
	}
	m.Forget("x")
	if _, ok := m.State("x"); ok {
		t.Fatal("expected state dropped")
	}
}
