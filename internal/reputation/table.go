package reputation

import (
	"sort"
	"sync"
	"time"
)

// DefaultBanDuration is applied when a Table is built with a non-positive
// duration.
const DefaultBanDuration = time.Hour

// Table is a time-bounded exclusion list of misbehaving sources. Entries are
// advisory and live only in memory. Updates are atomic per source key.
type Table struct {
	entries  sync.Map // sourceID -> time.Time (bannedUntil)
	duration time.Duration
	now      func() time.Time
}

// Option customises a Table.
type Option func(*Table)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		if now != nil {
			t.now = now
		}
	}
}

// New builds a table that bans sources for duration.
func New(duration time.Duration, opts ...Option) *Table {
	if duration <= 0 {
		duration = DefaultBanDuration
	}
	t := &Table{duration: duration, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Duration reports the default ban length.
func (t *Table) Duration() time.Duration {
	return t.duration
}

// Ban excludes sourceID for the table's default duration and returns the
// resulting expiry.
func (t *Table) Ban(sourceID string) time.Time {
	return t.BanFor(sourceID, t.duration)
}

// BanFor excludes sourceID for d. An existing longer ban is kept.
func (t *Table) BanFor(sourceID string, d time.Duration) time.Time {
	until := t.now().Add(d)
	for {
		current, loaded := t.entries.LoadOrStore(sourceID, until)
		if !loaded {
			return until
		}
		existing := current.(time.Time)
		if !until.After(existing) {
			return existing
		}
		if t.entries.CompareAndSwap(sourceID, existing, until) {
			return until
		}
	}
}

// Banned reports whether sourceID is excluded right now. A source banned at
// T with duration D is excluded through T+D inclusive and eligible after.
func (t *Table) Banned(sourceID string) bool {
	value, ok := t.entries.Load(sourceID)
	if !ok {
		return false
	}
	return !t.now().After(value.(time.Time))
}

// BannedUntil returns the expiry for sourceID if it is currently banned.
func (t *Table) BannedUntil(sourceID string) (time.Time, bool) {
	value, ok := t.entries.Load(sourceID)
	if !ok {
		return time.Time{}, false
	}
	until := value.(time.Time)
	if t.now().After(until) {
		return time.Time{}, false
	}
	return until, true
}

// Excluded returns the set of currently banned sources.
func (t *Table) Excluded() map[string]struct{} {
	now := t.now()
	out := make(map[string]struct{})
	t.entries.Range(func(key, value any) bool {
		if !now.After(value.(time.Time)) {
			out[key.(string)] = struct{}{}
		}
		return true
	})
	return out
}

// Entry is a ban listing row.
type Entry struct {
	SourceID    string
	BannedUntil time.Time
}

// List returns active bans sorted by expiry.
func (t *Table) List() []Entry {
	now := t.now()
	var out []Entry
	t.entries.Range(func(key, value any) bool {
		until := value.(time.Time)
		if !now.After(until) {
			out = append(out, Entry{SourceID: key.(string), BannedUntil: until})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].BannedUntil.Equal(out[j].BannedUntil) {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].BannedUntil.Before(out[j].BannedUntil)
	})
	return out
}

// Prune drops expired entries and returns how many were removed.
func (t *Table) Prune() int {
	now := t.now()
	removed := 0
	t.entries.Range(func(key, value any) bool {
		if now.After(value.(time.Time)) && t.entries.CompareAndDelete(key, value) {
			removed++
		}
		return true
	})
	return removed
}
