package testsupport

import (
	"testing"

	"haul/internal/config"
	"haul/internal/deadletter"
	"haul/internal/journal"
)

// MustOpenJournal opens a journal.Store for tests and registers cleanup.
func MustOpenJournal(t testing.TB, cfg *config.Config, opts ...journal.Option) *journal.Store {
	t.Helper()

	store, err := journal.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenDeadLetters opens a deadletter.Store for tests and registers cleanup.
func MustOpenDeadLetters(t testing.TB, cfg *config.Config) *deadletter.Store {
	t.Helper()

	store, err := deadletter.Open(cfg.DeadLetterPath(), nil)
	if err != nil {
		t.Fatalf("deadletter.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
