package services_test

import (
	"errors"
	"strings"
	"testing"

	"haul/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrBackend, "journal", "heartbeat", "update failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrBackend) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"journal", "heartbeat", "update failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected placeholder detail, got %q", err.Error())
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", services.Wrap(services.ErrTransient, "source", "read", "reset", nil), true},
		{"stalled", services.Wrap(services.ErrStalled, "health", "sample", "", nil), true},
		{"backend", services.Wrap(services.ErrBackend, "journal", "prepare", "", nil), true},
		{"verification", services.Wrap(services.ErrVerificationFailed, "fileutil", "move", "", nil), false},
		{"cancelled", services.Wrap(services.ErrCancelled, "coordinator", "cancel", "", nil), false},
		{"plain", errors.New("io"), true},
	}
	for _, tc := range cases {
		if got := services.Retryable(tc.err); got != tc.want {
			t.Fatalf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestKind(t *testing.T) {
	err := services.Wrap(services.ErrVerificationFailed, "fileutil", "move", "checksum", nil)
	if got := services.Kind(err); got != "verification failed" {
		t.Fatalf("unexpected kind %q", got)
	}
	if got := services.Kind(errors.New("other")); got != "unknown" {
		t.Fatalf("unexpected kind %q", got)
	}
}

func TestRestoreRecoversMarker(t *testing.T) {
	original := services.Wrap(services.ErrNotFound, "coordinator", "cancel", "item-1", nil)
	restored := services.Restore(original.Error())
	if !errors.Is(restored, services.ErrNotFound) {
		t.Fatalf("expected not found marker, got %v", restored)
	}
	if restored.Error() != original.Error() {
		t.Fatalf("message changed: %q vs %q", restored.Error(), original.Error())
	}
	if got := services.Restore("validation error"); !errors.Is(got, services.ErrValidation) {
		t.Fatalf("expected bare marker restored, got %v", got)
	}
	plain := services.Restore("something broke")
	if services.Kind(plain) != "unknown" {
		t.Fatalf("expected unknown kind, got %s", services.Kind(plain))
	}
}
