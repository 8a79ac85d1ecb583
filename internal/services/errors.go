package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransient          = errors.New("transient failure")
	ErrStalled            = errors.New("transfer stalled")
	ErrSourceExhausted    = errors.New("no transfer source available")
	ErrVerificationFailed = errors.New("verification failed")
	ErrDeadLettered       = errors.New("dead lettered")
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation error")
	ErrConfiguration      = errors.New("configuration error")
	ErrBackend            = errors.New("storage backend failure")
	ErrCancelled          = errors.New("cancelled")
	ErrPreempted          = errors.New("preempted")
)

var markers = []error{
	ErrStalled,
	ErrSourceExhausted,
	ErrVerificationFailed,
	ErrDeadLettered,
	ErrNotFound,
	ErrValidation,
	ErrConfiguration,
	ErrBackend,
	ErrCancelled,
	ErrPreempted,
	ErrTransient,
}

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether the failure should consume a retry rather than end
// the transfer.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrVerificationFailed),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrCancelled),
		errors.Is(err, ErrDeadLettered),
		errors.Is(err, ErrSourceExhausted):
		return false
	default:
		return true
	}
}

// Kind returns the short name of the first marker found in err, or "unknown".
func Kind(err error) string {
	for _, marker := range markers {
		if errors.Is(err, marker) {
			return marker.Error()
		}
	}
	return "unknown"
}

// Restore rebuilds a marked error from its message after it crossed a
// process boundary as plain text. Messages that do not start with a marker
// are returned as plain errors.
func Restore(message string) error {
	for _, marker := range markers {
		prefix := marker.Error()
		if message == prefix {
			return marker
		}
		if strings.HasPrefix(message, prefix+": ") {
			return fmt.Errorf("%w%s", marker, message[len(prefix):])
		}
	}
	return errors.New(message)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
