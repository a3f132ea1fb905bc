package extraction

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyText is returned when the source document text is empty.
var ErrEmptyText = errors.New("document text is empty")

// ErrInvalidSchema marks a request whose schema is empty or carries
// non-identifier field names. Fatal for the item, never for the batch.
var ErrInvalidSchema = errors.New("invalid extraction schema")

// ErrTextSource marks an unreadable PDF. Fatal for the item.
var ErrTextSource = errors.New("text source failure")

// ErrTransientProvider marks a retryable provider condition (rate limit,
// network). The synchronous path retries once within the remaining deadline.
var ErrTransientProvider = errors.New("transient provider error")

// ErrDeadlineExceeded marks a provider call cancelled by the budget watchdog.
var ErrDeadlineExceeded = errors.New("deadline exceeded")

// ErrMalformedOutput marks a provider payload that could not be parsed.
var ErrMalformedOutput = errors.New("malformed provider output")

// ErrCorruptEntry marks a knowledge entry that failed structural checks on
// load. The entry is quarantined and the lookup behaves as a miss.
var ErrCorruptEntry = errors.New("corrupt knowledge entry")

// ValidateSchema rejects empty schemas and non-identifier keys before any
// work is spent on the item.
func ValidateSchema(schema Schema) error {
	if len(schema) == 0 {
		return ErrInvalidSchema
	}
	for name := range schema {
		if !isIdentifier(name) {
			return ErrInvalidSchema
		}
	}
	return nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// isTransient reports whether a provider error is worth one more attempt.
// Cancellation and deadline errors are never transient.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrDeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransientProvider) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "429", "timeout", "unavailable", "connection reset", "temporarily"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// asDeadline folds cancellation-shaped errors into ErrDeadlineExceeded so the
// orchestrator degrades uniformly.
func asDeadline(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrDeadlineExceeded) {
		return ErrDeadlineExceeded
	}
	return err
}
