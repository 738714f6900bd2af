package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ConfigurationError is returned at construction time for invalid settings.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// Configf builds a ConfigurationError for field.
func Configf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransientServiceError marks a remote failure that may succeed on retry:
// timeouts, connection errors, 5xx and 429.
type TransientServiceError struct {
	Service    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Service, e.Err)
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

// PermanentServiceError marks a remote failure that must not be retried:
// 4xx other than 429, malformed payloads.
type PermanentServiceError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *PermanentServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: permanent failure (status %d): %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: permanent failure: %v", e.Service, e.Err)
}

func (e *PermanentServiceError) Unwrap() error { return e.Err }

// NotFoundError reports a missing collection or point.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

const (
	KindCollection = "collection"
	KindPoint      = "point"
)

// CollectionNotFound returns the NotFoundError for a missing collection.
func CollectionNotFound(name string) error {
	return &NotFoundError{Kind: KindCollection, ID: name}
}

// IsTransient reports whether err is eligible for retry.
func IsTransient(err error) bool {
	var t *TransientServiceError
	return errors.As(err, &t)
}

// IsNotFound reports whether err is a NotFoundError of the given kind.
// An empty kind matches any NotFoundError.
func IsNotFound(err error, kind string) bool {
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		return false
	}
	return kind == "" || nf.Kind == kind
}

// BatchFailure describes one failed embedding request.
type BatchFailure struct {
	Indices []int
	Err     error
}

// EmbedError aggregates failed batches of one EmbedBatch call. Indices refer
// to positions in the caller's input slice.
type EmbedError struct {
	Failures []BatchFailure
}

func (e *EmbedError) Error() string {
	idx := e.FailedIndices()
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Err.Error())
	}
	return fmt.Sprintf("embedding failed for %d input(s) %v: %s", len(idx), idx, strings.Join(parts, "; "))
}

// Unwrap exposes the per-batch causes to errors.Is/As.
func (e *EmbedError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// FailedIndices returns all failed input positions in ascending order.
func (e *EmbedError) FailedIndices() []int {
	var out []int
	for _, f := range e.Failures {
		out = append(out, f.Indices...)
	}
	sort.Ints(out)
	return out
}

// UpsertError reports point ids that were not written. Points outside
// Failed were written and are not rolled back.
type UpsertError struct {
	Failed []uint64
	Err    error
}

func (e *UpsertError) Error() string {
	return fmt.Sprintf("upsert failed for %d point(s): %v", len(e.Failed), e.Err)
}

func (e *UpsertError) Unwrap() error { return e.Err }
