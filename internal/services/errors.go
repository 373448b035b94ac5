package services

import "fmt"

// ValidationError indicates malformed or out-of-range caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// OwnershipViolation indicates a caller referenced a room or resource
// belonging to a different user. It carries no identifiers so that it is
// safe to surface directly to clients.
type OwnershipViolation struct {
	Kind string // "room" or "resource"
}

func (e *OwnershipViolation) Error() string {
	return fmt.Sprintf("%s does not belong to the requesting user", e.Kind)
}

// UpstreamError wraps a failure from the generation provider.
type UpstreamError struct {
	Op     string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s failed with status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// PersistenceError wraps a storage failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
