package shared

import "errors"

// Engine error taxonomy. Validation errors are rejected before any write;
// ErrConcurrencyConflict is safe to retry with the same inputs.
var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientStock indicates an outbound movement would drive on-hand below zero.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrUnknownItemOrStore indicates the (item, store) key does not exist.
	ErrUnknownItemOrStore = errors.New("unknown item or store")
	// ErrAllocationMismatch indicates allocation amounts do not sum to the payment total.
	ErrAllocationMismatch = errors.New("allocation amounts do not match payment total")
	// ErrAlreadyReversed indicates the transaction or payment was reversed before.
	ErrAlreadyReversed = errors.New("already reversed")
	// ErrConcurrencyConflict indicates lock contention; the caller may retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrValidation indicates malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
)
