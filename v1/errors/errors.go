// Package errors defines the sentinel errors shared by the guard, the mutex
// strategies and the key-value adapters. Callers match them with errors.Is;
// errors produced by the guard, the mutex and the stores wrap one of them.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a store round trip exceeds its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionClosed is returned when the store client has been closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrDuplicateSubmission reports that an acquire lost the race: another
	// attempt with the same fingerprint is in flight or completed within
	// the TTL window. It is an expected outcome, not a failure.
	ErrDuplicateSubmission = errors.New("idemlock: duplicate submission")

	// ErrLockBusy is returned by the fail-fast strategies when the lock key
	// is already held. It matches ErrDuplicateSubmission.
	ErrLockBusy = fmt.Errorf("%w: lock is held by another caller", ErrDuplicateSubmission)

	// ErrLockTimeout is returned when a leased acquire gives up waiting.
	ErrLockTimeout = errors.New("idemlock: lock wait timed out")

	// ErrResourceExhausted is returned when the critical section would
	// violate its invariant, e.g. decrementing stock below zero.
	ErrResourceExhausted = errors.New("idemlock: resource exhausted")

	// ErrStoreUnavailable wraps any infrastructure failure of the key-value
	// store. It is never retried inside this module.
	ErrStoreUnavailable = errors.New("idemlock: store unavailable")

	// ErrInvalidRequest is returned for a missing idempotency token or
	// arguments that cannot be fingerprinted.
	ErrInvalidRequest = errors.New("idemlock: invalid request")
)
