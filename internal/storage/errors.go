package storage

import "errors"

// ErrNotFound is returned when an id-addressed lookup fails and the caller
// did not ask for missing entries to be tolerated.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when a unique constraint is violated on a
// non-idempotent path.
var ErrAlreadyExists = errors.New("already exists")

// ErrInvalidTransition is returned when a requested status transition is not
// in the transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrLimitExceeded is returned when a batch exceeds the configured cap.
var ErrLimitExceeded = errors.New("limit exceeded")

// ErrForbidden is returned on access-control rejection.
var ErrForbidden = errors.New("forbidden")

// ErrComputationFailed carries a manager-supplied error payload.
var ErrComputationFailed = errors.New("computation failed")

// ErrDeveloper indicates an internal invariant violation (e.g. two
// dependencies where one was expected). It aborts the current transaction.
var ErrDeveloper = errors.New("developer error")
