package errors

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrEmptyKey     = errors.New("empty key")
	ErrInvalidData  = errors.New("invalid data type")
	ErrEntityExists = errors.New("entity already exists")

	// ErrQueueEmpty is returned when a dequeue finds nothing for the target device
	// or nothing at all. Callers skip the source for the current round.
	ErrQueueEmpty = errors.New("queue empty")

	// ErrBackpressure is returned when admission control rejects an update because
	// the target queue is longer than admission ratio times the shortest queue.
	ErrBackpressure = errors.New("backpressure: queue too long relative to peers")

	// ErrUnauthorized is returned when a non-leader attempts a leader-only operation.
	ErrUnauthorized = errors.New("sender is not the leader")

	// ErrInvariantViolation signals a counting bug. It is never recoverable and
	// aborts the aggregation round it surfaces in.
	ErrInvariantViolation = errors.New("internal invariant violated")

	ErrAlreadySetup = errors.New("already set up")
	ErrNotSetup     = errors.New("not set up")
)
