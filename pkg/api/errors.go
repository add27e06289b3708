package api

import "errors"

var (
	// ErrActivityFailure wraps an error returned by an external collaborator.
	// It fails the instance; there is no automatic retry.
	ErrActivityFailure = errors.New("activity failed")

	// ErrProtocolViolation marks a malformed submission or event payload.
	// Such requests are rejected before anything is recorded.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrSuspensionTimeout is recorded when a wait exceeds its deadline.
	ErrSuspensionTimeout = errors.New("suspension timed out")

	// ErrEngineFault marks history corruption or replay divergence. It is
	// never absorbed: the instance stops and an operator has to look at it.
	ErrEngineFault = errors.New("engine fault")

	// ErrNoWaiter is returned when an event is delivered to an instance that
	// is not currently waiting on that event name.
	ErrNoWaiter = errors.New("no instance waiting on event")

	// ErrInstanceNotFound is returned when an instance ID is unknown.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrUnknownWorkflow is returned when no program is registered for a name.
	ErrUnknownWorkflow = errors.New("unknown workflow")
)
