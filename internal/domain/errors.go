// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates the request failed input validation.
var ErrValidation = errors.New("validation failed")

// ErrInvalidTransition indicates a status or control mode change that is not
// allowed from the entity's current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrConcurrencyLimit is returned when every session slot is occupied.
var ErrConcurrencyLimit = errors.New("concurrency limit exceeded")

// ErrPoolExhausted is returned when no free port pair is left.
var ErrPoolExhausted = errors.New("port pool exhausted")

// ErrProvisionFailed indicates the container runtime could not create or start a container.
var ErrProvisionFailed = errors.New("container provision failed")

// ErrOperationTimeout indicates a container runtime call did not finish within its timeout.
var ErrOperationTimeout = errors.New("container operation timed out")

// ErrAIConnector indicates the AI backend failed after the retry budget was spent.
var ErrAIConnector = errors.New("ai connector failure")
