package engine

import (
	"errors"

	"docline/internal/events"
)

var (
	// ErrUnknownDocument and ErrUnknownBallot mean the caller passed a
	// bad id. Surfaced, not retried.
	ErrUnknownDocument = errors.New("unknown document")
	ErrUnknownBallot   = errors.New("unknown ballot")

	// ErrInvalidTransition means the requested state is not a legal
	// successor under the state type's next-state graph (or the group
	// override). Not safe to retry with the same input.
	ErrInvalidTransition = errors.New("invalid state transition")

	ErrBallotAlreadyOpen = errors.New("ballot already open")
	ErrBallotClosed      = errors.New("ballot closed")

	// ErrDuplicateName means another document already holds the
	// requested name.
	ErrDuplicateName = errors.New("document name already in use")
)

// Append-level errors, re-exported so callers can match without
// importing the events package.
var (
	ErrInvalidPayload         = events.ErrInvalidPayload
	ErrConcurrentModification = events.ErrConcurrentModification
)

// SystemActor attributes automated transitions (the last-call sweep)
// to an explicit synthetic principal rather than implicit global state.
const SystemActor = "(system)"
