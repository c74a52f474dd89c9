package pipeline

import (
	"errors"
	"fmt"
)

// State is a controller lifecycle state.
type State int32

const (
	Uninitialized State = iota
	Negotiating
	Running
	Draining
	Stopped
	Errored
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Negotiating:
		return "Negotiating"
	case Running:
		return "Running"
	case Draining:
		return "Draining"
	case Stopped:
		return "Stopped"
	case Errored:
		return "Errored"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Stopped || s == Errored
}

// allowed lists the forward transitions. Errored is reachable from every
// non-terminal state and is not listed.
var allowed = map[State][]State{
	Uninitialized: {Negotiating, Stopped},
	Negotiating:   {Running},
	Running:       {Draining},
	Draining:      {Stopped},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Errored {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("pipeline already started")

// StartError wraps a failure that kept the pipeline from ever running.
type StartError struct {
	Err error
}

func (e *StartError) Error() string { return "pipeline failed to start: " + e.Err.Error() }

func (e *StartError) Unwrap() error { return e.Err }

// IsStartFailure reports whether err came from a failed start rather than
// a failure mid-stream.
func IsStartFailure(err error) bool {
	var serr *StartError
	return errors.As(err, &serr)
}

// SourceError is a fatal error reading from the source.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string { return "frame source failed: " + e.Err.Error() }

func (e *SourceError) Unwrap() error { return e.Err }

// SinkError is a fatal error from the sink.
type SinkError struct {
	Sequence uint64
	Err      error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink failed on frame %d: %v", e.Sequence, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
