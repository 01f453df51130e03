package deployment

import (
	"errors"
	"fmt"
)

// ErrNothingToRollBack is returned when an app has no retired slot with a port.
var ErrNothingToRollBack = errors.New("no retired slot to roll back to")

// ErrSwitchedNotRecorded matches a SwitchedNotRecordedError.
var ErrSwitchedNotRecorded = errors.New("traffic switched but slot state not recorded")

// SwitchedNotRecordedError is returned when the proxy routes to the new
// slot but the slot store could not mark it live. The store's live slot is
// stale until the next successful promotion or a manual fix.
type SwitchedNotRecordedError struct {
	Color Color
	Port  int
	Err   error
}

func (e *SwitchedNotRecordedError) Error() string {
	return fmt.Sprintf("%v: %s slot (port %d): %v", ErrSwitchedNotRecorded, e.Color, e.Port, e.Err)
}

func (e *SwitchedNotRecordedError) Unwrap() error {
	return e.Err
}

func (e *SwitchedNotRecordedError) Is(target error) bool {
	return target == ErrSwitchedNotRecorded
}

// StageError reports the stage at which a run stopped and the error that
// stopped it.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("deployment failed at %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
