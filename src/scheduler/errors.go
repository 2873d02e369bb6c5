package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownMode       = errors.New("unknown scheduler mode")
	ErrInvalidAction     = errors.New("invalid scheduled action")
	ErrNoOccurrence      = errors.New("recurrence has no future occurrence")
	ErrRecurrenceStalled = errors.New("recurrence did not advance past the fired occurrence")
)

// CallbackError reports a failed or panicking action callback. It is handed to the
// keeper's ErrorHandler and never aborts a sweep.
type CallbackError struct {
	Action string
	DueUtc time.Time
	Err    error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("scheduled action %q due at %s: %v", e.Action, e.DueUtc.Format(time.RFC3339), e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}
