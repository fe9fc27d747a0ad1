package queue

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownQueue   = errors.New("unknown queue")
	ErrDuplicateQueue = errors.New("duplicate queue")
	ErrInvalidQueue   = errors.New("invalid queue")
)

// UnknownQueueError is returned when a lookup or submission names a queue that
// is not registered.
type UnknownQueueError struct {
	Name string
}

func (e *UnknownQueueError) Error() string { return fmt.Sprintf("unknown queue %q", e.Name) }
func (e *UnknownQueueError) Is(target error) bool {
	return target == ErrUnknownQueue
}

// DuplicateQueueError is returned by Build when two entries share a name, or
// when an entry reuses the reserved default name (Reserved=true).
type DuplicateQueueError struct {
	Name     string
	Reserved bool
}

func (e *DuplicateQueueError) Error() string {
	if e.Reserved {
		return fmt.Sprintf("queue %q is reserved for the default queue", e.Name)
	}
	return fmt.Sprintf("duplicate queue %q", e.Name)
}

func (e *DuplicateQueueError) Is(target error) bool {
	return target == ErrDuplicateQueue
}
