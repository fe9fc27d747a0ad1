package engine

import (
	"errors"
	"fmt"

	"runq/internal/queue"
)

var (
	ErrInvalidConcurrency = errors.New("concurrency must be > 0")
	ErrDuplicateTask      = errors.New("task id already tracked")
	ErrNilWork            = errors.New("task Run is nil")

	ErrUnknownQueue   = queue.ErrUnknownQueue
	ErrDuplicateQueue = queue.ErrDuplicateQueue
)

type (
	UnknownQueueError   = queue.UnknownQueueError
	DuplicateQueueError = queue.DuplicateQueueError
)

func duplicateTask(id string) error {
	return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
}

func invalidConcurrency(n int) error {
	return fmt.Errorf("%w (got %d)", ErrInvalidConcurrency, n)
}
