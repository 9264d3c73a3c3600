package dynpool

import "errors"

// Predefined errors. Rejections reach the caller through the submit
// future and compare with errors.Is.
var (
	ErrPoolStopped     = errors.New("pool is not accepting tasks")
	ErrTaskDiscarded   = errors.New("task discarded: queue full")
	ErrTaskOverwritten = errors.New("task overwritten by newer submission")
	ErrTaskCancelled   = errors.New("task cancelled: pool force stopped")
	ErrQueueClosed     = errors.New("queue is closed")
	ErrNilTask         = errors.New("task is nil")
	ErrInvalidConfig   = errors.New("invalid pool configuration")
)
