// Package dynpool is an in-process task executor: callers submit units
// of work and the pool runs them on a managed set of workers over a
// single bounded MPMC queue, with configurable overflow behavior and
// automatic scaling of the worker set in response to observed load.
//
// The queue is a lock-free Vyukov-style ring (BoundedQueue) wrapped by a
// BlockingQueue adapter that adds blocking and timed operations plus a
// close latch. The Pool on top owns the workers, the lifecycle state
// machine, the scaling loop, and the statistics.
//
// Basic usage:
//
//	pool, err := dynpool.NewWithSize(4, 1024)
//	if err != nil {
//		return err
//	}
//	pool.Start()
//	defer pool.Stop(dynpool.StopGraceful)
//
//	fut := dynpool.Submit(pool, func() (int, error) {
//		return 7 + 5, nil
//	})
//	sum, err := fut.Get()
//
// When the queue is full the configured QueueFullPolicy decides the
// outcome: Block parks the submitter, Discard rejects the new task, and
// Overwrite displaces the oldest queued task. Rejections resolve the
// submit future with a sentinel error (ErrTaskDiscarded,
// ErrTaskOverwritten, ErrTaskCancelled, ErrPoolStopped).
package dynpool
