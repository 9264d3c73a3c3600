package dynpool

import (
	"math"
	"sync/atomic"
	"time"
)

// poolStats is the internal atomic counter block. Each counter is its own
// atomic with no ordering across fields; readers snapshot each field
// independently.
type poolStats struct {
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	rejected  atomic.Uint64

	execTimeNS atomic.Uint64

	busyRatio    atomic.Uint64 // float64 bits
	pendingRatio atomic.Uint64 // float64 bits

	currentThreads   atomic.Int64
	activeThreads    atomic.Int64
	activeTasks      atomic.Int64
	peakThreads      atomic.Int64
	threadsCreated   atomic.Uint64
	threadsDestroyed atomic.Uint64

	discarded       atomic.Uint64
	overwritten     atomic.Uint64
	pausedWaiters   atomic.Int64
	pausedWaitTotal atomic.Uint64
}

func (s *poolStats) storeRatio(field *atomic.Uint64, v float64) {
	field.Store(math.Float64bits(v))
}

func (s *poolStats) loadRatio(field *atomic.Uint64) float64 {
	return math.Float64frombits(field.Load())
}

func (s *poolStats) updatePeak() {
	cur := s.currentThreads.Load()
	for {
		prev := s.peakThreads.Load()
		if cur <= prev || s.peakThreads.CompareAndSwap(prev, cur) {
			return
		}
	}
}

// Statistics is a point-in-time snapshot of the pool's counters and
// gauges. Each field is consistent on its own; fields are not consistent
// with one another (in particular PendingTasks need not equal
// PendingRatio times the queue capacity).
type Statistics struct {
	TotalSubmitted uint64
	TotalCompleted uint64
	TotalFailed    uint64
	TotalCancelled uint64
	TotalRejected  uint64

	TotalExecTime time.Duration
	AvgExecTime   time.Duration

	PendingTasks int
	BusyRatio    float64
	PendingRatio float64

	CurrentThreads   int
	ActiveThreads    int
	PeakThreads      int
	ThreadsCreated   uint64
	ThreadsDestroyed uint64

	DiscardedTasks   uint64
	OverwrittenTasks uint64
	PausedWaitTotal  uint64
}

// GetStatistics snapshots the pool counters.
func (p *Pool) GetStatistics() Statistics {
	stats := Statistics{
		TotalSubmitted: p.stats.submitted.Load(),
		TotalCompleted: p.stats.completed.Load(),
		TotalFailed:    p.stats.failed.Load(),
		TotalCancelled: p.stats.cancelled.Load(),
		TotalRejected:  p.stats.rejected.Load(),

		PendingTasks: p.Pending(),
		BusyRatio:    p.stats.loadRatio(&p.stats.busyRatio),

		CurrentThreads:   int(p.stats.currentThreads.Load()),
		ActiveThreads:    int(p.stats.activeThreads.Load()),
		PeakThreads:      int(p.stats.peakThreads.Load()),
		ThreadsCreated:   p.stats.threadsCreated.Load(),
		ThreadsDestroyed: p.stats.threadsDestroyed.Load(),

		DiscardedTasks:   p.stats.discarded.Load(),
		OverwrittenTasks: p.stats.overwritten.Load(),
		PausedWaitTotal:  p.stats.pausedWaitTotal.Load(),
	}

	execNS := p.stats.execTimeNS.Load()
	stats.TotalExecTime = time.Duration(execNS)
	if stats.TotalCompleted > 0 {
		stats.AvgExecTime = time.Duration(execNS / stats.TotalCompleted)
	}

	if capacity := p.queue.Cap(); capacity > 0 {
		stats.PendingRatio = float64(stats.PendingTasks) / float64(capacity)
	}
	return stats
}

// ResetStatistics zeroes every counter. Peak threads restarts from the
// current thread count. Safe to call repeatedly.
func (p *Pool) ResetStatistics() {
	p.stats.submitted.Store(0)
	p.stats.completed.Store(0)
	p.stats.failed.Store(0)
	p.stats.cancelled.Store(0)
	p.stats.rejected.Store(0)

	p.stats.execTimeNS.Store(0)

	p.stats.storeRatio(&p.stats.busyRatio, 0)
	p.stats.storeRatio(&p.stats.pendingRatio, 0)

	p.stats.peakThreads.Store(p.stats.currentThreads.Load())
	p.stats.threadsCreated.Store(0)
	p.stats.threadsDestroyed.Store(0)

	p.stats.discarded.Store(0)
	p.stats.overwritten.Store(0)
	p.stats.pausedWaitTotal.Store(0)
}
