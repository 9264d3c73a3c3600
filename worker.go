package dynpool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/go-dynpool/dynpool/logs"
)

// workerSlot is the per-worker bookkeeping record. The slot lives in
// p.workers (guarded by workersMu) from spawn until the worker removes
// itself on exit.
type workerSlot struct {
	id        uuid.UUID
	createdAt time.Time

	lastActive atomic.Int64 // unix nanos of the last completed task
	idle       atomic.Bool
	executing  atomic.Bool
	shouldExit atomic.Bool // set by the balancer to request retirement

	removed bool // guarded by workersMu
	done    chan struct{}
}

// createWorkerLocked spawns one worker. Caller holds workersMu.
func (p *Pool) createWorkerLocked() {
	slot := &workerSlot{
		id:        uuid.New(),
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	slot.idle.Store(true)
	slot.lastActive.Store(time.Now().UnixNano())

	p.workers = append(p.workers, slot)
	p.stats.currentThreads.Add(1)
	p.stats.threadsCreated.Add(1)
	p.stats.updatePeak()

	p.group.Go(func() error {
		return p.workerLoop(slot)
	})

	logs.Debug(context.Background(), "Worker created",
		"workerID", slot.id,
		"currentThreads", p.stats.currentThreads.Load(),
		"peakThreads", p.stats.peakThreads.Load())
}

// workerLoop pops tasks until the pool stops or the worker retires. The
// pop is bounded by the keep-alive so an idle non-core worker can take
// itself out.
func (p *Pool) workerLoop(slot *workerSlot) error {
	logs.Debug(context.Background(), "Worker loop started", "workerID", slot.id)
	defer p.workerExit(slot)

	for {
		p.pauseMu.Lock()
		for p.State() == StatePaused {
			p.pauseCond.Wait()
		}
		p.pauseMu.Unlock()

		if p.State() == StateForceStopping {
			logs.Debug(context.Background(), "Worker exiting on force stop", "workerID", slot.id)
			return nil
		}

		slot.idle.Store(true)
		task, ok := p.queue.WaitPopFor(p.cfg.KeepAlive)
		if !ok {
			if p.queue.Closed() {
				logs.Debug(context.Background(), "Worker exiting: queue closed", "workerID", slot.id)
				return nil
			}
			if p.maybeRetire(slot) {
				return nil
			}
			continue
		}

		p.runTask(slot, task)
	}
}

// maybeRetire decides whether an idle-timeout should end this worker:
// only when the balancer flagged it or it has sat idle a full keep-alive,
// and only while the pool stays above its core size.
func (p *Pool) maybeRetire(slot *workerSlot) bool {
	idleFor := time.Since(time.Unix(0, slot.lastActive.Load()))
	if !slot.shouldExit.Load() && idleFor < p.cfg.KeepAlive {
		return false
	}

	p.workersMu.Lock()
	defer p.workersMu.Unlock()
	if p.stats.currentThreads.Load() <= int64(p.cfg.CoreThreads) {
		slot.shouldExit.Store(false)
		return false
	}
	p.removeWorkerLocked(slot)
	logs.Info(context.Background(), "Worker retired after idle timeout",
		"workerID", slot.id,
		"idle", idleFor,
		"currentThreads", p.stats.currentThreads.Load())
	return true
}

// removeWorkerLocked takes the slot out of the worker set and settles
// its counters. Caller holds workersMu.
func (p *Pool) removeWorkerLocked(slot *workerSlot) {
	if slot.removed {
		return
	}
	slot.removed = true
	for i, w := range p.workers {
		if w == slot {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	p.stats.currentThreads.Add(-1)
	p.stats.threadsDestroyed.Add(1)
}

// workerExit runs once per worker, whatever the exit path.
func (p *Pool) workerExit(slot *workerSlot) {
	p.workersMu.Lock()
	p.removeWorkerLocked(slot)
	p.workersMu.Unlock()

	close(slot.done)
	p.drainMu.Lock()
	p.drainCond.Broadcast()
	p.drainMu.Unlock()

	logs.Debug(context.Background(), "Worker loop exited",
		"workerID", slot.id,
		"lifetime", time.Since(slot.createdAt))
}

// runTask executes one task with full counter bookkeeping. Failures
// never escape: the task reports them as an error and the worker keeps
// going.
func (p *Pool) runTask(slot *workerSlot, task Task) {
	slot.idle.Store(false)
	slot.executing.Store(true)
	p.stats.activeThreads.Add(1)
	p.stats.activeTasks.Add(1)

	start := time.Now()
	err := task.Execute()
	elapsed := time.Since(start)

	p.stats.execTimeNS.Add(uint64(elapsed.Nanoseconds()))
	if err != nil {
		p.stats.failed.Add(1)
		var pe *panicError
		if errors.As(err, &pe) && p.panicHandler != nil {
			p.panicHandler(pe.value, pe.stack)
		}
		logs.Error(context.Background(), "Task failed",
			"workerID", slot.id, "error", err, "duration", elapsed)
	} else {
		p.stats.completed.Add(1)
		logs.Debug(context.Background(), "Task completed",
			"workerID", slot.id, "duration", elapsed,
			"pending", p.Pending(), "active", p.ActiveTasks())
	}

	p.stats.activeTasks.Add(-1)
	p.stats.activeThreads.Add(-1)
	slot.executing.Store(false)
	slot.idle.Store(true)
	slot.lastActive.Store(time.Now().UnixNano())

	p.notifyIfDrained()
}
