package dynpool

import (
	"context"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/go-dynpool/dynpool/logs"
)

func init() {
	maxprocs.Set()

	deadlock.Opts.DeadlockTimeout = time.Second * 2
	deadlock.Opts.OnPotentialDeadlock = func() {
		log.Println("POTENTIAL DEADLOCK DETECTED!")
		buf := make([]byte, 1<<16)
		runtime.Stack(buf, true)
		log.Printf("Goroutine stack dump:\n%s", buf)
	}
}

// PoolState is the pool lifecycle state.
type PoolState int32

const (
	StateCreated PoolState = iota
	StateRunning
	StateShuttingDown  // draining; no new submissions
	StateForceStopping // clearing the queue; no new submissions
	StateStopped
	StatePaused
)

func (s PoolState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateForceStopping:
		return "FORCE_STOPPING"
	case StateStopped:
		return "STOPPED"
	case StatePaused:
		return "PAUSED"
	}
	return "UNKNOWN"
}

// StopMode selects between drain-to-empty and cancel-pending shutdown.
type StopMode int

const (
	StopGraceful StopMode = iota
	StopForce
)

func (m StopMode) String() string {
	if m == StopForce {
		return "Force"
	}
	return "Graceful"
}

// ShutdownOption extends StopMode with a graceful-with-deadline variant.
type ShutdownOption int

const (
	ShutdownGraceful ShutdownOption = iota
	ShutdownForce
	ShutdownTimeout
)

// QueueFullPolicy is the rule applied when a submission meets a full
// queue.
type QueueFullPolicy int32

const (
	PolicyBlock QueueFullPolicy = iota
	PolicyDiscard
	PolicyOverwrite
)

func (p QueueFullPolicy) String() string {
	switch p {
	case PolicyBlock:
		return "Block"
	case PolicyDiscard:
		return "Discard"
	case PolicyOverwrite:
		return "Overwrite"
	}
	return "Unknown"
}

// How many displace-then-push rounds Overwrite tries before falling back
// to Block semantics.
const maxOverwriteAttempts = 4

// Pool runs submitted tasks on a managed set of worker goroutines over a
// single bounded MPMC queue. Workers scale between CoreThreads and
// MaxThreads under the control of a background load balancer.
type Pool struct {
	cfg    Config
	state  atomic.Int32
	policy atomic.Int32

	queue *BlockingQueue[Task]

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	workersMu deadlock.Mutex
	workers   []*workerSlot

	pauseMu    deadlock.Mutex
	pauseCond  *sync.Cond
	pauseDepth int

	drainMu   deadlock.Mutex
	drainCond *sync.Cond

	submitMu   deadlock.Mutex
	submitCond *sync.Cond
	submitting atomic.Int64

	balancerKick    chan struct{}
	balancerStop    chan struct{}
	balancerDone    chan struct{}
	balancerOnce    sync.Once
	balancerStarted atomic.Bool

	limiter      *rate.Limiter
	panicHandler func(recovered any, stackTrace string)
	logLevel     logs.Level
	baseCtx      context.Context

	stats poolStats
}

// New builds a pool from cfg. The pool holds no goroutines until Start.
func New(cfg Config, options ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.normalized()

	p := &Pool{
		cfg:      cfg,
		logLevel: logs.LevelInfo,
		baseCtx:  context.Background(),
	}
	p.state.Store(int32(StateCreated))
	p.policy.Store(int32(cfg.QueuePolicy))
	p.queue = NewBlockingQueue[Task](cfg.QueueCap)
	p.balancerKick = make(chan struct{}, 1)
	p.balancerStop = make(chan struct{})
	p.balancerDone = make(chan struct{})

	for _, option := range options {
		option(p)
	}

	p.pauseCond = sync.NewCond(&p.pauseMu)
	p.drainCond = sync.NewCond(&p.drainMu)
	p.submitCond = sync.NewCond(&p.submitMu)

	ctx, cancel := context.WithCancel(p.baseCtx)
	p.ctx = ctx
	p.cancel = cancel
	p.group, _ = errgroup.WithContext(ctx)

	if logs.Log == nil {
		logs.Initialize(p.logLevel)
	}

	logs.Debug(context.Background(), "Pool created",
		"coreThreads", cfg.CoreThreads,
		"maxThreads", cfg.MaxThreads,
		"queueCap", p.queue.Cap(),
		"policy", cfg.QueuePolicy.String())
	return p, nil
}

// NewWithSize builds a pool with the given core thread count and queue
// capacity and defaults for everything else. MaxThreads stays at the
// core count, so the pool does not scale above it.
func NewWithSize(coreThreads, queueCap int, options ...Option) (*Pool, error) {
	cfg := DefaultConfig()
	cfg.CoreThreads = coreThreads
	cfg.MaxThreads = coreThreads
	cfg.QueueCap = queueCap
	cfg.PendingHi = queueCap / 2
	cfg.PendingLow = 0
	return New(cfg, options...)
}

// Start spawns the core workers and the load balancer. Valid only from
// CREATED; any other state is ignored.
func (p *Pool) Start() {
	if !p.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		logs.Warn(context.Background(), "Pool start ignored", "state", p.State().String())
		return
	}

	p.workersMu.Lock()
	for i := 0; i < p.cfg.CoreThreads; i++ {
		p.createWorkerLocked()
	}
	p.workersMu.Unlock()

	p.startBalancer()

	logs.Info(context.Background(), "Pool started",
		"workers", p.CurrentThreads(),
		"maxThreads", p.cfg.MaxThreads,
		"queueCap", p.queue.Cap(),
		"policy", p.GetQueueFullPolicy().String())
}

// Stop drives the pool to STOPPED. Graceful drains the queue first;
// Force cancels every queued task. Running tasks always finish. Stop is
// idempotent and safe to call from any state.
func (p *Pool) Stop(mode StopMode) {
	graceful := mode == StopGraceful
	logs.Info(context.Background(), "Pool stop requested", "mode", mode.String(), "state", p.State().String())

	for {
		s := p.State()
		if s == StateStopped {
			break
		}
		target := s
		switch s {
		case StateCreated:
			target = StateStopped
		case StateRunning, StatePaused:
			if graceful {
				target = StateShuttingDown
			} else {
				target = StateForceStopping
			}
		case StateShuttingDown:
			if !graceful {
				target = StateForceStopping
			}
		}
		if target == s {
			break
		}
		if p.state.CompareAndSwap(int32(s), int32(target)) {
			break
		}
	}

	// Wake submitters and workers parked on pause.
	p.pauseMu.Lock()
	p.pauseCond.Broadcast()
	p.pauseMu.Unlock()

	switch p.State() {
	case StateShuttingDown:
		p.submitMu.Lock()
		for p.submitting.Load() > 0 {
			p.submitCond.Wait()
		}
		p.submitMu.Unlock()

		p.drainMu.Lock()
		for p.Pending() > 0 || p.ActiveTasks() > 0 {
			p.drainCond.Wait()
		}
		p.drainMu.Unlock()

		p.queue.Close()
		logs.Info(context.Background(), "Queue closed after graceful drain")
	case StateForceStopping:
		pending := p.Pending()
		p.queue.ClearFunc(func(task Task) {
			task.Cancel(ErrTaskCancelled)
			p.stats.cancelled.Add(1)
		})
		p.queue.Close()
		logs.Warn(context.Background(), "Queue cleared on force stop", "cancelled", pending)
	case StateStopped:
		p.cancel()
		return
	}

	p.stopBalancer()
	p.cancel()
	_ = p.group.Wait()

	// A submitter that passed the gate while the stop raced in may have
	// slipped a task past Clear; sweep once more now that the workers
	// are gone so no future is left unresolved.
	p.queue.ClearFunc(func(task Task) {
		task.Cancel(ErrTaskCancelled)
		p.stats.cancelled.Add(1)
	})

	p.workersMu.Lock()
	p.workers = nil
	p.workersMu.Unlock()

	p.state.Store(int32(StateStopped))
	logs.Info(context.Background(), "Pool stopped",
		"pending", p.Pending(), "active", p.ActiveTasks())
}

// Shutdown is Stop with an option. ShutdownTimeout attempts a graceful
// stop and escalates to force once the deadline passes.
func (p *Pool) Shutdown(opt ShutdownOption, timeout time.Duration) {
	switch opt {
	case ShutdownGraceful:
		p.Stop(StopGraceful)
	case ShutdownForce:
		p.Stop(StopForce)
	case ShutdownTimeout:
		done := make(chan struct{})
		go func() {
			p.Stop(StopGraceful)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			logs.Warn(context.Background(), "Shutdown timeout exceeded; escalating to force stop")
			p.Stop(StopForce)
			<-done
		}
	}
}

// Pause freezes task dispatch and parks new submitters. Calls nest: the
// pool resumes once Resume has balanced every Pause.
func (p *Pool) Pause() {
	p.pauseMu.Lock()
	p.pauseDepth++
	if p.pauseDepth == 1 {
		if p.state.CompareAndSwap(int32(StateRunning), int32(StatePaused)) {
			logs.Info(context.Background(), "Pool paused")
		}
	}
	p.pauseMu.Unlock()
}

// Resume balances one Pause. The final Resume restarts dispatch and
// wakes parked submitters and workers. Unbalanced calls are ignored.
func (p *Pool) Resume() {
	p.pauseMu.Lock()
	if p.pauseDepth > 0 {
		p.pauseDepth--
		if p.pauseDepth == 0 {
			if p.state.CompareAndSwap(int32(StatePaused), int32(StateRunning)) {
				p.pauseCond.Broadcast()
				logs.Info(context.Background(), "Pool resumed")
			}
		}
	}
	p.pauseMu.Unlock()
}

// Submit enqueues fn and returns the future carrying its outcome. A nil
// fn, a rejection by policy or lifecycle, a failure returned by fn, or a
// panic inside fn all resolve through the future; Submit itself blocks
// only while the pool is PAUSED, while a WithRateLimit limiter holds it
// back, or while a full queue makes it wait (the Block policy, or the
// Overwrite policy once its displace attempts are used up). Arguments
// are captured by the closure.
func Submit[R any](p *Pool, fn func() (R, error)) *Future[R] {
	task := newFutureTask(fn)
	if fn == nil {
		task.Cancel(ErrNilTask)
		return task.future
	}

	p.submitOn()
	defer p.submitOff()

	if p.limiter != nil {
		_ = p.limiter.Wait(p.ctx)
	}

	if err := p.gateSubmission(task); err != nil {
		return task.future
	}
	if err := p.dispatch(task); err != nil {
		task.Cancel(err)
	}
	return task.future
}

// Post enqueues fn fire-and-forget. Rejections are recorded in the
// counters; there is no handle.
func (p *Pool) Post(fn func()) {
	if fn == nil {
		return
	}
	task := newSimpleTask(fn)

	p.submitOn()
	defer p.submitOff()

	if p.limiter != nil {
		_ = p.limiter.Wait(p.ctx)
	}

	if err := p.gateSubmission(task); err != nil {
		return
	}
	_ = p.dispatch(task)
}

// PostBatch enqueues the callables without blocking and reports how many
// were accepted. It stops at the first full-queue failure. Valid only
// while RUNNING.
func (p *Pool) PostBatch(fns []func()) int {
	if p.State() != StateRunning {
		return 0
	}
	accepted := 0
	for _, fn := range fns {
		if fn == nil {
			continue
		}
		if !p.queue.TryPush(newSimpleTask(fn)) {
			break
		}
		accepted++
	}
	p.stats.submitted.Add(uint64(accepted))
	return accepted
}

// gateSubmission parks the caller while the pool is PAUSED and rejects
// it in terminal states. A nil return means the pool accepted the
// submission attempt and the policy dispatch may proceed.
func (p *Pool) gateSubmission(task Task) error {
	waitedInPause := false
	for {
		s := p.State()
		if s == StateRunning {
			return nil
		}
		if s == StatePaused {
			p.pauseMu.Lock()
			if PoolState(p.state.Load()) == StatePaused {
				p.stats.pausedWaiters.Add(1)
				p.stats.pausedWaitTotal.Add(1)
				for PoolState(p.state.Load()) == StatePaused {
					p.pauseCond.Wait()
				}
				p.stats.pausedWaiters.Add(-1)
				waitedInPause = true
			}
			p.pauseMu.Unlock()
			continue
		}
		if waitedInPause && s == StateShuttingDown {
			// The submitter was already parked before the stop; let it
			// through the drain.
			logs.Debug(context.Background(), "Submission admitted during shutdown after pause wait")
			return nil
		}
		if waitedInPause && s == StateForceStopping {
			p.stats.cancelled.Add(1)
			task.Cancel(ErrTaskCancelled)
			return ErrTaskCancelled
		}
		p.stats.rejected.Add(1)
		task.Cancel(ErrPoolStopped)
		logs.Debug(context.Background(), "Submission rejected", "state", s.String())
		return ErrPoolStopped
	}
}

// dispatch applies the current queue-full policy. On success the
// submitted counter is bumped; the returned error is the rejection the
// caller should resolve its handle with.
func (p *Pool) dispatch(task Task) error {
	switch p.GetQueueFullPolicy() {
	case PolicyBlock:
		if !p.queue.WaitPush(task) {
			p.stats.rejected.Add(1)
			return ErrPoolStopped
		}

	case PolicyDiscard:
		if !p.queue.TryPush(task) {
			p.stats.rejected.Add(1)
			p.stats.discarded.Add(1)
			logs.Debug(context.Background(), "Submission discarded",
				"pending", p.Pending(), "discarded", p.stats.discarded.Load())
			return ErrTaskDiscarded
		}

	case PolicyOverwrite:
		pushed := false
		for attempt := 0; attempt < maxOverwriteAttempts; attempt++ {
			displaced, displacedOK, ok := p.queue.OverwritePush(task)
			if displacedOK {
				displaced.Cancel(ErrTaskOverwritten)
				p.stats.cancelled.Add(1)
				p.stats.overwritten.Add(1)
			}
			if ok {
				pushed = true
				break
			}
			if p.queue.Closed() {
				p.stats.rejected.Add(1)
				return ErrPoolStopped
			}
		}
		if !pushed {
			// Consumers keep winning the displace race; fall back to
			// Block semantics rather than spinning.
			if !p.queue.WaitPush(task) {
				p.stats.rejected.Add(1)
				return ErrPoolStopped
			}
		}
	}

	p.stats.submitted.Add(1)
	return nil
}

func (p *Pool) submitOn() {
	p.submitting.Add(1)
}

func (p *Pool) submitOff() {
	if p.submitting.Add(-1) == 0 {
		p.submitMu.Lock()
		p.submitCond.Broadcast()
		p.submitMu.Unlock()
	}
}

// State reports the lifecycle state.
func (p *Pool) State() PoolState {
	return PoolState(p.state.Load())
}

// Running reports whether the pool accepts and dispatches tasks.
func (p *Pool) Running() bool {
	return p.State() == StateRunning
}

// Paused reports whether dispatch is frozen.
func (p *Pool) Paused() bool {
	return p.State() == StatePaused
}

// PausedWait reports how many submitters are currently parked waiting
// for Resume.
func (p *Pool) PausedWait() int {
	n := p.stats.pausedWaiters.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Pending reports the number of enqueued-but-not-started tasks.
func (p *Pool) Pending() int {
	return p.queue.Len()
}

// ActiveTasks reports the number of tasks executing right now.
func (p *Pool) ActiveTasks() int {
	return int(p.stats.activeTasks.Load())
}

// ActiveThreads reports the number of workers executing a task.
func (p *Pool) ActiveThreads() int {
	return int(p.stats.activeThreads.Load())
}

// CurrentThreads reports the number of live workers.
func (p *Pool) CurrentThreads() int {
	return int(p.stats.currentThreads.Load())
}

// DiscardedTasks reports how many submissions the Discard policy
// dropped.
func (p *Pool) DiscardedTasks() uint64 {
	return p.stats.discarded.Load()
}

// OverwrittenTasks reports how many queued tasks the Overwrite policy
// displaced.
func (p *Pool) OverwrittenTasks() uint64 {
	return p.stats.overwritten.Load()
}

// GetQueueFullPolicy reports the policy applied to new submissions.
func (p *Pool) GetQueueFullPolicy() QueueFullPolicy {
	return QueueFullPolicy(p.policy.Load())
}

// SetQueueFullPolicy swaps the policy. Subsequent submissions observe
// the new value; submissions already dispatching keep the old one.
func (p *Pool) SetQueueFullPolicy(policy QueueFullPolicy) {
	p.policy.Store(int32(policy))
}

// notifyIfDrained wakes Stop's drain wait once the queue and workers are
// simultaneously empty.
func (p *Pool) notifyIfDrained() {
	if p.Pending() == 0 && p.ActiveTasks() == 0 {
		p.drainMu.Lock()
		p.drainCond.Broadcast()
		p.drainMu.Unlock()
	}
}
