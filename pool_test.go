package dynpool

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestPoolSubmitSum(t *testing.T) {
	pool, err := NewWithSize(4, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()

	var sum atomic.Int64
	const n = 100000
	for i := 1; i <= n; i++ {
		i := i
		pool.Post(func() {
			sum.Add(int64(i))
		})
	}
	pool.Stop(StopGraceful)

	if got := sum.Load(); got != 5000050000 {
		t.Fatalf("sum = %d, want 5000050000", got)
	}
	if pool.State() != StateStopped {
		t.Fatalf("state = %v, want STOPPED", pool.State())
	}
	if pool.Pending() != 0 {
		t.Fatalf("pending = %d after graceful stop", pool.Pending())
	}
	stats := pool.GetStatistics()
	if stats.TotalCompleted+stats.TotalFailed != stats.TotalSubmitted {
		t.Fatalf("accounting broken: submitted=%d completed=%d failed=%d",
			stats.TotalSubmitted, stats.TotalCompleted, stats.TotalFailed)
	}
}

func TestPoolSubmitResultAndFailure(t *testing.T) {
	pool, err := NewWithSize(2, 64)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	defer pool.Stop(StopGraceful)

	boom := errors.New("boom")
	fut := Submit(pool, func() (int, error) {
		return 0, boom
	})
	if _, err := fut.Get(); !errors.Is(err, boom) {
		t.Fatalf("failure not propagated: %v", err)
	}

	panicky := Submit(pool, func() (int, error) {
		panic("exploded")
	})
	if _, err := panicky.Get(); err == nil {
		t.Fatal("panic not surfaced through the future")
	}

	a, b := 7, 5
	add := Submit(pool, func() (int, error) {
		return a + b, nil
	})
	v, err := add.Get()
	if err != nil || v != 12 {
		t.Fatalf("add = (%d,%v), want (12,nil)", v, err)
	}

	stats := pool.GetStatistics()
	if stats.TotalFailed != 2 {
		t.Fatalf("failed = %d, want 2", stats.TotalFailed)
	}
}

func TestPoolDiscardPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCap = 4
	cfg.CoreThreads = 1
	cfg.MaxThreads = 1
	cfg.QueuePolicy = PolicyDiscard
	pool, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()

	gate := make(chan struct{})
	started := make(chan struct{})
	Submit(pool, func() (struct{}, error) {
		close(started)
		<-gate
		return struct{}{}, nil
	})
	<-started

	for i := 0; i < 4; i++ {
		pool.Post(func() {})
	}
	if !waitUntil(t, time.Second, func() bool { return pool.Pending() == 4 }) {
		t.Fatalf("pending = %d, want 4", pool.Pending())
	}

	first := Submit(pool, func() (int, error) { return 1, nil })
	second := Submit(pool, func() (int, error) { return 2, nil })
	if _, err := first.Get(); !errors.Is(err, ErrTaskDiscarded) {
		t.Fatalf("first rejection = %v, want ErrTaskDiscarded", err)
	}
	if _, err := second.Get(); !errors.Is(err, ErrTaskDiscarded) {
		t.Fatalf("second rejection = %v, want ErrTaskDiscarded", err)
	}
	if got := pool.DiscardedTasks(); got != 2 {
		t.Fatalf("DiscardedTasks = %d, want 2", got)
	}

	close(gate)
	pool.Stop(StopGraceful)
	if pool.State() != StateStopped {
		t.Fatalf("state = %v, want STOPPED", pool.State())
	}
}

func TestPoolOverwritePolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCap = 4
	cfg.CoreThreads = 1
	cfg.MaxThreads = 1
	cfg.QueuePolicy = PolicyOverwrite
	pool, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()

	gate := make(chan struct{})
	started := make(chan struct{})
	Submit(pool, func() (struct{}, error) {
		close(started)
		<-gate
		return struct{}{}, nil
	})
	<-started

	original := make([]*Future[int], 4)
	for i := 0; i < 4; i++ {
		v := 100 + i
		original[i] = Submit(pool, func() (int, error) { return v, nil })
	}
	if pool.Pending() != 4 {
		t.Fatalf("pending = %d, want 4", pool.Pending())
	}

	newer := make([]*Future[int], 3)
	for i := 0; i < 3; i++ {
		v := 200 + i
		newer[i] = Submit(pool, func() (int, error) { return v, nil })
	}

	if got := pool.OverwrittenTasks(); got != 3 {
		t.Fatalf("OverwrittenTasks = %d, want 3", got)
	}
	if pool.Pending() != 4 {
		t.Fatalf("pending = %d after overwrites, want 4", pool.Pending())
	}
	for i := 0; i < 3; i++ {
		if _, err := original[i].Get(); !errors.Is(err, ErrTaskOverwritten) {
			t.Fatalf("original[%d] = %v, want ErrTaskOverwritten", i, err)
		}
	}

	close(gate)
	pool.Stop(StopGraceful)

	if v, err := original[3].Get(); err != nil || v != 103 {
		t.Fatalf("original[3] = (%d,%v), want (103,nil)", v, err)
	}
	for i := 0; i < 3; i++ {
		if v, err := newer[i].Get(); err != nil || v != 200+i {
			t.Fatalf("newer[%d] = (%d,%v), want (%d,nil)", i, v, err, 200+i)
		}
	}
}

func TestPoolPauseForceStopCancels(t *testing.T) {
	pool, err := NewWithSize(2, 64)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	pool.Pause()
	if !pool.Paused() {
		t.Fatal("pool not paused")
	}

	type result struct {
		v   int
		err error
	}
	got := make(chan result, 1)
	go func() {
		fut := Submit(pool, func() (int, error) { return 7, nil })
		v, err := fut.Get()
		got <- result{v, err}
	}()

	if !waitUntil(t, time.Second, func() bool { return pool.PausedWait() == 1 }) {
		t.Fatalf("PausedWait = %d, want 1", pool.PausedWait())
	}

	pool.Stop(StopForce)

	select {
	case r := <-got:
		if !errors.Is(r.err, ErrTaskCancelled) {
			t.Fatalf("parked submit resolved with %v, want ErrTaskCancelled", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked submit never resolved")
	}
	if pool.State() != StateStopped {
		t.Fatalf("state = %v, want STOPPED", pool.State())
	}
}

func TestPoolForceStopCancelsQueued(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCap = 16
	cfg.CoreThreads = 1
	cfg.MaxThreads = 1
	pool, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()

	gate := make(chan struct{})
	started := make(chan struct{})
	running := Submit(pool, func() (int, error) {
		close(started)
		<-gate
		return 1, nil
	})
	<-started

	queued := Submit(pool, func() (int, error) { return 2, nil })

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gate)
	}()
	pool.Stop(StopForce)

	// The running task finished; the queued one was cancelled.
	if v, err := running.Get(); err != nil || v != 1 {
		t.Fatalf("running task = (%d,%v), want (1,nil)", v, err)
	}
	if _, err := queued.Get(); !errors.Is(err, ErrTaskCancelled) {
		t.Fatalf("queued task = %v, want ErrTaskCancelled", err)
	}
	stats := pool.GetStatistics()
	if stats.TotalCancelled == 0 {
		t.Fatal("cancelled counter not incremented")
	}
}

func TestPoolSubmitAfterStopRejected(t *testing.T) {
	pool, err := NewWithSize(1, 8)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	pool.Stop(StopGraceful)

	fut := Submit(pool, func() (int, error) { return 1, nil })
	if _, err := fut.Get(); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("submit after stop = %v, want ErrPoolStopped", err)
	}
	stats := pool.GetStatistics()
	if stats.TotalRejected == 0 {
		t.Fatal("rejected counter not incremented")
	}
}

func TestPoolStopIdempotent(t *testing.T) {
	pool, err := NewWithSize(2, 8)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	pool.Stop(StopGraceful)
	pool.Stop(StopGraceful)
	pool.Stop(StopForce)
	if pool.State() != StateStopped {
		t.Fatalf("state = %v, want STOPPED", pool.State())
	}
}

func TestPoolStopFromCreated(t *testing.T) {
	pool, err := NewWithSize(2, 8)
	if err != nil {
		t.Fatal(err)
	}
	pool.Stop(StopGraceful)
	if pool.State() != StateStopped {
		t.Fatalf("state = %v, want STOPPED", pool.State())
	}
	// Start after Stop is ignored.
	pool.Start()
	if pool.State() != StateStopped {
		t.Fatalf("Start revived a stopped pool: %v", pool.State())
	}
}

func TestPoolPauseResumeNested(t *testing.T) {
	pool, err := NewWithSize(1, 8)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	defer pool.Stop(StopGraceful)

	pool.Pause()
	pool.Pause()
	pool.Resume()
	if !pool.Paused() {
		t.Fatal("pool resumed with one Pause still outstanding")
	}
	pool.Resume()
	if pool.Paused() {
		t.Fatal("pool still paused after balanced Resume")
	}
	// Extra Resume calls are ignored.
	pool.Resume()
	if !pool.Running() {
		t.Fatalf("state = %v, want RUNNING", pool.State())
	}

	fut := Submit(pool, func() (int, error) { return 3, nil })
	if v, err := fut.Get(); err != nil || v != 3 {
		t.Fatalf("submit after resume = (%d,%v)", v, err)
	}
}

func TestPoolPauseParksSubmitUntilResume(t *testing.T) {
	pool, err := NewWithSize(1, 8)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	defer pool.Stop(StopGraceful)

	pool.Pause()
	done := make(chan int, 1)
	go func() {
		fut := Submit(pool, func() (int, error) { return 9, nil })
		v, _ := fut.Get()
		done <- v
	}()

	if !waitUntil(t, time.Second, func() bool { return pool.PausedWait() == 1 }) {
		t.Fatalf("PausedWait = %d, want 1", pool.PausedWait())
	}
	select {
	case <-done:
		t.Fatal("submit completed while paused")
	default:
	}

	pool.Resume()
	select {
	case v := <-done:
		if v != 9 {
			t.Fatalf("got %d, want 9", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submit never resumed")
	}
	if pool.PausedWait() != 0 {
		t.Fatalf("PausedWait = %d after resume, want 0", pool.PausedWait())
	}
}

func TestPoolSetQueueFullPolicy(t *testing.T) {
	pool, err := NewWithSize(1, 8)
	if err != nil {
		t.Fatal(err)
	}
	if pool.GetQueueFullPolicy() != PolicyBlock {
		t.Fatalf("default policy = %v", pool.GetQueueFullPolicy())
	}
	pool.SetQueueFullPolicy(PolicyOverwrite)
	if pool.GetQueueFullPolicy() != PolicyOverwrite {
		t.Fatalf("policy = %v after set", pool.GetQueueFullPolicy())
	}
}

func TestPoolPostBatch(t *testing.T) {
	pool, err := NewWithSize(2, 64)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()

	var count atomic.Int64
	fns := make([]func(), 10)
	for i := range fns {
		fns[i] = func() { count.Add(1) }
	}
	if accepted := pool.PostBatch(fns); accepted != 10 {
		t.Fatalf("accepted = %d, want 10", accepted)
	}
	pool.Stop(StopGraceful)
	if count.Load() != 10 {
		t.Fatalf("executed = %d, want 10", count.Load())
	}

	if accepted := pool.PostBatch(fns); accepted != 0 {
		t.Fatalf("PostBatch accepted %d tasks on a stopped pool", accepted)
	}
}

func TestPoolShutdownTimeoutEscalates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCap = 8
	cfg.CoreThreads = 1
	cfg.MaxThreads = 1
	pool, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()

	gate := make(chan struct{})
	started := make(chan struct{})
	pool.Post(func() {
		close(started)
		<-gate
	})
	<-started
	queued := Submit(pool, func() (int, error) { return 1, nil })

	done := make(chan struct{})
	go func() {
		pool.Shutdown(ShutdownTimeout, 50*time.Millisecond)
		close(done)
	}()

	// The graceful attempt cannot drain while the gate is closed, so the
	// force escalation cancels the queued task; the gated task itself
	// still needs to finish before workers join.
	if !waitUntil(t, 2*time.Second, func() bool {
		select {
		case <-queued.Done():
			_, err := queued.Get()
			return errors.Is(err, ErrTaskCancelled)
		default:
			return false
		}
	}) {
		t.Fatal("queued task not cancelled by escalation")
	}
	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown never returned")
	}
	if pool.State() != StateStopped {
		t.Fatalf("state = %v, want STOPPED", pool.State())
	}
}

func TestPoolResetStatistics(t *testing.T) {
	pool, err := NewWithSize(2, 16)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	defer pool.Stop(StopGraceful)

	fut := Submit(pool, func() (int, error) { return 1, nil })
	if _, err := fut.Get(); err != nil {
		t.Fatal(err)
	}
	if stats := pool.GetStatistics(); stats.TotalSubmitted == 0 {
		t.Fatal("submitted counter not incremented")
	}

	pool.ResetStatistics()
	pool.ResetStatistics() // safe to repeat
	stats := pool.GetStatistics()
	if stats.TotalSubmitted != 0 || stats.TotalCompleted != 0 || stats.AvgExecTime != 0 {
		t.Fatalf("statistics not reset: %+v", stats)
	}
	if stats.PeakThreads != pool.CurrentThreads() {
		t.Fatalf("peak = %d after reset, want current %d", stats.PeakThreads, pool.CurrentThreads())
	}
}

func TestPoolNilSubmissions(t *testing.T) {
	pool, err := NewWithSize(1, 8)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	defer pool.Stop(StopGraceful)

	fut := Submit[int](pool, nil)
	if _, err := fut.Get(); !errors.Is(err, ErrNilTask) {
		t.Fatalf("nil submit = %v, want ErrNilTask", err)
	}
	pool.Post(nil) // must not wedge anything
}
