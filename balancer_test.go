package dynpool

import (
	"testing"
	"time"
)

func scalingConfig() Config {
	cfg := DefaultConfig()
	cfg.QueueCap = 32
	cfg.CoreThreads = 1
	cfg.MaxThreads = 4
	cfg.LoadCheckInterval = 10 * time.Millisecond
	cfg.KeepAlive = 60 * time.Millisecond
	cfg.PendingHi = 2
	cfg.PendingLow = 1
	cfg.DebounceHits = 1
	cfg.Cooldown = 10 * time.Millisecond
	return cfg
}

func TestPoolScaleUpAndFallback(t *testing.T) {
	pool, err := New(scalingConfig())
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()

	gate := make(chan struct{})
	for i := 0; i < 3*4; i++ {
		pool.Post(func() { <-gate })
	}

	if !waitUntil(t, 3*time.Second, func() bool { return pool.CurrentThreads() > 1 }) {
		t.Fatalf("pool never scaled above core: threads=%d pending=%d",
			pool.CurrentThreads(), pool.Pending())
	}

	// Worker count stays inside [core, max] the whole time.
	for i := 0; i < 20; i++ {
		n := pool.CurrentThreads()
		if n < 1 || n > 4 {
			t.Fatalf("CurrentThreads = %d outside [1,4]", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(gate)

	// After the backlog drains, idle workers retire back to core within
	// a few keep-alive intervals.
	if !waitUntil(t, 3*time.Second, func() bool { return pool.CurrentThreads() == 1 }) {
		t.Fatalf("pool did not fall back to core: threads=%d", pool.CurrentThreads())
	}

	pool.Stop(StopGraceful)
	stats := pool.GetStatistics()
	if stats.PeakThreads < 2 {
		t.Fatalf("peak threads = %d, want at least 2", stats.PeakThreads)
	}
	if stats.ThreadsCreated != stats.ThreadsDestroyed {
		t.Fatalf("bookkeeping broken after stop: created=%d destroyed=%d",
			stats.ThreadsCreated, stats.ThreadsDestroyed)
	}
}

func TestPoolTriggerLoadCheck(t *testing.T) {
	cfg := scalingConfig()
	// A long sampling period: only the manual kick can drive scaling.
	cfg.LoadCheckInterval = time.Hour
	pool, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	defer pool.Stop(StopForce)

	gate := make(chan struct{})
	defer close(gate)
	for i := 0; i < 8; i++ {
		pool.Post(func() { <-gate })
	}

	if pool.CurrentThreads() != 1 {
		t.Fatalf("threads = %d before kick, want 1", pool.CurrentThreads())
	}
	if !waitUntil(t, 2*time.Second, func() bool {
		pool.TriggerLoadCheck()
		return pool.CurrentThreads() > 1
	}) {
		t.Fatalf("manual load check did not scale up: threads=%d", pool.CurrentThreads())
	}
}

func TestPoolNoScaleAboveMax(t *testing.T) {
	cfg := scalingConfig()
	cfg.MaxThreads = 2
	pool, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()

	gate := make(chan struct{})
	for i := 0; i < 16; i++ {
		pool.Post(func() { <-gate })
	}
	waitUntil(t, time.Second, func() bool { return pool.CurrentThreads() == 2 })

	// Give the balancer room to overshoot, then confirm it did not.
	time.Sleep(100 * time.Millisecond)
	if n := pool.CurrentThreads(); n > 2 {
		t.Fatalf("threads = %d, exceeds max 2", n)
	}

	close(gate)
	pool.Stop(StopGraceful)
}
