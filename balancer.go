package dynpool

import (
	"context"
	"time"

	"github.com/go-dynpool/dynpool/logs"
)

// startBalancer launches the load-check loop on its own goroutine.
func (p *Pool) startBalancer() {
	p.balancerStarted.Store(true)
	go p.balancerLoop()
	logs.Debug(context.Background(), "Load balancer started",
		"interval", p.cfg.LoadCheckInterval, "cooldown", p.cfg.Cooldown)
}

// stopBalancer stops the loop and waits for it to drain. Safe to call
// more than once, and before Start.
func (p *Pool) stopBalancer() {
	p.balancerOnce.Do(func() {
		close(p.balancerStop)
	})
	if p.balancerStarted.Load() {
		<-p.balancerDone
	}
	logs.Debug(context.Background(), "Load balancer stopped")
}

// TriggerLoadCheck wakes the balancer for an immediate sample, skipping
// the cooldown gate.
func (p *Pool) TriggerLoadCheck() {
	select {
	case p.balancerKick <- struct{}{}:
	default:
	}
}

// balancerLoop samples queue depth and worker activity every
// LoadCheckInterval and grows or shrinks the worker set inside
// [CoreThreads, MaxThreads]. Hysteresis: DebounceHits consecutive
// agreeing samples arm an action, and Cooldown spaces actions apart.
func (p *Pool) balancerLoop() {
	defer close(p.balancerDone)

	ticker := time.NewTicker(p.cfg.LoadCheckInterval)
	defer ticker.Stop()

	var upHits, downHits int
	var lastAction time.Time

	for {
		kicked := false
		select {
		case <-p.balancerStop:
			return
		case <-ticker.C:
		case <-p.balancerKick:
			kicked = true
		}

		pending := p.Pending()
		current := p.stats.currentThreads.Load()
		active := p.stats.activeThreads.Load()

		busyRatio := 0.0
		if current > 0 {
			busyRatio = float64(active) / float64(current)
		}
		pendingRatio := float64(pending) / float64(p.queue.Cap())

		p.stats.storeRatio(&p.stats.busyRatio, busyRatio)
		p.stats.storeRatio(&p.stats.pendingRatio, pendingRatio)

		grow := pendingRatio >= p.cfg.ScaleUpThreshold || pending >= p.cfg.PendingHi
		shrink := pendingRatio <= p.cfg.ScaleDownThreshold &&
			pending <= p.cfg.PendingLow &&
			busyRatio <= p.cfg.ScaleDownThreshold

		switch {
		case grow:
			upHits++
			downHits = 0
		case shrink:
			downHits++
			upHits = 0
		default:
			upHits, downHits = 0, 0
		}

		if !kicked && !lastAction.IsZero() && time.Since(lastAction) < p.cfg.Cooldown {
			continue
		}

		if grow && upHits >= p.cfg.DebounceHits {
			upHits, downHits = 0, 0
			p.workersMu.Lock()
			if p.stats.currentThreads.Load() < int64(p.cfg.MaxThreads) {
				before := p.stats.currentThreads.Load()
				p.createWorkerLocked()
				lastAction = time.Now()
				logs.Info(context.Background(), "Scaled up",
					"from", before,
					"to", p.stats.currentThreads.Load(),
					"pending", pending,
					"busyRatio", busyRatio)
			}
			p.workersMu.Unlock()
			continue
		}

		if shrink && downHits >= p.cfg.DebounceHits {
			upHits, downHits = 0, 0
			p.workersMu.Lock()
			if p.stats.currentThreads.Load() > int64(p.cfg.CoreThreads) {
				for _, slot := range p.workers {
					if slot.idle.Load() && slot.shouldExit.CompareAndSwap(false, true) {
						lastAction = time.Now()
						logs.Info(context.Background(), "Scale-down signalled",
							"workerID", slot.id,
							"pending", pending,
							"busyRatio", busyRatio)
						break
					}
				}
			}
			p.workersMu.Unlock()
		}
	}
}
