package dynpool

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/go-dynpool/dynpool/logs"
)

// Option configures a Pool at construction.
type Option func(*Pool)

// WithLogLevel sets the level used when this pool initializes the
// package logger.
func WithLogLevel(level logs.Level) Option {
	return func(p *Pool) {
		p.logLevel = level
	}
}

// WithLogger installs a logger, replacing the package default.
func WithLogger(logger logs.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			logs.Log = logger
		}
	}
}

// WithContext sets the base context for the pool. Cancelling it ends the
// rate-limit wait of submissions in flight early; those submissions still
// go on to the normal state and policy checks. The pool's own lifecycle
// still runs through Stop.
func WithContext(ctx context.Context) Option {
	return func(p *Pool) {
		if ctx != nil {
			p.baseCtx = ctx
		}
	}
}

// WithRateLimit caps task submissions at rps per second.
func WithRateLimit(rps float64) Option {
	return func(p *Pool) {
		p.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithPanicHandler installs a callback invoked with the recovered value
// and stack trace of any task panic, after the pool has recorded the
// failure.
func WithPanicHandler(handler func(recovered any, stackTrace string)) Option {
	return func(p *Pool) {
		p.panicHandler = handler
	}
}
