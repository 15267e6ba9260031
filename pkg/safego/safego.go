package safego

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery.
// If the goroutine panics, the panic value is logged and the goroutine exits
// cleanly instead of crashing the process.
//
// Usage:
//
//	safego.Go(logger, "cleanup-loop", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}

// Loop runs fn every interval until ctx is cancelled. Each tick is wrapped in
// panic recovery so one bad run does not kill the loop.
func Loop(ctx context.Context, logger *zap.Logger, name string, interval time.Duration, fn func(ctx context.Context)) {
	Go(logger, name, func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil {
							logger.Error("Loop tick panicked",
								zap.String("goroutine", name),
								zap.Any("panic", r),
							)
						}
					}()
					fn(ctx)
				}()
			}
		}
	})
}
