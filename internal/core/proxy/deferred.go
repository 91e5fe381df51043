package proxy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/nunosite/edgeproxy/internal/metrics"
)

// DefaultTaskTimeout bounds a deferred task when no timeout is configured.
const DefaultTaskTimeout = 10 * time.Second

// Deferrer schedules work that must finish after the response is sent
// without delaying it.
type Deferrer interface {
	Defer(name string, task func(ctx context.Context))
}

// BackgroundTasks runs deferred work on its own goroutines. Each task gets a
// context detached from the request and bounded by Timeout. Call Wait during
// shutdown so pending work completes.
type BackgroundTasks struct {
	Timeout time.Duration
	Logger  *logging.Logger

	wg      conc.WaitGroup
	pending atomic.Int64
}

// Defer starts task in the background.
func (b *BackgroundTasks) Defer(name string, task func(ctx context.Context)) {
	if task == nil {
		return
	}

	b.pending.Add(1)
	b.wg.Go(func() {
		defer b.pending.Add(-1)

		ctx, cancel := context.WithTimeout(context.Background(), b.timeout())
		defer cancel()

		var catcher panics.Catcher
		catcher.Try(func() { task(ctx) })

		if recovered := catcher.Recovered(); recovered != nil {
			metrics.RecordDeferredTask(name, "panic")
			if b.Logger != nil {
				b.Logger.Error("Deferred task panicked",
					zap.String("task", name),
					zap.String("panic", fmt.Sprint(recovered.Value)),
					zap.String("stack_trace", string(recovered.Stack)))
			}
			return
		}
		metrics.RecordDeferredTask(name, "completed")
	})
}

// Pending returns the number of tasks still running.
func (b *BackgroundTasks) Pending() int64 {
	return b.pending.Load()
}

// Wait blocks until all deferred tasks finish or ctx is done.
func (b *BackgroundTasks) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("deferred tasks still pending (%d): %w", b.Pending(), ctx.Err())
	}
}

func (b *BackgroundTasks) timeout() time.Duration {
	if b.Timeout > 0 {
		return b.Timeout
	}
	return DefaultTaskTimeout
}

// InlineDeferrer runs tasks synchronously on the calling goroutine.
type InlineDeferrer struct{}

// Defer runs task immediately.
func (InlineDeferrer) Defer(name string, task func(ctx context.Context)) {
	if task == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTaskTimeout)
	defer cancel()
	task(ctx)
}
