// Package executor runs exactly one long operation at a time in the background -
// initialize, a base backup, a restart - so the HA engine's tick loop never blocks
// on them. Modeled on Patroni's own async executor: the engine kicks a job off,
// keeps ticking, and checks back in on later ticks instead of waiting synchronously.
package executor

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy is returned by RunAsync when a previous job is still running.
var ErrBusy = errors.New("executor: a task is already running")

// Executor runs at most one func(ctx context.Context) error at a time.
type Executor struct {
	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
	done   chan struct{}
	result error
}

// New returns an idle Executor.
func New() *Executor {
	return &Executor{}
}

// RunAsync starts fn in the background under a context derived from ctx. Returns
// ErrBusy if a previous task has not finished yet. The task's context is derived
// from ctx, so cancelling ctx stops the task early, as does calling Cancel.
func (e *Executor) RunAsync(ctx context.Context, fn func(context.Context) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return ErrBusy
	}

	taskCtx, cancel := context.WithCancel(ctx)
	e.busy = true
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done

	go func() {
		err := fn(taskCtx)
		e.mu.Lock()
		e.result = err
		e.busy = false
		e.mu.Unlock()
		close(done)
	}()
	return nil
}

// Busy reports whether a task is currently running.
func (e *Executor) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// Cancel requests the running task stop. It does not block until it has.
func (e *Executor) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current (or most recently started) task finishes, or ctx is
// cancelled, whichever comes first. Returns the task's error, or ctx.Err() if ctx
// was cancelled first.
func (e *Executor) Wait(ctx context.Context) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.result
	case <-ctx.Done():
		return ctx.Err()
	}
}
