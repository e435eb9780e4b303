package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAsync_RejectsWhileBusy(t *testing.T) {
	e := New()
	started := make(chan struct{})
	release := make(chan struct{})

	err := e.RunAsync(context.Background(), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)

	<-started
	assert.True(t, e.Busy())

	err = e.RunAsync(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, e.Wait(context.Background()))
	assert.False(t, e.Busy())
}

func TestRunAsync_PropagatesTaskError(t *testing.T) {
	e := New()
	wantErr := errors.New("boom")

	require.NoError(t, e.RunAsync(context.Background(), func(ctx context.Context) error {
		return wantErr
	}))

	err := e.Wait(context.Background())
	assert.ErrorIs(t, err, wantErr)
}

func TestCancel_StopsRunningTask(t *testing.T) {
	e := New()
	started := make(chan struct{})

	require.NoError(t, e.RunAsync(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	<-started
	e.Cancel()

	err := e.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

// RunAsync's task context is derived from whatever ctx is passed in, so a caller
// that schedules long-running work must pass a context decoupled from its own
// short-lived scope (context.Background(), typically) rather than one it is about
// to cancel - see ha.decideBootstrap/decideClone and
// TestDecideBootstrap_SurvivesTickScopedContextCancellation in package ha for the
// end-to-end regression test of that call-site contract.
func TestRunAsync_TaskContextIsDerivedFromGivenContext(t *testing.T) {
	e := New()
	ctx, cancel := context.WithCancel(context.Background())

	taskCtxErr := make(chan error, 1)
	require.NoError(t, e.RunAsync(ctx, func(taskCtx context.Context) error {
		<-taskCtx.Done()
		taskCtxErr <- taskCtx.Err()
		return taskCtx.Err()
	}))

	cancel()

	select {
	case err := <-taskCtxErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled when the given context was")
	}
}

func TestWait_RespectsCallerContext(t *testing.T) {
	e := New()
	require.NoError(t, e.RunAsync(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Hour):
			return nil
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := e.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	e.Cancel()
}
