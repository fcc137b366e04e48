package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartedLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(WithName("test"))
	l.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.Stop(ctx)
	})
	return l
}

func TestLoop_DispatchRunsInOrder(t *testing.T) {
	l := newStartedLoop(t)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, l.Dispatch(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 4 {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not run")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoop_DispatchIsNeverInline(t *testing.T) {
	l := newStartedLoop(t)

	err := l.Call(context.Background(), func() error {
		ran := false
		require.NoError(t, l.Dispatch(func() { ran = true }))
		if ran {
			return errors.New("dispatch ran inline")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestLoop_OnLoop(t *testing.T) {
	l := newStartedLoop(t)
	assert.False(t, l.OnLoop())

	var onLoop bool
	require.NoError(t, l.Call(context.Background(), func() error {
		onLoop = l.OnLoop()
		return nil
	}))
	assert.True(t, onLoop)
	assert.Panics(t, l.AssertOnLoop)
}

func TestLoop_RunUntilDrainsQueuedTasks(t *testing.T) {
	l := newStartedLoop(t)

	err := l.Call(context.Background(), func() error {
		flag := false
		_ = l.Dispatch(func() { flag = true })
		if !l.RunUntil(func() bool { return flag }, time.Second) {
			return errors.New("condition not reached")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestLoop_RunUntilTimesOut(t *testing.T) {
	l := newStartedLoop(t)

	var satisfied bool
	start := time.Now()
	require.NoError(t, l.Call(context.Background(), func() error {
		satisfied = l.RunUntil(func() bool { return false }, 50*time.Millisecond)
		return nil
	}))
	assert.False(t, satisfied)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLoop_DispatchAfterStop(t *testing.T) {
	l := New()
	l.Start()
	require.NoError(t, l.Stop(context.Background()))

	err := l.Dispatch(func() {})
	assert.True(t, errors.Is(err, domerrors.ErrLoopStopped))
}

func TestLoop_StopDrainsQueue(t *testing.T) {
	l := New()
	l.Start()

	ran := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Dispatch(func() { ran <- struct{}{} }))
	}
	require.NoError(t, l.Stop(context.Background()))
	assert.Len(t, ran, 3)
}
