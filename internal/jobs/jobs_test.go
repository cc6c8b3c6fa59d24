package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunOnce_RunsEveryTask(t *testing.T) {
	var first, second atomic.Int32
	s := NewSweeper(time.Hour, nil,
		Task{Name: "failing", Run: func(context.Context) (int64, error) {
			first.Add(1)
			return 0, errors.New("store down")
		}},
		Task{Name: "ok", Run: func(context.Context) (int64, error) {
			second.Add(1)
			return 3, nil
		}},
	)

	s.RunOnce(context.Background())
	require.Equal(t, int32(1), first.Load())
	require.Equal(t, int32(1), second.Load())
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	s := NewSweeper(5*time.Millisecond, nil, Task{Name: "count", Run: func(context.Context) (int64, error) {
		runs.Add(1)
		return 0, nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
