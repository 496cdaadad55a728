package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestPoolExecutesTasksAcrossThreads(t *testing.T) {
	var started, stopped int32
	hooks := Hooks{
		OnThreadStart: func(i int) { atomic.AddInt32(&started, 1) },
		OnThreadStop:  func(i int) { atomic.AddInt32(&stopped, 1) },
	}
	p := NewPool(2, hooks)

	var wg sync.WaitGroup
	var count int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, p.Execute(func() {
			atomic.AddInt32(&count, 1)
			wg.Done()
		}, 0))
	}
	wg.Wait()
	require.Equal(t, int32(20), count)

	p.Stop()
	require.Equal(t, int32(2), started)
	require.Equal(t, int32(2), stopped)
}

func TestPoolDefaultsToTwoThreads(t *testing.T) {
	p := NewPool(0, Hooks{})
	defer p.Stop()
	require.Len(t, p.threads, 2)
}

func TestPoolExecuteWithDelayRunsLater(t *testing.T) {
	p := NewPool(1, Hooks{})
	defer p.Stop()

	done := make(chan struct{})
	start := time.Now()
	require.NoError(t, p.Execute(func() { close(done) }, 30*time.Millisecond))

	<-done
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPoolExecuteReturnsErrPoolFullWhenBacklogSaturated(t *testing.T) {
	p := NewPool(1, Hooks{})
	defer p.Stop()

	block := make(chan struct{})
	// Fill the single thread's running slot plus its whole backlog.
	require.NoError(t, p.Execute(func() { <-block }, 0))
	for i := 0; i < defaultBacklog; i++ {
		_ = p.Execute(func() {}, 0)
	}

	err := p.Execute(func() {}, 0)
	close(block)

	require.Error(t, err)
	var full ErrPoolFull
	require.True(t, errors.As(err, &full))
}

func TestRetryBudgetAllowsWithinWindowThenExhausts(t *testing.T) {
	b := NewRetryBudget(rate.Inf, 1, 20*time.Millisecond)
	require.True(t, b.Allow())

	time.Sleep(30 * time.Millisecond)
	require.False(t, b.Allow())

	b.Reset()
	require.True(t, b.Allow())
}

func TestWaitWithBudgetSucceedsEventually(t *testing.T) {
	b := NewRetryBudget(rate.Inf, 1, time.Second)
	attempts := 0
	err := WaitWithBudget(context.Background(), b, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("would block")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWaitWithBudgetReturnsErrorWhenBudgetExhausted(t *testing.T) {
	b := NewRetryBudget(rate.Inf, 1, 5*time.Millisecond)
	err := WaitWithBudget(context.Background(), b, 2*time.Millisecond, func() error {
		return errors.New("would block")
	})
	require.Error(t, err)
}
