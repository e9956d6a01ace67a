package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolDrainsOnStop(t *testing.T) {
	p := NewWorkerPool(2, 100)
	p.Start()

	var done int32
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(JobFunc(func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&done, 1)
			return nil
		})))
	}

	p.Stop(0)
	assert.Equal(t, int32(50), atomic.LoadInt32(&done))
	assert.ErrorIs(t, p.Submit(JobFunc(func(context.Context) error { return nil })), ErrStopped)
}

func TestWorkerPoolQueueFull(t *testing.T) {
	p := NewWorkerPool(1, 1)
	// 未启动时任务只入队不执行
	require.NoError(t, p.Submit(JobFunc(func(context.Context) error { return nil })))
	assert.ErrorIs(t, p.Submit(JobFunc(func(context.Context) error { return nil })), ErrQueueFull)
	assert.Equal(t, 1, p.Pending())
	p.Stop(0)
}

func TestWorkerPoolReportsErrors(t *testing.T) {
	p := NewWorkerPool(1, 10)
	errs := make(chan error, 1)
	p.OnError(func(err error) { errs <- err })
	p.Start()

	boom := errors.New("boom")
	require.NoError(t, p.Submit(JobFunc(func(context.Context) error { return boom })))
	p.Stop(time.Second)

	assert.ErrorIs(t, <-errs, boom)
}

func TestStopTimeoutCancelsContext(t *testing.T) {
	p := NewWorkerPool(1, 1)
	p.Start()

	require.NoError(t, p.Submit(JobFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})))

	start := time.Now()
	p.Stop(20 * time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, 20*time.Millisecond)
	defer rl.Stop()

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, rl.Wait(ctx))
	rl.Stop()
}
