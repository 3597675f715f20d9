package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWorkerPool(t *testing.T) {
	t.Run("执行所有任务", func(t *testing.T) {
		p := NewWorkerPool(2, 10, nil)
		p.Start(context.Background())

		var n atomic.Int32
		for i := 0; i < 5; i++ {
			require.NoError(t, p.TrySubmit("count", func(context.Context) { n.Add(1) }))
		}
		p.Stop()

		assert.Equal(t, int32(5), n.Load())
	})

	t.Run("捕获 panic 并记录日志", func(t *testing.T) {
		core, logs := observer.New(zap.ErrorLevel)
		p := NewWorkerPool(1, 2, zap.New(core))
		p.Start(context.Background())

		var after atomic.Bool
		require.NoError(t, p.TrySubmit("boom", func(context.Context) { panic("boom") }))
		require.NoError(t, p.TrySubmit("after", func(context.Context) { after.Store(true) }))
		p.Stop()

		assert.True(t, after.Load())
		require.Equal(t, 1, logs.Len())
		assert.Equal(t, "task panicked", logs.All()[0].Message)
	})

	t.Run("队列已满立即返回", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)
		block := make(chan struct{})
		started := make(chan struct{})
		p.Start(context.Background())

		require.NoError(t, p.TrySubmit("block", func(context.Context) {
			close(started)
			<-block
		}))
		<-started
		require.NoError(t, p.TrySubmit("queued", func(context.Context) {}))
		assert.ErrorIs(t, p.TrySubmit("dropped", func(context.Context) {}), ErrQueueFull)

		close(block)
		p.Stop()
	})

	t.Run("停止后拒绝任务", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)
		p.Start(context.Background())
		p.Stop()
		p.Stop()

		assert.ErrorIs(t, p.TrySubmit("late", func(context.Context) {}), ErrPoolClosed)
	})

	t.Run("任务收到池的上下文", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := NewWorkerPool(1, 1, nil)
		p.Start(ctx)

		done := make(chan error, 1)
		require.NoError(t, p.TrySubmit("wait", func(ctx context.Context) {
			<-ctx.Done()
			done <- ctx.Err()
		}))
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("task did not observe cancellation")
		}
		p.Stop()
	})
}
