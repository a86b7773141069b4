package pool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestWorkerPool(t *testing.T) {
	t.Run("Stop 等待所有任务完成", func(t *testing.T) {
		p := NewWorkerPool(2, 10, zap.NewNop())
		p.Start(context.Background())

		var done atomic.Int32
		for i := 0; i < 10; i++ {
			assert.True(t, p.TrySubmit(func() { done.Add(1) }))
		}
		p.Stop()

		assert.Equal(t, int32(10), done.Load())
	})

	t.Run("队列满时拒绝任务", func(t *testing.T) {
		// 不启动 worker，队列只能容纳一个任务
		p := NewWorkerPool(1, 1, zap.NewNop())

		assert.True(t, p.TrySubmit(func() {}))
		assert.False(t, p.TrySubmit(func() {}))
	})

	t.Run("停止后拒绝任务", func(t *testing.T) {
		p := NewWorkerPool(1, 1, zap.NewNop())
		p.Start(context.Background())
		p.Stop()
		p.Stop()

		assert.False(t, p.TrySubmit(func() {}))
	})

	t.Run("任务 panic 不影响后续任务", func(t *testing.T) {
		p := NewWorkerPool(1, 2, zap.NewNop())
		p.Start(context.Background())

		var done atomic.Bool
		assert.True(t, p.TrySubmit(func() { panic("boom") }))
		assert.True(t, p.TrySubmit(func() { done.Store(true) }))
		p.Stop()

		assert.True(t, done.Load())
	})
}
