package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolClosed 协程池已停止
var ErrPoolClosed = errors.New("worker pool stopped")

// ErrQueueFull 任务队列已满
var ErrQueueFull = errors.New("worker pool queue full")

// Task 池中执行的任务，ctx 在池停止时取消
type Task func(ctx context.Context)

type job struct {
	name string
	run  Task
}

// WorkerPool 协程池
//
// 用于执行命令处理后的异步副作用（例如保存凭证后的首次轮询），
// 限制并发协程数量
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan job
	logger     *zap.Logger

	mu     sync.RWMutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
func NewWorkerPool(maxWorkers, queueSize int, logger *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan job, queueSize),
		logger:     logger,
	}
}

// Start 启动协程池
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// TrySubmit 尝试提交任务
//
// 队列已满时立即返回 ErrQueueFull，从不阻塞调用方
func (p *WorkerPool) TrySubmit(name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.taskQueue <- job{name: name, run: task}:
		return nil
	default:
		p.logger.Warn("worker pool queue full, task dropped", zap.String("task", name))
		return ErrQueueFull
	}
}

// Stop 停止接收任务，等待已排队的任务执行完毕
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
}

// worker 工作协程
func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for j := range p.taskQueue {
		p.execute(j)
	}
}

// execute 执行任务（捕获 panic）
func (p *WorkerPool) execute(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				zap.String("task", j.name),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	p.mu.RLock()
	ctx := p.ctx
	p.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	j.run(ctx)
}
