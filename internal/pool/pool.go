package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("任务队列已满")
	ErrStopped   = errors.New("工作池已停止")
)

// Job 工作任务接口
type Job interface {
	Execute(ctx context.Context) error
}

// JobFunc 函数形式的任务
type JobFunc func(ctx context.Context) error

func (f JobFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// WorkerPool 固定数量的工作者消费有界队列。
// Stop 后不再接收任务，已入队的任务执行完毕才返回。
type WorkerPool struct {
	workers  int
	jobQueue chan Job
	ctx      context.Context
	cancel   context.CancelFunc
	onError  func(error)

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewWorkerPool 创建新的工作池
func NewWorkerPool(workers int, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		workers:  workers,
		jobQueue: make(chan Job, queueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnError 设置任务返回错误时的回调，需在 Start 前调用
func (p *WorkerPool) OnError(fn func(error)) {
	p.onError = fn
}

// Start 启动工作池
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for job := range p.jobQueue {
		if err := job.Execute(p.ctx); err != nil && p.onError != nil {
			p.onError(err)
		}
	}
}

// Submit 提交任务；队列满或已停止时返回错误，调用方决定如何兜底
func (p *WorkerPool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobQueue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending 队列中尚未开始的任务数
func (p *WorkerPool) Pending() int {
	return len(p.jobQueue)
}

// Stop 停止接收任务并等待队列清空。timeout 到期后取消任务上下文
func (p *WorkerPool) Stop(timeout time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	close(p.jobQueue)
	p.mu.Unlock()

	if !started {
		p.cancel()
		return
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if timeout > 0 {
		select {
		case <-done:
		case <-time.After(timeout):
			p.cancel()
			<-done
		}
	} else {
		<-done
	}
	p.cancel()
}

// RateLimiter 速率限制器
type RateLimiter struct {
	tokens   chan struct{}
	interval time.Duration
	quit     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter 创建速率限制器
func NewRateLimiter(rate int, interval time.Duration) *RateLimiter {
	rl := &RateLimiter{
		tokens:   make(chan struct{}, rate),
		interval: interval,
		quit:     make(chan struct{}),
	}

	// 填充初始令牌
	for i := 0; i < rate; i++ {
		rl.tokens <- struct{}{}
	}

	go rl.refill(rate)

	return rl
}

// Allow 检查是否允许执行
func (rl *RateLimiter) Allow() bool {
	select {
	case <-rl.tokens:
		return true
	default:
		return false
	}
}

// Wait 等待直到可以执行
func (rl *RateLimiter) Wait(ctx context.Context) error {
	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refill 补充令牌
func (rl *RateLimiter) refill(rate int) {
	ticker := time.NewTicker(rl.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for i := 0; i < rate; i++ {
				select {
				case rl.tokens <- struct{}{}:
				default:
					// 令牌桶已满
				}
			}
		case <-rl.quit:
			return
		}
	}
}

// Stop 停止速率限制器
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.quit) })
}
