package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	goerrors "github.com/go-errors/errors"
)

// PoolMetrics tracks execution pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("execution pool is shut down")

// WorkerPool bounds how many executions run at once.
type WorkerPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	active, completed, failed, panics atomic.Int64

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewWorkerPool creates a pool running at most size jobs concurrently.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Submit runs fn on a pool slot. It blocks while the pool is full and gives
// up when ctx is done or the pool shuts down. fn receives runCtx, which is
// not tied to ctx so a run outlives the request that started it.
func (p *WorkerPool) Submit(ctx, runCtx context.Context, fn func(ctx context.Context) error) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	go func() {
		_ = p.run(runCtx, fn)
	}()
	return nil
}

// Do runs fn on a pool slot and waits for it.
func (p *WorkerPool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	return p.run(ctx, fn)
}

func (p *WorkerPool) acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			wrapped := goerrors.Wrap(r, 2)
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.ErrorContext(ctx, "execution panicked",
				slog.Any("panic", r),
				slog.String("stack", string(wrapped.Stack())))
			err = wrapped
		} else if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		p.active.Add(-1)
		<-p.sem
		p.wg.Done()
	}()
	return fn(ctx)
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new work and waits for running work to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
