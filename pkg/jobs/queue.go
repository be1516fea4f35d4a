package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueClosed is returned by Enqueue once the queue is stopped or was never started.
var ErrQueueClosed = errors.New("queue is not running")

// Handler processes one item.
type Handler[T any] func(context.Context, T) error

// Config configures worker pool behaviour.
type Config struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

type envelope[T any] struct {
	item    T
	attempt int
}

// Queue is a bounded in-memory worker pool with retries.
type Queue[T any] struct {
	name    string
	handler Handler[T]
	cfg     Config
	logger  *zap.Logger

	items  chan envelope[T]
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// New builds a queue. Non-positive settings fall back to defaults.
func New[T any](name string, handler Handler[T], cfg Config) *Queue[T] {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 64
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue[T]{
		name:    name,
		handler: handler,
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("queue", name)),
		items:   make(chan envelope[T], cfg.BufferSize),
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (q *Queue[T]) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.running = true
	q.logger.Info("queue started", zap.Int("workers", q.cfg.Workers))
}

// Stop refuses new items, lets workers drain what is buffered and waits for them.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.items)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
	q.logger.Info("queue stopped")
}

// Enqueue hands item to the pool without blocking. A full buffer is an error.
func (q *Queue[T]) Enqueue(item T) error {
	return q.push(envelope[T]{item: item})
}

func (q *Queue[T]) push(env envelope[T]) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.running {
		return ErrQueueClosed
	}
	select {
	case q.items <- env:
		return nil
	default:
		return fmt.Errorf("queue %s is full", q.name)
	}
}

func (q *Queue[T]) worker() {
	defer q.wg.Done()
	for env := range q.items {
		q.process(env)
	}
}

// process runs the handler, retrying in place so Stop still drains everything.
func (q *Queue[T]) process(env envelope[T]) {
	for {
		err := q.handler(q.ctx, env.item)
		if err == nil {
			return
		}
		env.attempt++
		if env.attempt > q.cfg.MaxRetries {
			q.logger.Error("item dropped after retries", zap.Int("attempts", env.attempt), zap.Error(err))
			return
		}
		q.logger.Warn("item failed, retrying", zap.Int("attempt", env.attempt), zap.Error(err))

		timer := time.NewTimer(q.cfg.RetryDelay)
		select {
		case <-q.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
