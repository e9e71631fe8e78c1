// Package worker runs fire-and-forget jobs (stream reconciliation, billing
// for disconnected clients) on a bounded pool that drains on shutdown.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("worker queue is full")
	ErrStopped   = errors.New("worker pool is stopped")
)

type Job struct {
	ID        string
	Name      string
	Run       func(ctx context.Context) error
	CreatedAt time.Time
}

type Pool struct {
	jobs    chan *Job
	workers int
	logger  *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewPool(workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		jobs:    make(chan *Job, queueSize),
		workers: workers,
		logger:  logger,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
}

// Enqueue never blocks. A full queue is reported to the caller, which owns
// the decision of what to do with the job.
func (p *Pool) Enqueue(job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(job *Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked",
				zap.String("job_id", job.ID),
				zap.String("job", job.Name),
				zap.Any("panic", r),
			)
		}
	}()

	// jobs outlive the request that queued them
	if err := job.Run(context.Background()); err != nil {
		p.logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("job", job.Name),
			zap.Duration("queued_for", time.Since(job.CreatedAt)),
			zap.Error(err),
		)
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish, or for
// ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out", zap.Int("pending", len(p.jobs)))
		return ctx.Err()
	}
}
