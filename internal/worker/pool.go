// Package worker implements the shared background execution pool for
// metadata jobs. Jobs are isolated: a failing or panicking job never
// cancels its siblings.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrShutdown is reported to OnDone for jobs submitted after Shutdown.
var ErrShutdown = errors.New("worker: pool shut down")

// Job represents one unit of background work.
// Ctx carries cancellation for this job only.
type Job struct {
	Ctx  context.Context
	ID   string
	Name string
	Run  func(ctx context.Context) error
	// OnDone is called exactly once with the outcome, including when the job
	// never ran because its context ended while it waited for a slot.
	OnDone func(err error)
}

// Pool bounds how many jobs run at once across all submitters.
type Pool struct {
	limit   int64
	sem     *semaphore.Weighted
	running atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewPool creates a pool that runs at most limit jobs concurrently.
func NewPool(limit int, logger *slog.Logger) *Pool {
	if limit < 1 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		limit:  int64(limit),
		sem:    semaphore.NewWeighted(int64(limit)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Go starts job in the background. It never blocks; the job waits for a
// slot on its own goroutine. Returns false if the pool is shut down.
func (p *Pool) Go(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		if job.OnDone != nil {
			job.OnDone(ErrShutdown)
		}
		return false
	}
	p.wg.Add(1)
	go p.process(job)
	return true
}

// Running returns the number of jobs currently holding a slot.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Limit returns the concurrency ceiling.
func (p *Pool) Limit() int {
	return int(p.limit)
}

// Shutdown cancels jobs still waiting for a slot and waits for every
// started job to return. Running jobs stop at their own next cancellation
// check. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) process(job Job) {
	defer p.wg.Done()

	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	// Waiting for a slot ends when either the job or the pool is cancelled.
	waitCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-p.ctx.Done():
			stop()
		case <-waitCtx.Done():
		}
	}()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		p.finish(job, fmt.Errorf("job cancelled before processing: %w", err))
		return
	}
	p.running.Add(1)

	start := time.Now()
	p.logger.Debug("processing started",
		slog.String("job", job.Name),
		slog.String("media_id", job.ID),
	)

	err := p.run(ctx, job)
	latency := time.Since(start)

	p.running.Add(-1)
	p.sem.Release(1)

	switch {
	case err != nil && ctx.Err() != nil:
		p.logger.Debug("job cancelled during processing",
			slog.String("job", job.Name),
			slog.String("media_id", job.ID),
			slog.Duration("latency", latency),
		)
	case err != nil:
		p.logger.Warn("processing failed",
			slog.String("job", job.Name),
			slog.String("media_id", job.ID),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()),
		)
	default:
		p.logger.Debug("processing completed",
			slog.String("job", job.Name),
			slog.String("media_id", job.ID),
			slog.Duration("latency", latency),
		)
	}
	p.finish(job, err)
}

func (p *Pool) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}

func (p *Pool) finish(job Job, err error) {
	if job.OnDone != nil {
		job.OnDone(err)
	}
}

// RunBatches calls fn for indexes [0, n) in consecutive batches of size,
// at most size at a time, and waits for a whole batch before starting the
// next. A failing call neither cancels its siblings nor stops later
// batches; the first failure is returned once every batch has run. It stops
// between batches once ctx is done and then returns ctx.Err().
func RunBatches(ctx context.Context, n, size int, fn func(ctx context.Context, i int) error) error {
	if size < 1 {
		size = 1
	}
	var first error
	for start := 0; start < n; start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+size, n)
		var g errgroup.Group
		g.SetLimit(size)
		for i := start; i < end; i++ {
			g.Go(func() error {
				return fn(ctx, i)
			})
		}
		if err := g.Wait(); err != nil && first == nil {
			first = err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return first
}
