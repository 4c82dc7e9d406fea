// Package coordinator orchestrates metadata loading: it deduplicates
// in-flight extractions per item, runs batched prefetch, reconciles the
// active scope by cancelling stale jobs and publishes per-item loading state.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mtiwari1/gophermeta/internal/metadata"
	"github.com/mtiwari1/gophermeta/internal/store"
	"github.com/mtiwari1/gophermeta/internal/worker"
)

// BatchSize is the number of extractions one prefetch call runs at a time.
const BatchSize = 5

// ErrClosed is returned by blocking operations after Close.
var ErrClosed = errors.New("coordinator: closed")

// Extractor produces a record for a descriptor at a given depth.
type Extractor interface {
	Extract(ctx context.Context, desc metadata.MediaDescriptor, level metadata.LoadLevel) (*metadata.Record, error)
}

// Snapshot maps item ids to their loading state. Snapshots delivered to
// subscribers are shared and must not be modified.
type Snapshot map[string]metadata.LoadingState

type job struct {
	id      string
	mediaID string
	level   metadata.LoadLevel
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// set before done is closed
	rec *metadata.Record
	err error
}

// Coordinator owns the active-job table and the published state map.
type Coordinator struct {
	store     *store.Store
	extractor Extractor
	pool      *worker.Pool
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards jobs, scopeCancel and closed. It is taken before pubMu.
	mu          sync.Mutex
	jobs        map[string]*job
	scopeCancel context.CancelFunc
	closed      bool
	wg          sync.WaitGroup

	pubMu     sync.Mutex
	published atomic.Pointer[Snapshot]
	subs      map[int]chan Snapshot
	nextSub   int
}

// New wires a coordinator to its store, extractor and execution pool.
func New(st *store.Store, ex Extractor, pool *worker.Pool, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:     st,
		extractor: ex,
		pool:      pool,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*job),
		subs:      make(map[int]chan Snapshot),
	}
	empty := Snapshot{}
	c.published.Store(&empty)
	return c
}

// Request returns the cached record when it already satisfies level.
// Otherwise it makes sure a job is running for the item and returns nil;
// the result arrives through the published state.
func (c *Coordinator) Request(desc metadata.MediaDescriptor, level metadata.LoadLevel) *metadata.Record {
	if rec, ok := c.store.Cached(desc.ID); ok && rec.Satisfies(level) {
		c.publish(desc.ID, metadata.Loaded(rec))
		return rec
	}
	c.ensureJob(c.ctx, desc, level)
	return nil
}

// PreloadHighPriority starts or reuses the job for desc and waits for it.
func (c *Coordinator) PreloadHighPriority(ctx context.Context, desc metadata.MediaDescriptor, level metadata.LoadLevel) (*metadata.Record, error) {
	if rec, ok := c.store.Cached(desc.ID); ok && rec.Satisfies(level) {
		c.publish(desc.ID, metadata.Loaded(rec))
		return rec, nil
	}

	j := c.ensureJob(c.ctx, desc, level)
	for j != nil {
		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if j.err == nil {
			return j.rec, nil
		}
		if j.ctx.Err() == nil {
			return nil, j.err
		}
		// Superseded by a deeper job: take its result or follow it. Any other
		// cancellation ends the wait.
		if rec, ok := c.store.Peek(desc.ID); ok && rec.Satisfies(level) {
			return rec, nil
		}
		next := c.activeJob(desc.ID)
		if next == nil || next == j || next.level < level {
			return nil, j.err
		}
		j = next
	}
	return nil, ErrClosed
}

// PrefetchBatch loads every descriptor whose cached record does not satisfy
// level, BatchSize at a time, waiting for each batch before starting the
// next. Cancelling ctx stops scheduling; jobs already started keep running.
func (c *Coordinator) PrefetchBatch(ctx context.Context, descs []metadata.MediaDescriptor, level metadata.LoadLevel) error {
	pending := make([]metadata.MediaDescriptor, 0, len(descs))
	for _, d := range descs {
		if rec, ok := c.store.Cached(d.ID); ok && rec.Satisfies(level) {
			continue
		}
		pending = append(pending, d)
	}
	if len(pending) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	// Extraction failures are published per item; only cancellation is
	// reported to the caller.
	return worker.RunBatches(ctx, len(pending), BatchSize, func(ctx context.Context, i int) error {
		j := c.ensureJob(ctx, pending[i], level)
		if j == nil {
			return nil
		}
		select {
		case <-j.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// PrefetchActiveScope makes descs the active scope: jobs for items outside
// it are cancelled before it returns from its first step, a previous scope
// prefetch stops scheduling, and every descriptor except focusedID is
// prefetched.
func (c *Coordinator) PrefetchActiveScope(ctx context.Context, descs []metadata.MediaDescriptor, focusedID string, level metadata.LoadLevel) error {
	active := make(map[string]struct{}, len(descs))
	rest := make([]metadata.MediaDescriptor, 0, len(descs))
	for _, d := range descs {
		active[d.ID] = struct{}{}
		if d.ID != focusedID {
			rest = append(rest, d)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.scopeCancel != nil {
		c.scopeCancel()
	}
	c.scopeCancel = cancel
	cancelled := 0
	for id, j := range c.jobs {
		if _, ok := active[id]; ok {
			continue
		}
		j.cancel()
		delete(c.jobs, id)
		cancelled++
	}
	c.mu.Unlock()

	if cancelled > 0 {
		c.logger.Debug("active scope changed",
			slog.Int("scope", len(active)),
			slog.Int("cancelled", cancelled),
		)
	}
	return c.PrefetchBatch(ctx, rest, level)
}

// CancelAll cancels every active job. Published state is left as is.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, j := range c.jobs {
		j.cancel()
		delete(c.jobs, id)
	}
}

// ClearCache empties both cache tiers and resets the published state.
func (c *Coordinator) ClearCache(ctx context.Context) {
	c.store.Clear(ctx)
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.replace(Snapshot{})
}

// ClearMemoryCache empties the fast tier only.
func (c *Coordinator) ClearMemoryCache() {
	c.store.ClearMemory()
}

// Invalidate drops everything known about id: its job, both cache tiers and
// its loaded state, which becomes NotLoaded.
func (c *Coordinator) Invalidate(ctx context.Context, id string) {
	c.mu.Lock()
	if j, ok := c.jobs[id]; ok {
		j.cancel()
		delete(c.jobs, id)
	}
	c.mu.Unlock()

	c.store.Remove(ctx, id)
	c.publish(id, metadata.NotLoaded())
}

func (c *Coordinator) Stats() metadata.CacheStats {
	return c.store.Stats()
}

// ActiveJobs returns the number of registered jobs.
func (c *Coordinator) ActiveJobs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// State returns the published state of id, NotLoaded if none.
func (c *Coordinator) State(id string) metadata.LoadingState {
	if st, ok := (*c.published.Load())[id]; ok {
		return st
	}
	return metadata.NotLoaded()
}

// Snapshot returns a copy of the whole published state.
func (c *Coordinator) Snapshot() Snapshot {
	return maps.Clone(*c.published.Load())
}

// Subscribe returns a channel that receives the current snapshot and then
// every later one. Delivery is conflated: a slow reader only sees the most
// recent snapshot. The returned func unsubscribes and closes the channel.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.pubMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- *c.published.Load()
	c.pubMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.pubMu.Lock()
			defer c.pubMu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

// Close cancels every job and scope prefetch, waits for running jobs to
// return and closes all subscriptions.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	for id, j := range c.jobs {
		j.cancel()
		delete(c.jobs, id)
	}
	if c.scopeCancel != nil {
		c.scopeCancel()
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

func (c *Coordinator) activeJob(id string) *job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs[id]
}

// ensureJob returns the job that will satisfy level for desc, starting one
// if needed. An active job at the same or a deeper level is reused. A
// shallower one is superseded: the new job is registered and started first
// and only then is the old one cancelled, so for a short window both run.
// It returns nil when sched is done or the coordinator is closed.
func (c *Coordinator) ensureJob(sched context.Context, desc metadata.MediaDescriptor, level metadata.LoadLevel) *job {
	c.mu.Lock()
	if c.closed || sched.Err() != nil {
		c.mu.Unlock()
		return nil
	}
	prev := c.jobs[desc.ID]
	if prev != nil && prev.level >= level {
		c.mu.Unlock()
		return prev
	}

	ctx, cancel := context.WithCancel(c.ctx)
	j := &job{
		id:      uuid.NewString(),
		mediaID: desc.ID,
		level:   level,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.jobs[desc.ID] = j
	c.wg.Add(1)
	c.publish(desc.ID, metadata.Loading())
	c.mu.Unlock()

	c.pool.Go(worker.Job{
		Ctx:    ctx,
		ID:     desc.ID,
		Name:   "extract/" + level.String(),
		Run:    func(ctx context.Context) error { return c.run(ctx, j, desc) },
		OnDone: func(err error) { c.finish(j, err) },
	})

	if prev != nil {
		c.logger.Debug("superseding job",
			slog.String("media_id", desc.ID),
			slog.String("job_id", j.id),
			slog.String("previous_job_id", prev.id),
			slog.String("level", level.String()),
		)
		prev.cancel()
	}
	return j
}

// run is the job body. A durable hit that satisfies the level skips
// extraction. A record is never replaced by a shallower one.
func (c *Coordinator) run(ctx context.Context, j *job, desc metadata.MediaDescriptor) error {
	if rec, ok := c.store.Load(ctx, desc.ID); ok && rec.Satisfies(j.level) {
		j.rec = rec
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rec, err := c.extractor.Extract(ctx, desc, j.level)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if cached, ok := c.store.Peek(desc.ID); ok && cached.Level() > rec.Level() {
		j.rec = cached
		return nil
	}
	c.store.Put(desc.ID, rec)
	j.rec = rec
	return nil
}

// finish publishes the outcome if j is still the registered job for its
// item. Cancelled and superseded jobs publish nothing.
func (c *Coordinator) finish(j *job, err error) {
	defer c.wg.Done()

	c.mu.Lock()
	if c.jobs[j.mediaID] == j {
		delete(c.jobs, j.mediaID)
		switch {
		case err == nil:
			c.publish(j.mediaID, metadata.Loaded(j.rec))
		case j.ctx.Err() != nil, errors.Is(err, worker.ErrShutdown):
		default:
			c.publish(j.mediaID, metadata.Failed(err))
		}
	}
	c.mu.Unlock()

	if err != nil {
		j.rec = nil
	}
	j.err = err
	close(j.done)
	j.cancel()
}

// publish replaces the published map with a copy holding state for id.
func (c *Coordinator) publish(id string, state metadata.LoadingState) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	cur := *c.published.Load()
	if prev, ok := cur[id]; ok && prev == state {
		return
	}
	next := make(Snapshot, len(cur)+1)
	maps.Copy(next, cur)
	next[id] = state
	c.replace(next)
}

// replace stores snap and hands it to every subscriber. pubMu must be held.
func (c *Coordinator) replace(snap Snapshot) {
	c.published.Store(&snap)
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
