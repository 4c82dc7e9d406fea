// Package store implements the two-tier metadata cache: a bounded strict-LRU
// fast tier in memory and a bounded durable tier behind a repository.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mtiwari1/gophermeta/internal/metadata"
	"github.com/mtiwari1/gophermeta/internal/repository"
)

const (
	DefaultFastCapacity    = 500
	DefaultDurableCapacity = 10000

	writeQueueSize = 256
	durableTimeout = 5 * time.Second
)

// Options bounds both tiers. A nil repository disables the durable tier.
type Options struct {
	FastCapacity    int
	DurableCapacity int64
}

type opKind int

const (
	opPut opKind = iota
	opDelete
	opClear
	opBarrier
)

// durableOp is one queued durable-tier mutation. A single writer applies
// ops in order, so a later remove can never be overtaken by an earlier put.
type durableOp struct {
	kind opKind
	id   string
	rec  *metadata.Record
	done chan struct{}
}

// Store knows nothing about extraction or loading state.
type Store struct {
	fast    *lru.Cache[string, *metadata.Record]
	maxSize int

	repo       repository.Repository
	durableCap int64
	// durableCount is approximate: overwrites are counted as inserts until
	// the next recount.
	durableCount atomic.Int64

	hits   atomic.Uint64
	misses atomic.Uint64

	mu     sync.RWMutex
	closed bool
	ops    chan durableOp
	done   chan struct{}

	logger *slog.Logger
}

// New builds a store and, when repo is set, starts its durable writer.
func New(ctx context.Context, repo repository.Repository, opts Options, logger *slog.Logger) (*Store, error) {
	if opts.FastCapacity <= 0 {
		opts.FastCapacity = DefaultFastCapacity
	}
	if opts.DurableCapacity <= 0 {
		opts.DurableCapacity = DefaultDurableCapacity
	}
	fast, err := lru.New[string, *metadata.Record](opts.FastCapacity)
	if err != nil {
		return nil, fmt.Errorf("store: fast tier: %w", err)
	}

	s := &Store{
		fast:       fast,
		maxSize:    opts.FastCapacity,
		repo:       repo,
		durableCap: opts.DurableCapacity,
		logger:     logger,
		done:       make(chan struct{}),
	}
	if repo == nil {
		close(s.done)
		return s, nil
	}

	cctx, cancel := context.WithTimeout(ctx, durableTimeout)
	defer cancel()
	if n, err := repo.Count(cctx); err != nil {
		logger.Warn("durable tier count failed", slog.String("error", err.Error()))
	} else {
		s.durableCount.Store(n)
	}

	s.ops = make(chan durableOp, writeQueueSize)
	go s.writer()
	return s, nil
}

// Cached returns the fast-tier record for id. It never touches the durable
// tier and is safe on the interactive path.
func (s *Store) Cached(id string) (*metadata.Record, bool) {
	rec, ok := s.fast.Get(id)
	if ok {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return rec, ok
}

// Peek returns the fast-tier record without counting or touching recency.
func (s *Store) Peek(id string) (*metadata.Record, bool) {
	return s.fast.Peek(id)
}

// Get checks the fast tier, then the durable tier. A durable hit is copied
// back into the fast tier. Corrupt durable entries are deleted and reported
// as a miss.
func (s *Store) Get(ctx context.Context, id string) (*metadata.Record, bool) {
	if rec, ok := s.Cached(id); ok {
		return rec, true
	}
	return s.loadDurable(ctx, id)
}

// Load is Get for callers that already counted a fast-tier miss through
// Cached: the fast tier is consulted without touching the counters.
func (s *Store) Load(ctx context.Context, id string) (*metadata.Record, bool) {
	if rec, ok := s.fast.Peek(id); ok {
		return rec, true
	}
	return s.loadDurable(ctx, id)
}

func (s *Store) loadDurable(ctx context.Context, id string) (*metadata.Record, bool) {
	if s.repo == nil {
		return nil, false
	}
	payload, err := s.repo.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) && ctx.Err() == nil {
			s.logger.Warn("durable tier read failed",
				slog.String("media_id", id),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	rec, err := decode(payload)
	if err != nil {
		cerr := metadata.NewError(metadata.KindCorrupt, "decode", id, err)
		s.logger.Warn("dropping corrupt durable entry", slog.String("media_id", id), slog.String("error", cerr.Error()))
		s.enqueue(durableOp{kind: opDelete, id: id})
		return nil, false
	}

	s.fast.Add(id, rec)
	return rec, true
}

// Put writes the fast tier synchronously and queues the durable write.
// Durable failures are logged and otherwise ignored.
func (s *Store) Put(id string, rec *metadata.Record) {
	s.fast.Add(id, rec)
	s.enqueue(durableOp{kind: opPut, id: id, rec: rec})
}

// Remove drops id from both tiers and waits for the durable delete.
func (s *Store) Remove(ctx context.Context, id string) {
	s.fast.Remove(id)
	s.enqueueWait(ctx, durableOp{kind: opDelete, id: id})
}

// Clear empties both tiers and waits for the durable clear.
func (s *Store) Clear(ctx context.Context) {
	s.fast.Purge()
	s.enqueueWait(ctx, durableOp{kind: opClear})
}

// ClearMemory empties the fast tier only.
func (s *Store) ClearMemory() {
	s.fast.Purge()
}

// Flush waits until every durable op queued so far has been applied.
func (s *Store) Flush(ctx context.Context) {
	s.enqueueWait(ctx, durableOp{kind: opBarrier})
}

// Stats reports fast-tier counters and the approximate durable entry count.
func (s *Store) Stats() metadata.CacheStats {
	return metadata.CacheStats{
		Hits:           s.hits.Load(),
		Misses:         s.misses.Load(),
		Size:           s.fast.Len(),
		MaxSize:        s.maxSize,
		DurableEntries: s.durableCount.Load(),
	}
}

// Close stops accepting durable ops and waits for queued ones to finish.
func (s *Store) Close() {
	s.mu.Lock()
	if !s.closed && s.ops != nil {
		s.closed = true
		close(s.ops)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *Store) enqueue(op durableOp) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ops == nil || s.closed {
		return false
	}
	s.ops <- op
	return true
}

func (s *Store) enqueueWait(ctx context.Context, op durableOp) {
	op.done = make(chan struct{})
	if !s.enqueue(op) {
		return
	}
	select {
	case <-op.done:
	case <-ctx.Done():
	}
}

func (s *Store) writer() {
	defer close(s.done)
	for op := range s.ops {
		s.apply(op)
		if op.done != nil {
			close(op.done)
		}
	}
}

func (s *Store) apply(op durableOp) {
	ctx, cancel := context.WithTimeout(context.Background(), durableTimeout)
	defer cancel()

	switch op.kind {
	case opPut:
		payload, err := encode(op.rec)
		if err != nil {
			s.logger.Warn("durable encode failed", slog.String("media_id", op.id), slog.String("error", err.Error()))
			return
		}
		if err := s.repo.Put(ctx, op.id, payload); err != nil {
			s.logger.Warn("durable write failed", slog.String("media_id", op.id), slog.String("error", err.Error()))
			return
		}
		if s.durableCount.Add(1) > s.durableCap {
			s.trim(ctx)
		}
	case opDelete:
		if err := s.repo.Delete(ctx, op.id); err != nil {
			s.logger.Warn("durable delete failed", slog.String("media_id", op.id), slog.String("error", err.Error()))
			return
		}
		s.recount(ctx)
	case opClear:
		if err := s.repo.Clear(ctx); err != nil {
			s.logger.Warn("durable clear failed", slog.String("error", err.Error()))
			return
		}
		s.durableCount.Store(0)
	case opBarrier:
	}
}

// trim removes an unordered sample of roughly a tenth of the capacity once
// the exact count confirms the tier is over capacity.
func (s *Store) trim(ctx context.Context) {
	n := s.recount(ctx)
	if n <= s.durableCap {
		return
	}
	batch := int(s.durableCap / 10)
	if batch < 1 {
		batch = 1
	}
	ids, err := s.repo.Sample(ctx, batch)
	if err != nil {
		s.logger.Warn("durable sample failed", slog.String("error", err.Error()))
		return
	}
	if err := s.repo.Delete(ctx, ids...); err != nil {
		s.logger.Warn("durable trim failed", slog.String("error", err.Error()))
		return
	}
	s.durableCount.Add(-int64(len(ids)))
	s.logger.Info("durable tier trimmed",
		slog.Int("removed", len(ids)),
		slog.Int64("entries", s.durableCount.Load()),
		slog.Int64("capacity", s.durableCap),
	)
}

func (s *Store) recount(ctx context.Context) int64 {
	n, err := s.repo.Count(ctx)
	if err != nil {
		s.logger.Warn("durable count failed", slog.String("error", err.Error()))
		return s.durableCount.Load()
	}
	s.durableCount.Store(n)
	return n
}
