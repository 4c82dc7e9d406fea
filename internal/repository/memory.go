package repository

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRepo is a process-local Repository. It does not survive restarts
// and backs the "memory" durable backend and tests.
type MemoryRepo struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{entries: make(map[string][]byte)}
}

func (r *MemoryRepo) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	payload, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("memory get %s: %w", id, ErrNotFound)
	}
	return append([]byte(nil), payload...), nil
}

func (r *MemoryRepo) Put(ctx context.Context, id string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = append([]byte(nil), payload...)
	return nil
}

func (r *MemoryRepo) Delete(_ context.Context, ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.entries, id)
	}
	return nil
}

func (r *MemoryRepo) Clear(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string][]byte)
	return nil
}

func (r *MemoryRepo) Count(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.entries)), nil
}

// Sample relies on Go's randomized map iteration order.
func (r *MemoryRepo) Sample(_ context.Context, n int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, n)
	for id := range r.entries {
		if len(ids) == n {
			break
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *MemoryRepo) Close() error { return nil }
