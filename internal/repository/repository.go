// Package repository implements durable key/value backends for serialized
// metadata records. Backends know nothing about the record format.
package repository

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entry exists for the id.
var ErrNotFound = errors.New("repository: entry not found")

// Repository is a small, focused interface for the durable cache tier.
// Implementations must honour the supplied context for cancellation and timeouts.
type Repository interface {
	// Get returns the stored payload, or ErrNotFound.
	Get(ctx context.Context, id string) ([]byte, error)

	// Put inserts or replaces the payload for id.
	Put(ctx context.Context, id string, payload []byte) error

	// Delete removes the given ids. Missing ids are ignored.
	Delete(ctx context.Context, ids ...string) error

	// Clear removes every entry in the namespace.
	Clear(ctx context.Context) error

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int64, error)

	// Sample returns up to n stored ids in no particular order.
	Sample(ctx context.Context, n int) ([]string, error)

	// Close releases backend resources owned by the repository.
	Close() error
}
