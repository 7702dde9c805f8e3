// Package storage defines the ordered key-value contract the coordination
// core persists through. Backends must provide read-after-write consistency;
// everything else (locking, indexes, sessions) is layered on top by the core.
package storage

import (
	"context"
	"errors"
)

// Bucket names used by the core. Backends treat buckets as independent
// ordered keyspaces.
const (
	BucketKV       = "kv"
	BucketSessions = "sessions"
)

var (
	// ErrNotFound indicates the requested key is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against the stored ETag.
	ErrCASMismatch = errors.New("storage: cas mismatch")
)

// Record pairs a stored payload with the opaque ETag backends use for
// conditional writes.
type Record struct {
	Value []byte
	ETag  string
}

// PutOptions controls conditional semantics for Put.
type PutOptions struct {
	// ExpectedETag enables CAS against the stored record. Empty disables.
	ExpectedETag string
	// IfNotExists enforces create-only semantics. Ignored when ExpectedETag
	// is set.
	IfNotExists bool
}

// Backend is the durable seam beneath the coordination core.
type Backend interface {
	// Get returns the record stored under bucket/key.
	Get(ctx context.Context, bucket, key string) (Record, error)
	// Put writes value under bucket/key, applying opts, and returns the new
	// ETag.
	Put(ctx context.Context, bucket, key string, value []byte, opts PutOptions) (string, error)
	// Delete removes bucket/key. With an empty expectedETag, deleting an
	// absent key is not an error.
	Delete(ctx context.Context, bucket, key string, expectedETag string) error
	// List enumerates keys under prefix in ascending lexical order.
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	// Close releases backend resources.
	Close() error
}
