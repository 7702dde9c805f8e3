// Package memory implements storage.Backend with process-local maps. It is
// the default backend for a single-node server and the workhorse for tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"pkt.systems/coordd/internal/storage"
	"pkt.systems/coordd/internal/uuidv7"
)

// Store implements storage.Backend in-memory.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

type bucket struct {
	records    map[string]record
	sortedKeys []string
	keysDirty  bool
}

type record struct {
	value []byte
	etag  string
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{buckets: make(map[string]*bucket)}
}

// Close satisfies storage.Backend; nothing to release.
func (s *Store) Close() error {
	return nil
}

// Get returns a copy of the record stored under bucket/key.
func (s *Store) Get(_ context.Context, bucketName, key string) (storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucketName]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	rec, ok := b.records[key]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	return storage.Record{
		Value: append([]byte(nil), rec.value...),
		ETag:  rec.etag,
	}, nil
}

// Put writes value under bucket/key, enforcing CAS when requested.
func (s *Store) Put(_ context.Context, bucketName, key string, value []byte, opts storage.PutOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[bucketName]
	if b == nil {
		b = &bucket{records: make(map[string]record), keysDirty: true}
		s.buckets[bucketName] = b
	}
	existing, exists := b.records[key]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			return "", storage.ErrNotFound
		}
		if existing.etag != opts.ExpectedETag {
			return "", storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		return "", storage.ErrCASMismatch
	}
	etag := uuidv7.NewString()
	b.records[key] = record{
		value: append([]byte(nil), value...),
		etag:  etag,
	}
	if !exists {
		b.keysDirty = true
	}
	return etag, nil
}

// Delete removes bucket/key, respecting the expected ETag when present.
func (s *Store) Delete(_ context.Context, bucketName, key string, expectedETag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[bucketName]
	if b == nil {
		if expectedETag != "" {
			return storage.ErrNotFound
		}
		return nil
	}
	rec, exists := b.records[key]
	if expectedETag != "" {
		if !exists {
			return storage.ErrNotFound
		}
		if rec.etag != expectedETag {
			return storage.ErrCASMismatch
		}
	}
	if exists {
		delete(b.records, key)
		b.keysDirty = true
	}
	return nil
}

// List enumerates keys under prefix in ascending lexical order.
func (s *Store) List(_ context.Context, bucketName, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[bucketName]
	if b == nil {
		return nil, nil
	}
	if b.keysDirty {
		b.sortedKeys = b.sortedKeys[:0]
		for key := range b.records {
			b.sortedKeys = append(b.sortedKeys, key)
		}
		sort.Strings(b.sortedKeys)
		b.keysDirty = false
	}
	if prefix == "" {
		return append([]string(nil), b.sortedKeys...), nil
	}
	start := sort.SearchStrings(b.sortedKeys, prefix)
	var keys []string
	for _, key := range b.sortedKeys[start:] {
		if !strings.HasPrefix(key, prefix) {
			break
		}
		keys = append(keys, key)
	}
	return keys, nil
}
