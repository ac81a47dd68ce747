// Package memory provides an in-memory content.BlobStore for tests and
// throwaway mounts.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/driftfs/driftfs/pkg/content"
	"github.com/driftfs/driftfs/pkg/metadata"
)

// MemoryBlobStore implements content.BlobStore with an in-memory map.
//
// Blob bytes are copied on the way in and out, so callers can't mutate
// stored content through a shared slice.
type MemoryBlobStore struct {
	mu     sync.Mutex
	blobs  map[metadata.ContentHash][]byte
	counts map[metadata.ContentHash]int
	closed bool
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		blobs:  make(map[metadata.ContentHash][]byte),
		counts: make(map[metadata.ContentHash]int),
	}
}

// Put stores data and returns its content hash, deduplicating by content.
func (s *MemoryBlobStore) Put(ctx context.Context, data []byte) (metadata.ContentHash, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	hash := content.HashBytes(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", content.ErrStoreClosed
	}

	if _, ok := s.blobs[hash]; !ok {
		stored := make([]byte, len(data))
		copy(stored, data)
		s.blobs[hash] = stored
	}
	s.counts[hash]++
	return hash, nil
}

// Get returns the content of a blob.
func (s *MemoryBlobStore) Get(ctx context.Context, hash metadata.ContentHash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", content.ErrBlobNotFound, hash)
	}
	data := make([]byte, len(stored))
	copy(data, stored)
	return data, nil
}

// Release decrements a blob's reference count, deleting it at zero.
func (s *MemoryBlobStore) Release(ctx context.Context, hash metadata.ContentHash) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.counts[hash]
	if count <= 0 {
		delete(s.counts, hash)
		return nil
	}
	if count == 1 {
		delete(s.counts, hash)
		delete(s.blobs, hash)
		return nil
	}
	s.counts[hash] = count - 1
	return nil
}

// Remove physically deletes a blob, refusing when references remain.
func (s *MemoryBlobStore) Remove(ctx context.Context, hash metadata.ContentHash) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counts[hash] > 0 {
		return fmt.Errorf("blob %s still has %d references", hash, s.counts[hash])
	}
	delete(s.counts, hash)
	delete(s.blobs, hash)
	return nil
}

// Refcount returns the current reference count for a hash.
func (s *MemoryBlobStore) Refcount(hash metadata.ContentHash) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[hash]
}

// SeedRefcounts replaces the reference counts wholesale.
func (s *MemoryBlobStore) SeedRefcounts(counts map[metadata.ContentHash]int) {
	fresh := make(map[metadata.ContentHash]int, len(counts))
	for hash, n := range counts {
		if n > 0 {
			fresh[hash] = n
		}
	}

	s.mu.Lock()
	s.counts = fresh
	s.mu.Unlock()
}

// List returns the hashes of all blobs present.
func (s *MemoryBlobStore) List(ctx context.Context) ([]metadata.ContentHash, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hashes := make([]metadata.ContentHash, 0, len(s.blobs))
	for hash := range s.blobs {
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

// Stats returns storage statistics.
func (s *MemoryBlobStore) Stats(ctx context.Context) (content.StorageStats, error) {
	if err := ctx.Err(); err != nil {
		return content.StorageStats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stats content.StorageStats
	for _, data := range s.blobs {
		stats.Blobs++
		stats.Bytes += uint64(len(data))
	}
	for _, n := range s.counts {
		if n > 0 {
			stats.Referenced++
		}
	}
	return stats, nil
}

// Close marks the store closed and drops all blobs.
func (s *MemoryBlobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.blobs = nil
	s.counts = nil
	return nil
}
