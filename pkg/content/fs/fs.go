// Package fs provides a filesystem-backed content-addressed blob store.
//
// Blobs live under a root directory, fanned out by the first two hex
// characters of their hash to keep individual directories small:
//
//	<root>/ab/abcdef...123
//
// Writes are atomic (temp file + rename on the same filesystem), so a crash
// never leaves a partial blob visible under its final name. An optional
// Transform encrypts bytes at rest; hashes are always computed over the
// plaintext, so dedup is unaffected.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/driftfs/driftfs/pkg/content"
	"github.com/driftfs/driftfs/pkg/metadata"
)

// FSBlobStore implements content.BlobStore backed by a local directory.
//
// Thread Safety:
// A mutex guards the in-memory refcounts and every presence-then-mutate
// sequence on blob files (dedup probe in Put, delete-at-zero in Release),
// so a concurrent Release cannot delete a blob between another Put's probe
// and its refcount bump. Blob files are immutable once renamed into place,
// so reads need no locking.
type FSBlobStore struct {
	root      string
	transform content.Transform

	mu     sync.Mutex
	counts map[metadata.ContentHash]int
	closed bool
}

// FSBlobStoreConfig contains configuration for creating a filesystem blob
// store.
type FSBlobStoreConfig struct {
	// Root is the directory blobs are stored under. Created if missing.
	Root string `mapstructure:"root"`

	// Transform converts bytes between plaintext and their at-rest form.
	// Nil means store plaintext as-is.
	Transform content.Transform
}

// NewFSBlobStore creates a blob store rooted at the configured directory.
//
// The root (and its temp subdirectory) is created if missing. Reference
// counts start empty; the caller seeds them from the metadata store at
// mount time.
func NewFSBlobStore(config FSBlobStoreConfig) (*FSBlobStore, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("blob store root directory is required")
	}
	if err := os.MkdirAll(filepath.Join(config.Root, "tmp"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob store root %s: %w", config.Root, err)
	}

	transform := config.Transform
	if transform == nil {
		transform = content.NoopTransform{}
	}

	return &FSBlobStore{
		root:      config.Root,
		transform: transform,
		counts:    make(map[metadata.ContentHash]int),
	}, nil
}

// blobPath returns the on-disk path for a hash.
func (s *FSBlobStore) blobPath(hash metadata.ContentHash) string {
	h := string(hash)
	return filepath.Join(s.root, h[:2], h)
}

// Put stores data and returns its content hash, deduplicating by content.
func (s *FSBlobStore) Put(ctx context.Context, data []byte) (metadata.ContentHash, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	hash := content.HashBytes(data)
	path := s.blobPath(hash)

	// Probe, write, and count under one lock: a concurrent Release
	// dropping the last reference must not delete the blob between the
	// dedup probe and the refcount bump.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", content.ErrStoreClosed
	}

	if _, err := os.Stat(path); err == nil {
		// Blob already present: dedup hit, bump the count only.
		s.counts[hash]++
		return hash, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to probe blob %s: %w", hash, err)
	}

	stored, err := s.transform.Encode(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode blob %s: %w", hash, err)
	}

	if err := s.writeAtomic(path, stored); err != nil {
		return "", err
	}

	s.counts[hash]++
	return hash, nil
}

// writeAtomic writes data to a temp file and renames it into place.
func (s *FSBlobStore) writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return mapStorageErr(fmt.Errorf("failed to create fanout directory: %w", err))
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "put-*")
	if err != nil {
		return mapStorageErr(fmt.Errorf("failed to create temp blob: %w", err))
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return mapStorageErr(fmt.Errorf("failed to write blob bytes: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return mapStorageErr(fmt.Errorf("failed to sync blob: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return mapStorageErr(fmt.Errorf("failed to close temp blob: %w", err))
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return mapStorageErr(fmt.Errorf("failed to publish blob: %w", err))
	}
	return nil
}

// mapStorageErr surfaces device-full conditions as ErrStorageFull.
func mapStorageErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", content.ErrStorageFull, err)
	}
	return err
}

// Get returns the plaintext content of a blob, verifying its integrity.
func (s *FSBlobStore) Get(ctx context.Context, hash metadata.ContentHash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !content.ValidHash(hash) {
		return nil, fmt.Errorf("%w: malformed hash %q", content.ErrBlobNotFound, hash)
	}

	stored, err := os.ReadFile(s.blobPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", content.ErrBlobNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", hash, err)
	}

	data, err := s.transform.Decode(stored)
	if err != nil {
		return nil, fmt.Errorf("%w: blob %s failed to decode: %v", content.ErrCorrupt, hash, err)
	}

	// The name is a promise about the bytes; hold it to that.
	if content.HashBytes(data) != hash {
		return nil, fmt.Errorf("%w: blob %s content does not match its hash", content.ErrCorrupt, hash)
	}
	return data, nil
}

// Release decrements a blob's reference count, deleting it at zero.
func (s *FSBlobStore) Release(ctx context.Context, hash metadata.ContentHash) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.counts[hash]
	if count <= 0 {
		// Over-release is a no-op; the GC owns true orphans.
		delete(s.counts, hash)
		return nil
	}
	if count > 1 {
		s.counts[hash] = count - 1
		return nil
	}
	delete(s.counts, hash)

	// Still under the lock: a Put probing this hash must either see the
	// file gone or wait until it is.
	if err := os.Remove(s.blobPath(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove blob %s: %w", hash, err)
	}
	return nil
}

// Remove physically deletes a blob, refusing when references remain.
func (s *FSBlobStore) Remove(ctx context.Context, hash metadata.ContentHash) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counts[hash] > 0 {
		return fmt.Errorf("blob %s still has %d references", hash, s.counts[hash])
	}
	delete(s.counts, hash)

	if err := os.Remove(s.blobPath(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove blob %s: %w", hash, err)
	}
	return nil
}

// Refcount returns the current in-memory reference count for a hash.
func (s *FSBlobStore) Refcount(hash metadata.ContentHash) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[hash]
}

// SeedRefcounts replaces the in-memory reference counts wholesale.
func (s *FSBlobStore) SeedRefcounts(counts map[metadata.ContentHash]int) {
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

// List returns the hashes of all blobs physically present.
func (s *FSBlobStore) List(ctx context.Context) ([]metadata.ContentHash, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var hashes []metadata.ContentHash
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != s.root && filepath.Base(path) == "tmp" {
				return filepath.SkipDir
			}
			return nil
		}
		hash := metadata.ContentHash(strings.ToLower(d.Name()))
		if content.ValidHash(hash) {
			hashes = append(hashes, hash)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan blob store: %w", err)
	}
	return hashes, nil
}

// Stats returns storage statistics.
func (s *FSBlobStore) Stats(ctx context.Context) (content.StorageStats, error) {
	var stats content.StorageStats

	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			if path != s.root && filepath.Base(path) == "tmp" {
				return filepath.SkipDir
			}
			return nil
		}
		if !content.ValidHash(metadata.ContentHash(d.Name())) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		stats.Blobs++
		stats.Bytes += uint64(info.Size())
		return nil
	})
	if err != nil {
		return content.StorageStats{}, fmt.Errorf("failed to scan blob store: %w", err)
	}

	s.mu.Lock()
	for _, n := range s.counts {
		if n > 0 {
			stats.Referenced++
		}
	}
	s.mu.Unlock()

	return stats, nil
}

// Close marks the store closed. Blob files are left in place for the next
// mount.
func (s *FSBlobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
