// Package vfs is the operation dispatcher: the single entry point through
// which filesystem operations flow, sequencing the metadata store, blob
// store, cache, and sync coordinator so their contents stay in agreement.
//
// Ordering discipline per write: buffer in memory, then blob, then
// metadata, then cache, then replication. The metadata commit is the
// operation's atomicity point; everything after it is advisory (cache) or
// best-effort (sync), and everything before it rolls back on failure.
//
// Concurrency: operations on the same file serialize through a refcounted
// lock table keyed by file ID; operations on distinct files proceed in
// parallel.
package vfs

import (
	"context"
	"fmt"
	"sync"

	"github.com/driftfs/driftfs/internal/logger"
	"github.com/driftfs/driftfs/pkg/cache"
	"github.com/driftfs/driftfs/pkg/content"
	"github.com/driftfs/driftfs/pkg/metadata"
	"github.com/driftfs/driftfs/pkg/syncer"
)

// Creds identifies the caller for permission checks.
type Creds struct {
	UID uint32
	GID uint32
}

// FileSystem is the per-mount coordination context. All operations go
// through it.
type FileSystem struct {
	meta  metadata.MetadataStore
	blobs content.BlobStore
	cache *cache.LFUCache     // nil when caching is disabled
	sync  *syncer.Coordinator // nil when replication is disabled
	locks *lockTable

	mu         sync.Mutex
	handles    map[HandleID]*Handle
	nextHandle HandleID
	closed     bool
}

// New creates the filesystem context. The cache and coordinator may be nil
// to disable caching or replication; correctness never depends on either.
func New(meta metadata.MetadataStore, blobs content.BlobStore, c *cache.LFUCache, sync *syncer.Coordinator) *FileSystem {
	return &FileSystem{
		meta:    meta,
		blobs:   blobs,
		cache:   c,
		sync:    sync,
		locks:   newLockTable(),
		handles: make(map[HandleID]*Handle),
	}
}

// Reconcile rebuilds the blob store's reference counts from the metadata
// store. Called once at mount time, before any operation is dispatched.
func (fs *FileSystem) Reconcile(ctx context.Context) error {
	counts, err := fs.meta.AllContentHashes(ctx)
	if err != nil {
		return fmt.Errorf("failed to rebuild reference counts: %w", err)
	}
	fs.blobs.SeedRefcounts(counts)
	logger.Info("Reconciled %d referenced content hashes", len(counts))
	return nil
}

// Close flushes every open handle and refuses further operations. Dirty
// buffers that fail to flush are reported, not silently dropped.
func (fs *FileSystem) Close(ctx context.Context) error {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return nil
	}
	fs.closed = true
	open := make([]*Handle, 0, len(fs.handles))
	for _, h := range fs.handles {
		open = append(open, h)
	}
	fs.handles = make(map[HandleID]*Handle)
	fs.mu.Unlock()

	var firstErr error
	for _, h := range open {
		if err := fs.releaseHandle(ctx, h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// errClosed is what every operation returns after Close.
func (fs *FileSystem) checkOpen() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return metadata.NewError(metadata.ErrUnavailable, "filesystem is shut down", "")
	}
	return nil
}

// ============================================================================
// Per-file lock table
// ============================================================================

// lockTable hands out one mutex per live file ID. Entries are refcounted
// and removed when the last holder releases, so the table stays bounded by
// the number of files with in-flight operations.
type lockTable struct {
	mu    sync.Mutex
	locks map[metadata.FileID]*fileLock
}

type fileLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[metadata.FileID]*fileLock)}
}

// acquire blocks until the file's lock is held and returns the release
// function.
func (t *lockTable) acquire(id metadata.FileID) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &fileLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}

// ============================================================================
// Cache key scheme
// ============================================================================

// Clean entries are keyed by content hash: any file whose current content
// is that hash shares the entry. Dirty write buffers are keyed by handle,
// because until flush their bytes belong to that handle alone.

func hashKey(hash metadata.ContentHash) string {
	return "h:" + string(hash)
}

func handleKey(id HandleID) string {
	return fmt.Sprintf("w:%d", id)
}
