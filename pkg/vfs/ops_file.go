package vfs

import (
	"context"
	"errors"
	"time"

	"github.com/driftfs/driftfs/internal/logger"
	"github.com/driftfs/driftfs/pkg/cache"
	"github.com/driftfs/driftfs/pkg/metadata"
	"github.com/driftfs/driftfs/pkg/syncer"
)

// Create makes a new empty regular file and returns a read-write handle on
// it. Fails with ErrAlreadyExists if the path is occupied.
func (fs *FileSystem) Create(ctx context.Context, path string, mode uint32, creds Creds) (*Handle, error) {
	if err := fs.checkOpen(); err != nil {
		return nil, err
	}

	entry, err := fs.meta.Create(ctx, &metadata.FileEntry{
		Path: path,
		Mode: mode,
		UID:  creds.UID,
		GID:  creds.GID,
		Sync: metadata.SyncUnsynced,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Created %s (id %d)", entry.Path, entry.ID)
	return fs.newHandle(entry, OpenFlags{Read: true, Write: true}), nil
}

// Open opens an existing regular file, checking the entry's mode bits
// against the caller. A truncating open drops the file's content binding
// immediately.
func (fs *FileSystem) Open(ctx context.Context, path string, flags OpenFlags, creds Creds) (*Handle, error) {
	if err := fs.checkOpen(); err != nil {
		return nil, err
	}

	entry, err := fs.meta.LookupPath(ctx, path)
	if err != nil {
		return nil, err
	}
	if entry.Dir {
		return nil, metadata.NewError(metadata.ErrIsDirectory, "cannot open a directory as a file", entry.Path)
	}

	wantWrite := flags.Write || flags.Truncate
	if !canAccess(entry, creds, flags.Read, wantWrite) {
		return nil, metadata.NewError(metadata.ErrPermissionDenied, "mode bits forbid the access", entry.Path)
	}

	if flags.Truncate {
		if err := fs.truncateEntry(ctx, entry.ID, 0); err != nil {
			return nil, err
		}
	}

	return fs.newHandle(entry, flags), nil
}

func (fs *FileSystem) newHandle(entry *metadata.FileEntry, flags OpenFlags) *Handle {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.nextHandle++
	h := &Handle{
		id:     fs.nextHandle,
		fileID: entry.ID,
		path:   entry.Path,
		flags:  flags,
	}
	fs.handles[h.id] = h
	return h
}

// Read returns up to size bytes starting at offset. Reads past the end of
// the file return a short (possibly empty) slice.
//
// A handle with buffered writes reads its own buffer; otherwise the read
// resolves through the entry's current content hash, cache first. Other
// handles' unflushed buffers are never visible.
func (fs *FileSystem) Read(ctx context.Context, h *Handle, offset uint64, size int) ([]byte, error) {
	if err := fs.checkOpen(); err != nil {
		return nil, err
	}
	if !h.flags.Read {
		return nil, metadata.NewError(metadata.ErrPermissionDenied, "handle not open for reading", h.path)
	}

	unlock := fs.locks.acquire(h.fileID)
	defer unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	var data []byte
	if h.dirty {
		data = h.buf
	} else {
		entry, err := fs.meta.GetEntry(ctx, h.fileID)
		if err != nil {
			return nil, err
		}
		data, err = fs.loadContent(ctx, entry)
		if err != nil {
			return nil, err
		}
	}

	if offset >= uint64(len(data)) {
		return []byte{}, nil
	}
	end := offset + uint64(size)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}

	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out, nil
}

// loadContent fetches an entry's full content, cache first. The returned
// slice is private to the caller.
func (fs *FileSystem) loadContent(ctx context.Context, entry *metadata.FileEntry) ([]byte, error) {
	if entry.ContentHash == "" {
		return []byte{}, nil
	}

	key := hashKey(entry.ContentHash)
	if fs.cache != nil {
		if cached, ok := fs.cache.Get(key); ok {
			out := make([]byte, len(cached))
			copy(out, cached)
			fs.cache.Unpin(key)
			return out, nil
		}
	}

	data, err := fs.blobs.Get(ctx, entry.ContentHash)
	if err != nil {
		return nil, err
	}

	if fs.cache != nil {
		if err := fs.cache.Put(key, data, cache.PutOptions{}); err != nil {
			// A clean insert only fails when evicting someone else's dirty
			// buffer failed; the read itself is fine.
			logger.Warn("Failed to cache content %s: %v", entry.ContentHash, err)
		}
	}
	return data, nil
}

// Write buffers data at offset in the handle's private full-content
// buffer. Nothing is visible to other readers until Flush or Release
// commits the buffer.
func (fs *FileSystem) Write(ctx context.Context, h *Handle, offset uint64, data []byte) (int, error) {
	if err := fs.checkOpen(); err != nil {
		return 0, err
	}
	if !h.flags.Write {
		return 0, metadata.NewError(metadata.ErrPermissionDenied, "handle not open for writing", h.path)
	}

	unlock := fs.locks.acquire(h.fileID)
	defer unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	// First write materializes the buffer from the current content.
	if h.buf == nil && !h.dirty {
		entry, err := fs.meta.GetEntry(ctx, h.fileID)
		if err != nil && !h.orphaned {
			return 0, err
		}
		if err == nil {
			h.buf, err = fs.loadContent(ctx, entry)
			if err != nil {
				return 0, err
			}
		} else {
			h.buf = []byte{}
		}
	}

	end := offset + uint64(len(data))
	if end > uint64(len(h.buf)) {
		grown := make([]byte, end)
		copy(grown, h.buf)
		h.buf = grown
	}
	copy(h.buf[offset:end], data)
	h.dirty = true
	h.gen++

	if fs.cache != nil && !h.orphaned {
		// The cache gets its own snapshot of the buffer: an eviction may
		// flush it while this handle keeps writing, so the two must not
		// share bytes.
		snap := make([]byte, len(h.buf))
		copy(snap, h.buf)
		err := fs.cache.Put(handleKey(h.id), snap, cache.PutOptions{
			Dirty: true,
			Flush: fs.evictionFlush(h, h.gen),
		})
		if err != nil {
			return 0, err
		}
	}
	return len(data), nil
}

// evictionFlush builds the closure the cache runs when it must evict this
// handle's dirty buffer. It commits the snapshot the cache owns without
// taking the handle mutex, which may be held by the very goroutine whose
// insert triggered the eviction. The handle stays dirty and commits again
// at its own flush; the generation guard keeps the two commits ordered.
func (fs *FileSystem) evictionFlush(h *Handle, gen uint64) cache.FlushFunc {
	return func(key string, data []byte) error {
		return fs.commitSnapshot(context.Background(), h, gen, data)
	}
}

// commitSnapshot persists an eviction snapshot of a handle's buffer,
// unless a newer generation of the buffer has already been committed.
func (fs *FileSystem) commitSnapshot(ctx context.Context, h *Handle, gen uint64, data []byte) error {
	h.commitMu.Lock()
	defer h.commitMu.Unlock()

	if gen <= h.committedGen {
		return nil
	}
	_, err := fs.commitContent(ctx, h.fileID, data)
	if metadata.IsCode(err, metadata.ErrNotFound) {
		// Unlinked while the snapshot waited; nothing left to persist.
		return nil
	}
	if err != nil {
		return err
	}
	h.committedGen = gen
	return nil
}

// Flush commits the handle's buffered writes: hash, store, metadata
// commit, cache update, sync enqueue. No-op for clean handles.
func (fs *FileSystem) Flush(ctx context.Context, h *Handle) error {
	if err := fs.checkOpen(); err != nil {
		return err
	}

	unlock := fs.locks.acquire(h.fileID)
	defer unlock()

	return fs.flushLocked(ctx, h)
}

func (fs *FileSystem) flushLocked(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty || h.orphaned {
		return nil
	}

	// Drop the cached snapshot first so the commit below cannot pick this
	// handle's own entry as an eviction victim mid-flush.
	if fs.cache != nil {
		fs.cache.Discard(handleKey(h.id))
	}

	h.commitMu.Lock()
	var err error
	if h.gen > h.committedGen {
		if _, err = fs.commitContent(ctx, h.fileID, h.buf); err == nil {
			h.committedGen = h.gen
		}
	}
	h.commitMu.Unlock()
	if err != nil {
		return err
	}

	h.dirty = false
	h.buf = nil
	return nil
}

// Release flushes and closes the handle. The handle must not be used
// afterwards.
func (fs *FileSystem) Release(ctx context.Context, h *Handle) error {
	fs.mu.Lock()
	delete(fs.handles, h.id)
	fs.mu.Unlock()

	return fs.releaseHandle(ctx, h)
}

func (fs *FileSystem) releaseHandle(ctx context.Context, h *Handle) error {
	unlock := fs.locks.acquire(h.fileID)
	defer unlock()

	err := fs.flushLocked(ctx, h)

	h.mu.Lock()
	if fs.cache != nil {
		fs.cache.Discard(handleKey(h.id))
	}
	h.buf = nil
	h.dirty = false
	h.mu.Unlock()

	return err
}

// commitContent is the write pipeline's core: store the bytes as a blob,
// bind the entry to the new hash atomically, then update the cache and
// hand the entry to the sync coordinator. A metadata failure rolls the new
// blob reference back, so a failed commit leaves every artifact as it was.
func (fs *FileSystem) commitContent(ctx context.Context, fileID metadata.FileID, data []byte) (*metadata.FileEntry, error) {
	hash, err := fs.blobs.Put(ctx, data)
	if err != nil {
		return nil, err
	}

	var oldHash metadata.ContentHash
	entry, err := fs.meta.Update(ctx, fileID, func(e *metadata.FileEntry) error {
		if e.Dir {
			return metadata.NewError(metadata.ErrIsDirectory, "cannot write to a directory", e.Path)
		}
		oldHash = e.ContentHash
		e.ContentHash = hash
		e.Size = uint64(len(data))
		e.Mtime = time.Now()
		e.Sync = metadata.SyncUnsynced
		return nil
	})
	if err != nil {
		// Roll back: the blob reference taken by Put must not outlive the
		// failed commit.
		if rerr := fs.blobs.Release(ctx, hash); rerr != nil {
			logger.Error("Rollback of blob %s failed: %v", hash, rerr)
		}
		return nil, err
	}

	if fs.cache != nil {
		if cerr := fs.cache.Put(hashKey(hash), data, cache.PutOptions{}); cerr != nil {
			logger.Warn("Failed to cache committed content %s: %v", hash, cerr)
		}
	}

	if fs.sync != nil {
		if _, serr := fs.sync.Enqueue(entry); serr != nil && !errors.Is(serr, syncer.ErrStopped) {
			logger.Warn("Failed to enqueue sync for %s: %v", entry.Path, serr)
		}
	}

	fs.dereference(ctx, oldHash)
	return entry, nil
}

// dereference drops one reference to a hash and invalidates its cache
// entry once nothing references it. Safe for the empty hash.
func (fs *FileSystem) dereference(ctx context.Context, hash metadata.ContentHash) {
	if hash == "" {
		return
	}
	if err := fs.blobs.Release(ctx, hash); err != nil {
		logger.Warn("Failed to release blob %s: %v", hash, err)
		return
	}
	if fs.cache != nil && fs.blobs.Refcount(hash) == 0 {
		if err := fs.cache.Remove(hashKey(hash)); err != nil {
			logger.Warn("Failed to invalidate cache for %s: %v", hash, err)
		}
	}
}

// Truncate resizes the file at path. Truncating to zero drops the content
// binding entirely; any other size rewrites the content through the normal
// commit pipeline.
func (fs *FileSystem) Truncate(ctx context.Context, path string, size uint64) error {
	if err := fs.checkOpen(); err != nil {
		return err
	}

	entry, unlock, err := fs.lockByPath(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	if entry.Dir {
		return metadata.NewError(metadata.ErrIsDirectory, "cannot truncate a directory", entry.Path)
	}
	return fs.truncateEntry(ctx, entry.ID, size)
}

func (fs *FileSystem) truncateEntry(ctx context.Context, fileID metadata.FileID, size uint64) error {
	if size == 0 {
		var oldHash metadata.ContentHash
		_, err := fs.meta.Update(ctx, fileID, func(e *metadata.FileEntry) error {
			if e.Dir {
				return metadata.NewError(metadata.ErrIsDirectory, "cannot truncate a directory", e.Path)
			}
			oldHash = e.ContentHash
			e.ContentHash = ""
			e.Size = 0
			e.Mtime = time.Now()
			e.Sync = metadata.SyncUnsynced
			return nil
		})
		if err != nil {
			return err
		}
		fs.dereference(ctx, oldHash)
		return nil
	}

	entry, err := fs.meta.GetEntry(ctx, fileID)
	if err != nil {
		return err
	}
	data, err := fs.loadContent(ctx, entry)
	if err != nil {
		return err
	}

	if size <= uint64(len(data)) {
		data = data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, data)
		data = grown
	}

	_, err = fs.commitContent(ctx, fileID, data)
	return err
}

// lockByPath resolves a path to its entry and acquires that file's lock,
// re-verifying the binding afterwards in case a concurrent rename or
// unlink won the race between lookup and lock.
func (fs *FileSystem) lockByPath(ctx context.Context, path string) (*metadata.FileEntry, func(), error) {
	for {
		entry, err := fs.meta.LookupPath(ctx, path)
		if err != nil {
			return nil, nil, err
		}

		unlock := fs.locks.acquire(entry.ID)

		current, err := fs.meta.LookupPath(ctx, path)
		if err == nil && current.ID == entry.ID {
			return current, unlock, nil
		}
		unlock()
		if err != nil {
			return nil, nil, err
		}
		// The path now maps to a different entry; retry against it.
	}
}
