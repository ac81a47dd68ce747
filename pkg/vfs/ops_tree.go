package vfs

import (
	"context"
	"errors"
	"time"

	"github.com/driftfs/driftfs/internal/logger"
	"github.com/driftfs/driftfs/pkg/metadata"
	"github.com/driftfs/driftfs/pkg/syncer"
)

// GetAttr returns the entry at path.
func (fs *FileSystem) GetAttr(ctx context.Context, path string) (*metadata.FileEntry, error) {
	if err := fs.checkOpen(); err != nil {
		return nil, err
	}
	return fs.meta.LookupPath(ctx, path)
}

// Chmod changes the permission bits of the entry at path. Only the owner
// (or uid 0) may change them.
func (fs *FileSystem) Chmod(ctx context.Context, path string, mode uint32, creds Creds) (*metadata.FileEntry, error) {
	if err := fs.checkOpen(); err != nil {
		return nil, err
	}

	entry, unlock, err := fs.lockByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if creds.UID != 0 && creds.UID != entry.UID {
		return nil, metadata.NewError(metadata.ErrPermissionDenied, "only the owner may change mode", entry.Path)
	}

	return fs.meta.Update(ctx, entry.ID, func(e *metadata.FileEntry) error {
		e.Mode = mode & 0777
		e.Ctime = time.Now()
		return nil
	})
}

// Mkdir creates a directory. Directories have no content and never
// replicate, so they are born synced.
func (fs *FileSystem) Mkdir(ctx context.Context, path string, mode uint32, creds Creds) (*metadata.FileEntry, error) {
	if err := fs.checkOpen(); err != nil {
		return nil, err
	}

	entry, err := fs.meta.Create(ctx, &metadata.FileEntry{
		Path: path,
		Mode: mode,
		UID:  creds.UID,
		GID:  creds.GID,
		Dir:  true,
		Sync: metadata.SyncSynced,
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("Created directory %s (id %d)", entry.Path, entry.ID)
	return entry, nil
}

// Rmdir removes an empty directory.
func (fs *FileSystem) Rmdir(ctx context.Context, path string) error {
	if err := fs.checkOpen(); err != nil {
		return err
	}

	entry, unlock, err := fs.lockByPath(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	if !entry.Dir {
		return metadata.NewError(metadata.ErrNotDirectory, "not a directory", entry.Path)
	}
	return fs.meta.Delete(ctx, entry.ID)
}

// Unlink removes a regular file: metadata entry first (the atomicity
// point), then the blob reference, cache entry, and any queued sync work.
// Open handles survive as orphans; their buffered writes are discarded at
// release.
func (fs *FileSystem) Unlink(ctx context.Context, path string) error {
	if err := fs.checkOpen(); err != nil {
		return err
	}

	entry, unlock, err := fs.lockByPath(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	if entry.Dir {
		return metadata.NewError(metadata.ErrIsDirectory, "is a directory", entry.Path)
	}

	if err := fs.meta.Delete(ctx, entry.ID); err != nil {
		return err
	}

	if fs.sync != nil {
		fs.sync.Cancel(entry.ID)
		// Best effort: the remote copy is stale now. The delete queues
		// behind any in-flight upload for this file.
		if _, err := fs.sync.EnqueueDelete(entry.ID, entry.Path); err != nil && !errors.Is(err, syncer.ErrStopped) {
			logger.Warn("Failed to enqueue remote delete of %s: %v", entry.Path, err)
		}
	}
	fs.orphanHandles(entry.ID)
	fs.dereference(ctx, entry.ContentHash)

	logger.Debug("Unlinked %s (id %d)", entry.Path, entry.ID)
	return nil
}

// orphanHandles flags every open handle on a deleted file and discards
// their buffered writes.
func (fs *FileSystem) orphanHandles(fileID metadata.FileID) {
	fs.mu.Lock()
	var victims []*Handle
	for _, h := range fs.handles {
		if h.fileID == fileID {
			victims = append(victims, h)
		}
	}
	fs.mu.Unlock()

	for _, h := range victims {
		h.mu.Lock()
		h.orphaned = true
		h.buf = nil
		h.dirty = false
		h.mu.Unlock()
		if fs.cache != nil {
			fs.cache.Discard(handleKey(h.id))
		}
	}
}

// Rename moves src to dst atomically. An existing dst is displaced and
// dereferenced exactly as if it had been unlinked.
func (fs *FileSystem) Rename(ctx context.Context, src, dst string) (*metadata.FileEntry, error) {
	if err := fs.checkOpen(); err != nil {
		return nil, err
	}

	unlock, err := fs.lockRenamePair(ctx, src, dst)
	if err != nil {
		return nil, err
	}
	defer unlock()

	moved, replaced, err := fs.meta.Rename(ctx, src, dst)
	if err != nil {
		return nil, err
	}

	if replaced != nil {
		if fs.sync != nil {
			fs.sync.Cancel(replaced.ID)
		}
		fs.orphanHandles(replaced.ID)
		fs.dereference(ctx, replaced.ContentHash)
	}

	if fs.sync != nil && !moved.Dir {
		// Move the remote object along. Queued behind the file's pending
		// uploads, so a buffered write flushed to the old path lands
		// before the move.
		if _, err := fs.sync.EnqueueRename(moved.ID, src, dst); err != nil && !errors.Is(err, syncer.ErrStopped) {
			logger.Warn("Failed to enqueue remote rename of %s: %v", src, err)
		}
	}

	// Open handles keep working through the stable file ID; refresh the
	// path they report.
	fs.mu.Lock()
	for _, h := range fs.handles {
		if h.fileID == moved.ID {
			h.path = moved.Path
		}
	}
	fs.mu.Unlock()

	logger.Debug("Renamed %s to %s", src, dst)
	return moved, nil
}

// lockRenamePair acquires the file locks for src and (if it exists) dst in
// ascending ID order, so two crossing renames cannot deadlock.
func (fs *FileSystem) lockRenamePair(ctx context.Context, src, dst string) (func(), error) {
	srcEntry, err := fs.meta.LookupPath(ctx, src)
	if err != nil {
		return nil, err
	}

	ids := []metadata.FileID{srcEntry.ID}
	if dstEntry, err := fs.meta.LookupPath(ctx, dst); err == nil {
		ids = append(ids, dstEntry.ID)
		if ids[0] > ids[1] {
			ids[0], ids[1] = ids[1], ids[0]
		}
	} else if !metadata.IsCode(err, metadata.ErrNotFound) {
		return nil, err
	}

	unlocks := make([]func(), 0, len(ids))
	for _, id := range ids {
		unlocks = append(unlocks, fs.locks.acquire(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}, nil
}

// DirIterator walks a directory listing in name order. The listing is a
// snapshot taken at ReadDir time; Restart rewinds it.
type DirIterator struct {
	entries []*metadata.FileEntry
	pos     int
}

// Next returns the next entry, or false when the listing is exhausted.
func (it *DirIterator) Next() (*metadata.FileEntry, bool) {
	if it.pos >= len(it.entries) {
		return nil, false
	}
	entry := it.entries[it.pos]
	it.pos++
	return entry, true
}

// Restart rewinds the iterator to the beginning of the listing.
func (it *DirIterator) Restart() {
	it.pos = 0
}

// Len returns the number of entries in the listing.
func (it *DirIterator) Len() int {
	return len(it.entries)
}

// ReadDir returns an iterator over the directory's children in name
// order.
func (fs *FileSystem) ReadDir(ctx context.Context, path string) (*DirIterator, error) {
	if err := fs.checkOpen(); err != nil {
		return nil, err
	}

	children, err := fs.meta.Children(ctx, path)
	if err != nil {
		return nil, err
	}
	return &DirIterator{entries: children}, nil
}
