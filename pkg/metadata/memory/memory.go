package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/driftfs/driftfs/pkg/metadata"
)

// MemoryMetadataStore implements metadata.MetadataStore with in-memory maps.
//
// Nothing is persisted: every restart begins from an empty tree with a fresh
// root. It exists for tests and for throwaway mounts where durability does
// not matter.
//
// Thread Safety:
// A single RWMutex guards all state. Contention is irrelevant at test scale.
type MemoryMetadataStore struct {
	mu      sync.RWMutex
	entries map[metadata.FileID]*metadata.FileEntry
	byPath  map[string]metadata.FileID
	nextID  metadata.FileID
}

// NewMemoryMetadataStore creates an empty in-memory store with a root
// directory at "/".
func NewMemoryMetadataStore() *MemoryMetadataStore {
	s := &MemoryMetadataStore{
		entries: make(map[metadata.FileID]*metadata.FileEntry),
		byPath:  make(map[string]metadata.FileID),
		nextID:  1,
	}

	now := time.Now()
	root := &metadata.FileEntry{
		ID:      s.allocID(),
		Path:    "/",
		Mode:    0755,
		Ctime:   now,
		Mtime:   now,
		Version: 1,
		Dir:     true,
		Sync:    metadata.SyncSynced,
	}
	s.entries[root.ID] = root
	s.byPath["/"] = root.ID
	return s
}

func (s *MemoryMetadataStore) allocID() metadata.FileID {
	id := s.nextID
	s.nextID++
	return id
}

// hasChildrenLocked reports whether any entry lives directly or indirectly
// under dirPath. Caller holds at least a read lock.
func (s *MemoryMetadataStore) hasChildrenLocked(dirPath string) bool {
	prefix := dirPath + "/"
	if dirPath == "/" {
		prefix = "/"
	}
	for p := range s.byPath {
		if p != dirPath && strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Create inserts a new entry under an existing parent directory.
func (s *MemoryMetadataStore) Create(ctx context.Context, entry *metadata.FileEntry) (*metadata.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := metadata.CleanPath(entry.Path)
	if err != nil {
		return nil, err
	}
	if p == "/" {
		return nil, metadata.NewError(metadata.ErrAlreadyExists, "root already exists", p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPath[p]; ok {
		return nil, metadata.NewError(metadata.ErrAlreadyExists, "path already exists", p)
	}

	parentID, ok := s.byPath[metadata.ParentPath(p)]
	if !ok {
		return nil, metadata.NewError(metadata.ErrNotFound, "no entry at path", metadata.ParentPath(p))
	}
	if !s.entries[parentID].Dir {
		return nil, metadata.NewError(metadata.ErrNotDirectory, "parent is not a directory", metadata.ParentPath(p))
	}

	stored := entry.Clone()
	stored.ID = s.allocID()
	stored.Path = p
	stored.Version = 1
	if stored.Ctime.IsZero() {
		now := time.Now()
		stored.Ctime = now
		stored.Mtime = now
	}
	if stored.Sync == "" {
		stored.Sync = metadata.SyncUnsynced
	}

	s.entries[stored.ID] = stored
	s.byPath[p] = stored.ID
	return stored.Clone(), nil
}

// GetEntry returns the entry with the given ID.
func (s *MemoryMetadataStore) GetEntry(ctx context.Context, id metadata.FileID) (*metadata.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, metadata.NewError(metadata.ErrNotFound, "entry not found", "")
	}
	return entry.Clone(), nil
}

// LookupPath returns the entry at the given path.
func (s *MemoryMetadataStore) LookupPath(ctx context.Context, p string) (*metadata.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cleaned, err := metadata.CleanPath(p)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byPath[cleaned]
	if !ok {
		return nil, metadata.NewError(metadata.ErrNotFound, "no entry at path", cleaned)
	}
	return s.entries[id].Clone(), nil
}

// Update applies fn to the entry atomically and bumps its version.
func (s *MemoryMetadataStore) Update(ctx context.Context, id metadata.FileID, fn func(*metadata.FileEntry) error) (*metadata.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[id]
	if !ok {
		return nil, metadata.NewError(metadata.ErrNotFound, "entry not found", "")
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	next.ID = current.ID
	next.Path = current.Path
	next.Version = current.Version + 1

	s.entries[id] = next
	return next.Clone(), nil
}

// Delete removes the entry with the given ID. Directories must be empty.
func (s *MemoryMetadataStore) Delete(ctx context.Context, id metadata.FileID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return metadata.NewError(metadata.ErrNotFound, "entry not found", "")
	}
	if entry.Path == "/" {
		return metadata.NewError(metadata.ErrInvalidArgument, "cannot delete root directory", "/")
	}
	if entry.Dir && s.hasChildrenLocked(entry.Path) {
		return metadata.NewError(metadata.ErrNotEmpty, "directory not empty", entry.Path)
	}

	delete(s.entries, id)
	delete(s.byPath, entry.Path)
	return nil
}

// Rename atomically moves src to dst, replacing dst if present.
func (s *MemoryMetadataStore) Rename(ctx context.Context, src, dst string) (*metadata.FileEntry, *metadata.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	srcPath, err := metadata.CleanPath(src)
	if err != nil {
		return nil, nil, err
	}
	dstPath, err := metadata.CleanPath(dst)
	if err != nil {
		return nil, nil, err
	}
	if srcPath == "/" || dstPath == "/" {
		return nil, nil, metadata.NewError(metadata.ErrInvalidArgument, "cannot rename root directory", "/")
	}
	if srcPath == dstPath {
		return nil, nil, metadata.NewError(metadata.ErrInvalidArgument, "source and destination are the same path", srcPath)
	}
	if strings.HasPrefix(dstPath, srcPath+"/") {
		return nil, nil, metadata.NewError(metadata.ErrInvalidArgument, "cannot move a directory into itself", srcPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	srcID, ok := s.byPath[srcPath]
	if !ok {
		return nil, nil, metadata.NewError(metadata.ErrNotFound, "no entry at path", srcPath)
	}
	srcEntry := s.entries[srcID]

	dstParentID, ok := s.byPath[metadata.ParentPath(dstPath)]
	if !ok {
		return nil, nil, metadata.NewError(metadata.ErrNotFound, "no entry at path", metadata.ParentPath(dstPath))
	}
	if !s.entries[dstParentID].Dir {
		return nil, nil, metadata.NewError(metadata.ErrNotDirectory, "destination parent is not a directory", metadata.ParentPath(dstPath))
	}

	var replaced *metadata.FileEntry
	if dstID, ok := s.byPath[dstPath]; ok {
		dstEntry := s.entries[dstID]
		if dstEntry.Dir && !srcEntry.Dir {
			return nil, nil, metadata.NewError(metadata.ErrIsDirectory, "destination is a directory", dstPath)
		}
		if !dstEntry.Dir && srcEntry.Dir {
			return nil, nil, metadata.NewError(metadata.ErrNotDirectory, "destination is not a directory", dstPath)
		}
		if dstEntry.Dir && s.hasChildrenLocked(dstPath) {
			return nil, nil, metadata.NewError(metadata.ErrNotEmpty, "destination directory not empty", dstPath)
		}
		replaced = dstEntry.Clone()
		delete(s.entries, dstID)
		delete(s.byPath, dstPath)
	}

	move := func(entry *metadata.FileEntry, newPath string) {
		delete(s.byPath, entry.Path)
		entry.Path = newPath
		entry.Version++
		s.byPath[newPath] = entry.ID
	}

	if srcEntry.Dir {
		prefix := srcPath + "/"
		var subPaths []string
		for p := range s.byPath {
			if strings.HasPrefix(p, prefix) {
				subPaths = append(subPaths, p)
			}
		}
		for _, p := range subPaths {
			sub := s.entries[s.byPath[p]]
			move(sub, dstPath+strings.TrimPrefix(p, srcPath))
		}
	}
	move(srcEntry, dstPath)

	return srcEntry.Clone(), replaced, nil
}

// Children returns the immediate children of a directory, ordered by name.
func (s *MemoryMetadataStore) Children(ctx context.Context, dirPath string) ([]*metadata.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cleaned, err := metadata.CleanPath(dirPath)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	dirID, ok := s.byPath[cleaned]
	if !ok {
		return nil, metadata.NewError(metadata.ErrNotFound, "no entry at path", cleaned)
	}
	if !s.entries[dirID].Dir {
		return nil, metadata.NewError(metadata.ErrNotDirectory, "not a directory", cleaned)
	}

	var children []*metadata.FileEntry
	for p, id := range s.byPath {
		if p != cleaned && metadata.ParentPath(p) == cleaned {
			children = append(children, s.entries[id].Clone())
		}
	}
	sort.Slice(children, func(i, j int) bool {
		return metadata.BaseName(children[i].Path) < metadata.BaseName(children[j].Path)
	})
	return children, nil
}

// EntriesBySyncState returns all entries currently in the given sync state.
func (s *MemoryMetadataStore) EntriesBySyncState(ctx context.Context, state metadata.SyncState) ([]*metadata.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*metadata.FileEntry
	for _, entry := range s.entries {
		if entry.Sync == state {
			matches = append(matches, entry.Clone())
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Path < matches[j].Path })
	return matches, nil
}

// AllContentHashes returns every referenced content hash with its live
// reference count.
func (s *MemoryMetadataStore) AllContentHashes(ctx context.Context) (map[metadata.ContentHash]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[metadata.ContentHash]int)
	for _, entry := range s.entries {
		if entry.ContentHash != "" {
			counts[entry.ContentHash]++
		}
	}
	return counts, nil
}

// Close releases nothing; the store is garbage collected.
func (s *MemoryMetadataStore) Close() error {
	return nil
}
