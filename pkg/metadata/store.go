package metadata

import (
	"context"
	"path"
	"strings"
)

// MetadataStore is the authoritative record of every path in the mount.
//
// This interface is the single source of truth of the filesystem: the
// content store's refcounts and the cache are rebuilt from it, never the
// reverse. Implementations must provide atomic read-modify-write semantics
// on a single entry: concurrent Update calls targeting the same FileID
// serialize, and an update observing a stale version fails with
// ErrConflict rather than silently overwriting.
//
// Path Model:
// Paths are absolute, slash-separated, and cleaned ("/", "/a", "/a/b").
// The root directory "/" always exists and cannot be removed or renamed.
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
type MetadataStore interface {
	// Create inserts a new entry and assigns its ID and initial version.
	//
	// The parent directory must exist and be a directory. Fails with
	// ErrAlreadyExists if the path is occupied, ErrNotFound if the parent
	// is missing, ErrNotDirectory if the parent is a file.
	//
	// The entry's ID and Version fields are ignored on input; the stored
	// entry (with both assigned) is returned.
	Create(ctx context.Context, entry *FileEntry) (*FileEntry, error)

	// GetEntry returns the entry with the given ID, or ErrNotFound.
	GetEntry(ctx context.Context, id FileID) (*FileEntry, error)

	// LookupPath returns the entry at the given path, or ErrNotFound.
	LookupPath(ctx context.Context, p string) (*FileEntry, error)

	// Update applies fn to the entry atomically and bumps its version.
	//
	// fn receives a private copy of the current entry; mutations it makes
	// are persisted all-or-nothing. If fn returns an error the update is
	// aborted and the entry is left untouched. fn must not modify ID, Path
	// or Version; Path changes go through Rename, version management is the
	// store's. fn may be invoked more than once if the underlying
	// transaction retries, so it must be side-effect free.
	//
	// Returns the updated entry. Concurrent updates to the same ID
	// serialize; a mutator that detects it is operating on state newer than
	// its caller expects should return a StoreError with ErrConflict.
	Update(ctx context.Context, id FileID, fn func(*FileEntry) error) (*FileEntry, error)

	// Delete removes the entry with the given ID.
	//
	// Directories must be empty (ErrNotEmpty). The root cannot be deleted
	// (ErrInvalidArgument). Fails with ErrNotFound if absent.
	Delete(ctx context.Context, id FileID) error

	// Rename atomically moves src to dst, bumping the moved entry's version.
	//
	// If dst exists it is replaced: the returned second entry is the
	// displaced record so the caller can dereference its content blob per
	// unlink rules (nil when dst was free). Replacing a non-empty directory
	// fails with ErrNotEmpty; replacing a directory with a file (or vice
	// versa) fails with ErrIsDirectory/ErrNotDirectory. Renaming a
	// directory moves its whole subtree.
	Rename(ctx context.Context, src, dst string) (moved *FileEntry, replaced *FileEntry, err error)

	// Children returns the immediate children of the directory at dirPath,
	// ordered by name. Fails with ErrNotFound/ErrNotDirectory as
	// appropriate. The listing is a snapshot; callers iterate it lazily.
	Children(ctx context.Context, dirPath string) ([]*FileEntry, error)

	// EntriesBySyncState returns all entries currently in the given sync
	// state. Used at mount time to resume replication interrupted by the
	// previous unmount or crash.
	EntriesBySyncState(ctx context.Context, state SyncState) ([]*FileEntry, error)

	// AllContentHashes returns every referenced content hash with the number
	// of live entries referencing it. This is the ground truth the content
	// store's refcounts and the garbage collector reconcile against.
	AllContentHashes(ctx context.Context) (map[ContentHash]int, error)

	// Close releases the store's resources. The store must not be used
	// after Close returns.
	Close() error
}

// CleanPath normalizes a filesystem path for use as a store key.
//
// Returns ErrInvalidArgument for empty or relative paths. "/" is returned
// unchanged; trailing slashes are stripped.
func CleanPath(p string) (string, error) {
	if p == "" || !strings.HasPrefix(p, "/") {
		return "", NewError(ErrInvalidArgument, "path must be absolute", p)
	}
	return path.Clean(p), nil
}

// ParentPath returns the parent directory of a cleaned path. The parent of
// "/" is "/".
func ParentPath(p string) string {
	if p == "/" {
		return "/"
	}
	return path.Dir(p)
}

// BaseName returns the final element of a cleaned path.
func BaseName(p string) string {
	return path.Base(p)
}
