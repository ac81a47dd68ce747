package metadata

import (
	"time"
)

// FileID is the stable numeric identity of a file entry. IDs are assigned
// by the metadata store on creation and never reused within a store's
// lifetime, so handles and sync tasks can reference entries across renames.
type FileID uint64

// ContentHash is the cryptographic digest identifying a content blob.
//
// The hash is computed by the content store over the full (plaintext) file
// content and doubles as the blob's address on disk and in the remote
// object store. The empty hash means "no content": freshly created files,
// directories, and files truncated to zero all carry it.
type ContentHash string

// SyncState tracks where a file entry stands in its replication lifecycle.
//
// Transitions are driven by the dispatcher (→ Unsynced on every content
// change) and by the sync coordinator (Unsynced → Pending → Synced /
// Failed / Conflict). The state is persisted with the entry so pending
// replication survives a remount.
type SyncState string

const (
	// SyncUnsynced means the current content has never been offered to the
	// remote store (or changed since the last completed upload).
	SyncUnsynced SyncState = "unsynced"

	// SyncPending means a sync task for the current content is queued or
	// actively uploading.
	SyncPending SyncState = "pending"

	// SyncSynced means the remote store holds the current content.
	SyncSynced SyncState = "synced"

	// SyncConflict means the remote revision diverged from the one observed
	// when the local change was made, and the configured policy declined to
	// overwrite it.
	SyncConflict SyncState = "conflict"

	// SyncFailed means replication exhausted its retries (or hit a permanent
	// error) and requires manual or periodic re-triggering.
	SyncFailed SyncState = "failed"
)

// FileEntry is the authoritative metadata record for a single path.
//
// The metadata store owns these records; the dispatcher mutates them on
// every structural or content change through Update, which serializes
// concurrent mutations per entry and bumps Version atomically. The content
// store and cache always reconcile against FileEntry, never the reverse.
type FileEntry struct {
	// ID is the stable numeric identity, assigned on creation.
	ID FileID `json:"id"`

	// Path is the absolute, slash-separated path within the mount.
	// Unique across the store.
	Path string `json:"path"`

	// Size is the logical file size in bytes. Always 0 for directories.
	Size uint64 `json:"size"`

	// Mode holds the Unix permission bits (lower 12 bits; no file type).
	Mode uint32 `json:"mode"`

	// UID and GID identify the owner.
	UID uint32 `json:"uid"`
	GID uint32 `json:"gid"`

	// Ctime is the entry creation time, Mtime the last content or
	// structural modification.
	Ctime time.Time `json:"ctime"`
	Mtime time.Time `json:"mtime"`

	// ContentHash addresses the entry's blob in the content store.
	// Empty for directories and for files with no flushed content yet.
	ContentHash ContentHash `json:"content_hash"`

	// Version increases by exactly one on every successful Update.
	// Sync tasks record it to detect that a newer write superseded them.
	Version uint64 `json:"version"`

	// Dir marks directory entries. Directories never carry content.
	Dir bool `json:"dir"`

	// Sync is the replication state of the current content.
	Sync SyncState `json:"sync_state"`

	// RemoteRevision is the remote store's revision token observed when the
	// entry's content was last uploaded (or downloaded). Empty until the
	// first successful sync.
	RemoteRevision string `json:"remote_revision,omitempty"`
}

// Clone returns a deep copy of the entry. Update mutators operate on
// clones so an aborted mutation never leaks partial changes.
func (e *FileEntry) Clone() *FileEntry {
	clone := *e
	return &clone
}

// IsRegular reports whether the entry is a regular file.
func (e *FileEntry) IsRegular() bool {
	return !e.Dir
}
