package vfs

import (
	"sync"

	"github.com/driftfs/driftfs/pkg/metadata"
)

// HandleID identifies an open file handle within one mount.
type HandleID uint64

// OpenFlags describes how a handle may be used.
type OpenFlags struct {
	// Read permits Read calls on the handle
	Read bool

	// Write permits Write/Truncate calls on the handle
	Write bool

	// Truncate discards the file's content at open time
	Truncate bool
}

// Handle is an open file. Writes accumulate in a private full-content
// buffer that becomes visible to other readers only at flush, when the
// buffer is hashed, stored, and committed to metadata in one step.
type Handle struct {
	id     HandleID
	fileID metadata.FileID
	path   string
	flags  OpenFlags

	mu sync.Mutex

	// buf is the full-content write buffer, nil until the first write
	// (or truncating open) materializes it
	buf []byte

	// dirty marks unflushed buffered writes
	dirty bool

	// gen counts writes to the buffer. Every cache snapshot of the buffer
	// carries the generation of the bytes it holds.
	gen uint64

	// orphaned is set when the file is unlinked while the handle is open;
	// release then discards the buffer instead of committing it
	orphaned bool

	// commitMu serializes commits of this handle's buffer between the
	// handle's own flush and the cache's eviction flush. Whenever it is
	// held, the handle's cache entry is either discarded or marked as
	// flushing, so no eviction elsewhere can end up waiting on it.
	// committedGen records the newest generation persisted; commits of
	// older snapshots are skipped.
	commitMu     sync.Mutex
	committedGen uint64
}

// ID returns the handle's identifier.
func (h *Handle) ID() HandleID { return h.id }

// Path returns the path the handle was opened at.
func (h *Handle) Path() string { return h.path }

// canAccess checks an entry's mode bits against the caller. Bit selection
// follows the usual owner/group/other split; uid 0 bypasses.
func canAccess(entry *metadata.FileEntry, creds Creds, wantRead, wantWrite bool) bool {
	if creds.UID == 0 {
		return true
	}

	var shift uint
	switch {
	case creds.UID == entry.UID:
		shift = 6
	case creds.GID == entry.GID:
		shift = 3
	default:
		shift = 0
	}
	bits := (entry.Mode >> shift) & 0x7

	if wantRead && bits&0x4 == 0 {
		return false
	}
	if wantWrite && bits&0x2 == 0 {
		return false
	}
	return true
}
