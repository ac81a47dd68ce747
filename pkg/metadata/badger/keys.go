package badger

import (
	"encoding/binary"

	"github.com/driftfs/driftfs/pkg/metadata"
)

// Database Key Namespace Design
// ==============================
//
// BadgerDB is a key-value store, so we use prefixed keys to organize
// different data types into logical namespaces. This design:
//   - Prevents key collisions between different data types
//   - Enables efficient range scans (e.g., all children of a directory)
//   - Makes the database structure self-documenting
//
// Key Namespace Prefixes:
//
// Data Type        Prefix  Key Format                      Value
// =====================================================================
// Entry Data       "e:"    e:<id (8 bytes BE)>             FileEntry (JSON)
// Path Index       "p:"    p:<path>                        id (8 bytes BE)
// Children Index   "c:"    c:<dirPath>\x00<name>           id (8 bytes BE)
//
// Rationale:
//
// 1. Entry Data (e:)
//    - One record per file/directory, point lookup by ID: O(1)
//    - The numeric ID is stable across renames, so open handles and sync
//      tasks keep working while the path index is rewritten.
//
// 2. Path Index (p:)
//    - Maps the unique absolute path to the entry ID.
//    - Lookup-by-path and the AlreadyExists check are point reads.
//
// 3. Children Index (c:)
//    - Denormalized: one key per child, not one list per directory.
//    - The \x00 separator cannot appear in path components, so the prefix
//      "c:<dirPath>\x00" scans exactly one directory's children, and byte
//      order of the remaining suffix yields name order for readdir.
//
// Sequence key "seq:entry" feeds Badger's monotonic ID allocator and lives
// outside the prefixes above.

const (
	// prefixEntry is the key prefix for entry records (FileEntry JSON)
	prefixEntry = "e:"

	// prefixPath is the key prefix for the path → ID index
	prefixPath = "p:"

	// prefixChild is the key prefix for the directory children index
	prefixChild = "c:"

	// childSep separates the directory path from the child name in child
	// keys. NUL cannot occur in a path component.
	childSep = "\x00"

	// keySequence is the key backing the entry ID sequence
	keySequence = "seq:entry"
)

// keyEntry generates a key for an entry record.
func keyEntry(id metadata.FileID) []byte {
	key := make([]byte, len(prefixEntry)+8)
	copy(key, prefixEntry)
	binary.BigEndian.PutUint64(key[len(prefixEntry):], uint64(id))
	return key
}

// keyPath generates a key for the path index.
func keyPath(p string) []byte {
	return []byte(prefixPath + p)
}

// keyChild generates a key for a child entry in a directory.
//
// Format: "c:<dirPath>\x00<name>"
func keyChild(dirPath, name string) []byte {
	return []byte(prefixChild + dirPath + childSep + name)
}

// keyChildPrefix generates the prefix for range scanning a directory's
// children in name order.
func keyChildPrefix(dirPath string) []byte {
	return []byte(prefixChild + dirPath + childSep)
}

// encodeID converts a FileID to its stored 8-byte big-endian form.
func encodeID(id metadata.FileID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// decodeID converts a stored 8-byte value back to a FileID.
func decodeID(val []byte) (metadata.FileID, error) {
	if len(val) != 8 {
		return 0, metadata.NewError(metadata.ErrCorrupt, "malformed ID value in index", "")
	}
	return metadata.FileID(binary.BigEndian.Uint64(val)), nil
}
