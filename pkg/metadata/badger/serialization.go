package badger

import (
	"encoding/json"
	"fmt"

	"github.com/driftfs/driftfs/pkg/metadata"
)

// Serialization Strategy
// ======================
//
// BadgerDB stores raw bytes, so entry records are serialized before
// storage. Two strategies are used, by data type complexity:
//
// 1. JSON Encoding (entry records)
//    - Human-readable, flexible schema evolution, easy debugging.
//    - Metadata records are small; encoding cost is negligible next to
//      the LSM write itself.
//
// 2. Binary Encoding (IDs in the path and children indexes)
//    - Fixed 8-byte big-endian values: compact, fast, and byte-ordered.
//
// MessagePack or protobuf would shave bytes off entry records, but the
// debuggability of JSON values has repeatedly paid for itself when
// inspecting a live store.

// encodeEntry serializes a FileEntry to JSON bytes.
func encodeEntry(entry *metadata.FileEntry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry %d: %w", entry.ID, err)
	}
	return data, nil
}

// decodeEntry deserializes JSON bytes into a FileEntry.
//
// A record that fails to decode is treated as corruption: the error is
// surfaced with ErrCorrupt, never repaired in place.
func decodeEntry(data []byte) (*metadata.FileEntry, error) {
	var entry metadata.FileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, metadata.NewError(metadata.ErrCorrupt,
			fmt.Sprintf("failed to decode entry record: %v", err), "")
	}
	return &entry, nil
}
