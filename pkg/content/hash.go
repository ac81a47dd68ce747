package content

import (
	"encoding/hex"

	"github.com/driftfs/driftfs/pkg/metadata"
	"github.com/zeebo/blake3"
)

// HashBytes computes the canonical content hash of a blob: lowercase hex of
// the BLAKE3-256 digest. Identical bytes always map to the same hash, which
// is what the dedup and refcount machinery is built on.
func HashBytes(data []byte) metadata.ContentHash {
	sum := blake3.Sum256(data)
	return metadata.ContentHash(hex.EncodeToString(sum[:]))
}

// hashHexLen is the length of a canonical content hash string (256-bit
// digest, hex encoded).
const hashHexLen = 64

// ValidHash reports whether h is a well-formed canonical content hash.
// Blob stores reject malformed hashes up front instead of creating stray
// paths on disk.
func ValidHash(h metadata.ContentHash) bool {
	if len(h) != hashHexLen {
		return false
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
