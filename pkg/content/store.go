package content

import (
	"context"

	"github.com/driftfs/driftfs/pkg/metadata"
)

// BlobStore is a content-addressed repository of immutable blobs.
//
// Blobs are named by the canonical hash of their plaintext bytes (see
// HashBytes), so storing the same content twice is free: the second Put
// finds the existing blob and only bumps its reference count. A blob is
// removed from disk when its count drops to zero.
//
// Reference counts are an in-memory acceleration, not durable state. The
// metadata store is the single source of truth: at mount time the counts
// are rebuilt from MetadataStore.AllContentHashes via SeedRefcounts, and
// the garbage collector reconciles any drift left behind by a crash.
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
type BlobStore interface {
	// Put stores data and returns its content hash.
	//
	// If a blob with the same hash already exists, no bytes are written;
	// either way the hash's reference count is incremented by one. The
	// write is atomic: a crash mid-Put never leaves a partial blob visible
	// under its final name.
	Put(ctx context.Context, data []byte) (metadata.ContentHash, error)

	// Get returns the full plaintext content of the blob, or ErrBlobNotFound.
	//
	// Implementations that verify integrity return ErrCorrupt when the
	// stored bytes no longer match the hash.
	Get(ctx context.Context, hash metadata.ContentHash) ([]byte, error)

	// Release decrements the blob's reference count, deleting the blob when
	// the count reaches zero. Releasing an unknown hash or one already at
	// zero is a no-op: over-release must never delete data another
	// reference still needs, and the GC handles true orphans.
	Release(ctx context.Context, hash metadata.ContentHash) error

	// Refcount returns the current in-memory reference count for a hash
	// (zero for unknown hashes).
	Refcount(hash metadata.ContentHash) int

	// Remove physically deletes a blob regardless of its stored bytes,
	// refusing only when the reference count is nonzero. This is the
	// garbage collector's primitive for sweeping orphans; normal code
	// paths use Release.
	Remove(ctx context.Context, hash metadata.ContentHash) error

	// SeedRefcounts replaces the in-memory reference counts wholesale.
	// Called once at mount time with the counts derived from the metadata
	// store. Blobs on disk that are absent from counts keep a zero count
	// and become GC candidates.
	SeedRefcounts(counts map[metadata.ContentHash]int)

	// List returns the hashes of all blobs physically present, whatever
	// their reference count. The garbage collector diffs this against the
	// metadata store's referenced set.
	List(ctx context.Context) ([]metadata.ContentHash, error)

	// Stats returns storage statistics for observability.
	Stats(ctx context.Context) (StorageStats, error)

	// Close releases the store's resources. The store must not be used
	// after Close returns.
	Close() error
}

// StorageStats describes the physical state of a blob store.
type StorageStats struct {
	// Blobs is the number of blobs physically present
	Blobs int

	// Bytes is the total size of all stored blobs. For transformed stores
	// this is the on-disk (post-transform) size.
	Bytes uint64

	// Referenced is the number of blobs with a nonzero reference count
	Referenced int
}

// Transform converts blob bytes between their logical (plaintext) form and
// their stored (at-rest) form. The content hash is always computed over the
// plaintext, so a transform never changes a blob's identity.
//
// The zero-cost implementation is NoopTransform; see the crypto subpackage
// for AES encryption at rest.
type Transform interface {
	// Encode converts plaintext to its at-rest representation.
	Encode(plaintext []byte) ([]byte, error)

	// Decode converts at-rest bytes back to plaintext.
	Decode(stored []byte) ([]byte, error)
}

// NoopTransform stores blobs as-is.
type NoopTransform struct{}

// Encode returns plaintext unchanged.
func (NoopTransform) Encode(plaintext []byte) ([]byte, error) { return plaintext, nil }

// Decode returns stored bytes unchanged.
func (NoopTransform) Decode(stored []byte) ([]byte, error) { return stored, nil }
