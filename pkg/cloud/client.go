// Package cloud defines the remote object store the sync coordinator
// replicates to.
//
// The remote is a durability backstop, never an authority: local metadata
// remains the source of truth, and every remote operation is best-effort
// and retryable. Revision tokens are opaque strings the remote hands back;
// comparing the token recorded at write time against the current one is
// how the coordinator detects that someone else touched the remote copy.
package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftfs/driftfs/pkg/metadata"
)

// Sentinel errors classifying remote failures. The coordinator retries
// ErrTransient with backoff and fails fast on ErrPermanent.
var (
	// ErrTransient indicates a failure worth retrying (network, throttling,
	// 5xx responses)
	ErrTransient = errors.New("transient remote error")

	// ErrPermanent indicates a failure retrying cannot fix (auth rejected,
	// bucket missing, payload refused)
	ErrPermanent = errors.New("permanent remote error")

	// ErrRemoteConflict indicates the remote object changed under us: its
	// revision no longer matches the one the caller recorded
	ErrRemoteConflict = errors.New("remote revision conflict")
)

// Transient wraps err as retryable.
func Transient(err error) error {
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// Object is a downloaded remote file.
type Object struct {
	// Data is the file's content
	Data []byte

	// Hash is the content hash recorded at upload time
	Hash metadata.ContentHash

	// Revision is the remote's current revision token for the path
	Revision string
}

// Client is a remote object store holding one object per filesystem path.
//
// Implementations must be safe for concurrent use: the coordinator's
// worker pool shares one client.
type Client interface {
	// Upload replaces the remote object at path with data and returns the
	// remote's new revision token. The content hash travels with the
	// object so a later Download can verify and dedup locally.
	Upload(ctx context.Context, path string, hash metadata.ContentHash, data []byte) (revision string, err error)

	// Download fetches the remote object at path. Returns ErrPermanent
	// (wrapping a not-found condition) when the path has no remote copy.
	Download(ctx context.Context, path string) (*Object, error)

	// RemoteRevision returns the current revision token for path, or the
	// empty string when no remote copy exists.
	RemoteRevision(ctx context.Context, path string) (string, error)

	// Delete removes the remote object at path. Deleting an absent path is
	// a no-op.
	Delete(ctx context.Context, path string) error

	// Rename moves the remote object from oldPath to newPath, returning
	// the new revision token. A missing source is a no-op with an empty
	// token.
	Rename(ctx context.Context, oldPath, newPath string) (revision string, err error)
}
