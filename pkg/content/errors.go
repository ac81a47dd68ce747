package content

import "fmt"

// Sentinel errors for blob store operations. Callers match these with
// errors.Is after unwrapping whatever context was added along the way.
var (
	// ErrBlobNotFound indicates no blob exists for the requested hash
	ErrBlobNotFound = fmt.Errorf("blob not found")

	// ErrCorrupt indicates a blob's bytes no longer hash to its name.
	// Corruption is surfaced, never silently repaired.
	ErrCorrupt = fmt.Errorf("blob corrupt")

	// ErrStorageFull indicates the backing device has no room for the blob
	ErrStorageFull = fmt.Errorf("storage full")

	// ErrStoreClosed indicates an operation was attempted after Close
	ErrStoreClosed = fmt.Errorf("blob store closed")
)
