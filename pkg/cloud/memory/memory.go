// Package memory provides an in-memory cloud.Client fake with failure
// injection, used by sync coordinator and dispatcher tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/driftfs/driftfs/pkg/cloud"
	"github.com/driftfs/driftfs/pkg/metadata"
)

type remoteObject struct {
	data     []byte
	hash     metadata.ContentHash
	revision string
}

// MemoryClient implements cloud.Client with an in-memory map.
//
// Failure injection: FailUploads makes the next N uploads fail with the
// configured error, which tests use to drive the retry and failed-state
// paths.
type MemoryClient struct {
	mu       sync.Mutex
	objects  map[string]*remoteObject
	revSeq   int
	uploads  int
	failures int
	failWith error
}

// NewMemoryClient creates an empty fake remote.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: make(map[string]*remoteObject)}
}

// FailUploads makes the next n Upload calls fail with err.
func (c *MemoryClient) FailUploads(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = n
	c.failWith = err
}

// UploadCount returns how many Upload calls were attempted, including
// injected failures.
func (c *MemoryClient) UploadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploads
}

// SetRemote plants an object directly, simulating an external writer. The
// path's revision advances as if a foreign client uploaded.
func (c *MemoryClient) SetRemote(path string, hash metadata.ContentHash, data []byte) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(path, hash, data)
}

func (c *MemoryClient) putLocked(path string, hash metadata.ContentHash, data []byte) string {
	c.revSeq++
	stored := make([]byte, len(data))
	copy(stored, data)
	obj := &remoteObject{
		data:     stored,
		hash:     hash,
		revision: fmt.Sprintf("rev-%d", c.revSeq),
	}
	c.objects[path] = obj
	return obj.revision
}

// Upload replaces the remote object at path.
func (c *MemoryClient) Upload(ctx context.Context, path string, hash metadata.ContentHash, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", cloud.Transient(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.uploads++
	if c.failures > 0 {
		c.failures--
		return "", c.failWith
	}
	return c.putLocked(path, hash, data), nil
}

// Download fetches the remote object at path.
func (c *MemoryClient) Download(ctx context.Context, path string) (*cloud.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, cloud.Transient(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[path]
	if !ok {
		return nil, cloud.Permanent(fmt.Errorf("no remote copy of %s", path))
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return &cloud.Object{Data: data, Hash: obj.hash, Revision: obj.revision}, nil
}

// RemoteRevision returns the current revision for path, or "" when absent.
func (c *MemoryClient) RemoteRevision(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", cloud.Transient(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if obj, ok := c.objects[path]; ok {
		return obj.revision, nil
	}
	return "", nil
}

// Delete removes the remote object at path.
func (c *MemoryClient) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return cloud.Transient(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, path)
	return nil
}

// Rename moves the remote object, advancing its revision.
func (c *MemoryClient) Rename(ctx context.Context, oldPath, newPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", cloud.Transient(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[oldPath]
	if !ok {
		return "", nil
	}
	delete(c.objects, oldPath)
	return c.putLocked(newPath, obj.hash, obj.data), nil
}

var _ cloud.Client = (*MemoryClient)(nil)
