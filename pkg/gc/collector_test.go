package gc

import (
	"context"
	"testing"

	blobmem "github.com/driftfs/driftfs/pkg/content/memory"
	"github.com/driftfs/driftfs/pkg/metadata"
	metamem "github.com/driftfs/driftfs/pkg/metadata/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepRemovesOrphans(t *testing.T) {
	meta := metamem.NewMemoryMetadataStore()
	blobs := blobmem.NewMemoryBlobStore()
	ctx := context.Background()

	// Referenced blob: entry points at it.
	kept, err := blobs.Put(ctx, []byte("referenced"))
	require.NoError(t, err)
	entry, err := meta.Create(ctx, &metadata.FileEntry{Path: "/kept.txt", Mode: 0644})
	require.NoError(t, err)
	_, err = meta.Update(ctx, entry.ID, func(e *metadata.FileEntry) error {
		e.ContentHash = kept
		return nil
	})
	require.NoError(t, err)

	// Orphan: blob written, metadata commit never happened (simulated
	// crash), refcounts reseeded from metadata on the next mount.
	orphan, err := blobs.Put(ctx, []byte("orphaned"))
	require.NoError(t, err)
	counts, err := meta.AllContentHashes(ctx)
	require.NoError(t, err)
	blobs.SeedRefcounts(counts)

	collector := NewCollector(Config{}, meta, blobs)
	removed, err := collector.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = blobs.Get(ctx, orphan)
	assert.Error(t, err)
	_, err = blobs.Get(ctx, kept)
	assert.NoError(t, err)
}

func TestSweepSparesInflightWrites(t *testing.T) {
	meta := metamem.NewMemoryMetadataStore()
	blobs := blobmem.NewMemoryBlobStore()
	ctx := context.Background()

	// Blob stored, refcount held, metadata commit still pending.
	inflight, err := blobs.Put(ctx, []byte("not yet committed"))
	require.NoError(t, err)
	require.Equal(t, 1, blobs.Refcount(inflight))

	collector := NewCollector(Config{}, meta, blobs)
	removed, err := collector.RunNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, err = blobs.Get(ctx, inflight)
	assert.NoError(t, err)
}

func TestDryRunDeletesNothing(t *testing.T) {
	meta := metamem.NewMemoryMetadataStore()
	blobs := blobmem.NewMemoryBlobStore()
	ctx := context.Background()

	orphan, err := blobs.Put(ctx, []byte("orphaned"))
	require.NoError(t, err)
	blobs.SeedRefcounts(nil)

	collector := NewCollector(Config{DryRun: true}, meta, blobs)
	removed, err := collector.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = blobs.Get(ctx, orphan)
	assert.NoError(t, err)
}
