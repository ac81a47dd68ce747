package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/driftfs/driftfs/pkg/cloud"
	cloudmem "github.com/driftfs/driftfs/pkg/cloud/memory"
	blobmem "github.com/driftfs/driftfs/pkg/content/memory"
	"github.com/driftfs/driftfs/pkg/metadata"
	metamem "github.com/driftfs/driftfs/pkg/metadata/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	meta   *metamem.MemoryMetadataStore
	blobs  *blobmem.MemoryBlobStore
	remote *cloudmem.MemoryClient
	coord  *Coordinator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	f := &fixture{
		meta:   metamem.NewMemoryMetadataStore(),
		blobs:  blobmem.NewMemoryBlobStore(),
		remote: cloudmem.NewMemoryClient(),
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	f.coord = NewCoordinator(cfg, f.meta, f.blobs, f.remote)
	f.coord.Start(context.Background())
	t.Cleanup(f.coord.Stop)
	return f
}

// writeFile simulates a dispatcher commit: blob stored, entry bound to it,
// sync state unsynced.
func (f *fixture) writeFile(t *testing.T, path string, data []byte) *metadata.FileEntry {
	t.Helper()
	ctx := context.Background()

	hash, err := f.blobs.Put(ctx, data)
	require.NoError(t, err)

	entry, err := f.meta.Create(ctx, &metadata.FileEntry{Path: path, Mode: 0644})
	require.NoError(t, err)

	entry, err = f.meta.Update(ctx, entry.ID, func(e *metadata.FileEntry) error {
		e.ContentHash = hash
		e.Size = uint64(len(data))
		e.Sync = metadata.SyncUnsynced
		return nil
	})
	require.NoError(t, err)
	return entry
}

func waitForState(t *testing.T, meta metadata.MetadataStore, id metadata.FileID, want metadata.SyncState) *metadata.FileEntry {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		entry, err := meta.GetEntry(context.Background(), id)
		require.NoError(t, err)
		if entry.Sync == want {
			return entry
		}
		select {
		case <-deadline:
			t.Fatalf("entry %d never reached sync state %q (currently %q)", id, want, entry.Sync)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestUploadHappyPath(t *testing.T) {
	f := newFixture(t, Config{})
	data := []byte("replicate me")
	entry := f.writeFile(t, "/doc.txt", data)

	_, err := f.coord.Enqueue(entry)
	require.NoError(t, err)

	synced := waitForState(t, f.meta, entry.ID, metadata.SyncSynced)
	assert.NotEmpty(t, synced.RemoteRevision)

	obj, err := f.remote.Download(context.Background(), "/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, data, obj.Data)
	assert.Equal(t, entry.ContentHash, obj.Hash)
	assert.Equal(t, synced.RemoteRevision, obj.Revision)
}

func TestTransientFailureRetriesToSuccess(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 5})
	entry := f.writeFile(t, "/flaky.txt", []byte("eventually"))

	f.remote.FailUploads(2, cloud.Transient(fmt.Errorf("network blip")))

	_, err := f.coord.Enqueue(entry)
	require.NoError(t, err)

	waitForState(t, f.meta, entry.ID, metadata.SyncSynced)
	assert.GreaterOrEqual(t, f.remote.UploadCount(), 3)
}

func TestRetriesExhaustedMarksFailed(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 2})
	entry := f.writeFile(t, "/down.txt", []byte("unlucky"))

	f.remote.FailUploads(100, cloud.Transient(fmt.Errorf("remote down")))

	task, err := f.coord.Enqueue(entry)
	require.NoError(t, err)

	waitForState(t, f.meta, entry.ID, metadata.SyncFailed)

	status, ok := f.coord.Status(entry.ID)
	require.True(t, ok)
	assert.Equal(t, TaskFailed, status.Status)
	assert.Error(t, status.LastErr)
	assert.Equal(t, 3, status.Attempts) // initial try + MaxRetries
	_ = task
}

func TestFailedFileRecoversOnNextWrite(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 1})
	entry := f.writeFile(t, "/recover.txt", []byte("v1"))

	f.remote.FailUploads(100, cloud.Transient(fmt.Errorf("outage")))
	_, err := f.coord.Enqueue(entry)
	require.NoError(t, err)
	waitForState(t, f.meta, entry.ID, metadata.SyncFailed)

	// Outage over; a new local write re-enqueues and succeeds.
	f.remote.FailUploads(0, nil)
	hash, err := f.blobs.Put(context.Background(), []byte("v2"))
	require.NoError(t, err)
	entry, err = f.meta.Update(context.Background(), entry.ID, func(e *metadata.FileEntry) error {
		e.ContentHash = hash
		e.Sync = metadata.SyncUnsynced
		return nil
	})
	require.NoError(t, err)

	_, err = f.coord.Enqueue(entry)
	require.NoError(t, err)
	waitForState(t, f.meta, entry.ID, metadata.SyncSynced)
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 5})
	entry := f.writeFile(t, "/denied.txt", []byte("nope"))

	f.remote.FailUploads(100, cloud.Permanent(fmt.Errorf("access denied")))

	_, err := f.coord.Enqueue(entry)
	require.NoError(t, err)

	waitForState(t, f.meta, entry.ID, metadata.SyncFailed)
	assert.Equal(t, 1, f.remote.UploadCount())
}

func TestManualPolicyParksConflict(t *testing.T) {
	f := newFixture(t, Config{Policy: PolicyManual})
	entry := f.writeFile(t, "/shared.txt", []byte("local"))

	// A foreign writer touched the remote after our local write.
	f.remote.SetRemote("/shared.txt", "foreign-hash", []byte("theirs"))

	_, err := f.coord.Enqueue(entry)
	require.NoError(t, err)

	waitForState(t, f.meta, entry.ID, metadata.SyncConflict)

	// Neither copy was clobbered.
	obj, err := f.remote.Download(context.Background(), "/shared.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("theirs"), obj.Data)
}

func TestLastWriterWinsOverwritesDivergedRemote(t *testing.T) {
	f := newFixture(t, Config{Policy: PolicyLastWriterWins})
	entry := f.writeFile(t, "/shared.txt", []byte("local"))

	f.remote.SetRemote("/shared.txt", "foreign-hash", []byte("theirs"))

	_, err := f.coord.Enqueue(entry)
	require.NoError(t, err)

	waitForState(t, f.meta, entry.ID, metadata.SyncSynced)

	obj, err := f.remote.Download(context.Background(), "/shared.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), obj.Data)
}

func TestSupersededTaskDoesNotClobberNewerContent(t *testing.T) {
	f := newFixture(t, Config{})
	entry := f.writeFile(t, "/race.txt", []byte("old"))

	// Advance the entry before the task for the old version runs.
	stale := entry.Clone()
	newHash, err := f.blobs.Put(context.Background(), []byte("new"))
	require.NoError(t, err)
	entry, err = f.meta.Update(context.Background(), entry.ID, func(e *metadata.FileEntry) error {
		e.ContentHash = newHash
		e.Sync = metadata.SyncUnsynced
		return nil
	})
	require.NoError(t, err)

	_, err = f.coord.Enqueue(stale)
	require.NoError(t, err)
	_, err = f.coord.Enqueue(entry)
	require.NoError(t, err)

	synced := waitForState(t, f.meta, entry.ID, metadata.SyncSynced)
	assert.Equal(t, newHash, synced.ContentHash)

	obj, err := f.remote.Download(context.Background(), "/race.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), obj.Data)
}

func TestAttrChangeDoesNotOrphanSync(t *testing.T) {
	f := newFixture(t, Config{})
	entry := f.writeFile(t, "/chmodded.txt", []byte("same bytes"))

	// Snapshot the entry, then bump its version with a metadata-only
	// change before the upload runs. The content is unchanged, so the
	// upload's outcome must still land on the entry.
	snapshot := entry.Clone()
	_, err := f.meta.Update(context.Background(), entry.ID, func(e *metadata.FileEntry) error {
		e.Mode = 0600
		return nil
	})
	require.NoError(t, err)

	_, err = f.coord.Enqueue(snapshot)
	require.NoError(t, err)

	synced := waitForState(t, f.meta, entry.ID, metadata.SyncSynced)
	assert.Equal(t, uint32(0600), synced.Mode)
	assert.NotEmpty(t, synced.RemoteRevision)
}

func TestEnqueueMarksEntryPending(t *testing.T) {
	// No Start: the task must sit in its queue while the entry's
	// persistent state already says a task owns it.
	f := &fixture{
		meta:   metamem.NewMemoryMetadataStore(),
		blobs:  blobmem.NewMemoryBlobStore(),
		remote: cloudmem.NewMemoryClient(),
	}
	f.coord = NewCoordinator(Config{}, f.meta, f.blobs, f.remote)

	entry := f.writeFile(t, "/queued.txt", []byte("waiting"))
	_, err := f.coord.Enqueue(entry)
	require.NoError(t, err)

	pending, err := f.meta.GetEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, metadata.SyncPending, pending.Sync)
}

func TestUnlinkPropagatesRemoteDelete(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	entry := f.writeFile(t, "/gone.txt", []byte("short lived"))

	_, err := f.coord.Enqueue(entry)
	require.NoError(t, err)
	waitForState(t, f.meta, entry.ID, metadata.SyncSynced)

	require.NoError(t, f.meta.Delete(ctx, entry.ID))
	_, err = f.coord.EnqueueDelete(entry.ID, entry.Path)
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		if _, err := f.remote.Download(ctx, "/gone.txt"); err != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("remote copy was never deleted")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRenamePropagatesRemoteObject(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	data := []byte("movable")
	entry := f.writeFile(t, "/old.txt", data)

	_, err := f.coord.Enqueue(entry)
	require.NoError(t, err)
	waitForState(t, f.meta, entry.ID, metadata.SyncSynced)

	_, _, err = f.meta.Rename(ctx, "/old.txt", "/new.txt")
	require.NoError(t, err)
	_, err = f.coord.EnqueueRename(entry.ID, "/old.txt", "/new.txt")
	require.NoError(t, err)

	var obj *cloud.Object
	deadline := time.After(5 * time.Second)
	for {
		obj, err = f.remote.Download(ctx, "/new.txt")
		if err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("remote copy never appeared at the new path")
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.Equal(t, data, obj.Data)

	_, err = f.remote.Download(ctx, "/old.txt")
	assert.Error(t, err)

	moved, err := f.meta.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, obj.Revision, moved.RemoteRevision)
}

func TestCancelDropsQueuedWork(t *testing.T) {
	f := newFixture(t, Config{})
	entry := f.writeFile(t, "/doomed.txt", []byte("bytes"))

	// Cancel before any worker can pick the task up by stalling uploads.
	f.remote.FailUploads(100, cloud.Transient(fmt.Errorf("stall")))
	_, err := f.coord.Enqueue(entry)
	require.NoError(t, err)
	f.coord.Cancel(entry.ID)

	deadline := time.After(5 * time.Second)
	for {
		status, ok := f.coord.Status(entry.ID)
		if ok && status.Terminal() {
			assert.Contains(t, []TaskStatus{TaskCancelled, TaskFailed}, status.Status)
			break
		}
		select {
		case <-deadline:
			t.Fatal("task never reached a terminal state")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestResumePicksUpInterruptedEntries(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	entry := f.writeFile(t, "/interrupted.txt", []byte("leftover"))

	// Simulate a crash between commit and upload: state is unsynced, no
	// task queued.
	require.NoError(t, f.coord.Resume(ctx))

	waitForState(t, f.meta, entry.ID, metadata.SyncSynced)

	obj, err := f.remote.Download(ctx, "/interrupted.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("leftover"), obj.Data)
}

func TestDrainWaitsForQueue(t *testing.T) {
	f := newFixture(t, Config{})
	entry := f.writeFile(t, "/last.txt", []byte("closing time"))

	_, err := f.coord.Enqueue(entry)
	require.NoError(t, err)

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.coord.Drain(drainCtx))

	// Enqueue after drain is refused.
	_, err = f.coord.Enqueue(entry)
	assert.ErrorIs(t, err, ErrStopped)

	waitForState(t, f.meta, entry.ID, metadata.SyncSynced)
}

func TestDirectoriesAreNotSyncable(t *testing.T) {
	f := newFixture(t, Config{})

	dir, err := f.meta.Create(context.Background(), &metadata.FileEntry{Path: "/dir", Mode: 0755, Dir: true})
	require.NoError(t, err)

	_, err = f.coord.Enqueue(dir)
	assert.Error(t, err)
}
