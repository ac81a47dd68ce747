package badger

import (
	"context"
	"testing"

	"github.com/driftfs/driftfs/pkg/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BadgerMetadataStore {
	t.Helper()

	store, err := NewBadgerMetadataStore(context.Background(), BadgerMetadataStoreConfig{
		DBPath: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func mkfile(t *testing.T, store *BadgerMetadataStore, path string) *metadata.FileEntry {
	t.Helper()

	entry, err := store.Create(context.Background(), &metadata.FileEntry{
		Path: path,
		Mode: 0644,
	})
	require.NoError(t, err)
	return entry
}

func mkdir(t *testing.T, store *BadgerMetadataStore, path string) *metadata.FileEntry {
	t.Helper()

	entry, err := store.Create(context.Background(), &metadata.FileEntry{
		Path: path,
		Mode: 0755,
		Dir:  true,
	})
	require.NoError(t, err)
	return entry
}

func TestRootExistsOnOpen(t *testing.T) {
	store := newTestStore(t)

	root, err := store.LookupPath(context.Background(), "/")
	require.NoError(t, err)
	assert.True(t, root.Dir)
	assert.Equal(t, "/", root.Path)
	assert.NotZero(t, root.ID)
}

func TestCreateAndLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := mkfile(t, store, "/hello.txt")
	assert.NotZero(t, created.ID)
	assert.Equal(t, uint64(1), created.Version)
	assert.Equal(t, metadata.SyncUnsynced, created.Sync)

	byPath, err := store.LookupPath(ctx, "/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byPath.ID)

	byID, err := store.GetEntry(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "/hello.txt", byID.Path)
}

func TestCreateDuplicatePath(t *testing.T) {
	store := newTestStore(t)

	mkfile(t, store, "/dup.txt")
	_, err := store.Create(context.Background(), &metadata.FileEntry{Path: "/dup.txt", Mode: 0644})
	assert.True(t, metadata.IsCode(err, metadata.ErrAlreadyExists))
}

func TestCreateMissingParent(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Create(context.Background(), &metadata.FileEntry{Path: "/nope/child.txt", Mode: 0644})
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))
}

func TestCreateUnderFile(t *testing.T) {
	store := newTestStore(t)

	mkfile(t, store, "/file.txt")
	_, err := store.Create(context.Background(), &metadata.FileEntry{Path: "/file.txt/child", Mode: 0644})
	assert.True(t, metadata.IsCode(err, metadata.ErrNotDirectory))
}

func TestUpdateBumpsVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := mkfile(t, store, "/v.txt")

	updated, err := store.Update(ctx, entry.ID, func(e *metadata.FileEntry) error {
		e.Size = 42
		e.ContentHash = metadata.ContentHash("abc")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, entry.Version+1, updated.Version)
	assert.Equal(t, uint64(42), updated.Size)

	// A mutator error leaves the entry untouched.
	_, err = store.Update(ctx, entry.ID, func(e *metadata.FileEntry) error {
		e.Size = 999
		return metadata.NewError(metadata.ErrInvalidArgument, "rejected", e.Path)
	})
	assert.Error(t, err)

	current, err := store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), current.Size)
	assert.Equal(t, updated.Version, current.Version)
}

func TestUpdatePreservesIdentity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := mkfile(t, store, "/id.txt")
	updated, err := store.Update(ctx, entry.ID, func(e *metadata.FileEntry) error {
		e.ID = 9999
		e.Path = "/hijacked"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, entry.ID, updated.ID)
	assert.Equal(t, "/id.txt", updated.Path)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := mkfile(t, store, "/gone.txt")
	require.NoError(t, store.Delete(ctx, entry.ID))

	_, err := store.GetEntry(ctx, entry.ID)
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))
	_, err = store.LookupPath(ctx, "/gone.txt")
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))
}

func TestDeleteNonEmptyDirectory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dir := mkdir(t, store, "/dir")
	mkfile(t, store, "/dir/a.txt")

	err := store.Delete(ctx, dir.ID)
	assert.True(t, metadata.IsCode(err, metadata.ErrNotEmpty))
}

func TestDeleteRoot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	root, err := store.LookupPath(ctx, "/")
	require.NoError(t, err)

	err = store.Delete(ctx, root.ID)
	assert.True(t, metadata.IsCode(err, metadata.ErrInvalidArgument))
}

func TestRenameFile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := mkfile(t, store, "/old.txt")
	mkdir(t, store, "/sub")

	moved, replaced, err := store.Rename(ctx, "/old.txt", "/sub/new.txt")
	require.NoError(t, err)
	assert.Nil(t, replaced)
	assert.Equal(t, entry.ID, moved.ID)
	assert.Equal(t, "/sub/new.txt", moved.Path)
	assert.Greater(t, moved.Version, entry.Version)

	_, err = store.LookupPath(ctx, "/old.txt")
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))

	found, err := store.LookupPath(ctx, "/sub/new.txt")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, found.ID)
}

func TestRenameReplacesDestination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	src := mkfile(t, store, "/src.txt")
	dst := mkfile(t, store, "/dst.txt")

	moved, replaced, err := store.Rename(ctx, "/src.txt", "/dst.txt")
	require.NoError(t, err)
	require.NotNil(t, replaced)
	assert.Equal(t, dst.ID, replaced.ID)
	assert.Equal(t, src.ID, moved.ID)

	// The displaced entry is fully gone.
	_, err = store.GetEntry(ctx, dst.ID)
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))
}

func TestRenameDirectoryMovesSubtree(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mkdir(t, store, "/a")
	mkdir(t, store, "/a/b")
	inner := mkfile(t, store, "/a/b/deep.txt")
	mkfile(t, store, "/a/top.txt")

	_, _, err := store.Rename(ctx, "/a", "/z")
	require.NoError(t, err)

	found, err := store.LookupPath(ctx, "/z/b/deep.txt")
	require.NoError(t, err)
	assert.Equal(t, inner.ID, found.ID)

	_, err = store.LookupPath(ctx, "/a/b/deep.txt")
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))

	children, err := store.Children(ctx, "/z")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "/z/b", children[0].Path)
	assert.Equal(t, "/z/top.txt", children[1].Path)
}

func TestRenameIntoOwnSubtree(t *testing.T) {
	store := newTestStore(t)

	mkdir(t, store, "/a")
	mkdir(t, store, "/a/b")

	_, _, err := store.Rename(context.Background(), "/a", "/a/b/c")
	assert.True(t, metadata.IsCode(err, metadata.ErrInvalidArgument))
}

func TestRenameTypeMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mkfile(t, store, "/file.txt")
	mkdir(t, store, "/dir")

	_, _, err := store.Rename(ctx, "/file.txt", "/dir")
	assert.True(t, metadata.IsCode(err, metadata.ErrIsDirectory))

	_, _, err = store.Rename(ctx, "/dir", "/file.txt")
	assert.True(t, metadata.IsCode(err, metadata.ErrNotDirectory))
}

func TestChildrenOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mkdir(t, store, "/d")
	mkfile(t, store, "/d/zeta")
	mkfile(t, store, "/d/alpha")
	mkfile(t, store, "/d/mid")

	children, err := store.Children(ctx, "/d")
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, "/d/alpha", children[0].Path)
	assert.Equal(t, "/d/mid", children[1].Path)
	assert.Equal(t, "/d/zeta", children[2].Path)
}

func TestChildrenOnFile(t *testing.T) {
	store := newTestStore(t)

	mkfile(t, store, "/plain.txt")
	_, err := store.Children(context.Background(), "/plain.txt")
	assert.True(t, metadata.IsCode(err, metadata.ErrNotDirectory))
}

func TestEntriesBySyncState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mkfile(t, store, "/a.txt")
	mkfile(t, store, "/b.txt")

	_, err := store.Update(ctx, a.ID, func(e *metadata.FileEntry) error {
		e.Sync = metadata.SyncPending
		return nil
	})
	require.NoError(t, err)

	pending, err := store.EntriesBySyncState(ctx, metadata.SyncPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)
}

func TestAllContentHashes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	setHash := func(path string, hash metadata.ContentHash) {
		entry := mkfile(t, store, path)
		_, err := store.Update(ctx, entry.ID, func(e *metadata.FileEntry) error {
			e.ContentHash = hash
			return nil
		})
		require.NoError(t, err)
	}

	setHash("/one.txt", "h1")
	setHash("/two.txt", "h1")
	setHash("/three.txt", "h2")
	mkfile(t, store, "/empty.txt")

	counts, err := store.AllContentHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[metadata.ContentHash]int{"h1": 2, "h2": 1}, counts)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewBadgerMetadataStore(ctx, BadgerMetadataStoreConfig{DBPath: dir})
	require.NoError(t, err)

	created, err := store.Create(ctx, &metadata.FileEntry{Path: "/keep.txt", Mode: 0644})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewBadgerMetadataStore(ctx, BadgerMetadataStoreConfig{DBPath: dir})
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	found, err := reopened.LookupPath(ctx, "/keep.txt")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	// Fresh IDs never collide with pre-restart ones.
	other, err := reopened.Create(ctx, &metadata.FileEntry{Path: "/new.txt", Mode: 0644})
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, other.ID)
}
