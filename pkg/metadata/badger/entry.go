package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/driftfs/driftfs/pkg/metadata"
)

// ============================================================================
// Transaction-scoped helpers
// ============================================================================

// getEntryTxn reads and decodes an entry record inside a transaction.
func getEntryTxn(txn *badger.Txn, id metadata.FileID) (*metadata.FileEntry, error) {
	item, err := txn.Get(keyEntry(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, metadata.NewError(metadata.ErrNotFound,
			fmt.Sprintf("entry %d not found", id), "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry %d: %w", id, err)
	}

	var entry *metadata.FileEntry
	err = item.Value(func(val []byte) error {
		entry, err = decodeEntry(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// lookupIDTxn resolves a cleaned path to its entry ID inside a transaction.
func lookupIDTxn(txn *badger.Txn, p string) (metadata.FileID, error) {
	item, err := txn.Get(keyPath(p))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, metadata.NewError(metadata.ErrNotFound, "no entry at path", p)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read path index for %s: %w", p, err)
	}

	var id metadata.FileID
	err = item.Value(func(val []byte) error {
		id, err = decodeID(val)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// lookupEntryTxn resolves a cleaned path straight to its decoded entry.
func lookupEntryTxn(txn *badger.Txn, p string) (*metadata.FileEntry, error) {
	id, err := lookupIDTxn(txn, p)
	if err != nil {
		return nil, err
	}
	return getEntryTxn(txn, id)
}

// writeEntryTxn encodes and stores an entry record.
func writeEntryTxn(txn *badger.Txn, entry *metadata.FileEntry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	return txn.Set(keyEntry(entry.ID), data)
}

// hasChildrenTxn reports whether the directory at dirPath has any children.
func hasChildrenTxn(txn *badger.Txn, dirPath string) (bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	prefix := keyChildPrefix(dirPath)
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(prefix)
	return it.ValidForPrefix(prefix), nil
}

// ============================================================================
// MetadataStore implementation
// ============================================================================

// Create inserts a new entry under an existing parent directory.
func (s *BadgerMetadataStore) Create(ctx context.Context, entry *metadata.FileEntry) (*metadata.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := metadata.CleanPath(entry.Path)
	if err != nil {
		return nil, err
	}
	if p == "/" {
		return nil, metadata.NewError(metadata.ErrAlreadyExists, "root already exists", p)
	}

	stored := entry.Clone()
	stored.Path = p
	stored.Version = 1
	if stored.Ctime.IsZero() {
		now := time.Now()
		stored.Ctime = now
		stored.Mtime = now
	}
	if stored.Sync == "" {
		stored.Sync = metadata.SyncUnsynced
	}

	id, err := s.nextID()
	if err != nil {
		return nil, err
	}
	stored.ID = id

	parent := metadata.ParentPath(p)
	name := metadata.BaseName(p)

	err = s.runUpdate(ctx, func(txn *badger.Txn) error {
		// Path must be free.
		if _, err := txn.Get(keyPath(p)); err == nil {
			return metadata.NewError(metadata.ErrAlreadyExists, "path already exists", p)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to probe path index for %s: %w", p, err)
		}

		// Parent must exist and be a directory.
		parentEntry, err := lookupEntryTxn(txn, parent)
		if err != nil {
			return err
		}
		if !parentEntry.Dir {
			return metadata.NewError(metadata.ErrNotDirectory, "parent is not a directory", parent)
		}

		if err := writeEntryTxn(txn, stored); err != nil {
			return err
		}
		if err := txn.Set(keyPath(p), encodeID(stored.ID)); err != nil {
			return err
		}
		return txn.Set(keyChild(parent, name), encodeID(stored.ID))
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// GetEntry returns the entry with the given ID.
func (s *BadgerMetadataStore) GetEntry(ctx context.Context, id metadata.FileID) (*metadata.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entry *metadata.FileEntry
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		entry, err = getEntryTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// LookupPath returns the entry at the given path.
func (s *BadgerMetadataStore) LookupPath(ctx context.Context, p string) (*metadata.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cleaned, err := metadata.CleanPath(p)
	if err != nil {
		return nil, err
	}

	var entry *metadata.FileEntry
	err = s.db.View(func(txn *badger.Txn) error {
		var err error
		entry, err = lookupEntryTxn(txn, cleaned)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Update applies fn to the entry atomically and bumps its version.
func (s *BadgerMetadataStore) Update(ctx context.Context, id metadata.FileID, fn func(*metadata.FileEntry) error) (*metadata.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var updated *metadata.FileEntry
	err := s.runUpdate(ctx, func(txn *badger.Txn) error {
		current, err := getEntryTxn(txn, id)
		if err != nil {
			return err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}

		// Identity and version are the store's to manage.
		next.ID = current.ID
		next.Path = current.Path
		next.Version = current.Version + 1

		if err := writeEntryTxn(txn, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the entry with the given ID. Directories must be empty.
func (s *BadgerMetadataStore) Delete(ctx context.Context, id metadata.FileID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.runUpdate(ctx, func(txn *badger.Txn) error {
		entry, err := getEntryTxn(txn, id)
		if err != nil {
			return err
		}
		if entry.Path == "/" {
			return metadata.NewError(metadata.ErrInvalidArgument, "cannot delete root directory", "/")
		}
		if entry.Dir {
			occupied, err := hasChildrenTxn(txn, entry.Path)
			if err != nil {
				return err
			}
			if occupied {
				return metadata.NewError(metadata.ErrNotEmpty, "directory not empty", entry.Path)
			}
		}

		parent := metadata.ParentPath(entry.Path)
		name := metadata.BaseName(entry.Path)

		if err := txn.Delete(keyEntry(id)); err != nil {
			return err
		}
		if err := txn.Delete(keyPath(entry.Path)); err != nil {
			return err
		}
		return txn.Delete(keyChild(parent, name))
	})
}

// Rename atomically moves src to dst, replacing dst if present.
//
// Directory renames rewrite the path and children indexes for the whole
// subtree in the same transaction, so concurrent lookups never observe a
// half-moved tree.
func (s *BadgerMetadataStore) Rename(ctx context.Context, src, dst string) (*metadata.FileEntry, *metadata.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	srcPath, err := metadata.CleanPath(src)
	if err != nil {
		return nil, nil, err
	}
	dstPath, err := metadata.CleanPath(dst)
	if err != nil {
		return nil, nil, err
	}
	if srcPath == "/" || dstPath == "/" {
		return nil, nil, metadata.NewError(metadata.ErrInvalidArgument, "cannot rename root directory", "/")
	}
	if srcPath == dstPath {
		return nil, nil, metadata.NewError(metadata.ErrInvalidArgument, "source and destination are the same path", srcPath)
	}
	if strings.HasPrefix(dstPath, srcPath+"/") {
		return nil, nil, metadata.NewError(metadata.ErrInvalidArgument, "cannot move a directory into itself", srcPath)
	}

	var moved, replaced *metadata.FileEntry
	err = s.runUpdate(ctx, func(txn *badger.Txn) error {
		moved, replaced = nil, nil

		srcEntry, err := lookupEntryTxn(txn, srcPath)
		if err != nil {
			return err
		}

		dstParent := metadata.ParentPath(dstPath)
		dstParentEntry, err := lookupEntryTxn(txn, dstParent)
		if err != nil {
			return err
		}
		if !dstParentEntry.Dir {
			return metadata.NewError(metadata.ErrNotDirectory, "destination parent is not a directory", dstParent)
		}

		// A pre-existing destination is displaced, subject to type rules.
		dstEntry, err := lookupEntryTxn(txn, dstPath)
		if err != nil && !metadata.IsCode(err, metadata.ErrNotFound) {
			return err
		}
		if dstEntry != nil {
			if dstEntry.Dir && !srcEntry.Dir {
				return metadata.NewError(metadata.ErrIsDirectory, "destination is a directory", dstPath)
			}
			if !dstEntry.Dir && srcEntry.Dir {
				return metadata.NewError(metadata.ErrNotDirectory, "destination is not a directory", dstPath)
			}
			if dstEntry.Dir {
				occupied, err := hasChildrenTxn(txn, dstPath)
				if err != nil {
					return err
				}
				if occupied {
					return metadata.NewError(metadata.ErrNotEmpty, "destination directory not empty", dstPath)
				}
			}
			if err := txn.Delete(keyEntry(dstEntry.ID)); err != nil {
				return err
			}
			if err := txn.Delete(keyPath(dstPath)); err != nil {
				return err
			}
			if err := txn.Delete(keyChild(dstParent, metadata.BaseName(dstPath))); err != nil {
				return err
			}
			replaced = dstEntry
		}

		if err := moveEntryTxn(txn, srcEntry, dstPath); err != nil {
			return err
		}
		moved = srcEntry.Clone()
		moved.Path = dstPath
		moved.Version = srcEntry.Version + 1

		if !srcEntry.Dir {
			return nil
		}

		// Rewrite the subtree under the old directory path. Keys are
		// collected first: mutating while iterating the same prefix is
		// undefined in Badger.
		type subEntry struct {
			entry *metadata.FileEntry
		}
		var subtree []subEntry

		opts := badger.DefaultIteratorOptions
		prefix := []byte(prefixPath + srcPath + "/")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var id metadata.FileID
			err := it.Item().Value(func(val []byte) error {
				var err error
				id, err = decodeID(val)
				return err
			})
			if err != nil {
				it.Close()
				return err
			}
			entry, err := getEntryTxn(txn, id)
			if err != nil {
				it.Close()
				return err
			}
			subtree = append(subtree, subEntry{entry: entry})
		}
		it.Close()

		for _, sub := range subtree {
			newPath := dstPath + strings.TrimPrefix(sub.entry.Path, srcPath)
			if err := moveEntryTxn(txn, sub.entry, newPath); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return moved, replaced, nil
}

// moveEntryTxn rewrites a single entry's record and index keys for a new
// path, bumping its version.
func moveEntryTxn(txn *badger.Txn, entry *metadata.FileEntry, newPath string) error {
	oldPath := entry.Path

	next := entry.Clone()
	next.Path = newPath
	next.Version = entry.Version + 1

	if err := writeEntryTxn(txn, next); err != nil {
		return err
	}
	if err := txn.Delete(keyPath(oldPath)); err != nil {
		return err
	}
	if err := txn.Set(keyPath(newPath), encodeID(next.ID)); err != nil {
		return err
	}
	if err := txn.Delete(keyChild(metadata.ParentPath(oldPath), metadata.BaseName(oldPath))); err != nil {
		return err
	}
	return txn.Set(keyChild(metadata.ParentPath(newPath), metadata.BaseName(newPath)), encodeID(next.ID))
}

// Children returns the immediate children of a directory, ordered by name.
func (s *BadgerMetadataStore) Children(ctx context.Context, dirPath string) ([]*metadata.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cleaned, err := metadata.CleanPath(dirPath)
	if err != nil {
		return nil, err
	}

	var children []*metadata.FileEntry
	err = s.db.View(func(txn *badger.Txn) error {
		dir, err := lookupEntryTxn(txn, cleaned)
		if err != nil {
			return err
		}
		if !dir.Dir {
			return metadata.NewError(metadata.ErrNotDirectory, "not a directory", cleaned)
		}

		opts := badger.DefaultIteratorOptions
		prefix := keyChildPrefix(cleaned)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Child keys sort by name, so the scan order is the readdir order.
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var id metadata.FileID
			err := it.Item().Value(func(val []byte) error {
				var err error
				id, err = decodeID(val)
				return err
			})
			if err != nil {
				return err
			}
			child, err := getEntryTxn(txn, id)
			if err != nil {
				return err
			}
			children = append(children, child)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}

// EntriesBySyncState returns all entries currently in the given sync state.
//
// This is a full entry scan. It runs at mount time and from the sync
// coordinator's resume path, neither of which is latency sensitive.
func (s *BadgerMetadataStore) EntriesBySyncState(ctx context.Context, state metadata.SyncState) ([]*metadata.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var matches []*metadata.FileEntry
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scanEntries(ctx, txn, func(entry *metadata.FileEntry) error {
			if entry.Sync == state {
				matches = append(matches, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// AllContentHashes returns every referenced content hash with its live
// reference count.
func (s *BadgerMetadataStore) AllContentHashes(ctx context.Context) (map[metadata.ContentHash]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	counts := make(map[metadata.ContentHash]int)
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scanEntries(ctx, txn, func(entry *metadata.FileEntry) error {
			if entry.ContentHash != "" {
				counts[entry.ContentHash]++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// scanEntries iterates every entry record, invoking visit for each.
func (s *BadgerMetadataStore) scanEntries(ctx context.Context, txn *badger.Txn, visit func(*metadata.FileEntry) error) error {
	opts := badger.DefaultIteratorOptions
	prefix := []byte(prefixEntry)
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var entry *metadata.FileEntry
		err := it.Item().Value(func(val []byte) error {
			var err error
			entry, err = decodeEntry(val)
			return err
		})
		if err != nil {
			return err
		}
		if err := visit(entry); err != nil {
			return err
		}
	}
	return nil
}
