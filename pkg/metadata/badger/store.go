package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/driftfs/driftfs/pkg/metadata"
)

// maxTxnRetries bounds the internal retry loop that serializes concurrent
// Badger transactions hitting the same keys. Retries are cheap (the losing
// transaction re-reads and re-applies its mutator), and contention on a
// single entry is short-lived because the dispatcher already serializes
// per file.
const maxTxnRetries = 5

// BadgerMetadataStore implements metadata.MetadataStore using BadgerDB for
// persistence.
//
// This implementation provides a persistent metadata repository backed by
// BadgerDB, a fast embedded key-value store. It is suitable for:
//   - Production mounts requiring metadata to survive restarts
//   - Crash recovery (WAL-based) without partial updates becoming visible
//   - Stable file IDs across restarts, which sync resumption depends on
//
// Storage Model:
// The store uses namespaced key prefixes to organize entry records, the
// path index, and the per-directory children index (see keys.go for the
// schema). Entry mutations run inside a single Badger transaction, which
// is the serialization point for the whole filesystem: a transaction that
// loses a commit race is retried, and a mutator observing state newer than
// its caller expects fails with ErrConflict.
//
// Thread Safety:
// All operations are safe for concurrent use. Badger's MVCC transactions
// provide isolation; no store-level mutex is needed.
type BadgerMetadataStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// BadgerMetadataStoreConfig contains configuration for creating a BadgerDB
// metadata store.
type BadgerMetadataStoreConfig struct {
	// DBPath is the directory where BadgerDB will store its files
	// (value log, LSM tree, etc.)
	DBPath string `mapstructure:"db_path"`

	// RootMode is the permission mode for the root directory created on
	// first open (default: 0755)
	RootMode uint32 `mapstructure:"root_mode"`

	// RootUID and RootGID own the root directory created on first open
	RootUID uint32 `mapstructure:"root_uid"`
	RootGID uint32 `mapstructure:"root_gid"`

	// BadgerOptions allows customization of BadgerDB behavior.
	// If nil, sensible defaults for a metadata workload are used.
	BadgerOptions *badger.Options
}

// NewBadgerMetadataStore creates a new BadgerDB-based metadata store.
//
// BadgerDB is opened at the configured path (the directory is created if
// missing) and the root directory entry is created on first open. The
// returned store is immediately ready for use and safe for concurrent
// access.
//
// Parameters:
//   - ctx: Context for cancellation during initialization
//   - config: Configuration including DB path and root attributes
//
// Returns:
//   - *BadgerMetadataStore: A new store instance ready for use
//   - error: Error if database initialization fails or context is cancelled
func NewBadgerMetadataStore(ctx context.Context, config BadgerMetadataStoreConfig) (*BadgerMetadataStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if config.BadgerOptions != nil {
		opts = *config.BadgerOptions
	} else {
		// Metadata records are small and read-heavy; compression overhead
		// is not worth it and Badger's default logging is too chatty.
		opts = badger.DefaultOptions(config.DBPath)
		opts = opts.WithLoggingLevel(badger.WARNING)
		opts = opts.WithCompression(options.None)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.DBPath, err)
	}

	seq, err := db.GetSequence([]byte(keySequence), 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open entry ID sequence: %w", err)
	}

	store := &BadgerMetadataStore{
		db:  db,
		seq: seq,
	}

	if err := store.initializeRoot(ctx, config); err != nil {
		_ = seq.Release()
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize root directory: %w", err)
	}

	return store, nil
}

// initializeRoot creates the root directory entry if it doesn't exist.
//
// The root always has path "/", is a directory, and survives for the
// lifetime of the store. It carries no content hash.
func (s *BadgerMetadataStore) initializeRoot(ctx context.Context, config BadgerMetadataStoreConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mode := config.RootMode
	if mode == 0 {
		mode = 0755
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(keyPath("/"))
		if err == nil {
			return nil // root exists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		id, err := s.nextID()
		if err != nil {
			return err
		}

		now := time.Now()
		root := &metadata.FileEntry{
			ID:      id,
			Path:    "/",
			Mode:    mode,
			UID:     config.RootUID,
			GID:     config.RootGID,
			Ctime:   now,
			Mtime:   now,
			Version: 1,
			Dir:     true,
			Sync:    metadata.SyncSynced,
		}

		data, err := encodeEntry(root)
		if err != nil {
			return err
		}
		if err := txn.Set(keyEntry(root.ID), data); err != nil {
			return err
		}
		return txn.Set(keyPath("/"), encodeID(root.ID))
	})
}

// nextID allocates the next entry ID from the Badger sequence.
//
// Sequence values start at 0; ID 0 is reserved as "invalid", so the first
// value is discarded.
func (s *BadgerMetadataStore) nextID() (metadata.FileID, error) {
	for {
		n, err := s.seq.Next()
		if err != nil {
			return 0, fmt.Errorf("failed to allocate entry ID: %w", err)
		}
		if n != 0 {
			return metadata.FileID(n), nil
		}
	}
}

// runUpdate executes fn inside a Badger update transaction, retrying a
// bounded number of times when the commit loses a conflict race. This is
// what serializes concurrent mutations: the losing transaction re-reads
// current state and re-applies its mutator.
func (s *BadgerMetadataStore) runUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return metadata.NewError(metadata.ErrConflict,
		"transaction retried past limit under contention", "")
}

// Close releases the ID sequence and closes the BadgerDB database.
//
// The close operation waits for pending transactions and flushes all data
// to disk. The store must not be used after Close.
func (s *BadgerMetadataStore) Close() error {
	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("failed to release ID sequence: %w", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close BadgerDB: %w", err)
	}
	return nil
}
