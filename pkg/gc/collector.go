// Package gc sweeps orphaned blobs out of the content store.
//
// A crash between writing a blob and committing the metadata that
// references it leaves the blob on disk with nothing pointing at it.
// Reference counts are rebuilt from metadata at mount, so such orphans
// sit at zero forever. The collector periodically diffs the blob store's
// physical contents against the metadata store's referenced set and
// deletes the difference.
package gc

import (
	"context"
	"sync"
	"time"

	"github.com/driftfs/driftfs/internal/logger"
	"github.com/driftfs/driftfs/pkg/content"
	"github.com/driftfs/driftfs/pkg/metadata"
)

// Collector runs the periodic orphan sweep.
type Collector struct {
	meta     metadata.MetadataStore
	blobs    content.BlobStore
	interval time.Duration
	dryRun   bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// last sweep results, for observability
	lastSweep   time.Time
	lastRemoved int
}

// Config tunes the collector.
type Config struct {
	// Interval between sweeps (default: 10m)
	Interval time.Duration `mapstructure:"interval"`

	// DryRun logs what would be deleted without deleting it
	DryRun bool `mapstructure:"dry_run"`
}

// NewCollector creates a collector over the given stores.
func NewCollector(cfg Config, meta metadata.MetadataStore, blobs content.BlobStore) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	return &Collector{
		meta:     meta,
		blobs:    blobs,
		interval: cfg.Interval,
		dryRun:   cfg.DryRun,
	}
}

// Start launches the periodic sweep loop. Calling Start on a running
// collector is a no-op.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go c.loop(ctx)
	logger.Info("Garbage collector started (interval: %s, dry-run: %v)", c.interval, c.dryRun)
}

// Stop halts the sweep loop and waits for any in-progress sweep to finish.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
	logger.Info("Garbage collector stopped")
}

func (c *Collector) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunNow(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Garbage collection sweep failed: %v", err)
			}
		}
	}
}

// RunNow performs one sweep immediately and returns the number of blobs
// removed. Safe to call whether or not the periodic loop is running.
func (c *Collector) RunNow(ctx context.Context) (int, error) {
	referenced, err := c.meta.AllContentHashes(ctx)
	if err != nil {
		return 0, err
	}

	present, err := c.blobs.List(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, hash := range present {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if referenced[hash] > 0 {
			continue
		}
		// An in-flight write holds a refcount before its metadata commit.
		if c.blobs.Refcount(hash) > 0 {
			continue
		}
		if c.dryRun {
			logger.Info("GC (dry-run): would remove orphan blob %s", hash)
			removed++
			continue
		}
		if err := c.blobs.Remove(ctx, hash); err != nil {
			logger.Warn("GC: failed to remove orphan blob %s: %v", hash, err)
			continue
		}
		logger.Debug("GC: removed orphan blob %s", hash)
		removed++
	}

	c.mu.Lock()
	c.lastSweep = time.Now()
	c.lastRemoved = removed
	c.mu.Unlock()

	if removed > 0 {
		logger.Info("Garbage collection removed %d orphan blobs", removed)
	}
	return removed, nil
}

// LastSweep reports when the most recent sweep finished and how many blobs
// it removed.
func (c *Collector) LastSweep() (time.Time, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSweep, c.lastRemoved
}
