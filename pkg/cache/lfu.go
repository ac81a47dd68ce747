// Package cache provides the in-memory content cache sitting between the
// dispatcher and the blob store.
//
// Eviction is frequency-based: the least frequently used entry goes first,
// with least-recently-used breaking ties. Dirty entries (write buffers not
// yet persisted) carry a flush closure that runs synchronously before the
// entry can be evicted, so eviction never loses a write. The cache is an
// accelerator only: losing every entry degrades latency, never correctness.
package cache

import (
	"fmt"
	"sync"
	"time"
)

// FlushFunc persists a dirty entry's payload. It is invoked synchronously
// by the evicting goroutine, outside the cache lock. It runs on whichever
// goroutine triggered the eviction, so it must not block on locks that
// goroutine may already hold.
type FlushFunc func(key string, data []byte) error

// entry is a cached payload with its bookkeeping.
type entry struct {
	key      string
	data     []byte
	freq     uint64
	lastUsed time.Time
	dirty    bool
	flush    FlushFunc
	pins     int
	flushing bool
}

// LFUCache is a size- and count-bounded cache with LFU eviction.
//
// Thread Safety:
// All methods are safe for concurrent use. Flush closures run outside the
// lock; the entry is marked flushing so concurrent evictions skip it.
type LFUCache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	bytes      uint64
	maxBytes   uint64
	maxEntries int
}

// Config bounds the cache. Zero MaxBytes or MaxEntries means unlimited on
// that axis.
type Config struct {
	// MaxBytes is the total payload budget in bytes
	MaxBytes uint64 `mapstructure:"max_bytes"`

	// MaxEntries bounds the number of cached entries
	MaxEntries int `mapstructure:"max_entries"`
}

// New creates an empty cache with the given bounds.
func New(cfg Config) *LFUCache {
	return &LFUCache{
		entries:    make(map[string]*entry),
		maxBytes:   cfg.MaxBytes,
		maxEntries: cfg.MaxEntries,
	}
}

// Get returns the payload for key and pins the entry, bumping its
// frequency. The caller must Unpin the key when done with the returned
// slice; a pinned entry cannot be evicted, which keeps the slice stable.
// The second return is false on a miss.
func (c *LFUCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e.freq++
	e.lastUsed = time.Now()
	e.pins++
	return e.data, true
}

// Peek returns the payload without pinning or frequency accounting. Used
// by flush paths that must not distort the eviction order.
func (c *LFUCache) Peek(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.data, true
}

// Unpin releases a pin taken by Get. Unpinning an evicted or unknown key
// is a no-op.
func (c *LFUCache) Unpin(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && e.pins > 0 {
		e.pins--
	}
}

// PutOptions qualifies an insertion.
type PutOptions struct {
	// Dirty marks the entry as an unpersisted write buffer. Dirty entries
	// must carry a Flush closure.
	Dirty bool

	// Flush persists the payload when a dirty entry must be evicted
	Flush FlushFunc
}

// Put inserts or replaces the payload for key, then enforces the cache
// bounds. Replacing an existing key preserves its frequency; a fresh key
// starts at frequency 1.
//
// If eviction must flush a dirty victim and the flush fails, the insert is
// rolled back and the flush error returned: the inserting operation is the
// one that pays for the cache being wedged, and the dirty victim stays
// cached.
func (c *LFUCache) Put(key string, data []byte, opts PutOptions) error {
	if opts.Dirty && opts.Flush == nil {
		return fmt.Errorf("dirty cache entry %q requires a flush closure", key)
	}

	c.mu.Lock()
	if c.maxBytes > 0 && uint64(len(data)) > c.maxBytes {
		c.mu.Unlock()
		// Larger than the whole budget: dirty payloads must not be dropped,
		// clean ones just bypass the cache.
		if opts.Dirty {
			return opts.Flush(key, data)
		}
		return nil
	}

	prev, existed := c.entries[key]
	if existed {
		c.bytes -= uint64(len(prev.data))
		prev.data = data
		prev.dirty = opts.Dirty
		prev.flush = opts.Flush
		prev.lastUsed = time.Now()
		c.bytes += uint64(len(data))
	} else {
		c.entries[key] = &entry{
			key:      key,
			data:     data,
			freq:     1,
			lastUsed: time.Now(),
			dirty:    opts.Dirty,
			flush:    opts.Flush,
		}
		c.bytes += uint64(len(data))
	}
	c.mu.Unlock()

	if err := c.enforceBounds(key); err != nil {
		// Roll back the insert so a failed flush doesn't leave the cache
		// over budget with the new entry resident.
		c.mu.Lock()
		if e, ok := c.entries[key]; ok && !existed {
			c.bytes -= uint64(len(e.data))
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// enforceBounds evicts until the cache fits its budgets. The entry named
// protect (the one just inserted) is never chosen as a victim.
func (c *LFUCache) enforceBounds(protect string) error {
	for {
		c.mu.Lock()
		overBytes := c.maxBytes > 0 && c.bytes > c.maxBytes
		overCount := c.maxEntries > 0 && len(c.entries) > c.maxEntries
		if !overBytes && !overCount {
			c.mu.Unlock()
			return nil
		}

		victim := c.pickVictimLocked(protect)
		if victim == nil {
			// Everything left is pinned, flushing, or protected. Running
			// over budget beats blocking or dropping dirty data.
			c.mu.Unlock()
			return nil
		}

		if !victim.dirty {
			c.removeLocked(victim)
			c.mu.Unlock()
			continue
		}

		// Dirty victim: flush outside the lock, then remove. The flushing
		// flag keeps concurrent evictions off the entry meanwhile.
		victim.flushing = true
		flush, data := victim.flush, victim.data
		c.mu.Unlock()

		err := flush(victim.key, data)

		c.mu.Lock()
		victim.flushing = false
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to flush dirty cache entry %q before eviction: %w", victim.key, err)
		}
		victim.dirty = false
		victim.flush = nil
		if _, still := c.entries[victim.key]; still {
			c.removeLocked(victim)
		}
		c.mu.Unlock()
	}
}

// pickVictimLocked returns the evictable entry with the lowest frequency,
// ties broken by oldest last access. Caller holds the lock.
func (c *LFUCache) pickVictimLocked(protect string) *entry {
	var victim *entry
	for _, e := range c.entries {
		if e.key == protect || e.pins > 0 || e.flushing {
			continue
		}
		if victim == nil ||
			e.freq < victim.freq ||
			(e.freq == victim.freq && e.lastUsed.Before(victim.lastUsed)) {
			victim = e
		}
	}
	return victim
}

// removeLocked drops an entry and its byte accounting. Caller holds the
// lock.
func (c *LFUCache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.bytes -= uint64(len(e.data))
}

// Remove drops the entry for key. Dirty entries are refused: the caller
// must persist (or MarkClean) them first. Unknown keys are a no-op.
func (c *LFUCache) Remove(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if e.dirty {
		return fmt.Errorf("refusing to remove dirty cache entry %q", key)
	}
	c.removeLocked(e)
	return nil
}

// Discard drops the entry for key even if dirty. Used when the data's file
// is being unlinked and the buffered bytes are intentionally abandoned.
func (c *LFUCache) Discard(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// MarkClean downgrades a dirty entry after its payload has been persisted
// elsewhere. No-op for unknown or already clean keys.
func (c *LFUCache) MarkClean(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.dirty = false
		e.flush = nil
	}
}

// Rename rebinds an entry to a new key, preserving frequency and dirtiness.
// Used when a dirty write buffer's content hash becomes known.
func (c *LFUCache) Rename(oldKey, newKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[oldKey]
	if !ok {
		return
	}
	delete(c.entries, oldKey)
	if prev, clash := c.entries[newKey]; clash {
		c.bytes -= uint64(len(prev.data))
	}
	e.key = newKey
	c.entries[newKey] = e
}

// Stats reports the cache's current occupancy.
func (c *LFUCache) Stats() (entries int, bytes uint64, dirty int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.dirty {
			dirty++
		}
	}
	return len(c.entries), c.bytes, dirty
}

// Clear drops every clean entry. Dirty entries survive: clearing the cache
// must never lose writes.
func (c *LFUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if !e.dirty {
			c.removeLocked(e)
		}
	}
}
