// Package syncer replicates local writes to a remote object store in the
// background.
//
// Replication is strictly best-effort: every operation completes locally
// before any remote work happens, and the only synchronous cost a write
// pays is enqueueing a task. Tasks for the same file execute in FIFO
// order; tasks for different files run concurrently across a bounded
// worker pool. Outcomes land in the metadata store's sync state, so a
// crash or unmount loses no knowledge about what still needs pushing.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/driftfs/driftfs/internal/logger"
	"github.com/driftfs/driftfs/pkg/cloud"
	"github.com/driftfs/driftfs/pkg/content"
	"github.com/driftfs/driftfs/pkg/metadata"
)

// ConflictPolicy decides what happens when the remote copy of a path
// changed since the local write being replicated.
type ConflictPolicy string

const (
	// PolicyLastWriterWins uploads anyway: the local write is the newest
	// intent and overwrites the remote. This is the default.
	PolicyLastWriterWins ConflictPolicy = "last_writer_wins"

	// PolicyManual parks the file in the conflict sync state and leaves
	// both copies untouched for a human to resolve
	PolicyManual ConflictPolicy = "manual"
)

// ErrStopped is returned by Enqueue after the coordinator shut down.
var ErrStopped = errors.New("sync coordinator stopped")

// errSuperseded aborts a metadata mutation when newer content owns the
// entry now. Always swallowed by the caller.
var errSuperseded = errors.New("task superseded by newer content")

// Config tunes the coordinator.
type Config struct {
	// Workers is the size of the upload worker pool (default: 4)
	Workers int `mapstructure:"workers"`

	// MaxRetries bounds retry attempts for transient failures before a
	// task is marked failed (default: 5)
	MaxRetries int `mapstructure:"max_retries"`

	// RetryInterval is the initial backoff delay; subsequent retries grow
	// exponentially (default: 500ms)
	RetryInterval time.Duration `mapstructure:"retry_interval"`

	// Policy is the conflict resolution policy (default: last_writer_wins)
	Policy ConflictPolicy `mapstructure:"conflict_policy"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.Policy == "" {
		c.Policy = PolicyLastWriterWins
	}
	return c
}

// Coordinator owns the replication queues and worker pool.
type Coordinator struct {
	cfg    Config
	meta   metadata.MetadataStore
	blobs  content.BlobStore
	remote cloud.Client

	mu       sync.Mutex
	cond     *sync.Cond
	queues   map[metadata.FileID][]*Task
	active   map[metadata.FileID]bool
	latest   map[metadata.FileID]*Task
	ready    []metadata.FileID
	inflight int
	stats    Stats
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator. Call Start to launch the worker
// pool; tasks enqueued before Start wait in their queues.
func NewCoordinator(cfg Config, meta metadata.MetadataStore, blobs content.BlobStore, remote cloud.Client) *Coordinator {
	c := &Coordinator{
		cfg:    cfg.withDefaults(),
		meta:   meta,
		blobs:  blobs,
		remote: remote,
		queues: make(map[metadata.FileID][]*Task),
		active: make(map[metadata.FileID]bool),
		latest: make(map[metadata.FileID]*Task),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start launches the worker pool. The workers run until Stop.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	logger.Info("Sync coordinator started with %d workers (policy: %s)", c.cfg.Workers, c.cfg.Policy)
}

// Enqueue schedules replication of an entry's current content and moves
// the entry's persistent sync state to pending.
func (c *Coordinator) Enqueue(entry *metadata.FileEntry) (*Task, error) {
	if entry.Dir {
		return nil, fmt.Errorf("cannot enqueue directory %s for sync", entry.Path)
	}

	task := &Task{
		Op:           TaskOpUpload,
		FileID:       entry.ID,
		Path:         entry.Path,
		Hash:         entry.ContentHash,
		Version:      entry.Version,
		BaseRevision: entry.RemoteRevision,
	}
	if err := c.submit(task); err != nil {
		return nil, err
	}
	c.markPending(task)
	logger.Debug("Enqueued sync task for %s (version %d)", task.Path, task.Version)
	return task, nil
}

// EnqueueDelete schedules removal of the remote object left behind by an
// unlinked file. It queues behind any tasks already pending for the file,
// so a straggling upload cannot resurrect the object.
func (c *Coordinator) EnqueueDelete(fileID metadata.FileID, path string) (*Task, error) {
	task := &Task{Op: TaskOpDelete, FileID: fileID, Path: path}
	if err := c.submit(task); err != nil {
		return nil, err
	}
	logger.Debug("Enqueued remote delete of %s", path)
	return task, nil
}

// EnqueueRename schedules moving the remote object to a renamed file's
// new path.
func (c *Coordinator) EnqueueRename(fileID metadata.FileID, oldPath, newPath string) (*Task, error) {
	task := &Task{Op: TaskOpRename, FileID: fileID, Path: newPath, OldPath: oldPath}
	if err := c.submit(task); err != nil {
		return nil, err
	}
	logger.Debug("Enqueued remote rename %s -> %s", oldPath, newPath)
	return task, nil
}

// submit queues a task behind any work already pending for its file.
func (c *Coordinator) submit(task *Task) error {
	task.Status = TaskPending
	task.EnqueuedAt = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}

	c.queues[task.FileID] = append(c.queues[task.FileID], task)
	c.latest[task.FileID] = task
	c.stats.Enqueued++

	if !c.active[task.FileID] {
		c.active[task.FileID] = true
		c.ready = append(c.ready, task.FileID)
		c.cond.Signal()
	}
	return nil
}

// markPending records in the entry that a task now owns its replication,
// so a crash before the upload lands is picked up by the next mount's
// Resume.
func (c *Coordinator) markPending(task *Task) {
	_, err := c.meta.Update(context.Background(), task.FileID, func(e *metadata.FileEntry) error {
		if e.ContentHash != task.Hash {
			return errSuperseded
		}
		if e.Sync == metadata.SyncUnsynced {
			e.Sync = metadata.SyncPending
		}
		return nil
	})
	if err != nil && !errors.Is(err, errSuperseded) && !metadata.IsCode(err, metadata.ErrNotFound) {
		logger.Warn("Failed to record pending sync state for %s: %v", task.Path, err)
	}
}

// Cancel drops all queued tasks for a file and flags any in-flight task so
// its outcome is discarded. Called on unlink.
func (c *Coordinator) Cancel(fileID metadata.FileID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, task := range c.queues[fileID] {
		task.cancelled = true
	}
	if task, ok := c.latest[fileID]; ok && !task.Terminal() {
		task.cancelled = true
	}
}

// Status returns a snapshot of the most recent task for a file.
func (c *Coordinator) Status(fileID metadata.FileID) (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.latest[fileID]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// Stats returns a snapshot of the coordinator's activity counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	for _, q := range c.queues {
		s.Queued += len(q)
	}
	s.Queued += c.inflight
	return s
}

// Resume re-enqueues every entry whose replication was interrupted by the
// previous unmount or crash. Called once at mount time.
func (c *Coordinator) Resume(ctx context.Context) error {
	resumed := 0
	for _, state := range []metadata.SyncState{metadata.SyncUnsynced, metadata.SyncPending} {
		entries, err := c.meta.EntriesBySyncState(ctx, state)
		if err != nil {
			return fmt.Errorf("failed to scan %s entries: %w", state, err)
		}
		for _, entry := range entries {
			if entry.Dir || entry.ContentHash == "" {
				continue
			}
			if _, err := c.Enqueue(entry); err != nil {
				return err
			}
			resumed++
		}
	}
	if resumed > 0 {
		logger.Info("Resumed %d interrupted sync tasks", resumed)
	}
	return nil
}

// Drain stops accepting new tasks and waits for the queues to empty or the
// context to expire. Tasks still queued when the context expires keep
// their persistent sync state and are resumed on the next mount.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	c.cond.Broadcast()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for len(c.queues) > 0 || c.inflight > 0 {
			c.cond.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Wake the waiter goroutine so it doesn't leak.
		c.cond.Broadcast()
		return fmt.Errorf("sync drain interrupted: %w", ctx.Err())
	}
}

// Stop halts the worker pool. In-flight uploads are cancelled; their tasks
// keep a pending sync state for the next mount's Resume.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.cond.Broadcast()
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	logger.Info("Sync coordinator stopped")
}

// worker pulls files off the ready list and processes one task at a time
// per file, preserving FIFO order within a file.
func (c *Coordinator) worker() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		for len(c.ready) == 0 && !c.stopped {
			c.cond.Wait()
		}
		if len(c.ready) == 0 {
			c.mu.Unlock()
			return
		}
		id := c.ready[0]
		c.ready = c.ready[1:]
		task := c.queues[id][0]
		c.queues[id] = c.queues[id][1:]
		c.inflight++
		c.mu.Unlock()

		c.process(task)

		c.mu.Lock()
		c.inflight--
		if len(c.queues[id]) > 0 {
			c.ready = append(c.ready, id)
			c.cond.Signal()
		} else {
			delete(c.queues, id)
			delete(c.active, id)
		}
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

// process runs one task to a terminal state.
func (c *Coordinator) process(task *Task) {
	c.mu.Lock()
	if task.cancelled {
		c.finishLocked(task, TaskCancelled, nil)
		c.mu.Unlock()
		return
	}
	task.Status = TaskUploading
	c.mu.Unlock()

	switch task.Op {
	case TaskOpDelete:
		c.processDelete(task)
	case TaskOpRename:
		c.processRename(task)
	default:
		c.processUpload(task)
	}
}

func (c *Coordinator) processUpload(task *Task) {
	// The entry may have been renamed since enqueue; replicate to its
	// current path. A missing entry means unlink won the race.
	entry, err := c.meta.GetEntry(c.ctx, task.FileID)
	if metadata.IsCode(err, metadata.ErrNotFound) {
		c.finish(task, TaskCancelled, nil)
		return
	}
	if err != nil {
		c.failTask(task, err)
		return
	}
	if entry.ContentHash != task.Hash {
		// A newer write owns the entry; its own task uploads the new
		// content and this stale blob must not reach the remote.
		c.finish(task, TaskCancelled, nil)
		return
	}
	c.mu.Lock()
	task.Path = entry.Path
	task.BaseRevision = entry.RemoteRevision
	c.mu.Unlock()

	data, err := c.blobs.Get(c.ctx, task.Hash)
	if errors.Is(err, content.ErrBlobNotFound) {
		// Superseded and released before we got here.
		c.finish(task, TaskCancelled, nil)
		return
	}
	if err != nil {
		c.failTask(task, err)
		return
	}

	revision, err := c.upload(task, data)
	switch {
	case errors.Is(err, cloud.ErrRemoteConflict):
		c.markConflict(task, err)
	case err != nil:
		c.failTask(task, err)
	default:
		c.markSynced(task, revision)
	}
}

func (c *Coordinator) processDelete(task *Task) {
	err := c.retryRemote(task, func() error {
		return classifyRetry(c.remote.Delete(c.ctx, task.Path))
	})
	c.finishRemote(task, err, "delete")
}

func (c *Coordinator) processRename(task *Task) {
	var revision string
	err := c.retryRemote(task, func() error {
		rev, err := c.remote.Rename(c.ctx, task.OldPath, task.Path)
		if err != nil {
			return classifyRetry(err)
		}
		revision = rev
		return nil
	})
	if err == nil && revision != "" {
		// The moved object has a fresh revision token; record it so the
		// next upload's divergence check has the right baseline. A missing
		// entry means the file was unlinked meanwhile.
		_, uerr := c.meta.Update(c.ctx, task.FileID, func(e *metadata.FileEntry) error {
			e.RemoteRevision = revision
			return nil
		})
		if uerr != nil && !metadata.IsCode(uerr, metadata.ErrNotFound) {
			logger.Warn("Failed to record remote revision after rename of %s: %v", task.Path, uerr)
		}
	}
	c.finishRemote(task, err, "rename")
}

// finishRemote resolves a delete or rename task. These tasks carry no
// entry sync state of their own; failure is logged and surfaced through
// the task, never written into the entry.
func (c *Coordinator) finishRemote(task *Task, err error, what string) {
	switch {
	case err == nil:
		c.finish(task, TaskSynced, nil)
	case errors.Is(err, errSuperseded) || c.ctx.Err() != nil:
		c.finish(task, TaskCancelled, err)
	default:
		c.finish(task, TaskFailed, err)
		logger.Error("Remote %s of %s failed after %d attempts: %v", what, task.Path, task.Attempts, err)
	}
}

// upload pushes the blob with exponential backoff on transient failures.
// Returns ErrRemoteConflict when the manual policy parks the task.
func (c *Coordinator) upload(task *Task, data []byte) (string, error) {
	var revision string

	operation := func() error {
		// Divergence check: has anyone written the remote since the local
		// write this task replicates?
		current, err := c.remote.RemoteRevision(c.ctx, task.Path)
		if err != nil {
			return classifyRetry(err)
		}
		if current != "" && current != task.BaseRevision {
			if c.cfg.Policy == PolicyManual {
				return backoff.Permanent(fmt.Errorf("%w: remote is at %q, local write based on %q",
					cloud.ErrRemoteConflict, current, task.BaseRevision))
			}
			logger.Warn("Remote copy of %s diverged (%q vs %q), overwriting per %s policy",
				task.Path, current, task.BaseRevision, c.cfg.Policy)
		}

		revision, err = c.remote.Upload(c.ctx, task.Path, task.Hash, data)
		if err != nil {
			return classifyRetry(err)
		}
		return nil
	}

	err := c.retryRemote(task, operation)
	if errors.Is(err, errSuperseded) {
		return "", nil
	}
	return revision, err
}

// retryRemote runs a remote operation under the coordinator's backoff
// policy, counting attempts on the task and bailing out when the task is
// cancelled between attempts.
func (c *Coordinator) retryRemote(task *Task, operation func() error) error {
	attempt := func() error {
		c.mu.Lock()
		if task.Attempts > 0 {
			c.stats.Retries++
		}
		task.Attempts++
		cancelled := task.cancelled
		c.mu.Unlock()
		if cancelled {
			return backoff.Permanent(errSuperseded)
		}
		return operation()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryInterval

	return backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries)), c.ctx))
}

// classifyRetry maps cloud errors onto backoff's retry/stop decision.
func classifyRetry(err error) error {
	if errors.Is(err, cloud.ErrPermanent) {
		return backoff.Permanent(err)
	}
	return err
}

// markSynced records a successful upload, updating the entry only if the
// task's content is still current. Attribute changes bump the entry's
// version without touching the content, so the guard compares hashes: a
// chmod between flush and upload must not orphan the sync state. A newer
// write owns the entry otherwise and its own task finishes the job.
func (c *Coordinator) markSynced(task *Task, revision string) {
	c.mu.Lock()
	if task.cancelled {
		c.finishLocked(task, TaskCancelled, nil)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	_, err := c.meta.Update(c.ctx, task.FileID, func(e *metadata.FileEntry) error {
		if e.ContentHash != task.Hash {
			return errSuperseded
		}
		e.Sync = metadata.SyncSynced
		e.RemoteRevision = revision
		return nil
	})
	if err != nil && !errors.Is(err, errSuperseded) && !metadata.IsCode(err, metadata.ErrNotFound) {
		c.failTask(task, fmt.Errorf("uploaded but failed to record sync state: %w", err))
		return
	}

	c.finish(task, TaskSynced, nil)
	logger.Debug("Synced %s (version %d, revision %s)", task.Path, task.Version, revision)
}

// markConflict parks the file for manual resolution.
func (c *Coordinator) markConflict(task *Task, cause error) {
	_, err := c.meta.Update(c.ctx, task.FileID, func(e *metadata.FileEntry) error {
		if e.ContentHash != task.Hash {
			return errSuperseded
		}
		e.Sync = metadata.SyncConflict
		return nil
	})
	if err != nil && !errors.Is(err, errSuperseded) && !metadata.IsCode(err, metadata.ErrNotFound) {
		logger.Error("Failed to record conflict state for %s: %v", task.Path, err)
	}

	c.finish(task, TaskConflict, cause)
	logger.Warn("Sync conflict on %s: %v", task.Path, cause)
}

// failTask records a terminal replication failure. The failed state is
// persistent and queryable; nothing is silently dropped.
func (c *Coordinator) failTask(task *Task, cause error) {
	// A shutdown mid-flight is not a replication failure: the entry keeps
	// its persistent sync state and the next mount resumes it.
	if c.ctx.Err() != nil {
		c.finish(task, TaskCancelled, cause)
		return
	}

	c.mu.Lock()
	if task.cancelled {
		c.finishLocked(task, TaskCancelled, nil)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	_, err := c.meta.Update(c.ctx, task.FileID, func(e *metadata.FileEntry) error {
		if e.ContentHash != task.Hash {
			return errSuperseded
		}
		e.Sync = metadata.SyncFailed
		return nil
	})
	if err != nil && !errors.Is(err, errSuperseded) && !metadata.IsCode(err, metadata.ErrNotFound) {
		logger.Error("Failed to record failed sync state for %s: %v", task.Path, err)
	}

	c.finish(task, TaskFailed, cause)
	logger.Error("Sync of %s failed after %d attempts: %v", task.Path, task.Attempts, cause)
}

// finish moves a task to a terminal state and bumps the matching counter.
func (c *Coordinator) finish(task *Task, status TaskStatus, cause error) {
	c.mu.Lock()
	c.finishLocked(task, status, cause)
	c.mu.Unlock()
}

func (c *Coordinator) finishLocked(task *Task, status TaskStatus, cause error) {
	task.Status = status
	task.LastErr = cause
	task.FinishedAt = time.Now()
	switch status {
	case TaskSynced:
		c.stats.Synced++
	case TaskFailed:
		c.stats.Failed++
	case TaskConflict:
		c.stats.Conflicts++
	case TaskCancelled:
		c.stats.Cancelled++
	}
}
