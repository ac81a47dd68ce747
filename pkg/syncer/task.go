package syncer

import (
	"time"

	"github.com/driftfs/driftfs/pkg/metadata"
)

// TaskStatus is the lifecycle state of a replication task.
type TaskStatus string

const (
	// TaskPending means the task is queued, waiting for a worker
	TaskPending TaskStatus = "pending"

	// TaskUploading means a worker is actively replicating the content
	TaskUploading TaskStatus = "uploading"

	// TaskSynced means the remote copy matches the task's content
	TaskSynced TaskStatus = "synced"

	// TaskFailed means replication gave up after exhausting retries. The
	// state is persistent and queryable, never silently dropped.
	TaskFailed TaskStatus = "failed"

	// TaskConflict means the remote diverged and the conflict policy parks
	// the file for manual resolution
	TaskConflict TaskStatus = "conflict"

	// TaskCancelled means the file was unlinked (or superseded) before the
	// task completed
	TaskCancelled TaskStatus = "cancelled"
)

// TaskOp distinguishes what a task asks the remote store to do.
type TaskOp string

const (
	// TaskOpUpload pushes the file's content to the remote
	TaskOpUpload TaskOp = "upload"

	// TaskOpDelete removes the remote object left behind by an unlink
	TaskOpDelete TaskOp = "delete"

	// TaskOpRename moves the remote object to the file's new path
	TaskOpRename TaskOp = "rename"
)

// Task captures one unit of replication work for a single file.
//
// The task snapshots what it needs at enqueue time. The entry may move on
// (new writes, renames) while the task waits; the content hash lets the
// worker detect that a newer write superseded the task, and BaseRevision
// records what the remote looked like so divergence can be detected
// before uploading over someone else's data.
type Task struct {
	// Op is what the task does at the remote
	Op TaskOp

	// FileID identifies the entry being replicated
	FileID metadata.FileID

	// Path is the remote key the task targets (refreshed to the entry's
	// current path when an upload starts)
	Path string

	// OldPath is the remote key a rename task moves from
	OldPath string

	// Hash is the content blob an upload task pushes. Completion applies
	// to the entry only while this is still its current content.
	Hash metadata.ContentHash

	// Version is the entry version observed at enqueue time, kept for
	// status reporting
	Version uint64

	// BaseRevision is the newest remote revision token this side has
	// recorded ("" when the path has no known remote copy). Refreshed
	// from the entry when the upload starts.
	BaseRevision string

	// Status is the task's current lifecycle state
	Status TaskStatus

	// Attempts counts upload attempts, including retries
	Attempts int

	// LastErr holds the most recent failure, if any
	LastErr error

	// EnqueuedAt is when the task entered the queue
	EnqueuedAt time.Time

	// FinishedAt is when the task reached a terminal state
	FinishedAt time.Time

	cancelled bool
}

// Terminal reports whether the task has reached a final state.
func (t *Task) Terminal() bool {
	switch t.Status {
	case TaskSynced, TaskFailed, TaskConflict, TaskCancelled:
		return true
	}
	return false
}

// Stats aggregates coordinator activity counters.
type Stats struct {
	// Enqueued is the total number of tasks accepted
	Enqueued uint64

	// Synced is the number of tasks that completed replication
	Synced uint64

	// Failed is the number of tasks that exhausted retries or hit a
	// permanent error
	Failed uint64

	// Conflicts is the number of tasks parked by the conflict policy
	Conflicts uint64

	// Cancelled is the number of tasks dropped by unlink or supersession
	Cancelled uint64

	// Retries is the number of upload attempts beyond each task's first
	Retries uint64

	// Queued is the number of tasks currently waiting or in flight
	Queued int
}
