package domain

import "errors"

// Task kinds. The kind discriminates which optional fields are meaningful
// and which dispatch queue a firing is published to.
const (
	KindRefresh      = "refresh"
	KindNotification = "notification"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrUnknownKind  = errors.New("unknown task kind")
)

// Task is the stored definition of a recurring work item. A Task row is
// immutable after creation; only its execution entry changes over time.
type Task struct {
	ID       int64
	Kind     string
	Interval string // ISO-8601 duration, e.g. "PT1M", "P7D"
	Retries  int    // reporting field, not enforced
	Created  int64  // unix seconds, minute-truncated

	// refresh tasks
	LastRefresh int64

	// notification tasks; nil optional fields are omitted downstream,
	// never stored as null placeholders
	UserID   string
	JobID    *string
	Title    *string
	Company  *string
	Location *string
}

// ExecutionEntry maps a task to its next due time. Exactly one entry
// exists per live task, created and deleted together with it. Segment is
// the partition key that makes due-scans shardable across executors.
type ExecutionEntry struct {
	Segment      int
	TaskID       int64
	NextExecTime int64 // unix seconds, minute-truncated
}

// HistoryEntry records one firing. Append-only.
type HistoryEntry struct {
	TaskID   int64
	ExecTime int64
	Status   string
	Retries  int
}

func ValidKind(kind string) bool {
	return kind == KindRefresh || kind == KindNotification
}
