package history

import "time"

// Status is the persisted lifecycle state of one migration name.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Default table names. Drivers accept x-history-table and x-lock-table URL
// query parameters to override them.
var (
	DefaultHistoryTable = "migration_history"
	DefaultLockTable    = "migration_lock"
)

// Record is one row of migration_history. There is exactly one row per
// distinct migration name, ever: re-running a changed migration updates the
// row in place with a new checksum, batch and timestamp.
type Record struct {
	Name          string
	Batch         int
	ExecutedAt    time.Time
	ExecutionTime time.Duration
	Checksum      string
	Status        Status

	// RollbackSQL is copied from the script at execution time. Rollback
	// later replays this stored copy, never the file on disk, so edits
	// after the fact cannot change what an undo does.
	RollbackSQL string

	ErrorMessage string
}
