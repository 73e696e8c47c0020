package stagehand

import (
	"github.com/stagehand-sql/stagehand/catalog"
	"github.com/stagehand-sql/stagehand/history"
)

// Classification is the outcome of comparing one catalog file against its
// execution history. A checksum mismatch is a classification, not an
// error: it is the normal signal that an applied script was edited.
type Classification int

const (
	// Pending means no record exists for the name, the file has never run.
	Pending Classification = iota

	// Unchanged means the stored checksum matches, nothing to do.
	Unchanged

	// Changed means the file was edited since it last ran and must re-run.
	Changed

	// RetryFailed means the last run of this file failed. Failed files
	// re-run regardless of checksum.
	RetryFailed
)

func (c Classification) String() string {
	switch c {
	case Pending:
		return "pending"
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case RetryFailed:
		return "retry-failed"
	default:
		return "unknown"
	}
}

// NeedsRun reports whether the classification selects the file for the
// next batch.
func (c Classification) NeedsRun() bool {
	return c != Unchanged
}

// Classify compares a catalog file against its persisted record. It is a
// pure function over its two inputs: no I/O, no clock. Pass a nil record
// when no history row exists for the name.
func Classify(m *catalog.Migration, r *history.Record) Classification {
	if r == nil {
		return Pending
	}
	if r.Status == history.StatusFailed {
		return RetryFailed
	}
	if r.Status == history.StatusRolledBack {
		// the name re-enters the lifecycle from the start
		return Pending
	}
	if r.Checksum != m.Checksum {
		return Changed
	}
	return Unchanged
}
