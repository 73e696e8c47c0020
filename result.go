package stagehand

import (
	"time"

	"github.com/stagehand-sql/stagehand/history"
)

// Outcome is the per-file summary of one Run or rollback pass.
type Outcome struct {
	Name           string
	Classification Classification

	// Status is the history status written for this file. It is empty
	// for files that were skipped (Unchanged) or never attempted.
	Status history.Status

	ExecutionTime time.Duration
	Err           error
}

// RunResult summarizes a single Run invocation. Every listed file gets an
// Outcome: executed ones carry the written status, skipped ones only their
// classification, and files after a failure are absent since the batch
// stops at the first error.
type RunResult struct {
	// Batch is the batch number allocated for this run, 0 when nothing
	// needed execution.
	Batch int

	Outcomes []Outcome
}

// NoOp reports whether the run executed nothing.
func (r *RunResult) NoOp() bool {
	return r.Batch == 0
}

// Applied returns the number of files that completed in this run.
func (r *RunResult) Applied() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == history.StatusCompleted {
			n++
		}
	}
	return n
}

// RollbackResult summarizes a rollback pass.
type RollbackResult struct {
	// Target is the resolved target batch. Records with a higher batch
	// were candidates for undoing.
	Target int

	// Outcomes lists the undone records in the order their rollback SQL
	// ran, which is the exact reverse of original application order.
	Outcomes []Outcome
}
