package stagehand

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/stagehand-sql/stagehand/catalog"
	"github.com/stagehand-sql/stagehand/history"
)

// RollbackToBatch undoes every completed migration with a batch number
// greater than batch, in the exact reverse of original application order.
// Pass 0 to undo everything. The stored rollback SQL is replayed, never
// the file on disk.
//
// Lock discipline is identical to Run: rollback is mutually exclusive with
// forward runs and with other rollbacks.
func (e *Engine) RollbackToBatch(ctx context.Context, batch int) (*RollbackResult, error) {
	if batch < 0 {
		return nil, ErrInvalidBatch
	}

	if err := e.lock(ctx); err != nil {
		return nil, err
	}

	result, err := e.rollback(ctx, batch)
	if err != nil {
		return result, e.unlockErr(ctx, err)
	}
	return result, e.unlock(ctx)
}

// RollbackToName resolves name to its record's batch number and rolls back
// every later batch. The named migration itself stays applied.
func (e *Engine) RollbackToName(ctx context.Context, name string) (*RollbackResult, error) {
	if err := e.lock(ctx); err != nil {
		return nil, err
	}

	records, err := e.recordsByName(ctx)
	if err != nil {
		return nil, e.unlockErr(ctx, err)
	}
	rec, ok := records[name]
	if !ok {
		return nil, e.unlockErr(ctx, ErrUnknownMigration{Name: name})
	}

	result, err := e.rollback(ctx, rec.Batch)
	if err != nil {
		return result, e.unlockErr(ctx, err)
	}
	return result, e.unlock(ctx)
}

// rollback does the actual work. The caller holds the lock.
func (e *Engine) rollback(ctx context.Context, target int) (*RollbackResult, error) {
	records, err := e.historyDrv.Records(ctx)
	if err != nil {
		return nil, err
	}

	var undo []history.Record
	for _, r := range records {
		if r.Status == history.StatusCompleted && r.Batch > target {
			undo = append(undo, r)
		}
	}

	// exact reverse of application order: batches newest first, and
	// inside a batch the highest sequence first
	sort.Slice(undo, func(i, j int) bool {
		if undo[i].Batch != undo[j].Batch {
			return undo[i].Batch > undo[j].Batch
		}
		si, sj := catalog.SequenceOf(undo[i].Name), catalog.SequenceOf(undo[j].Name)
		if si != sj {
			return si > sj
		}
		return undo[i].Name > undo[j].Name
	})

	result := &RollbackResult{Target: target}

	// refuse before mutating anything: one irreversible record aborts the
	// whole pass, partially undone history is worse than none
	for _, r := range undo {
		if strings.TrimSpace(r.RollbackSQL) == "" {
			return result, ErrRollbackUnavailable{Name: r.Name}
		}
	}

	for _, r := range undo {
		outcome, err := e.rollbackOne(ctx, r)
		if err != nil {
			return result, err
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	return result, nil
}

func (e *Engine) rollbackOne(ctx context.Context, r history.Record) (Outcome, error) {
	e.logVerbosePrintf("Rolling back %v (batch %v)\n", r.Name, r.Batch)

	outcome := Outcome{Name: r.Name}

	start := time.Now()
	runErr := e.historyDrv.Run(ctx, strings.NewReader(r.RollbackSQL))
	outcome.ExecutionTime = time.Since(start)

	if runErr != nil {
		// record the attempt before propagating; the migration stays
		// completed since its forward effects are still in place
		r.ErrorMessage = runErr.Error()
		if err := e.historyDrv.Upsert(ctx, r); err != nil {
			runErr = multierror.Append(runErr, err)
		}
		outcome.Err = runErr
		return outcome, runErr
	}

	if err := e.historyDrv.MarkRolledBack(ctx, r.Name); err != nil {
		return outcome, err
	}
	outcome.Status = history.StatusRolledBack

	e.logPrintf("%v rolled back (batch %v)\n", r.Name, r.Batch)
	return outcome, nil
}
