package stagehand

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-sql/stagehand/history"
)

func TestRollbackUndoesLaterBatchesOnly(t *testing.T) {
	ctx := context.Background()
	e, cs, hs := newTestEngine(t)

	// batch 1 = {A, B}
	cs.Add(1, "001_a", "CREATE TABLE a (id INT)", "DROP TABLE a")
	cs.Add(2, "002_b", "CREATE TABLE b (id INT)", "DROP TABLE b")
	_, err := e.Run(ctx)
	require.NoError(t, err)

	// batch 2 = {C}
	cs.Add(3, "003_c", "CREATE TABLE c (id INT)", "DROP TABLE c")
	_, err = e.Run(ctx)
	require.NoError(t, err)

	executed := len(hs.ExecutedSQL)
	result, err := e.RollbackToBatch(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Target)
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, "003_c", result.Outcomes[0].Name)
	require.Len(t, hs.ExecutedSQL, executed+1)
	assert.Equal(t, "DROP TABLE c", hs.ExecutedSQL[len(hs.ExecutedSQL)-1])

	recC, _ := hs.Record("003_c")
	assert.Equal(t, history.StatusRolledBack, recC.Status)
	recA, _ := hs.Record("001_a")
	assert.Equal(t, history.StatusCompleted, recA.Status)
	recB, _ := hs.Record("002_b")
	assert.Equal(t, history.StatusCompleted, recB.Status)

	assert.False(t, hs.IsLocked())
}

func TestRollbackReversesApplicationOrder(t *testing.T) {
	ctx := context.Background()
	e, cs, hs := newTestEngine(t)

	cs.Add(1, "001_a", "CREATE TABLE a (id INT)", "DROP TABLE a")
	cs.Add(2, "002_b", "CREATE TABLE b (id INT)", "DROP TABLE b")
	cs.Add(10, "010_c", "CREATE TABLE c (id INT)", "DROP TABLE c")
	_, err := e.Run(ctx)
	require.NoError(t, err)

	executed := len(hs.ExecutedSQL)
	result, err := e.RollbackToBatch(ctx, 0)
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 3)
	require.Equal(t, []string{
		"DROP TABLE c",
		"DROP TABLE b",
		"DROP TABLE a",
	}, hs.ExecutedSQL[executed:])
}

func TestRollbackToNameResolvesBatch(t *testing.T) {
	ctx := context.Background()
	e, cs, hs := newTestEngine(t)

	cs.Add(1, "001_a", "CREATE TABLE a (id INT)", "DROP TABLE a")
	_, err := e.Run(ctx)
	require.NoError(t, err)

	cs.Add(2, "002_b", "CREATE TABLE b (id INT)", "DROP TABLE b")
	_, err = e.Run(ctx)
	require.NoError(t, err)

	cs.Add(3, "003_c", "CREATE TABLE c (id INT)", "DROP TABLE c")
	_, err = e.Run(ctx)
	require.NoError(t, err)

	// 001_a ran in batch 1: everything after batch 1 is undone, the
	// named migration itself stays applied
	result, err := e.RollbackToName(ctx, "001_a")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Target)
	require.Len(t, result.Outcomes, 2)
	assert.Equal(t, "003_c", result.Outcomes[0].Name)
	assert.Equal(t, "002_b", result.Outcomes[1].Name)

	recA, _ := hs.Record("001_a")
	assert.Equal(t, history.StatusCompleted, recA.Status)
}

func TestRollbackToUnknownName(t *testing.T) {
	ctx := context.Background()
	e, _, hs := newTestEngine(t)

	_, err := e.RollbackToName(ctx, "042_nonexistent")
	var unknown ErrUnknownMigration
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "042_nonexistent", unknown.Name)
	assert.False(t, hs.IsLocked())
}

func TestRollbackNegativeBatch(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	_, err := e.RollbackToBatch(ctx, -1)
	assert.True(t, errors.Is(err, ErrInvalidBatch))
}

func TestRollbackHaltsWhenRollbackSQLMissing(t *testing.T) {
	ctx := context.Background()
	e, cs, hs := newTestEngine(t)

	cs.Add(1, "001_a", "CREATE TABLE a (id INT)", "DROP TABLE a")
	cs.Add(2, "002_b", "CREATE TABLE b (id INT)", "")
	_, err := e.Run(ctx)
	require.NoError(t, err)

	executed := len(hs.ExecutedSQL)
	_, err = e.RollbackToBatch(ctx, 0)

	var unavailable ErrRollbackUnavailable
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "002_b", unavailable.Name)

	// nothing was undone, not even records that do have rollback SQL
	assert.Len(t, hs.ExecutedSQL, executed)
	recA, _ := hs.Record("001_a")
	assert.Equal(t, history.StatusCompleted, recA.Status)
	recB, _ := hs.Record("002_b")
	assert.Equal(t, history.StatusCompleted, recB.Status)
	assert.False(t, hs.IsLocked())
}

func TestRollbackReplaysStoredSQLNotCurrentFile(t *testing.T) {
	ctx := context.Background()
	e, cs, hs := newTestEngine(t)

	cs.Add(1, "001_a", "CREATE TABLE a (id INT)", "DROP TABLE a")
	_, err := e.Run(ctx)
	require.NoError(t, err)

	// the on-disk rollback section changes after the run; the stored
	// copy is what must execute
	cs.Remove("001_a")
	cs.Add(1, "001_a", "CREATE TABLE a (id INT)", "DROP TABLE a CASCADE")

	// rollback directly without re-running: only history is consulted
	result, err := e.RollbackToBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, "DROP TABLE a", hs.ExecutedSQL[len(hs.ExecutedSQL)-1])
}

func TestRollbackLockExclusivity(t *testing.T) {
	ctx := context.Background()
	e, cs, hs := newTestEngine(t)

	cs.Add(1, "001_a", "CREATE TABLE a (id INT)", "DROP TABLE a")
	_, err := e.Run(ctx)
	require.NoError(t, err)

	require.NoError(t, hs.AcquireLock(ctx, "another-process", time.Minute))

	_, err = e.RollbackToBatch(ctx, 0)
	assert.True(t, errors.Is(err, history.ErrLocked))

	_, err = e.RollbackToName(ctx, "001_a")
	assert.True(t, errors.Is(err, history.ErrLocked))
}

func TestFreshRebuildsEverything(t *testing.T) {
	ctx := context.Background()
	e, cs, hs := newTestEngine(t)

	cs.Add(1, "001_a", "CREATE TABLE a (id INT)", "DROP TABLE a")
	cs.Add(2, "002_b", "CREATE TABLE b (id INT)", "DROP TABLE b")
	_, err := e.Run(ctx)
	require.NoError(t, err)

	executed := len(hs.ExecutedSQL)
	rbResult, runResult, err := e.Fresh(ctx)
	require.NoError(t, err)

	require.Len(t, rbResult.Outcomes, 2)
	assert.Equal(t, 2, runResult.Batch, "batch numbers keep increasing across fresh")
	assert.Equal(t, 2, runResult.Applied())

	// two rollbacks then two re-applies
	require.Equal(t, []string{
		"DROP TABLE b",
		"DROP TABLE a",
		"CREATE TABLE a (id INT)",
		"CREATE TABLE b (id INT)",
	}, hs.ExecutedSQL[executed:])

	recA, _ := hs.Record("001_a")
	assert.Equal(t, history.StatusCompleted, recA.Status)
	assert.Equal(t, 2, recA.Batch)
	assert.False(t, hs.IsLocked())
}
