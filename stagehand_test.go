package stagehand

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cStub "github.com/stagehand-sql/stagehand/catalog/stub"
	"github.com/stagehand-sql/stagehand/history"
	hStub "github.com/stagehand-sql/stagehand/history/stub"
)

func newTestEngine(t *testing.T) (*Engine, *cStub.Stub, *hStub.Stub) {
	t.Helper()

	cs := &cStub.Stub{}
	hs := &hStub.Stub{}
	e, err := NewWithInstances("stub", cs, "stub", hs)
	require.NoError(t, err)
	e.LockOwner = t.Name()
	return e, cs, hs
}

func TestRunAppliesInSequenceOrder(t *testing.T) {
	ctx := context.Background()
	e, cs, hs := newTestEngine(t)

	// deliberately added out of order; sequence decides, not list order
	cs.Add(10, "010_c", "CREATE TABLE c (id INT)", "DROP TABLE c")
	cs.Add(1, "001_a", "CREATE TABLE a (id INT)", "DROP TABLE a")
	cs.Add(2, "002_b", "CREATE TABLE b (id INT)", "DROP TABLE b")

	result, err := e.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Batch)
	assert.Equal(t, 3, result.Applied())
	require.Equal(t, []string{
		"CREATE TABLE a (id INT)",
		"CREATE TABLE b (id INT)",
		"CREATE TABLE c (id INT)",
	}, hs.ExecutedSQL)

	for _, name := range []string{"001_a", "002_b", "010_c"} {
		rec, ok := hs.Record(name)
		require.True(t, ok, "missing record for %s", name)
		assert.Equal(t, history.StatusCompleted, rec.Status)
		assert.Equal(t, 1, rec.Batch)
		assert.NotEmpty(t, rec.Checksum)
		assert.NotEmpty(t, rec.RollbackSQL)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, cs, hs := newTestEngine(t)

	cs.Add(1, "001_a", "CREATE TABLE a (id INT)", "DROP TABLE a")
	cs.Add(2, "002_b", "CREATE TABLE b (id INT)", "DROP TABLE b")

	first, err := e.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Batch)
	executed := len(hs.ExecutedSQL)

	second, err := e.Run(ctx)
	require.NoError(t, err)
	assert.True(t, second.NoOp())
	assert.Equal(t, 0, second.Applied())
	assert.Len(t, hs.ExecutedSQL, executed, "second run must execute no SQL")
}

func TestRunDetectsEditedFile(t *testing.T) {
	ctx := context.Background()
	e, cs, hs := newTestEngine(t)

	cs.Add(1, "001_init", "CREATE TABLE users (id INT)", "DROP TABLE users")
	cs.Add(2, "002_add_index", "CREATE INDEX idx_a ON users (id)", "DROP INDEX idx_a")

	_, err := e.Run(ctx)
	require.NoError(t, err)

	// edit 002 on disk: same name, new content, new checksum
	cs.Remove("002_add_index")
	cs.Add(2, "002_add_index",
		"CREATE INDEX idx_a ON users (id); CREATE INDEX idx_b ON users (id)",
		"DROP INDEX idx_a; DROP INDEX idx_b")

	executed := len(hs.ExecutedSQL)
	result, err := e.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Batch, "re-run of a changed file allocates a new batch")
	assert.Equal(t, 1, result.Applied())
	require.Len(t, hs.ExecutedSQL, executed+1, "only the edited file re-executes")
	assert.Contains(t, hs.ExecutedSQL[len(hs.ExecutedSQL)-1], "idx_b")

	unchanged, _ := hs.Record("001_init")
	assert.Equal(t, 1, unchanged.Batch, "unchanged file keeps its original batch")

	changed, _ := hs.Record("002_add_index")
	assert.Equal(t, 2, changed.Batch)
	assert.Equal(t, history.StatusCompleted, changed.Status)
	assert.Contains(t, changed.RollbackSQL, "idx_b", "stored rollback reflects the edit")
}

func TestRunFailFast(t *testing.T) {
	ctx := context.Background()
	e, cs, hs := newTestEngine(t)

	cs.Add(1, "001_a", "CREATE TABLE a (id INT)", "DROP TABLE a")
	cs.Add(2, "002_b", "CREATE TABLE boom (id INT)", "DROP TABLE boom")
	cs.Add(10, "010_c", "CREATE TABLE c (id INT)", "DROP TABLE c")
	hs.FailOn = "boom"

	result, err := e.Run(ctx)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Batch)

	recA, ok := hs.Record("001_a")
	require.True(t, ok)
	assert.Equal(t, history.StatusCompleted, recA.Status)

	recB, ok := hs.Record("002_b")
	require.True(t, ok)
	assert.Equal(t, history.StatusFailed, recB.Status)
	assert.NotEmpty(t, recB.ErrorMessage)

	_, ok = hs.Record("010_c")
	assert.False(t, ok, "files after the failure must never be attempted")
	assert.Len(t, hs.ExecutedSQL, 1)

	assert.False(t, hs.IsLocked(), "lock must be released on the failure path")
}

func TestRunRetriesFailedRegardlessOfChecksum(t *testing.T) {
	ctx := context.Background()
	e, cs, hs := newTestEngine(t)

	cs.Add(1, "001_a", "CREATE TABLE a (id INT)", "DROP TABLE a")
	cs.Add(2, "002_b", "CREATE TABLE boom (id INT)", "DROP TABLE boom")
	hs.FailOn = "boom"

	_, err := e.Run(ctx)
	require.Error(t, err)

	// the file is not edited, only the underlying failure is gone
	hs.FailOn = ""

	result, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Batch)
	assert.Equal(t, 1, result.Applied())

	recB, _ := hs.Record("002_b")
	assert.Equal(t, history.StatusCompleted, recB.Status)
	assert.Equal(t, 2, recB.Batch)
	assert.Empty(t, recB.ErrorMessage)
}

func TestRunLockExclusivity(t *testing.T) {
	ctx := context.Background()
	e, cs, hs := newTestEngine(t)

	cs.Add(1, "001_a", "CREATE TABLE a (id INT)", "DROP TABLE a")

	require.NoError(t, hs.AcquireLock(ctx, "another-process", time.Minute))

	_, err := e.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, history.ErrLocked))
	assert.Empty(t, hs.ExecutedSQL, "a contended run must execute nothing")

	require.NoError(t, hs.ReleaseLock(ctx, "another-process"))

	result, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Batch)
	assert.False(t, hs.IsLocked())
}

func TestRunStealsExpiredLock(t *testing.T) {
	ctx := context.Background()
	e, cs, hs := newTestEngine(t)

	cs.Add(1, "001_a", "CREATE TABLE a (id INT)", "DROP TABLE a")

	now := time.Now()
	hs.Now = func() time.Time { return now }
	require.NoError(t, hs.AcquireLock(ctx, "stale-process", time.Minute))

	// the stale process never released; its claim has expired
	hs.Now = func() time.Time { return now.Add(2 * time.Minute) }

	result, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Batch)
}

func TestRunNoFiles(t *testing.T) {
	ctx := context.Background()
	e, _, hs := newTestEngine(t)

	result, err := e.Run(ctx)
	require.NoError(t, err)
	assert.True(t, result.NoOp())
	assert.Empty(t, hs.ExecutedSQL)
	assert.False(t, hs.IsLocked())
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	e, cs, hs := newTestEngine(t)

	cs.Add(1, "001_a", "CREATE TABLE a (id INT)", "DROP TABLE a")
	cs.Add(2, "002_b", "CREATE TABLE b (id INT)", "DROP TABLE b")

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Applied)
	assert.Equal(t, 2, st.Pending)

	_, err = e.Run(ctx)
	require.NoError(t, err)

	// a file applied earlier and then deleted from the catalog
	require.NoError(t, hs.Upsert(ctx, history.Record{
		Name: "000_legacy", Batch: 1, Status: history.StatusCompleted, Checksum: "x",
	}))

	st, err = e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Applied)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, []string{"000_legacy"}, st.Orphaned)

	require.Len(t, st.Entries, 2)
	assert.Equal(t, 1, st.Entries[0].Batch)
	assert.False(t, st.Entries[0].ExecutedAt.IsZero())
}
