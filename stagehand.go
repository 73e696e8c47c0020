// Package stagehand applies ordered, versioned SQL schema changes to a
// relational database. Scripts come from a catalog.Driver, execution
// history and the cross-process lock live behind a history.Driver; the
// driver interfaces are kept "dumb", all migration logic is in this
// package.
//
// Each successful run that executes at least one script allocates a new
// batch number; rollback undoes whole batches in exact reverse order using
// the rollback SQL stored at execution time. Re-running with no file edits
// executes nothing: the per-file checksum is the idempotency contract.
package stagehand

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/stagehand-sql/stagehand/catalog"
	"github.com/stagehand-sql/stagehand/history"
	iurl "github.com/stagehand-sql/stagehand/internal/url"
)

// DefaultLockTimeout bounds how long an acquired lock stays live before a
// competing process may steal the lock row.
var DefaultLockTimeout = 5 * time.Minute

// ErrInvalidBatch is returned for negative rollback targets.
var ErrInvalidBatch = errors.New("target batch must be >= 0")

// ErrRollbackUnavailable reports a completed migration whose record holds
// no rollback SQL. The rollback sequence halts before undoing anything
// further: skipping silently would leave the database in an undefined
// relationship to history.
type ErrRollbackUnavailable struct {
	Name string
}

func (e ErrRollbackUnavailable) Error() string {
	return fmt.Sprintf("no rollback SQL stored for migration %s", e.Name)
}

// ErrUnknownMigration reports a rollback target name with no history record.
type ErrUnknownMigration struct {
	Name string
}

func (e ErrUnknownMigration) Error() string {
	return fmt.Sprintf("unknown migration %s", e.Name)
}

type Engine struct {
	catalogName string
	catalogDrv  catalog.Driver
	historyName string
	historyDrv  history.Driver

	// Log accepts a Logger interface
	Log Logger

	// LockTimeout defaults to DefaultLockTimeout,
	// but can be set per Engine instance.
	LockTimeout time.Duration

	// LockOwner identifies this process in the lock row. It defaults to
	// host, pid and a random suffix; override it for stable identities
	// in tests or supervised deployments.
	LockOwner string
}

// New returns a new Engine instance from a catalog URL and a database URL.
// The URL scheme is defined by each driver.
func New(ctx context.Context, catalogURL, databaseURL string) (*Engine, error) {
	e := newCommon()

	catalogName, err := iurl.SchemeFromURL(catalogURL)
	if err != nil {
		return nil, err
	}
	e.catalogName = catalogName

	historyName, err := iurl.SchemeFromURL(databaseURL)
	if err != nil {
		return nil, err
	}
	e.historyName = historyName

	catalogDrv, err := catalog.Open(catalogURL)
	if err != nil {
		return nil, err
	}
	e.catalogDrv = catalogDrv

	historyDrv, err := history.Open(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	e.historyDrv = historyDrv

	return e, nil
}

// NewWithHistoryInstance returns a new Engine instance from a catalog URL
// and an existing history driver instance. Use any string that can serve
// as an identifier during logging as historyName. You are responsible for
// closing the underlying database client if necessary.
func NewWithHistoryInstance(catalogURL, historyName string, historyInstance history.Driver) (*Engine, error) {
	e := newCommon()

	catalogName, err := iurl.SchemeFromURL(catalogURL)
	if err != nil {
		return nil, err
	}
	e.catalogName = catalogName
	e.historyName = historyName

	catalogDrv, err := catalog.Open(catalogURL)
	if err != nil {
		return nil, err
	}
	e.catalogDrv = catalogDrv
	e.historyDrv = historyInstance

	return e, nil
}

// NewWithCatalogInstance returns a new Engine instance from an existing
// catalog driver instance and a database URL.
func NewWithCatalogInstance(ctx context.Context, catalogName string, catalogInstance catalog.Driver, databaseURL string) (*Engine, error) {
	e := newCommon()

	historyName, err := iurl.SchemeFromURL(databaseURL)
	if err != nil {
		return nil, err
	}
	e.historyName = historyName
	e.catalogName = catalogName

	historyDrv, err := history.Open(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	e.historyDrv = historyDrv
	e.catalogDrv = catalogInstance

	return e, nil
}

// NewWithInstances returns a new Engine instance from existing catalog and
// history driver instances. You are responsible for closing down the
// underlying clients if necessary.
func NewWithInstances(catalogName string, catalogInstance catalog.Driver, historyName string, historyInstance history.Driver) (*Engine, error) {
	e := newCommon()

	e.catalogName = catalogName
	e.historyName = historyName

	e.catalogDrv = catalogInstance
	e.historyDrv = historyInstance

	return e, nil
}

func newCommon() *Engine {
	return &Engine{
		LockTimeout: DefaultLockTimeout,
		LockOwner:   defaultLockOwner(),
	}
}

func defaultLockOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
}

// Close closes the catalog and the history store.
func (e *Engine) Close(ctx context.Context) (catalog error, database error) {
	historyClose := make(chan error)
	catalogClose := make(chan error)

	e.logVerbosePrintf("Closing catalog and database\n")

	go func() {
		historyClose <- e.historyDrv.Close(ctx)
	}()

	go func() {
		catalogClose <- e.catalogDrv.Close()
	}()

	return <-catalogClose, <-historyClose
}

// Run executes every file the change detector selects, in sequence order,
// under one freshly allocated batch number. The first failing file stops
// the batch; its record is written before the error propagates. When no
// file needs execution the returned result is a no-op and no batch number
// is consumed.
//
// Lock contention surfaces immediately as history.ErrLocked. Run never
// retries acquisition: the caller decides whether and when to try again.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	if err := e.lock(ctx); err != nil {
		return nil, err
	}

	result, err := e.run(ctx)
	if err != nil {
		return result, e.unlockErr(ctx, err)
	}
	return result, e.unlock(ctx)
}

// run does the actual work of Run. The caller holds the lock.
func (e *Engine) run(ctx context.Context) (*RunResult, error) {
	files, err := e.catalogDrv.List()
	if err != nil {
		return nil, err
	}

	records, err := e.recordsByName(ctx)
	if err != nil {
		return nil, err
	}

	result := &RunResult{}
	var due []*catalog.Migration
	classifications := make(map[string]Classification, len(files))
	for _, f := range files {
		c := Classify(f, records[f.Name])
		classifications[f.Name] = c
		if c.NeedsRun() {
			due = append(due, f)
		} else {
			result.Outcomes = append(result.Outcomes, Outcome{
				Name:           f.Name,
				Classification: c,
			})
			e.logVerbosePrintf("Skipping %v (%v)\n", f.Name, c)
		}
	}

	if len(due) == 0 {
		e.logVerbosePrintf("No change\n")
		return result, nil
	}

	maxBatch, err := e.historyDrv.MaxBatch(ctx)
	if err != nil {
		return nil, err
	}
	result.Batch = maxBatch + 1

	for _, f := range due {
		outcome, err := e.runOne(ctx, f, classifications[f.Name], result.Batch)
		result.Outcomes = append(result.Outcomes, outcome)
		if err != nil {
			// fail fast: later files may assume this one's effects
			return result, err
		}
	}

	return result, nil
}

// runOne executes a single file's forward SQL and records the outcome.
// Every execution attempt leaves a history record, success or not.
func (e *Engine) runOne(ctx context.Context, f *catalog.Migration, c Classification, batch int) (Outcome, error) {
	e.logVerbosePrintf("Applying %v (%v)\n", f.Name, c)

	start := time.Now()
	runErr := e.historyDrv.Run(ctx, strings.NewReader(f.ForwardSQL))
	elapsed := time.Since(start)

	rec := history.Record{
		Name:          f.Name,
		Batch:         batch,
		ExecutedAt:    start.UTC(),
		ExecutionTime: elapsed,
		Checksum:      f.Checksum,
		RollbackSQL:   f.RollbackSQL,
	}

	outcome := Outcome{
		Name:           f.Name,
		Classification: c,
		ExecutionTime:  elapsed,
	}

	if runErr != nil {
		rec.Status = history.StatusFailed
		rec.ErrorMessage = runErr.Error()
		if err := e.historyDrv.Upsert(ctx, rec); err != nil {
			runErr = multierror.Append(runErr, err)
		}
		outcome.Status = history.StatusFailed
		outcome.Err = runErr
		return outcome, runErr
	}

	rec.Status = history.StatusCompleted
	if err := e.historyDrv.Upsert(ctx, rec); err != nil {
		return outcome, err
	}
	outcome.Status = history.StatusCompleted

	e.logPrintf("%v (batch %v, %v)\n", f.Name, batch, elapsed)
	return outcome, nil
}

// Fresh rolls every batch back and then runs everything again. It holds
// the lock across both phases so no other process can slip in between.
func (e *Engine) Fresh(ctx context.Context) (*RollbackResult, *RunResult, error) {
	if err := e.lock(ctx); err != nil {
		return nil, nil, err
	}

	rbResult, err := e.rollback(ctx, 0)
	if err != nil {
		return rbResult, nil, e.unlockErr(ctx, err)
	}

	runResult, err := e.run(ctx)
	if err != nil {
		return rbResult, runResult, e.unlockErr(ctx, err)
	}

	return rbResult, runResult, e.unlock(ctx)
}

func (e *Engine) recordsByName(ctx context.Context) (map[string]*history.Record, error) {
	records, err := e.historyDrv.Records(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*history.Record, len(records))
	for i := range records {
		byName[records[i].Name] = &records[i]
	}
	return byName, nil
}

// lock acquires the cross-process lock row. There is no retry here: a
// held lock fails the whole invocation immediately.
func (e *Engine) lock(ctx context.Context) error {
	e.logVerbosePrintf("Acquiring migration lock as %v\n", e.LockOwner)
	return e.historyDrv.AcquireLock(ctx, e.LockOwner, e.LockTimeout)
}

// unlock releases the lock row. It is called on every exit path once the
// lock was acquired, including after a failed batch.
func (e *Engine) unlock(ctx context.Context) error {
	if err := e.historyDrv.ReleaseLock(ctx, e.LockOwner); err != nil {
		return err
	}
	e.logVerbosePrintf("Released migration lock\n")
	return nil
}

// unlockErr calls unlock and returns a combined error
// if a prevErr is not nil.
func (e *Engine) unlockErr(ctx context.Context, prevErr error) error {
	if err := e.unlock(ctx); err != nil {
		return multierror.Append(prevErr, err)
	}
	return prevErr
}

// logPrintf writes to e.Log if not nil
func (e *Engine) logPrintf(format string, v ...interface{}) {
	if e.Log != nil {
		e.Log.Printf(format, v...)
	}
}

// logVerbosePrintf writes to e.Log if not nil. Use for verbose logging output.
func (e *Engine) logVerbosePrintf(format string, v ...interface{}) {
	if e.Log != nil && e.Log.Verbose() {
		e.Log.Printf(format, v...)
	}
}
