// Package sqlite implements a history driver backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	nurl "net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"
	_ "modernc.org/sqlite"

	"github.com/stagehand-sql/stagehand"
	"github.com/stagehand-sql/stagehand/history"
)

func init() {
	history.Register("sqlite", &Sqlite{})
}

var ErrNilConfig = fmt.Errorf("no config")

type Config struct {
	HistoryTable string
	LockTable    string
	NoTxWrap     bool
}

type Sqlite struct {
	db *sql.DB

	// guards the lock row within this process; sqlite has no row-level
	// contention worth relying on for two goroutines sharing one handle
	isLocked atomic.Bool

	config *Config
}

func WithInstance(ctx context.Context, instance *sql.DB, config *Config) (history.Driver, error) {
	if config == nil {
		return nil, ErrNilConfig
	}

	if err := instance.Ping(); err != nil {
		return nil, err
	}

	if len(config.HistoryTable) == 0 {
		config.HistoryTable = history.DefaultHistoryTable
	}
	if len(config.LockTable) == 0 {
		config.LockTable = history.DefaultLockTable
	}

	sx := &Sqlite{
		db:     instance,
		config: config,
	}
	if err := sx.ensureTables(ctx); err != nil {
		return nil, err
	}
	return sx, nil
}

// ensureTables creates the history and lock tables if needed and seeds the
// singleton lock row. The lock row is created once here and only ever
// mutated afterwards, never deleted.
func (s *Sqlite) ensureTables(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		name TEXT PRIMARY KEY,
		batch_number INTEGER NOT NULL,
		executed_at INTEGER NOT NULL,
		execution_time_ms INTEGER NOT NULL,
		checksum TEXT NOT NULL,
		status TEXT NOT NULL,
		rollback_sql TEXT,
		error_message TEXT
	);
	CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY CHECK (id = %d),
		is_locked INTEGER NOT NULL DEFAULT 0,
		locked_by TEXT,
		expires_at INTEGER
	);
	`, s.config.HistoryTable, s.config.LockTable, history.LockID)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return &history.Error{OrigErr: err, Query: []byte(query)}
	}

	query = fmt.Sprintf(`INSERT OR IGNORE INTO %s (id, is_locked) VALUES (%d, 0)`,
		s.config.LockTable, history.LockID)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return &history.Error{OrigErr: err, Query: []byte(query)}
	}
	return nil
}

func (s *Sqlite) Open(ctx context.Context, url string) (history.Driver, error) {
	purl, err := nurl.Parse(url)
	if err != nil {
		return nil, err
	}
	dbfile := strings.Replace(stagehand.FilterCustomQuery(purl).String(), "sqlite://", "", 1)
	db, err := sql.Open("sqlite", dbfile)
	if err != nil {
		return nil, err
	}

	qv := purl.Query()

	historyTable := qv.Get("x-history-table")
	lockTable := qv.Get("x-lock-table")

	noTxWrap := false
	if v := qv.Get("x-no-tx-wrap"); v != "" {
		noTxWrap, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("x-no-tx-wrap: %s", err)
		}
	}

	sx, err := WithInstance(ctx, db, &Config{
		HistoryTable: historyTable,
		LockTable:    lockTable,
		NoTxWrap:     noTxWrap,
	})
	if err != nil {
		return nil, err
	}
	return sx, nil
}

func (s *Sqlite) Close(ctx context.Context) error {
	return s.db.Close()
}

// AcquireLock claims the lock row with a single conditional update. The
// expiry is stored as a unix timestamp so the comparison happens in SQL,
// not in a racy read-then-write.
func (s *Sqlite) AcquireLock(ctx context.Context, owner string, ttl time.Duration) error {
	if !s.isLocked.CAS(false, true) {
		return history.ErrLocked
	}

	now := time.Now().Unix()
	query := fmt.Sprintf(`UPDATE %s
		SET is_locked = 1, locked_by = ?, expires_at = ?
		WHERE id = %d AND (is_locked = 0 OR expires_at < ?)`,
		s.config.LockTable, history.LockID)

	res, err := s.db.ExecContext(ctx, query, owner, now+int64(ttl.Seconds()), now)
	if err != nil {
		s.isLocked.Store(false)
		return &history.Error{OrigErr: err, Query: []byte(query)}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		s.isLocked.Store(false)
		return err
	}
	if affected == 0 {
		s.isLocked.Store(false)
		return history.ErrLocked
	}
	return nil
}

func (s *Sqlite) ReleaseLock(ctx context.Context, owner string) error {
	query := fmt.Sprintf(`UPDATE %s
		SET is_locked = 0, locked_by = NULL, expires_at = NULL
		WHERE id = %d`,
		s.config.LockTable, history.LockID)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return &history.Error{OrigErr: err, Query: []byte(query)}
	}

	if !s.isLocked.CAS(true, false) {
		return history.ErrNotLocked
	}
	return nil
}

func (s *Sqlite) Records(ctx context.Context) (records []history.Record, err error) {
	query := fmt.Sprintf(`SELECT name, batch_number, executed_at, execution_time_ms,
		checksum, status, rollback_sql, error_message
		FROM %s`, s.config.HistoryTable)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &history.Error{OrigErr: err, Query: []byte(query)}
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			err = multierror.Append(err, errClose)
		}
	}()
	for rows.Next() {
		var (
			r           history.Record
			executedAt  int64
			elapsedMs   int64
			rollbackSQL sql.NullString
			errMessage  sql.NullString
		)
		if err := rows.Scan(&r.Name, &r.Batch, &executedAt, &elapsedMs,
			&r.Checksum, &r.Status, &rollbackSQL, &errMessage); err != nil {
			return nil, err
		}
		r.ExecutedAt = time.Unix(0, executedAt).UTC()
		r.ExecutionTime = time.Duration(elapsedMs) * time.Millisecond
		r.RollbackSQL = rollbackSQL.String
		r.ErrorMessage = errMessage.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &history.Error{OrigErr: err, Query: []byte(query)}
	}
	return records, nil
}

func (s *Sqlite) MaxBatch(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(batch_number), 0) FROM %s`, s.config.HistoryTable)
	var max int
	if err := s.db.QueryRowContext(ctx, query).Scan(&max); err != nil {
		return 0, &history.Error{OrigErr: err, Query: []byte(query)}
	}
	return max, nil
}

func (s *Sqlite) Upsert(ctx context.Context, r history.Record) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(name, batch_number, executed_at, execution_time_ms, checksum, status, rollback_sql, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			batch_number = excluded.batch_number,
			executed_at = excluded.executed_at,
			execution_time_ms = excluded.execution_time_ms,
			checksum = excluded.checksum,
			status = excluded.status,
			rollback_sql = excluded.rollback_sql,
			error_message = excluded.error_message`,
		s.config.HistoryTable)

	_, err := s.db.ExecContext(ctx, query,
		r.Name, r.Batch, r.ExecutedAt.UnixNano(), r.ExecutionTime.Milliseconds(),
		r.Checksum, string(r.Status), nullable(r.RollbackSQL), nullable(r.ErrorMessage))
	if err != nil {
		return &history.Error{OrigErr: err, Query: []byte(query)}
	}
	return nil
}

func (s *Sqlite) MarkRolledBack(ctx context.Context, name string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = ? WHERE name = ?`, s.config.HistoryTable)
	if _, err := s.db.ExecContext(ctx, query, string(history.StatusRolledBack), name); err != nil {
		return &history.Error{OrigErr: err, Query: []byte(query)}
	}
	return nil
}

func (s *Sqlite) Run(ctx context.Context, migration io.Reader) error {
	migr, err := io.ReadAll(migration)
	if err != nil {
		return err
	}
	query := string(migr)

	if s.config.NoTxWrap {
		return s.executeQueryNoTx(ctx, query)
	}
	return s.executeQuery(ctx, query)
}

func (s *Sqlite) executeQuery(ctx context.Context, query string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &history.Error{OrigErr: err, Err: "transaction start failed"}
	}
	if _, err := tx.ExecContext(ctx, query); err != nil {
		if errRollback := tx.Rollback(); errRollback != nil {
			err = multierror.Append(err, errRollback)
		}
		return &history.Error{OrigErr: err, Query: []byte(query)}
	}
	if err := tx.Commit(); err != nil {
		return &history.Error{OrigErr: err, Err: "transaction commit failed"}
	}
	return nil
}

func (s *Sqlite) executeQueryNoTx(ctx context.Context, query string) error {
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return &history.Error{OrigErr: err, Query: []byte(query)}
	}
	return nil
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
