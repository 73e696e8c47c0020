// Package postgres implements a history driver backed by lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	nurl "net/url"
	"time"

	"github.com/hashicorp/go-multierror"
	_ "github.com/lib/pq"

	"github.com/stagehand-sql/stagehand"
	"github.com/stagehand-sql/stagehand/history"
)

func init() {
	history.Register("postgres", &Postgres{})
	history.Register("postgresql", &Postgres{})
}

var (
	ErrNilConfig      = fmt.Errorf("no config")
	ErrNoDatabaseName = fmt.Errorf("no database name")
)

type Config struct {
	HistoryTable string
	LockTable    string
	DatabaseName string
}

type Postgres struct {
	db *sql.DB

	// Open and WithInstance need to guarantee that config is never nil
	config *Config
}

func WithInstance(ctx context.Context, instance *sql.DB, config *Config) (history.Driver, error) {
	if config == nil {
		return nil, ErrNilConfig
	}

	query := `SELECT CURRENT_DATABASE()`
	var databaseName string
	if err := instance.QueryRowContext(ctx, query).Scan(&databaseName); err != nil {
		return nil, &history.Error{OrigErr: err, Query: []byte(query)}
	}

	if len(databaseName) == 0 {
		return nil, ErrNoDatabaseName
	}

	config.DatabaseName = databaseName

	if len(config.HistoryTable) == 0 {
		config.HistoryTable = history.DefaultHistoryTable
	}
	if len(config.LockTable) == 0 {
		config.LockTable = history.DefaultLockTable
	}

	px := &Postgres{
		db:     instance,
		config: config,
	}

	if err := px.ensureTables(ctx); err != nil {
		return nil, err
	}

	return px, nil
}

func (p *Postgres) Open(ctx context.Context, url string) (history.Driver, error) {
	purl, err := nurl.Parse(url)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", stagehand.FilterCustomQuery(purl).String())
	if err != nil {
		return nil, err
	}

	px, err := WithInstance(ctx, db, &Config{
		HistoryTable: purl.Query().Get("x-history-table"),
		LockTable:    purl.Query().Get("x-lock-table"),
	})
	if err != nil {
		return nil, err
	}

	return px, nil
}

func (p *Postgres) Close(ctx context.Context) error {
	return p.db.Close()
}

func (p *Postgres) ensureTables(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		name TEXT PRIMARY KEY,
		batch_number INTEGER NOT NULL,
		executed_at TIMESTAMPTZ NOT NULL,
		execution_time_ms BIGINT NOT NULL,
		checksum TEXT NOT NULL,
		status TEXT NOT NULL,
		rollback_sql TEXT,
		error_message TEXT
	)`, p.config.HistoryTable)
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return &history.Error{OrigErr: err, Query: []byte(query)}
	}

	query = fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY CHECK (id = %d),
		is_locked BOOLEAN NOT NULL DEFAULT FALSE,
		locked_by TEXT,
		expires_at TIMESTAMPTZ
	)`, p.config.LockTable, history.LockID)
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return &history.Error{OrigErr: err, Query: []byte(query)}
	}

	query = fmt.Sprintf(`INSERT INTO %s (id, is_locked) VALUES (%d, FALSE) ON CONFLICT (id) DO NOTHING`,
		p.config.LockTable, history.LockID)
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return &history.Error{OrigErr: err, Query: []byte(query)}
	}
	return nil
}

// AcquireLock claims the lock row with a single conditional update, the
// compare-and-swap the cross-process exclusion relies on.
func (p *Postgres) AcquireLock(ctx context.Context, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	query := fmt.Sprintf(`UPDATE %s
		SET is_locked = TRUE, locked_by = $1, expires_at = $2
		WHERE id = %d AND (is_locked = FALSE OR expires_at < $3)`,
		p.config.LockTable, history.LockID)

	res, err := p.db.ExecContext(ctx, query, owner, now.Add(ttl), now)
	if err != nil {
		return &history.Error{OrigErr: err, Query: []byte(query)}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return history.ErrLocked
	}
	return nil
}

func (p *Postgres) ReleaseLock(ctx context.Context, owner string) error {
	query := fmt.Sprintf(`UPDATE %s
		SET is_locked = FALSE, locked_by = NULL, expires_at = NULL
		WHERE id = %d`,
		p.config.LockTable, history.LockID)

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return &history.Error{OrigErr: err, Query: []byte(query)}
	}
	return nil
}

func (p *Postgres) Records(ctx context.Context) (records []history.Record, err error) {
	query := fmt.Sprintf(`SELECT name, batch_number, executed_at, execution_time_ms,
		checksum, status, rollback_sql, error_message
		FROM %s`, p.config.HistoryTable)

	rows, err := p.db.QueryContext(ctx, query)
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
			elapsedMs   int64
			rollbackSQL sql.NullString
			errMessage  sql.NullString
		)
		if err := rows.Scan(&r.Name, &r.Batch, &r.ExecutedAt, &elapsedMs,
			&r.Checksum, &r.Status, &rollbackSQL, &errMessage); err != nil {
			return nil, err
		}
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

func (p *Postgres) MaxBatch(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(batch_number), 0) FROM %s`, p.config.HistoryTable)
	var max int
	if err := p.db.QueryRowContext(ctx, query).Scan(&max); err != nil {
		return 0, &history.Error{OrigErr: err, Query: []byte(query)}
	}
	return max, nil
}

func (p *Postgres) Upsert(ctx context.Context, r history.Record) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(name, batch_number, executed_at, execution_time_ms, checksum, status, rollback_sql, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			batch_number = EXCLUDED.batch_number,
			executed_at = EXCLUDED.executed_at,
			execution_time_ms = EXCLUDED.execution_time_ms,
			checksum = EXCLUDED.checksum,
			status = EXCLUDED.status,
			rollback_sql = EXCLUDED.rollback_sql,
			error_message = EXCLUDED.error_message`,
		p.config.HistoryTable)

	_, err := p.db.ExecContext(ctx, query,
		r.Name, r.Batch, r.ExecutedAt, r.ExecutionTime.Milliseconds(),
		r.Checksum, string(r.Status), nullable(r.RollbackSQL), nullable(r.ErrorMessage))
	if err != nil {
		return &history.Error{OrigErr: err, Query: []byte(query)}
	}
	return nil
}

func (p *Postgres) MarkRolledBack(ctx context.Context, name string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1 WHERE name = $2`, p.config.HistoryTable)
	if _, err := p.db.ExecContext(ctx, query, string(history.StatusRolledBack), name); err != nil {
		return &history.Error{OrigErr: err, Query: []byte(query)}
	}
	return nil
}

func (p *Postgres) Run(ctx context.Context, migration io.Reader) error {
	migr, err := io.ReadAll(migration)
	if err != nil {
		return err
	}

	// run the whole payload as one statement batch; DDL in postgres is
	// transactional so a failed script leaves no half-applied statement
	query := string(migr)
	if _, err := p.db.ExecContext(ctx, query); err != nil {
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
