// Package pgx implements a history driver backed by jackc/pgx/v5 through
// database/sql. It shares the SQL surface of the postgres driver; only the
// underlying connection machinery differs.
package pgx

import (
	"context"
	"database/sql"
	nurl "net/url"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/stagehand-sql/stagehand"
	"github.com/stagehand-sql/stagehand/history"
	"github.com/stagehand-sql/stagehand/history/postgres"
)

func init() {
	history.Register("pgx", &Pgx{})
	history.Register("pgx5", &Pgx{})
}

// Pgx delegates everything except connecting to the postgres driver.
type Pgx struct {
	history.Driver
}

func (p *Pgx) Open(ctx context.Context, url string) (history.Driver, error) {
	purl, err := nurl.Parse(url)
	if err != nil {
		return nil, err
	}

	// pgx understands postgres:// DSNs, the pgx:// scheme only selects
	// this driver
	connURL := stagehand.FilterCustomQuery(purl).String()
	connURL = strings.Replace(connURL, "pgx5://", "postgres://", 1)
	connURL = strings.Replace(connURL, "pgx://", "postgres://", 1)

	db, err := sql.Open("pgx", connURL)
	if err != nil {
		return nil, err
	}

	drv, err := postgres.WithInstance(ctx, db, &postgres.Config{
		HistoryTable: purl.Query().Get("x-history-table"),
		LockTable:    purl.Query().Get("x-lock-table"),
	})
	if err != nil {
		return nil, err
	}

	return &Pgx{Driver: drv}, nil
}
