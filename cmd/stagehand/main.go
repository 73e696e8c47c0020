package main

import (
	"github.com/stagehand-sql/stagehand/internal/cli"

	_ "github.com/stagehand-sql/stagehand/catalog/file"
	_ "github.com/stagehand-sql/stagehand/history/mysql"
	_ "github.com/stagehand-sql/stagehand/history/pgx"
	_ "github.com/stagehand-sql/stagehand/history/postgres"
	_ "github.com/stagehand-sql/stagehand/history/sqlite"
)

// Version is set via ldflags at release time, or from module build info.
var Version = "dev"

func main() {
	cli.Main(Version)
}
