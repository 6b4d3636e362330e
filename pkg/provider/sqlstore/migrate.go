package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	// Drivers for the supported engines.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/datascout/datascout/assets"
)

const (
	EnginePostgres = "postgres"
	EngineMySQL    = "mysql"
	EngineSQLite   = "sqlite"
)

// Engine describes how to talk to one supported database.
type Engine struct {
	Name          string
	Driver        string
	Dialect       string
	MigrationsDir string
}

// LookupEngine returns the driver, goose dialect and migration directory for an engine name.
func LookupEngine(name string) (Engine, error) {
	switch name {
	case EnginePostgres:
		return Engine{Name: name, Driver: "pgx", Dialect: "postgres", MigrationsDir: assets.PostgresMigrationDir}, nil
	case EngineMySQL:
		return Engine{Name: name, Driver: "mysql", Dialect: "mysql", MigrationsDir: assets.MySQLMigrationDir}, nil
	case EngineSQLite:
		return Engine{Name: name, Driver: "sqlite", Dialect: "sqlite3", MigrationsDir: assets.SQLiteMigrationDir}, nil
	case "":
		return Engine{}, fmt.Errorf("missing datastore engine type")
	default:
		return Engine{}, fmt.Errorf("unknown datastore engine type: %s", name)
	}
}

// Migrate brings the schema of db to targetVersion, or to the latest revision when
// targetVersion is 0. It returns the revision the database was at before migrating.
func Migrate(ctx context.Context, db *sql.DB, engine Engine, targetVersion int64) (int64, error) {
	if err := goose.SetDialect(engine.Dialect); err != nil {
		return 0, fmt.Errorf("setting migration dialect: %w", err)
	}
	goose.SetBaseFS(assets.EmbedMigrations)

	currentVersion, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("reading schema revision: %w", err)
	}

	switch {
	case targetVersion == 0:
		err = goose.UpContext(ctx, db, engine.MigrationsDir)
	case targetVersion < currentVersion:
		err = goose.DownToContext(ctx, db, engine.MigrationsDir, targetVersion)
	case targetVersion > currentVersion:
		err = goose.UpToContext(ctx, db, engine.MigrationsDir, targetVersion)
	}
	if err != nil {
		return currentVersion, fmt.Errorf("running migrations: %w", err)
	}

	return currentVersion, nil
}
