package db

import (
	"embed"
	"fmt"
	"net/url"

	_ "github.com/tfkr-ae/mirsat/db/migrations"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql migrations/*.go
var embedMigrations embed.FS

// Repository implements the cache, queue, config, stats and log repositories of the domain package
// on one connection.
type Repository struct {
	dbConn *sqlx.DB
}

func NewAgentRepo(db *sqlx.DB) *Repository {
	return &Repository{
		dbConn: db,
	}
}

func (repo *Repository) Close() error {
	if err := repo.dbConn.Close(); err != nil {
		return fmt.Errorf("closing repo : %w", err)
	}
	return nil
}

// dsn builds the modernc connection string for path. Every connection runs in WAL mode with a
// busy timeout and foreign keys on.
func dsn(path string) string {
	pragmas := url.Values{}
	pragmas.Add("_pragma", "journal_mode(WAL)")
	pragmas.Add("_pragma", "busy_timeout(5000)")
	pragmas.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + pragmas.Encode()
}

// New opens the SQLite database at path and applies all pending migrations. A single open
// connection serializes the writes of the cache store, the queue and the log writer.
func New(path string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("connecting to db %s : %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sqlx.DB) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(string(goose.DialectSQLite3)); err != nil {
		return fmt.Errorf("setting dialect for migrations : %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("applying migration : %w", err)
	}
	return nil
}
