// Package audit is a pure observability sink: it records completed
// deploys and uploads (whole-file and chunked) to a local SQLite table so an operator
// can inspect history later. Nothing in fde ever reads this table back to
// make a decision — deploy gating and upload resumption are driven
// entirely by internal/deploy and internal/chunkstore's own in-memory and
// on-disk state, never by this log (spec.md Non-goals: no rollback or
// deploy history as a decision input).
package audit

import (
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Log is an append-only record of deploy and upload outcomes.
type Log struct {
	db *sqlx.DB
}

// Open creates (or reuses) the SQLite database at path and brings its
// schema up to date.
func Open(path string) (*Log, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("audit: failed to reach %s: %w", path, err)
	}

	if err := migrateUp(db, path); err != nil {
		db.Close()
		return nil, err
	}

	return &Log{db: db}, nil
}

func migrateUp(db *sqlx.DB, path string) error {
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("audit: failed to create migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("audit: failed to load embedded migrations: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("audit: failed to create migrator: %w", err)
	}

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("audit: failed to migrate %s: %w", path, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// DeployEntry is one recorded deploy outcome.
type DeployEntry struct {
	Env       string
	Success   bool
	ExitCode  int
	StartedAt time.Time
	EndedAt   time.Time
	Detail    string
}

// RecordDeploy appends one deploy outcome. A failure to write here is
// logged by the caller and never blocks or unwinds the deploy itself.
func (l *Log) RecordDeploy(e DeployEntry) error {
	_, err := l.db.Exec(
		`INSERT INTO deploy_audit (env, kind, success, exit_code, started_at, ended_at, detail)
		 VALUES (?, 'deploy', ?, ?, ?, ?, ?)`,
		e.Env, e.Success, e.ExitCode, e.StartedAt, e.EndedAt, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to record deploy for %s: %w", e.Env, err)
	}
	return nil
}

// RecordUpload appends one upload outcome, from either the whole-file
// /upload path or a chunked /upload/complete.
func (l *Log) RecordUpload(env, detail string, success bool) error {
	now := time.Now()
	_, err := l.db.Exec(
		`INSERT INTO deploy_audit (env, kind, success, exit_code, started_at, ended_at, detail)
		 VALUES (?, 'upload', ?, 0, ?, ?, ?)`,
		env, success, now, now, detail,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to record upload for %s: %w", env, err)
	}
	return nil
}
