package db

import (
	"database/sql"
	"fmt"

	"github.com/esnunes/pagesmith/internal/paths"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    task            TEXT NOT NULL,
    owner           TEXT NOT NULL,
    name            TEXT NOT NULL,
    default_branch  TEXT NOT NULL DEFAULT 'main',
    html_url        TEXT NOT NULL,
    pages_url       TEXT NOT NULL DEFAULT '',
    pages_enabled   INTEGER NOT NULL DEFAULT 0,
    last_commit_sha TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at      TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE (owner, name)
);

CREATE TABLE IF NOT EXISTS submissions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    task            TEXT NOT NULL,
    round           INTEGER NOT NULL CHECK (round >= 1),
    nonce           TEXT NOT NULL,
    brief           TEXT NOT NULL,
    checks          TEXT NOT NULL DEFAULT '[]',
    artifacts       TEXT NOT NULL DEFAULT '{}',
    strategy        TEXT NOT NULL DEFAULT '',
    repository_id   INTEGER NOT NULL REFERENCES repositories(id),
    outcome         TEXT NOT NULL,
    created_at      TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE (task, round, nonce)
);

CREATE TABLE IF NOT EXISTS notification_attempts (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    task            TEXT NOT NULL,
    round           INTEGER NOT NULL,
    nonce           TEXT NOT NULL,
    url             TEXT NOT NULL,
    attempt         INTEGER NOT NULL,
    status_code     INTEGER NOT NULL DEFAULT 0,
    error           TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_repositories_task ON repositories(task);
CREATE INDEX IF NOT EXISTS idx_submissions_task ON submissions(task);
CREATE INDEX IF NOT EXISTS idx_notification_attempts_submission ON notification_attempts(task, round, nonce);
`

// DefaultPath returns the database location inside the data directory,
// creating the directory when needed.
func DefaultPath() (string, error) {
	p, err := paths.DBFile()
	if err != nil {
		return "", fmt.Errorf("getting data directory: %w", err)
	}
	return p, nil
}

func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}
	return db, nil
}
