package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/esnunes/pagesmith/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type Queries struct {
	db *sql.DB
}

func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// Repositories

const repositoryColumns = `id, task, owner, name, default_branch, html_url, pages_url,
        pages_enabled, last_commit_sha, created_at, updated_at`

func scanRepository(row interface{ Scan(...any) error }) (*models.RepositoryRecord, error) {
	r := &models.RepositoryRecord{}
	var createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.Task, &r.Owner, &r.Name, &r.DefaultBranch, &r.HTMLURL, &r.PagesURL,
		&r.PagesEnabled, &r.LastCommitSHA, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	r.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
	return r, nil
}

// SaveRepository inserts the record or, when owner/name already exist,
// refreshes its hosting state and last commit.
func (q *Queries) SaveRepository(rec models.RepositoryRecord) (*models.RepositoryRecord, error) {
	_, err := q.db.Exec(
		`INSERT INTO repositories (task, owner, name, default_branch, html_url, pages_url, pages_enabled, last_commit_sha)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owner, name) DO UPDATE SET
		     html_url = excluded.html_url,
		     pages_url = excluded.pages_url,
		     pages_enabled = excluded.pages_enabled,
		     last_commit_sha = excluded.last_commit_sha,
		     updated_at = datetime('now')`,
		rec.Task, rec.Owner, rec.Name, rec.DefaultBranch, rec.HTMLURL, rec.PagesURL, rec.PagesEnabled, rec.LastCommitSHA,
	)
	if err != nil {
		return nil, fmt.Errorf("saving repository: %w", err)
	}
	return q.GetRepository(rec.Owner, rec.Name)
}

func (q *Queries) GetRepository(owner, name string) (*models.RepositoryRecord, error) {
	r, err := scanRepository(q.db.QueryRow(
		`SELECT `+repositoryColumns+` FROM repositories WHERE owner = ? AND name = ?`, owner, name,
	))
	if err != nil {
		return nil, fmt.Errorf("getting repository: %w", notFound(err))
	}
	return r, nil
}

// LatestRepository returns the most recently created repository for task.
func (q *Queries) LatestRepository(task string) (*models.RepositoryRecord, error) {
	r, err := scanRepository(q.db.QueryRow(
		`SELECT `+repositoryColumns+` FROM repositories WHERE task = ? ORDER BY id DESC LIMIT 1`, task,
	))
	if err != nil {
		return nil, fmt.Errorf("getting latest repository: %w", notFound(err))
	}
	return r, nil
}

// Submissions

const submissionColumns = `id, task, round, nonce, brief, checks, artifacts, strategy,
        repository_id, outcome, created_at`

func scanSubmission(row interface{ Scan(...any) error }) (*models.Submission, error) {
	s := &models.Submission{}
	var checks, artifacts, outcome, createdAt string
	if err := row.Scan(&s.ID, &s.Task, &s.Round, &s.Nonce, &s.Brief, &checks, &artifacts, &s.Strategy,
		&s.RepositoryID, &outcome, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(checks), &s.Checks); err != nil {
		return nil, fmt.Errorf("decoding checks: %w", err)
	}
	if err := json.Unmarshal([]byte(artifacts), &s.Artifacts); err != nil {
		return nil, fmt.Errorf("decoding artifacts: %w", err)
	}
	if err := json.Unmarshal([]byte(outcome), &s.Outcome); err != nil {
		return nil, fmt.Errorf("decoding outcome: %w", err)
	}
	s.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	return s, nil
}

func (q *Queries) CreateSubmission(s models.Submission) (*models.Submission, error) {
	checks, err := json.Marshal(s.Checks)
	if err != nil {
		return nil, fmt.Errorf("encoding checks: %w", err)
	}
	artifacts, err := json.Marshal(s.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("encoding artifacts: %w", err)
	}
	outcome, err := json.Marshal(s.Outcome)
	if err != nil {
		return nil, fmt.Errorf("encoding outcome: %w", err)
	}
	res, err := q.db.Exec(
		`INSERT INTO submissions (task, round, nonce, brief, checks, artifacts, strategy, repository_id, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Task, s.Round, s.Nonce, s.Brief, string(checks), string(artifacts), s.Strategy, s.RepositoryID, string(outcome),
	)
	if err != nil {
		return nil, fmt.Errorf("creating submission: %w", err)
	}
	id, _ := res.LastInsertId()
	created, err := scanSubmission(q.db.QueryRow(`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("getting submission: %w", err)
	}
	return created, nil
}

func (q *Queries) GetSubmission(task string, round int, nonce string) (*models.Submission, error) {
	s, err := scanSubmission(q.db.QueryRow(
		`SELECT `+submissionColumns+` FROM submissions WHERE task = ? AND round = ? AND nonce = ?`,
		task, round, nonce,
	))
	if err != nil {
		return nil, fmt.Errorf("getting submission: %w", notFound(err))
	}
	return s, nil
}

// PreviousSubmission returns the latest submission of task with a round
// lower than round.
func (q *Queries) PreviousSubmission(task string, round int) (*models.Submission, error) {
	s, err := scanSubmission(q.db.QueryRow(
		`SELECT `+submissionColumns+` FROM submissions
		 WHERE task = ? AND round < ?
		 ORDER BY round DESC, id DESC LIMIT 1`,
		task, round,
	))
	if err != nil {
		return nil, fmt.Errorf("getting previous submission: %w", notFound(err))
	}
	return s, nil
}

// Notification attempts

func (q *Queries) RecordAttempt(a models.NotificationAttempt) error {
	_, err := q.db.Exec(
		`INSERT INTO notification_attempts (task, round, nonce, url, attempt, status_code, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Task, a.Round, a.Nonce, a.URL, a.Attempt, a.StatusCode, a.Error,
	)
	if err != nil {
		return fmt.Errorf("recording notification attempt: %w", err)
	}
	return nil
}

func (q *Queries) ListAttempts(task string, round int, nonce string) ([]models.NotificationAttempt, error) {
	rows, err := q.db.Query(
		`SELECT id, task, round, nonce, url, attempt, status_code, error, created_at
		 FROM notification_attempts WHERE task = ? AND round = ? AND nonce = ?
		 ORDER BY id ASC`, task, round, nonce,
	)
	if err != nil {
		return nil, fmt.Errorf("listing notification attempts: %w", err)
	}
	defer rows.Close()

	var results []models.NotificationAttempt
	for rows.Next() {
		var a models.NotificationAttempt
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Task, &a.Round, &a.Nonce, &a.URL, &a.Attempt, &a.StatusCode, &a.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning notification attempt: %w", err)
		}
		a.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
		results = append(results, a)
	}
	return results, rows.Err()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
