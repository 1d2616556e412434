// Package storage keeps the attempt journal: an append-mostly SQLite record
// of every workflow attempt and step. It is history only; resumption is
// driven by the run-state file.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/models"
)

type Journal struct {
	db *sql.DB
}

func New(dbPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrWriteFailed, err), "open journal", dbPath)
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrReadFailed, err), "open journal", dbPath)
	}
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrWriteFailed, err), "migrate journal", dbPath)
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		feature TEXT NOT NULL,
		workflow TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id TEXT NOT NULL REFERENCES attempts(id),
		feature TEXT NOT NULL,
		workflow TEXT NOT NULL,
		phase TEXT NOT NULL,
		step INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		turns INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_feature ON attempts(feature, started_at);
	CREATE INDEX IF NOT EXISTS idx_steps_attempt ON steps(attempt_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// BeginAttempt opens a running attempt of workflow w for feature.
func (j *Journal) BeginAttempt(ctx context.Context, feature string, w models.Workflow) (*models.Attempt, error) {
	a := &models.Attempt{
		ID:        uuid.NewString(),
		Feature:   feature,
		Workflow:  w,
		StartedAt: time.Now().UTC(),
		Status:    models.AttemptRunning,
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO attempts (id, feature, workflow, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Feature, string(a.Workflow), string(a.Status), a.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: begin attempt: %v", errs.ErrWriteFailed, err)
	}
	return a, nil
}

func (j *Journal) FinishAttempt(ctx context.Context, id string, status models.AttemptStatus, errMsg string) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE attempts SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("%w: finish attempt: %v", errs.ErrWriteFailed, err)
	}
	return nil
}

func (j *Journal) RecordStep(ctx context.Context, rec *models.StepRecord) error {
	result, err := j.db.ExecContext(ctx,
		`INSERT INTO steps (attempt_id, feature, workflow, phase, step, name, status, turns, cost_usd, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AttemptID, rec.Feature, string(rec.Workflow), rec.Phase, rec.Step, rec.Name, string(rec.Status),
		rec.Turns, rec.CostUSD, rec.Error, rec.StartedAt.UTC(), rec.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: record step: %v", errs.ErrWriteFailed, err)
	}
	rec.ID, _ = result.LastInsertId()
	return nil
}

// Attempts lists a feature's attempts, newest first. A limit of zero or less
// returns all of them.
func (j *Journal) Attempts(ctx context.Context, feature string, limit int) ([]*models.Attempt, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, feature, workflow, status, error, started_at, finished_at
		 FROM attempts WHERE feature = ? ORDER BY rowid DESC LIMIT ?`, feature, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list attempts: %v", errs.ErrReadFailed, err)
	}
	defer rows.Close()

	var out []*models.Attempt
	for rows.Next() {
		var a models.Attempt
		var workflow, status string
		var finishedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.Feature, &workflow, &status, &a.Error, &a.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("%w: scan attempt: %v", errs.ErrReadFailed, err)
		}
		a.Workflow = models.Workflow(workflow)
		a.Status = models.AttemptStatus(status)
		if finishedAt.Valid {
			a.FinishedAt = &finishedAt.Time
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Steps returns an attempt's steps in execution order.
func (j *Journal) Steps(ctx context.Context, attemptID string) ([]*models.StepRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, attempt_id, feature, workflow, phase, step, name, status, turns, cost_usd, error, started_at, finished_at
		 FROM steps WHERE attempt_id = ? ORDER BY id`, attemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list steps: %v", errs.ErrReadFailed, err)
	}
	defer rows.Close()

	var out []*models.StepRecord
	for rows.Next() {
		var s models.StepRecord
		var workflow, status string
		err := rows.Scan(&s.ID, &s.AttemptID, &s.Feature, &workflow, &s.Phase, &s.Step, &s.Name,
			&status, &s.Turns, &s.CostUSD, &s.Error, &s.StartedAt, &s.FinishedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: scan step: %v", errs.ErrReadFailed, err)
		}
		s.Workflow = models.Workflow(workflow)
		s.Status = models.StepStatus(status)
		out = append(out, &s)
	}
	return out, rows.Err()
}

// DeleteFeature drops every attempt and step recorded for feature.
func (j *Journal) DeleteFeature(ctx context.Context, feature string) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: delete feature: %v", errs.ErrWriteFailed, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE feature = ?`, feature); err != nil {
		return fmt.Errorf("%w: delete steps: %v", errs.ErrWriteFailed, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE feature = ?`, feature); err != nil {
		return fmt.Errorf("%w: delete attempts: %v", errs.ErrWriteFailed, err)
	}
	return tx.Commit()
}

// FormatTimeAgo renders t relative to now for listings.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
