package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/jobs"
)

// DefaultListLimit caps History.List when no limit is given.
const DefaultListLimit = 50

// History keeps finished runs in the same database as the records.
type History struct {
	db *sql.DB
}

var _ jobs.History = (*History)(nil)

// NewHistory returns a history store on db. The schema must exist.
func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

// Save upserts the run and replaces its failed rows.
func (h *History) Save(ctx context.Context, run jobs.Run, failures []importer.Outcome) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	defer tx.Rollback()

	var code, message string
	if run.Error != nil {
		code, message = run.Error.Code, run.Error.Message
	}
	sum := run.Progress.Summary

	_, err = tx.ExecContext(ctx, `
		INSERT INTO csvimport_run (
			id, file_name, media_type, size_bytes, comment, state,
			total, created, updated, skipped, failed,
			error_code, error_message, submitted_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			total = excluded.total,
			created = excluded.created,
			updated = excluded.updated,
			skipped = excluded.skipped,
			failed = excluded.failed,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		run.ID, run.FileName, run.MediaType, run.Size, run.Comment, string(run.State),
		sum.Total, sum.Created, sum.Updated, sum.Skipped, sum.Failed,
		code, message, run.SubmittedAt.UnixMilli(), millis(run.StartedAt), millis(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, describe(err))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM csvimport_run_failure WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	if len(failures) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO csvimport_run_failure (run_id, row_index, line, code, reason) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("save failures: %w", err)
		}
		defer stmt.Close()
		for _, o := range failures {
			if _, err := stmt.ExecContext(ctx, run.ID, o.Row, o.Line, o.Code, o.Error); err != nil {
				return fmt.Errorf("save failure row %d: %w", o.Row, err)
			}
		}
	}
	return tx.Commit()
}

// List returns the most recent runs, newest first.
func (h *History) List(ctx context.Context, limit int) ([]jobs.Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, file_name, media_type, size_bytes, comment, state,
			total, created, updated, skipped, failed,
			error_code, error_message, submitted_at, started_at, finished_at
		FROM csvimport_run
		ORDER BY submitted_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Run
	for rows.Next() {
		var (
			r                 jobs.Run
			state             string
			code, message     string
			submitted         int64
			started, finished sql.NullInt64
		)
		s := &r.Progress.Summary
		err := rows.Scan(&r.ID, &r.FileName, &r.MediaType, &r.Size, &r.Comment, &state,
			&s.Total, &s.Created, &s.Updated, &s.Skipped, &s.Failed,
			&code, &message, &submitted, &started, &finished)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		r.State = importer.State(state)
		r.Progress.State = r.State
		if code != "" {
			r.Error = &importer.UserMessage{Code: code, Message: message}
		}
		r.SubmittedAt = time.UnixMilli(submitted)
		r.StartedAt = fromMillis(started)
		r.FinishedAt = fromMillis(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Failures returns the failed rows of a run in row order.
func (h *History) Failures(ctx context.Context, runID string) ([]importer.Outcome, error) {
	var n int
	if err := h.db.QueryRowContext(ctx, `SELECT count(*) FROM csvimport_run WHERE id = ?`, runID).Scan(&n); err != nil {
		return nil, fmt.Errorf("failures of %s: %w", runID, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", jobs.ErrRunNotFound, runID)
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT row_index, line, code, reason
		FROM csvimport_run_failure
		WHERE run_id = ?
		ORDER BY row_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failures of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []importer.Outcome
	for rows.Next() {
		o := importer.Outcome{Status: importer.StatusFailed}
		if err := rows.Scan(&o.Row, &o.Line, &o.Code, &o.Error); err != nil {
			return nil, fmt.Errorf("failures of %s: %w", runID, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func millis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
