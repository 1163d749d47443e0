package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/jobs"
)

// DefaultListLimit caps History.List when no limit is given.
const DefaultListLimit = 50

// History keeps finished runs and their failed rows.
type History struct {
	pool *pgxpool.Pool
}

var _ jobs.History = (*History)(nil)

// NewHistory returns a history store on pool. EnsureSchema must have run.
func NewHistory(pool *pgxpool.Pool) *History {
	return &History{pool: pool}
}

// Save upserts the run and replaces its failed rows in one transaction.
func (h *History) Save(ctx context.Context, run jobs.Run, failures []importer.Outcome) error {
	id, err := uuid.Parse(run.ID)
	if err != nil {
		return fmt.Errorf("save run: invalid id %q: %w", run.ID, err)
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	defer tx.Rollback(ctx)

	var code, message string
	if run.Error != nil {
		code, message = run.Error.Code, run.Error.Message
	}
	sum := run.Progress.Summary

	_, err = tx.Exec(ctx, `
		INSERT INTO csvimport_run (
			id, file_name, media_type, size_bytes, comment, state,
			total, created, updated, skipped, failed,
			error_code, error_message, submitted_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			total = EXCLUDED.total,
			created = EXCLUDED.created,
			updated = EXCLUDED.updated,
			skipped = EXCLUDED.skipped,
			failed = EXCLUDED.failed,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at`,
		id, run.FileName, run.MediaType, run.Size, run.Comment, string(run.State),
		sum.Total, sum.Created, sum.Updated, sum.Skipped, sum.Failed,
		code, message, run.SubmittedAt, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, describe(err))
	}

	if _, err := tx.Exec(ctx, `DELETE FROM csvimport_run_failure WHERE run_id = $1`, id); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	if len(failures) > 0 {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"csvimport_run_failure"},
			[]string{"run_id", "row_index", "line", "code", "reason"},
			pgx.CopyFromSlice(len(failures), func(i int) ([]any, error) {
				o := failures[i]
				return []any{id, o.Row, o.Line, o.Code, o.Error}, nil
			}))
		if err != nil {
			return fmt.Errorf("save failures of %s: %w", run.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// List returns the most recent runs, newest first.
func (h *History) List(ctx context.Context, limit int) ([]jobs.Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := h.pool.Query(ctx, `
		SELECT id, file_name, media_type, size_bytes, comment, state,
			total, created, updated, skipped, failed,
			error_code, error_message, submitted_at, started_at, finished_at
		FROM csvimport_run
		ORDER BY submitted_at DESC, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (jobs.Run, error) {
		var (
			r             jobs.Run
			id            uuid.UUID
			state         string
			code, message string
		)
		s := &r.Progress.Summary
		err := row.Scan(&id, &r.FileName, &r.MediaType, &r.Size, &r.Comment, &state,
			&s.Total, &s.Created, &s.Updated, &s.Skipped, &s.Failed,
			&code, &message, &r.SubmittedAt, &r.StartedAt, &r.FinishedAt)
		r.ID = id.String()
		r.State = importer.State(state)
		r.Progress.State = r.State
		if code != "" {
			r.Error = &importer.UserMessage{Code: code, Message: message}
		}
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Failures returns the failed rows of a run in row order.
func (h *History) Failures(ctx context.Context, runID string) ([]importer.Outcome, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", jobs.ErrRunNotFound, runID)
	}

	var exists bool
	if err := h.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM csvimport_run WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failures of %s: %w", runID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", jobs.ErrRunNotFound, runID)
	}

	rows, err := h.pool.Query(ctx, `
		SELECT row_index, line, code, reason
		FROM csvimport_run_failure
		WHERE run_id = $1
		ORDER BY row_index`, id)
	if err != nil {
		return nil, fmt.Errorf("failures of %s: %w", runID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (importer.Outcome, error) {
		o := importer.Outcome{Status: importer.StatusFailed}
		err := row.Scan(&o.Row, &o.Line, &o.Code, &o.Error)
		return o, err
	})
}
