// Package jobs runs imports on behalf of the CLI and the HTTP API. It
// stages the input, opens a sink per run, bounds concurrency and keeps
// finished runs around for inspection.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/mapping"
	"github.com/JonMunkholm/csvimport/internal/staging"
)

var (
	// ErrRunNotFound is returned for unknown or evicted run ids.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunFinished is returned when cancelling a run that already ended.
	ErrRunFinished = errors.New("run already finished")
)

// Run is a snapshot of one import run.
type Run struct {
	ID          string                `json:"id"`
	FileName    string                `json:"file_name"`
	MediaType   string                `json:"media_type,omitempty"`
	Size        int64                 `json:"size"`
	Comment     string                `json:"comment,omitempty"`
	State       importer.State        `json:"state"`
	Progress    importer.Progress     `json:"progress"`
	Error       *importer.UserMessage `json:"error,omitempty"`
	SubmittedAt time.Time             `json:"submitted_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	FinishedAt  *time.Time            `json:"finished_at,omitempty"`
}

// History persists finished runs and their failed rows.
type History interface {
	Save(ctx context.Context, run Run, failures []importer.Outcome) error
	List(ctx context.Context, limit int) ([]Run, error)
	Failures(ctx context.Context, runID string) ([]importer.Outcome, error)
}

// activeRun is the in-memory state of a submitted run.
type activeRun struct {
	id     string
	file   *staging.File
	spec   *mapping.ImportSpec
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	imp         *importer.Importer
	report      *importer.Report
	err         error
	submittedAt time.Time
	listeners   []chan importer.Progress
}

func (ar *activeRun) snapshot() Run {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	r := Run{
		ID:          ar.id,
		FileName:    ar.file.Name,
		MediaType:   ar.spec.MediaType,
		Size:        ar.file.Size,
		Comment:     ar.spec.Comment,
		State:       importer.StatePending,
		SubmittedAt: ar.submittedAt,
	}
	if ar.imp != nil {
		r.Progress = ar.imp.Progress()
		r.State = r.Progress.State
	} else {
		r.Progress.State = importer.StatePending
	}
	if rep := ar.report; rep != nil {
		r.State = rep.State
		r.Error = rep.Error
		if !rep.StartedAt.IsZero() {
			started := rep.StartedAt
			r.StartedAt = &started
		}
		if !rep.FinishedAt.IsZero() {
			finished := rep.FinishedAt
			r.FinishedAt = &finished
		}
	}
	return r
}

func (ar *activeRun) notify(p importer.Progress) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	for _, ch := range ar.listeners {
		select {
		case ch <- p:
		default:
		}
	}
}

// finish closes every listener and marks the run done in one step, so a
// concurrent Subscribe either gets a listener that will be closed or sees
// the run as finished.
func (ar *activeRun) finish() {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	for _, ch := range ar.listeners {
		close(ch)
	}
	ar.listeners = nil
	close(ar.done)
}

func (ar *activeRun) finished() bool {
	select {
	case <-ar.done:
		return true
	default:
		return false
	}
}
