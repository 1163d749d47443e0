// Package importer drives a batch import: rows are mapped, resolved against
// existing records and written to a Sink in file order, with a checkpoint
// after every batch.
//
// A row that fails (unknown property, ambiguous identifier, sink rejection)
// is recorded as failed and the run moves on. Only an unreadable file, a
// malformed header, an eager property check failure, a failed checkpoint or
// cancellation end the run early, in state Aborted. Batches committed before
// that point stay committed.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/csvimport/internal/logging"
	"github.com/JonMunkholm/csvimport/internal/mapping"
	"github.com/JonMunkholm/csvimport/internal/tabular"
)

// Source is the synchronous pull interface rows are read from.
// *tabular.Reader implements it.
type Source interface {
	Header() []string
	Next() (tabular.RawRow, error)
	Line() int
}

// sizedSource is implemented by sources that can report byte progress.
type sizedSource interface {
	BytesRead() int64
	Size() int64
}

// Options tune a run.
type Options struct {
	// OnProgress, if set, is called from the run goroutine after every
	// checkpoint and once more when the run ends.
	OnProgress func(Progress)
}

// Importer executes one run. It is single use: Run may be called once.
// State, Outcomes, Summary and Progress are safe to call concurrently with
// Run.
type Importer struct {
	spec     *mapping.ImportSpec
	sink     Sink
	mapper   *mapping.Mapper
	resolver *Resolver
	create   CreateOptions
	opts     Options
	timings  *Timings
	log      *slog.Logger

	mu         sync.RWMutex
	state      State
	src        Source
	header     []string
	outcomes   []Outcome
	summary    Summary
	rowsRead   int
	batches    int
	startedAt  time.Time
	finishedAt time.Time
	err        error
}

// New prepares a run of spec against sink. spec must already be validated
// and must not be modified afterwards.
func New(spec *mapping.ImportSpec, sink Sink, opts Options) *Importer {
	return &Importer{
		spec:     spec,
		sink:     sink,
		mapper:   mapping.NewMapper(spec, sink),
		resolver: NewResolver(spec, sink),
		create: CreateOptions{
			ResourceType: spec.ResourceType,
			Owner:        spec.Owner,
			Visibility:   spec.Visibility,
			Class:        spec.ResourceClass,
			Template:     spec.ResourceTemplate,
		},
		opts:    opts,
		timings: NewTimings(),
		log:     slog.Default(),
		state:   StatePending,
	}
}

// RunFile opens path with the spec's dialect, runs the import and closes
// the file on every path. An open or header failure aborts the run before
// any row is processed.
func (im *Importer) RunFile(ctx context.Context, path string) (*Report, error) {
	d, err := im.spec.Dialect()
	if err != nil {
		return im.Abort(ctx, err)
	}
	r, err := tabular.Open(path, d)
	if err != nil {
		return im.Abort(ctx, err)
	}
	defer r.Close()
	return im.Run(ctx, r)
}

// Abort moves a pending run straight to Aborted with err as the cause. It
// is used when the source cannot be opened.
func (im *Importer) Abort(ctx context.Context, err error) (*Report, error) {
	im.mu.Lock()
	if im.state != StatePending {
		im.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	im.state = StateRunning
	im.startedAt = time.Now()
	im.mu.Unlock()

	im.log = logging.FromContext(ctx)
	return im.finish(err)
}

// Run processes every row of src. The returned report is never nil once
// the run has started; the error is non-nil exactly when the run aborted.
func (im *Importer) Run(ctx context.Context, src Source) (*Report, error) {
	im.mu.Lock()
	if im.state != StatePending {
		im.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	im.state = StateRunning
	im.startedAt = time.Now()
	im.src = src
	im.header = src.Header()
	im.mu.Unlock()

	im.log = logging.FromContext(ctx)
	im.log.Info("import started", "spec", im.spec.String(), "header", im.header)

	return im.finish(im.run(ctx, src))
}

func (im *Importer) run(ctx context.Context, src Source) error {
	// Rows and checkpoints ignore cancellation once started; ctx is only
	// polled between rows.
	work := context.WithoutCancel(ctx)

	if !im.spec.LazyPropertyCheck {
		if err := im.mapper.Check(work); err != nil {
			return err
		}
	}

	batch := make([]Outcome, 0, im.spec.RowsByBatch)
	row := 0
	for {
		if err := ctx.Err(); err != nil {
			if cerr := im.checkpoint(work, batch); cerr != nil {
				return cerr
			}
			return fmt.Errorf("%w after row %d: %w", ErrCancelled, row, err)
		}

		start := time.Now()
		raw, err := src.Next()
		im.timings.since(StageRead, start)
		if err == io.EOF {
			break
		}
		if err != nil {
			if cerr := im.checkpoint(work, batch); cerr != nil {
				return cerr
			}
			return fmt.Errorf("%w at row %d: %w", ErrReadFailed, row+1, err)
		}

		row++
		if tabular.IsBlank(raw) {
			continue
		}

		batch = append(batch, im.process(work, row, src.Line(), raw))
		im.mu.Lock()
		im.rowsRead++
		im.mu.Unlock()

		if len(batch) >= im.spec.RowsByBatch {
			if err := im.checkpoint(work, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	return im.checkpoint(work, batch)
}

// process runs one row through map, resolve and dispatch. It always returns
// an outcome; errors are captured in it.
func (im *Importer) process(ctx context.Context, row, line int, raw tabular.RawRow) Outcome {
	o := Outcome{Row: row, Line: line}

	start := time.Now()
	rec, err := im.mapper.Map(ctx, raw, im.header)
	im.timings.since(StageMap, start)
	if err != nil {
		return im.fail(o, err)
	}

	start = time.Now()
	target, err := im.resolver.Resolve(ctx, rec, raw)
	im.timings.since(StageResolve, start)
	if err != nil {
		if !errors.Is(err, ErrAmbiguousIdentifier) {
			err = rejected("find", err)
		}
		return im.fail(o, err)
	}

	start = time.Now()
	defer im.timings.since(StageSink, start)

	action := im.spec.Action
	switch target.Kind {
	case NotFound:
		o.Status = StatusSkipped
		if target.Identifier == "" {
			o.Error = "identifier is empty"
		} else {
			o.Error = fmt.Sprintf("no record with %s=%q", im.spec.IdentifierProperty, target.Identifier)
		}
		return o

	case NewRecord:
		if rec.Empty() {
			return skip(o, "row has no mapped values")
		}
		o.Action = string(mapping.ActionCreate)
		id, err := im.sink.Create(ctx, rec, im.create)
		if err != nil {
			return im.fail(o, rejected("create", err))
		}
		o.RecordID = id
		o.Status = StatusCreated
		return o

	case ExistingRecord:
		o.RecordID = target.ID
		o.Action = string(action)
		if action == mapping.ActionDelete {
			err = im.sink.Delete(ctx, target.ID)
		} else {
			if rec.Empty() {
				return skip(o, "row has no mapped values")
			}
			err = im.sink.Update(ctx, target.ID, rec, modeFor(action))
		}
		if err != nil {
			return im.fail(o, rejected(string(action), err))
		}
		o.Status = StatusUpdated
		return o
	}
	return im.fail(o, fmt.Errorf("unexpected target %s", target.Kind))
}

func skip(o Outcome, reason string) Outcome {
	o.Status = StatusSkipped
	o.Error = reason
	return o
}

func (im *Importer) fail(o Outcome, err error) Outcome {
	o.Status = StatusFailed
	o.err = err
	o.Code = Code(err)
	o.Error = err.Error()
	im.log.Warn("row failed", "row", o.Row, "line", o.Line, "code", o.Code, "error", err)
	return o
}

// checkpoint commits the sink and records the batch. When the commit fails,
// rows of the batch that claimed a write are recorded as failed.
func (im *Importer) checkpoint(ctx context.Context, batch []Outcome) error {
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err := im.sink.Checkpoint(ctx)
	im.timings.since(StageCheckpoint, start)

	im.mu.Lock()
	im.batches++
	n := im.batches
	if err != nil {
		err = fmt.Errorf("%w: batch %d: %w", ErrCheckpointFailed, n, err)
	}
	for _, o := range batch {
		if err != nil && (o.Status == StatusCreated || o.Status == StatusUpdated) {
			o.Status = StatusFailed
			o.RecordID = 0
			o.err = err
			o.Code = Code(err)
			o.Error = err.Error()
		}
		im.outcomes = append(im.outcomes, o)
		im.summary.add(o.Status)
	}
	im.mu.Unlock()

	if err != nil {
		im.log.Error("checkpoint failed", "batch", n, "rows", len(batch), "error", err)
		return err
	}
	im.log.Debug("checkpoint", "batch", n, "rows", len(batch))
	im.notify()
	return nil
}

func (im *Importer) finish(err error) (*Report, error) {
	im.mu.Lock()
	im.finishedAt = time.Now()
	if err != nil {
		im.state = StateAborted
		im.err = err
	} else {
		im.state = StateCompleted
	}
	report := im.reportLocked()
	im.mu.Unlock()

	s := report.Summary
	if err != nil {
		im.log.Error("import aborted", "code", Code(err), "error", err,
			"total", s.Total, "created", s.Created, "updated", s.Updated, "skipped", s.Skipped, "failed", s.Failed)
	} else {
		im.log.Info("import completed", "duration", report.Duration(),
			"total", s.Total, "created", s.Created, "updated", s.Updated, "skipped", s.Skipped, "failed", s.Failed)
	}
	im.log.Debug("import timings", "timings", im.timings.String())
	im.notify()
	return report, err
}

func (im *Importer) notify() {
	if im.opts.OnProgress != nil {
		im.opts.OnProgress(im.Progress())
	}
}

// reportLocked builds a report; im.mu must be held.
func (im *Importer) reportLocked() *Report {
	r := &Report{
		State:      im.state,
		Summary:    im.summary,
		Outcomes:   append([]Outcome(nil), im.outcomes...),
		Header:     append([]string(nil), im.header...),
		Batches:    im.batches,
		StartedAt:  im.startedAt,
		FinishedAt: im.finishedAt,
		Timings:    im.timings.Summary(),
	}
	if im.err != nil {
		msg := MapError(im.err)
		msg.Message = fmt.Sprintf("%s: %v", msg.Message, im.err)
		r.Error = &msg
	}
	return r
}

// State returns the current lifecycle state.
func (im *Importer) State() State {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.state
}

// Outcomes returns a copy of the outcomes recorded so far. Rows of the
// batch in progress appear once that batch is checkpointed.
func (im *Importer) Outcomes() []Outcome {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return append([]Outcome(nil), im.outcomes...)
}

// Summary returns the counts of recorded outcomes.
func (im *Importer) Summary() Summary {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.summary
}

// Err returns the cause of an aborted run.
func (im *Importer) Err() error {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.err
}

// Progress returns a snapshot for progress reporting.
func (im *Importer) Progress() Progress {
	im.mu.RLock()
	defer im.mu.RUnlock()
	p := Progress{
		State:    im.state,
		RowsRead: im.rowsRead,
		Batches:  im.batches,
		Summary:  im.summary,
	}
	if s, ok := im.src.(sizedSource); ok {
		p.BytesRead = s.BytesRead()
		p.TotalBytes = s.Size()
		if p.TotalBytes > 0 {
			p.Percent = int(p.BytesRead * 100 / p.TotalBytes)
			if p.Percent > 100 {
				p.Percent = 100
			}
		}
	}
	if im.state == StateCompleted {
		p.Percent = 100
	}
	return p
}

// Report returns the report of a finished run, or a partial one while the
// run is in progress.
func (im *Importer) Report() *Report {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.reportLocked()
}
