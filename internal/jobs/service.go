package jobs

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/logging"
	"github.com/JonMunkholm/csvimport/internal/mapping"
	"github.com/JonMunkholm/csvimport/internal/staging"
	"github.com/JonMunkholm/csvimport/internal/tabular"
)

// DefaultRetain is how long a finished run stays queryable in memory.
const DefaultRetain = 30 * time.Minute

// SinkFactory opens the sink for one run. A sink that also implements
// Close(context.Context) error is closed when the run ends.
type SinkFactory func(ctx context.Context) (importer.Sink, error)

type sinkCloser interface {
	Close(ctx context.Context) error
}

// Config tunes a Service.
type Config struct {
	MaxConcurrent int
	MaxWait       time.Duration
	// Timeout bounds a single run; zero means no limit.
	Timeout time.Duration
	// Retain is how long finished runs stay in memory.
	Retain time.Duration
	Stager staging.Stager
	// History, if set, receives every finished run.
	History History
}

// Service executes import runs.
type Service struct {
	newSink SinkFactory
	cfg     Config
	limiter *Limiter

	mu   sync.RWMutex
	runs map[string]*activeRun
}

// NewService returns a service that opens sinks with newSink.
func NewService(newSink SinkFactory, cfg Config) *Service {
	if cfg.Retain <= 0 {
		cfg.Retain = DefaultRetain
	}
	return &Service{
		newSink: newSink,
		cfg:     cfg,
		limiter: NewLimiter(cfg.MaxConcurrent, cfg.MaxWait),
		runs:    make(map[string]*activeRun),
	}
}

// RunFile stages path and runs spec against it, returning when the run
// ends. The report is nil only when the run could not be set up.
func (s *Service) RunFile(ctx context.Context, path string, spec *mapping.ImportSpec) (string, *importer.Report, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return "", nil, err
	}
	defer s.limiter.Release()

	file, err := s.cfg.Stager.Stage(path)
	if err != nil {
		return "", nil, err
	}
	ar, err := s.register(file, spec)
	if err != nil {
		file.Cleanup()
		return "", nil, err
	}

	runCtx, cancel := s.runContext(ctx)
	ar.mu.Lock()
	ar.cancel = cancel
	ar.mu.Unlock()
	defer cancel()

	s.execute(runCtx, ar)
	return ar.id, ar.report, ar.err
}

// Submit stages path and starts the run in the background. Setup errors
// (path, spec, capacity) are returned directly; run errors are available
// from Get and Wait.
func (s *Service) Submit(ctx context.Context, path string, spec *mapping.ImportSpec) (string, error) {
	return s.submit(ctx, spec, func() (*staging.File, error) {
		return s.cfg.Stager.Stage(path)
	})
}

// SubmitReader copies r to a staged file named name and starts the run in
// the background.
func (s *Service) SubmitReader(ctx context.Context, r io.Reader, name string, spec *mapping.ImportSpec) (string, error) {
	return s.submit(ctx, spec, func() (*staging.File, error) {
		return s.cfg.Stager.Copy(r, name)
	})
}

func (s *Service) submit(ctx context.Context, spec *mapping.ImportSpec, stage func() (*staging.File, error)) (string, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}
	file, err := stage()
	if err != nil {
		s.limiter.Release()
		return "", err
	}
	ar, err := s.register(file, spec)
	if err != nil {
		file.Cleanup()
		s.limiter.Release()
		return "", err
	}

	runCtx, cancel := s.runContext(context.WithoutCancel(ctx))
	ar.mu.Lock()
	ar.cancel = cancel
	ar.mu.Unlock()

	go func() {
		defer s.limiter.Release()
		defer cancel()
		s.execute(runCtx, ar)
	}()

	return ar.id, nil
}

// register prepares the spec for file and records a pending run.
func (s *Service) register(file *staging.File, spec *mapping.ImportSpec) (*activeRun, error) {
	prepared, err := prepare(spec, file)
	if err != nil {
		return nil, err
	}
	ar := &activeRun{
		id:          uuid.New().String(),
		file:        file,
		spec:        prepared,
		done:        make(chan struct{}),
		submittedAt: time.Now(),
	}
	s.mu.Lock()
	s.runs[ar.id] = ar
	s.mu.Unlock()
	return ar, nil
}

// prepare fills spec defaults from the staged file and validates the
// result. The caller's spec is not modified.
func prepare(spec *mapping.ImportSpec, file *staging.File) (*mapping.ImportSpec, error) {
	c := *spec
	if c.MediaType == "" && (file.MediaType == tabular.MediaTypeTSV || file.MediaType == tabular.MediaTypeCSV) {
		c.MediaType = file.MediaType
	}
	out := c.WithDefaults()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(parent, s.cfg.Timeout)
	}
	return context.WithCancel(parent)
}

// execute runs ar to completion and records the result. It always cleans
// up the staged copy and closes done, even if the run panics.
func (s *Service) execute(ctx context.Context, ar *activeRun) {
	ctx = logging.WithRunID(ctx, ar.id)
	log := logging.FromContext(ctx)

	defer func() {
		if err := ar.file.Cleanup(); err != nil {
			log.Warn("staged copy not removed", "path", ar.file.Path, "error", err)
		}
		ar.finish()
		s.cleanup(ar.id, s.cfg.Retain)
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in import run", "file", ar.file.Name, "panic", r)
			ar.mu.Lock()
			if ar.report == nil {
				ar.err = fmt.Errorf("internal error: %v", r)
				msg := importer.MapError(ar.err)
				ar.report = &importer.Report{State: importer.StateAborted, FinishedAt: time.Now(), Error: &msg}
			}
			ar.mu.Unlock()
		}
	}()

	sink, sinkErr := s.newSink(ctx)
	imp := importer.New(ar.spec, sink, importer.Options{OnProgress: ar.notify})
	ar.mu.Lock()
	ar.imp = imp
	ar.mu.Unlock()

	log.Info("run starting", "file", ar.file.Name, "size", ar.file.Size, "media_type", ar.spec.MediaType, "comment", ar.spec.Comment)

	var (
		report *importer.Report
		err    error
	)
	if sinkErr != nil {
		report, err = imp.Abort(ctx, fmt.Errorf("open sink: %w", sinkErr))
	} else {
		report, err = imp.RunFile(ctx, ar.file.Path)
		if c, ok := sink.(sinkCloser); ok {
			if cerr := c.Close(context.WithoutCancel(ctx)); cerr != nil {
				log.Warn("close sink", "error", cerr)
			}
		}
	}

	ar.mu.Lock()
	ar.report, ar.err = report, err
	ar.mu.Unlock()

	if s.cfg.History != nil && report != nil {
		if herr := s.cfg.History.Save(context.WithoutCancel(ctx), ar.snapshot(), report.Failures()); herr != nil {
			log.Error("save run history", "error", herr)
		}
	}
}

func (s *Service) cleanup(id string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.runs, id)
		s.mu.Unlock()
	})
}

func (s *Service) lookup(id string) (*activeRun, error) {
	s.mu.RLock()
	ar, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return ar, nil
}

// Get returns a snapshot of a run held in memory.
func (s *Service) Get(id string) (Run, error) {
	ar, err := s.lookup(id)
	if err != nil {
		return Run{}, err
	}
	return ar.snapshot(), nil
}

// List returns the runs held in memory, newest first.
func (s *Service) List() []Run {
	s.mu.RLock()
	active := make([]*activeRun, 0, len(s.runs))
	for _, ar := range s.runs {
		active = append(active, ar)
	}
	s.mu.RUnlock()

	out := make([]Run, len(active))
	for i, ar := range active {
		out[i] = ar.snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// Cancel stops a run between rows. The partial batch is checkpointed.
func (s *Service) Cancel(id string) error {
	ar, err := s.lookup(id)
	if err != nil {
		return err
	}
	if ar.finished() {
		return fmt.Errorf("%w: %s", ErrRunFinished, id)
	}
	ar.mu.Lock()
	cancel := ar.cancel
	ar.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Wait blocks until the run ends or ctx is done. The error is the run's
// abort cause, if any.
func (s *Service) Wait(ctx context.Context, id string) (*importer.Report, error) {
	ar, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-ar.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.report, ar.err
}

// Outcomes returns the outcomes recorded so far. For runs no longer held
// in memory the history store, if any, supplies the failed rows.
func (s *Service) Outcomes(ctx context.Context, id string) ([]importer.Outcome, error) {
	ar, err := s.lookup(id)
	if err != nil {
		if s.cfg.History != nil {
			return s.cfg.History.Failures(ctx, id)
		}
		return nil, err
	}
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.imp == nil {
		return nil, nil
	}
	return ar.imp.Outcomes(), nil
}

// Subscribe returns a channel of progress updates. It is closed when the
// run ends. Slow readers miss updates rather than block the run.
func (s *Service) Subscribe(id string) (<-chan importer.Progress, error) {
	ar, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	ch := make(chan importer.Progress, 10)

	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.finished() {
		if ar.imp != nil {
			ch <- ar.imp.Progress()
		}
		close(ch)
		return ch, nil
	}
	ar.listeners = append(ar.listeners, ch)
	if ar.imp != nil {
		ch <- ar.imp.Progress()
	}
	return ch, nil
}

// History returns the configured history store, or nil.
func (s *Service) History() History {
	return s.cfg.History
}

// Status reports slot usage.
func (s *Service) Status() LimiterStatus {
	return s.limiter.Status()
}

// Shutdown cancels every running import and waits for them to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, ar := range s.runs {
		if !ar.finished() {
			ar.mu.Lock()
			if ar.cancel != nil {
				ar.cancel()
			}
			ar.mu.Unlock()
		}
	}
	s.mu.RUnlock()
	return s.limiter.WaitForDrain(ctx)
}
