package importer_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/mapping"
	"github.com/JonMunkholm/csvimport/internal/sink/memory"
	"github.com/JonMunkholm/csvimport/internal/tabular"
)

func newSpec(t *testing.T, s mapping.ImportSpec) *mapping.ImportSpec {
	t.Helper()
	out := s.WithDefaults()
	if err := out.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return &out
}

func newReader(t *testing.T, csv string) *tabular.Reader {
	t.Helper()
	r, err := tabular.NewReader(strings.NewReader(csv), int64(len(csv)), tabular.DefaultDialect)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	return r
}

func titleCreator() map[int]mapping.Column {
	return map[int]mapping.Column{
		0: {Properties: []string{"dcterms:title"}},
		1: {Properties: []string{"dcterms:creator"}},
	}
}

func upsertSpec(t *testing.T, batch int) *mapping.ImportSpec {
	return newSpec(t, mapping.ImportSpec{
		Action:             mapping.ActionUpdate,
		IdentifierColumn:   0,
		IdentifierProperty: "dcterms:title",
		ActionUnidentified: mapping.UnidentifiedCreate,
		RowsByBatch:        batch,
		Columns:            titleCreator(),
	})
}

func checkInvariant(t *testing.T, s importer.Summary) {
	t.Helper()
	if s.Created+s.Updated+s.Skipped+s.Failed != s.Total {
		t.Errorf("summary %+v: counts do not add up to total", s)
	}
}

func TestRun_MonaLisa(t *testing.T) {
	sink := memory.New()
	spec := newSpec(t, mapping.ImportSpec{Action: mapping.ActionCreate, Columns: titleCreator()})

	report, err := importer.New(spec, sink, importer.Options{}).
		Run(context.Background(), newReader(t, "title,creator,date\nMona Lisa,Leonardo,1503\n"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.State != importer.StateCompleted {
		t.Errorf("State = %s, want completed", report.State)
	}
	if report.Summary != (importer.Summary{Total: 1, Created: 1}) {
		t.Errorf("Summary = %+v", report.Summary)
	}
	o := report.Outcomes[0]
	if o.Row != 1 || o.Status != importer.StatusCreated || o.RecordID == 0 {
		t.Errorf("outcome = %+v", o)
	}

	rec, ok := sink.Get(o.RecordID)
	if !ok {
		t.Fatalf("record %d not stored", o.RecordID)
	}
	if got := rec.Get("dcterms:title"); len(got) != 1 || got[0] != "Mona Lisa" {
		t.Errorf("title = %q", got)
	}
	if got := rec.Get("dcterms:creator"); len(got) != 1 || got[0] != "Leonardo" {
		t.Errorf("creator = %q", got)
	}
	if got := rec.Get("dcterms:date"); len(got) != 0 {
		t.Errorf("unmapped date stored: %q", got)
	}
	if rec.Visibility != mapping.VisibilityPublic || rec.ResourceType != "items" {
		t.Errorf("defaults not applied: %+v", rec)
	}
}

func TestRun_Idempotent(t *testing.T) {
	sink := memory.New()
	csv := "title,creator\nA,x\nB,y\nC,z\n"

	first, err := importer.New(upsertSpec(t, 2), sink, importer.Options{}).Run(context.Background(), newReader(t, csv))
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if first.Summary.Created != 3 {
		t.Fatalf("first run Summary = %+v, want 3 created", first.Summary)
	}

	second, err := importer.New(upsertSpec(t, 2), sink, importer.Options{}).Run(context.Background(), newReader(t, csv))
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if second.Summary.Created != 0 {
		t.Errorf("second run created %d records, want 0", second.Summary.Created)
	}
	if second.Summary.Updated != 3 {
		t.Errorf("second run Summary = %+v, want 3 updated", second.Summary)
	}
	if n := len(sink.Records()); n != 3 {
		t.Errorf("sink holds %d records, want 3", n)
	}
}

func TestRun_SeesEarlierRowsOfSameRun(t *testing.T) {
	sink := memory.New()
	csv := "title,creator\nA,first\nA,second\n"

	report, err := importer.New(upsertSpec(t, 10), sink, importer.Options{}).Run(context.Background(), newReader(t, csv))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Outcomes[0].Status != importer.StatusCreated || report.Outcomes[1].Status != importer.StatusUpdated {
		t.Fatalf("statuses = %s,%s, want created,updated", report.Outcomes[0].Status, report.Outcomes[1].Status)
	}
	if report.Outcomes[0].RecordID != report.Outcomes[1].RecordID {
		t.Errorf("second row updated record %d, want %d", report.Outcomes[1].RecordID, report.Outcomes[0].RecordID)
	}
	rec, _ := sink.Get(report.Outcomes[0].RecordID)
	if got := rec.Get("dcterms:creator"); len(got) != 1 || got[0] != "second" {
		t.Errorf("creator = %q, want [second]", got)
	}
}

func TestRun_Ambiguous(t *testing.T) {
	ctx := context.Background()
	sink := memory.New()
	seed := &mapping.MappedRecord{Values: []mapping.Value{{Term: "dcterms:title", Text: "Dup"}}}
	for i := 0; i < 2; i++ {
		if _, err := sink.Create(ctx, seed, importer.CreateOptions{ResourceType: "items"}); err != nil {
			t.Fatal(err)
		}
	}

	spec := newSpec(t, mapping.ImportSpec{
		Action:             mapping.ActionUpdate,
		IdentifierProperty: "dcterms:title",
		Columns:            titleCreator(),
	})
	report, err := importer.New(spec, sink, importer.Options{}).Run(ctx, newReader(t, "title,creator\nDup,x\nOther,y\n"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	checkInvariant(t, report.Summary)

	dup := report.Outcomes[0]
	if dup.Status != importer.StatusFailed || dup.Code != "IDN001" {
		t.Errorf("ambiguous row = %+v, want failed IDN001", dup)
	}
	if !errors.Is(dup.Err(), importer.ErrAmbiguousIdentifier) {
		t.Errorf("ambiguous row error = %v", dup.Err())
	}
	if report.Outcomes[1].Status != importer.StatusSkipped {
		t.Errorf("unmatched row status = %s, want skipped", report.Outcomes[1].Status)
	}
	for _, r := range sink.Records() {
		if got := r.Get("dcterms:creator"); len(got) != 0 {
			t.Errorf("record %d was modified: creator %q", r.ID, got)
		}
	}
}

// failingCheckpoint fails the n-th checkpoint and rolls the sink back.
type failingCheckpoint struct {
	*memory.Sink
	failAt int
	calls  int
}

func (f *failingCheckpoint) Checkpoint(ctx context.Context) error {
	f.calls++
	if f.calls == f.failAt {
		f.Sink.Rollback()
		return errors.New("connection refused")
	}
	return f.Sink.Checkpoint(ctx)
}

func TestRun_CheckpointFailureAborts(t *testing.T) {
	mem := memory.New()
	sink := &failingCheckpoint{Sink: mem, failAt: 2}
	spec := newSpec(t, mapping.ImportSpec{Action: mapping.ActionCreate, RowsByBatch: 2, Columns: titleCreator()})

	csv := "title,creator\nA,1\nB,2\nC,3\nD,4\nE,5\n"
	report, err := importer.New(spec, sink, importer.Options{}).Run(context.Background(), newReader(t, csv))
	if !errors.Is(err, importer.ErrCheckpointFailed) {
		t.Fatalf("Run() error = %v, want ErrCheckpointFailed", err)
	}
	if report.State != importer.StateAborted {
		t.Errorf("State = %s, want aborted", report.State)
	}
	if report.Error == nil || report.Error.Code != "CHK001" {
		t.Errorf("report error = %+v, want CHK001", report.Error)
	}
	checkInvariant(t, report.Summary)
	if report.Summary != (importer.Summary{Total: 4, Created: 2, Failed: 2}) {
		t.Errorf("Summary = %+v", report.Summary)
	}
	for _, o := range report.Outcomes[:2] {
		if o.Status != importer.StatusCreated {
			t.Errorf("committed row %d status = %s", o.Row, o.Status)
		}
	}
	for _, o := range report.Outcomes[2:] {
		if o.Status != importer.StatusFailed || o.Code != "CHK001" || o.RecordID != 0 {
			t.Errorf("uncommitted row = %+v", o)
		}
	}
	if n := len(mem.Committed()); n != 2 {
		t.Errorf("committed records = %d, want 2", n)
	}
	if sink.calls != 2 {
		t.Errorf("checkpoint called %d times, want 2", sink.calls)
	}
}

func TestRun_Delete(t *testing.T) {
	ctx := context.Background()
	sink := memory.New()
	keep := &mapping.MappedRecord{Values: []mapping.Value{{Term: "dcterms:title", Text: "Gone"}}}
	if _, err := sink.Create(ctx, keep, importer.CreateOptions{ResourceType: "items"}); err != nil {
		t.Fatal(err)
	}

	spec := newSpec(t, mapping.ImportSpec{
		Action:             mapping.ActionDelete,
		IdentifierProperty: "dcterms:title",
		ActionUnidentified: mapping.UnidentifiedCreate,
		Columns:            titleCreator(),
	})
	report, err := importer.New(spec, sink, importer.Options{}).Run(ctx, newReader(t, "title\nGone\nMissing\n"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if o := report.Outcomes[0]; o.Status != importer.StatusUpdated || o.Action != "delete" {
		t.Errorf("delete outcome = %+v", o)
	}
	if o := report.Outcomes[1]; o.Status != importer.StatusSkipped {
		t.Errorf("missing row under delete = %+v, want skipped", o)
	}
	if n := len(sink.Records()); n != 0 {
		t.Errorf("sink holds %d records, want 0", n)
	}
}

func TestRun_SinkRejectionContinues(t *testing.T) {
	spec := newSpec(t, mapping.ImportSpec{
		Action:       mapping.ActionCreate,
		ResourceType: "widgets",
		Columns:      titleCreator(),
	})
	report, err := importer.New(spec, memory.New(), importer.Options{}).
		Run(context.Background(), newReader(t, "title\nA\nB\n"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Summary != (importer.Summary{Total: 2, Failed: 2}) {
		t.Errorf("Summary = %+v", report.Summary)
	}
	for _, o := range report.Failures() {
		if o.Code != "SNK001" || !errors.Is(o.Err(), importer.ErrSinkRejected) {
			t.Errorf("failure = %+v", o)
		}
		if !strings.Contains(o.Error, "widgets") {
			t.Errorf("failure detail %q lost the sink message", o.Error)
		}
	}
}

func TestRun_UnknownProperty(t *testing.T) {
	cols := map[int]mapping.Column{
		0: {Properties: []string{"dcterms:title"}},
		1: {Properties: []string{"foaf:name"}},
	}
	csv := "title,name\nA,x\nB,\n"

	t.Run("eager aborts", func(t *testing.T) {
		sink := memory.New()
		spec := newSpec(t, mapping.ImportSpec{Columns: cols})
		report, err := importer.New(spec, sink, importer.Options{}).Run(context.Background(), newReader(t, csv))
		if !errors.Is(err, importer.ErrUnknownProperty) {
			t.Fatalf("Run() error = %v, want ErrUnknownProperty", err)
		}
		if report.State != importer.StateAborted || report.Summary.Total != 0 {
			t.Errorf("report = %s %+v", report.State, report.Summary)
		}
		if report.Error.Code != "MAP001" {
			t.Errorf("code = %s, want MAP001", report.Error.Code)
		}
		if sink.Checkpoints() != 0 {
			t.Error("sink was checkpointed before any row")
		}
	})

	t.Run("lazy fails rows", func(t *testing.T) {
		spec := newSpec(t, mapping.ImportSpec{Columns: cols, LazyPropertyCheck: true})
		report, err := importer.New(spec, memory.New(), importer.Options{}).Run(context.Background(), newReader(t, csv))
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		// Row B has an empty name cell, so the unknown column is never consulted.
		if report.Summary != (importer.Summary{Total: 2, Created: 1, Failed: 1}) {
			t.Errorf("Summary = %+v", report.Summary)
		}
		if report.Outcomes[0].Code != "MAP001" {
			t.Errorf("row 1 code = %s, want MAP001", report.Outcomes[0].Code)
		}
	})
}

func TestRun_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spec := newSpec(t, mapping.ImportSpec{Action: mapping.ActionCreate, RowsByBatch: 1, Columns: titleCreator()})
	sink := memory.New()
	im := importer.New(spec, sink, importer.Options{
		OnProgress: func(p importer.Progress) {
			if p.Batches == 1 {
				cancel()
			}
		},
	})

	report, err := im.Run(ctx, newReader(t, "title\nA\nB\nC\n"))
	if !errors.Is(err, importer.ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	if report.State != importer.StateAborted {
		t.Errorf("State = %s, want aborted", report.State)
	}
	if report.Summary != (importer.Summary{Total: 1, Created: 1}) {
		t.Errorf("Summary = %+v", report.Summary)
	}
	if len(sink.Committed()) != 1 {
		t.Errorf("committed = %d, want 1", len(sink.Committed()))
	}
}

func TestRun_BlankRowsAndShortRows(t *testing.T) {
	spec := newSpec(t, mapping.ImportSpec{Action: mapping.ActionCreate, Columns: titleCreator()})
	csv := "title,creator\nA\n\n , \nB,b,extra\n,\n"
	report, err := importer.New(spec, memory.New(), importer.Options{}).Run(context.Background(), newReader(t, csv))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Summary != (importer.Summary{Total: 2, Created: 2}) {
		t.Errorf("Summary = %+v", report.Summary)
	}
	if report.Outcomes[1].Row != 4 {
		t.Errorf("second outcome row = %d, want 4", report.Outcomes[1].Row)
	}
}

func TestRun_OnlyOnce(t *testing.T) {
	spec := newSpec(t, mapping.ImportSpec{Columns: titleCreator()})
	im := importer.New(spec, memory.New(), importer.Options{})
	if _, err := im.Run(context.Background(), newReader(t, "title\nA\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := im.Run(context.Background(), newReader(t, "title\nA\n")); !errors.Is(err, importer.ErrAlreadyStarted) {
		t.Errorf("second Run() error = %v, want ErrAlreadyStarted", err)
	}
	p := im.Progress()
	if p.State != importer.StateCompleted || p.Percent != 100 || p.RowsRead != 1 {
		t.Errorf("Progress() = %+v", p)
	}
}

func TestRunFile(t *testing.T) {
	dir := t.TempDir()
	spec := newSpec(t, mapping.ImportSpec{Columns: titleCreator()})

	t.Run("ok", func(t *testing.T) {
		path := filepath.Join(dir, "ok.csv")
		if err := os.WriteFile(path, []byte("title,creator\nA,a\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		report, err := importer.New(spec, memory.New(), importer.Options{}).RunFile(context.Background(), path)
		if err != nil || report.Summary.Created != 1 {
			t.Errorf("RunFile() = %+v, %v", report, err)
		}
		if report.Header[0] != "title" {
			t.Errorf("Header = %q", report.Header)
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		path := filepath.Join(dir, "empty.csv")
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			t.Fatal(err)
		}
		report, err := importer.New(spec, memory.New(), importer.Options{}).RunFile(context.Background(), path)
		if !errors.Is(err, importer.ErrMalformedHeader) {
			t.Fatalf("RunFile() error = %v, want ErrMalformedHeader", err)
		}
		if report.State != importer.StateAborted || report.Error.Code != "HDR001" || report.Summary.Total != 0 {
			t.Errorf("report = %+v", report)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		report, err := importer.New(spec, memory.New(), importer.Options{}).RunFile(context.Background(), filepath.Join(dir, "nope.csv"))
		if err == nil || report.Error.Code != "FILE001" {
			t.Errorf("RunFile() = %+v, %v; want FILE001", report.Error, err)
		}
	})
}
