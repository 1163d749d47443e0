package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvimport/internal/config"
	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/mapping"
	"github.com/JonMunkholm/csvimport/internal/staging"
)

type runFlags struct {
	spec    string
	owner   string
	comment string
	batch   int
	sink    string
	dryRun  bool
	json    bool
}

func newRunCmd(cfg *config.Config) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run <file|glob>...",
		Short: "Import one or more files, one run per file",
		Long: `Import one or more files, one run per file.

Arguments may be doublestar globs ('incoming/**/*.csv'). Files run in
sorted order. Without --spec, columns 0-2 map to dcterms:title,
dcterms:creator and dcterms:description, column 3 is a media URL, and
rows are matched on title: existing records are updated, the rest are
created.

Exit status is 1 when a run aborts, 3 when rows failed, 0 otherwise.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadRunSpec(f, cfg, time.Now())
			if err != nil {
				return withCode(exitUsage, err)
			}

			var files []string
			for _, a := range args {
				matched, err := staging.Discover(a)
				if err != nil {
					return withCode(exitUsage, err)
				}
				files = append(files, matched...)
			}

			kind := f.sink
			if kind == "" {
				kind = cfg.Import.Sink
			}
			if f.dryRun {
				kind = config.SinkMemory
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx, cfg, kind)
			if err != nil {
				return err
			}
			defer st.close()
			svc := st.service(cfg)

			results := make([]fileResult, 0, len(files))
			for _, path := range files {
				if ctx.Err() != nil {
					break
				}
				id, report, err := svc.RunFile(ctx, path, spec)
				results = append(results, fileResult{Path: path, RunID: id, Report: report, err: err})
				if err != nil {
					slog.Error("run failed", "file", path, "run_id", id, "error", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := svc.Shutdown(shutdownCtx); err != nil {
				slog.Warn("shutdown incomplete", "error", err)
			}

			out := cmd.OutOrStdout()
			if f.json {
				err = writeResultsJSON(out, results)
			} else {
				err = writeResultsText(out, results, f.dryRun)
			}
			if err != nil {
				return err
			}
			return resultsError(results)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.spec, "spec", "", "import spec file (YAML or JSON)")
	fl.StringVar(&f.owner, "owner", "", "owner of created records, overrides the spec")
	fl.StringVar(&f.comment, "comment", "", "comment stored with the run")
	fl.IntVar(&f.batch, "batch", 0, "rows per batch, overrides the spec")
	fl.StringVar(&f.sink, "sink", "", "record store: memory, sqlite or postgres (default from IMPORT_SINK)")
	fl.BoolVar(&f.dryRun, "dry-run", false, "import into a throwaway in-memory store")
	fl.BoolVar(&f.json, "json", false, "print results as JSON")
	return cmd
}

// defaultSpec maps the four leading columns of a catalogue export and
// updates records matched on title, creating the rest.
func defaultSpec() *mapping.ImportSpec {
	return &mapping.ImportSpec{
		ResourceType:       "items",
		Action:             mapping.ActionUpdate,
		IdentifierColumn:   0,
		IdentifierProperty: "dcterms:title",
		ActionUnidentified: mapping.UnidentifiedCreate,
		RowsByBatch:        20,
		Visibility:         mapping.VisibilityPublic,
		Columns: map[int]mapping.Column{
			0: {Properties: []string{"dcterms:title"}},
			1: {Properties: []string{"dcterms:creator"}},
			2: {Properties: []string{"dcterms:description"}},
			3: {Media: "url"},
		},
	}
}

// loadRunSpec reads --spec or falls back to defaultSpec, then applies the
// flag overrides. Defaults that depend on the file are left to the service.
func loadRunSpec(f runFlags, cfg *config.Config, now time.Time) (*mapping.ImportSpec, error) {
	spec := defaultSpec()
	if f.spec != "" {
		data, err := os.ReadFile(f.spec)
		if err != nil {
			return nil, fmt.Errorf("read spec: %w", err)
		}
		if spec, err = mapping.Decode(data); err != nil {
			return nil, err
		}
	}

	if f.owner != "" {
		spec.Owner = f.owner
	}
	if f.batch > 0 {
		spec.RowsByBatch = f.batch
	}
	if spec.RowsByBatch == 0 {
		spec.RowsByBatch = cfg.Import.BatchSize
	}
	switch {
	case f.comment != "":
		spec.Comment = f.comment
	case spec.Comment == "":
		spec.Comment = "CLI import " + now.Format(time.DateTime)
	}
	return spec, nil
}

type fileResult struct {
	Path   string           `json:"path"`
	RunID  string           `json:"run_id,omitempty"`
	Report *importer.Report `json:"report,omitempty"`
	Error  string           `json:"error,omitempty"`

	err error
}

// resultsError picks the exit code for a batch of runs: any aborted or
// unstarted run is a failure, failed rows alone are partial.
func resultsError(results []fileResult) error {
	failedRows := 0
	for _, r := range results {
		if r.err != nil {
			return withCode(exitFailure, fmt.Errorf("%s: %w", r.Path, r.err))
		}
		if r.Report != nil && r.Report.State == importer.StateAborted {
			return withCode(exitFailure, fmt.Errorf("%s: run aborted", r.Path))
		}
		if r.Report != nil {
			failedRows += r.Report.Summary.Failed
		}
	}
	if failedRows > 0 {
		return withCode(exitPartial, fmt.Errorf("%d rows failed", failedRows))
	}
	return nil
}

func writeResultsJSON(w io.Writer, results []fileResult) error {
	for i := range results {
		if results[i].err != nil {
			results[i].Error = results[i].err.Error()
		}
	}
	return writeJSON(w, results)
}

func writeResultsText(w io.Writer, results []fileResult, dryRun bool) error {
	for _, r := range results {
		if r.Report == nil {
			fmt.Fprintf(w, "%s: not started: %s\n", r.Path, describeError(r.err))
			continue
		}
		rep := r.Report
		s := rep.Summary
		fmt.Fprintf(w, "%s: %s in %s (run %s)\n", r.Path, rep.State, rep.Duration().Round(time.Millisecond), r.RunID)
		fmt.Fprintf(w, "  rows %d: created %d, updated %d, skipped %d, failed %d\n",
			s.Total, s.Created, s.Updated, s.Skipped, s.Failed)
		if rep.Error != nil {
			fmt.Fprintf(w, "  error %s: %s\n", rep.Error.Code, rep.Error.Message)
			if rep.Error.Action != "" {
				fmt.Fprintf(w, "  action: %s\n", rep.Error.Action)
			}
		}
		for _, o := range rep.Failures() {
			fmt.Fprintf(w, "  row %d (line %d): %s %s\n", o.Row, o.Line, o.Code, o.Error)
		}
	}
	if dryRun {
		fmt.Fprintln(w, "dry run: nothing was stored")
	}
	return nil
}
