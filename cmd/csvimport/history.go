package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvimport/internal/config"
	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/jobs"
)

func newHistoryCmd(cfg *config.Config) *cobra.Command {
	var (
		limit    int
		failures string
		sink     string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs or the failed rows of one run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sink == "" {
				sink = cfg.Import.Sink
			}
			st, err := openStore(cmd.Context(), cfg, sink)
			if err != nil {
				return err
			}
			defer st.close()
			if st.history == nil {
				return withCode(exitUsage, errors.New("the memory sink keeps no history"))
			}

			out := cmd.OutOrStdout()
			if failures != "" {
				rows, err := st.history.Failures(cmd.Context(), failures)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, rows)
				}
				return writeFailuresText(out, rows)
			}

			runs, err := st.history.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, runs)
			}
			return writeRunsText(out, runs)
		},
	}

	fl := cmd.Flags()
	fl.IntVar(&limit, "limit", 20, "number of runs to list")
	fl.StringVar(&failures, "failures", "", "show the failed rows of this run ID")
	fl.StringVar(&sink, "sink", "", "record store: sqlite or postgres (default from IMPORT_SINK)")
	fl.BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRunsText(w io.Writer, runs []jobs.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no runs recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILE\tSTATE\tTOTAL\tCREATED\tUPDATED\tSKIPPED\tFAILED\tSUBMITTED\tERROR")
	for _, r := range runs {
		s := r.Progress.Summary
		errText := ""
		if r.Error != nil {
			errText = r.Error.Code
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.FileName, r.State, s.Total, s.Created, s.Updated, s.Skipped, s.Failed,
			r.SubmittedAt.Local().Format(time.DateTime), errText)
	}
	return tw.Flush()
}

func writeFailuresText(w io.Writer, rows []importer.Outcome) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no failed rows")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROW\tLINE\tCODE\tERROR")
	for _, o := range rows {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", o.Row, o.Line, o.Code, o.Error)
	}
	return tw.Flush()
}
