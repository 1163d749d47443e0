// Command csvimport imports delimited text files into a record store.
//
//	csvimport run items.csv --spec items.yaml
//	csvimport run 'incoming/**/*.tsv' --owner curator@example.org --json
//	csvimport serve
//	csvimport history --limit 20
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvimport/internal/config"
	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/logging"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	// exitPartial means every run finished but some rows failed.
	exitPartial = 3
)

// codedError carries the process exit code for an error.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitFailure
}

func main() {
	err := newRootCmd().Execute()
	if err != nil && exitCode(err) != exitPartial {
		fmt.Fprintln(os.Stderr, "error:", describeError(err))
	}
	os.Exit(exitCode(err))
}

// describeError prefers the user message for errors the catalogue knows.
func describeError(err error) string {
	if importer.IsUserFacing(err) {
		return importer.FormatUserError(err) + "\n  detail: " + err.Error()
	}
	return err.Error()
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "csvimport",
		Short:         "Import CSV and TSV files as records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env does not override variables already set in the shell.
			if err := godotenv.Load(); err == nil {
				slog.Debug("loaded .env file")
			}
			loaded, err := config.Load()
			if err != nil {
				return withCode(exitUsage, err)
			}
			*cfg = *loaded
			// Logs go to stderr so stdout stays machine readable.
			logging.SetupWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
			return nil
		},
	}
	cfg = &config.Config{}

	root.AddCommand(newRunCmd(cfg), newServeCmd(cfg), newHistoryCmd(cfg))
	return root
}
