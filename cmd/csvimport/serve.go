package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvimport/internal/config"
	"github.com/JonMunkholm/csvimport/internal/web"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var sink string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the import API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sink == "" {
				sink = cfg.Import.Sink
			}
			slog.Info("configuration loaded",
				"addr", cfg.Server.Addr(),
				"sink", sink,
				"jobs_max_concurrent", cfg.Jobs.MaxConcurrent,
				"api_keys", len(cfg.Server.APIKeys),
			)

			st, err := openStore(cmd.Context(), cfg, sink)
			if err != nil {
				return err
			}
			defer st.close()

			svc := st.service(cfg)
			server := web.NewServer(svc, cfg.Server)

			// Graceful shutdown
			done := make(chan struct{})
			go func() {
				defer close(done)
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				<-sigCh

				slog.Info("shutting down...")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()

				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("shutdown error", "error", err)
				}

				// Runs still going are cancelled and recorded as aborted.
				if status := svc.Status(); status.Active > 0 {
					slog.Info("cancelling active runs", "active", status.Active)
				}
				if err := svc.Shutdown(shutdownCtx); err != nil {
					slog.Warn("runs did not stop in time", "error", err)
				}
			}()

			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			<-done
			slog.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&sink, "sink", "", "record store: memory, sqlite or postgres (default from IMPORT_SINK)")
	return cmd
}
