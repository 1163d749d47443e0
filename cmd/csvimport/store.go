package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JonMunkholm/csvimport/internal/config"
	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/jobs"
	"github.com/JonMunkholm/csvimport/internal/sink/memory"
	"github.com/JonMunkholm/csvimport/internal/sink/postgres"
	"github.com/JonMunkholm/csvimport/internal/sink/sqlite"
	"github.com/JonMunkholm/csvimport/internal/staging"
)

// store is an opened record store: a sink per run, the run history when
// the store keeps one, and the function releasing its connections.
type store struct {
	kind    string
	newSink jobs.SinkFactory
	history jobs.History
	close   func()
}

// openStore connects to the sink named by kind.
func openStore(ctx context.Context, cfg *config.Config, kind string) (*store, error) {
	owner := cfg.Import.Owner

	switch strings.ToLower(kind) {
	case config.SinkMemory:
		return &store{
			kind: config.SinkMemory,
			newSink: func(context.Context) (importer.Sink, error) {
				s := memory.New()
				s.DefaultOwner = owner
				return s, nil
			},
			close: func() {},
		}, nil

	case config.SinkSQLite:
		db, err := sqlite.Open(ctx, cfg.Import.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("opened sqlite store", "path", cfg.Import.SQLitePath)
		return &store{
			kind: config.SinkSQLite,
			newSink: func(context.Context) (importer.Sink, error) {
				s := sqlite.New(db)
				s.DefaultOwner = owner
				return s, nil
			},
			history: sqlite.NewHistory(db),
			close:   func() { db.Close() },
		}, nil

	case config.SinkPostgres:
		if cfg.Database.URL == "" {
			return nil, withCode(exitUsage, fmt.Errorf("the postgres sink needs DATABASE_URL"))
		}
		pool, err := postgres.Connect(ctx, cfg.Database.URL, postgres.PoolOptions{
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		})
		if err != nil {
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		slog.Info("connected to database", "max_conns", cfg.Database.MaxConns)
		return &store{
			kind: config.SinkPostgres,
			newSink: func(context.Context) (importer.Sink, error) {
				s := postgres.New(pool)
				s.DefaultOwner = owner
				return s, nil
			},
			history: postgres.NewHistory(pool),
			close:   pool.Close,
		}, nil
	}
	return nil, withCode(exitUsage, fmt.Errorf("unknown sink %q: use memory, sqlite or postgres", kind))
}

// service builds the job service over st with the configured limits.
func (st *store) service(cfg *config.Config) *jobs.Service {
	return jobs.NewService(st.newSink, jobs.Config{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		MaxWait:       cfg.Jobs.MaxWait,
		Timeout:       cfg.Jobs.Timeout,
		Retain:        cfg.Jobs.Retain,
		Stager:        staging.Stager{Root: cfg.Import.Root, Dir: cfg.Import.StagingDir},
		History:       st.history,
	})
}
