// Package postgres stores records and run history in PostgreSQL.
//
// A Sink holds one transaction per batch. It is opened lazily by the first
// statement after a checkpoint and committed by Checkpoint. Every statement
// runs inside its own savepoint so a rejected row does not abort the batch,
// and lookups run inside the same transaction so a row sees records written
// by earlier rows of the batch.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/mapping"
	"github.com/JonMunkholm/csvimport/internal/vocab"
)

//go:embed schema.sql
var schemaSQL string

// PoolOptions tunes the connection pool. Zero values keep the pgx defaults.
type PoolOptions struct {
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Connect opens a pool for url and pings it.
func Connect(ctx context.Context, url string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		cfg.MinConns = int32(opts.MinConns)
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the tables if needed and seeds the Dublin Core
// properties.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	batch := &pgx.Batch{}
	for _, p := range vocab.DublinCore {
		batch.Queue(`INSERT INTO csvimport_property (id, term, label) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			p.ID, p.Term, p.Label)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed properties: %w", err)
	}
	return nil
}

// Sink writes records to Postgres. Use one Sink per run.
type Sink struct {
	// DefaultOwner is stored on records created without an owner.
	DefaultOwner string

	pool *pgxpool.Pool

	mu    sync.Mutex
	tx    pgx.Tx
	sp    int
	props map[string]vocab.Property
}

var _ importer.Sink = (*Sink)(nil)

// New returns a sink on pool. EnsureSchema must have run.
func New(pool *pgxpool.Pool) *Sink {
	return &Sink{pool: pool, props: make(map[string]vocab.Property)}
}

// begin returns the open batch transaction, starting one if needed.
func (s *Sink) begin(ctx context.Context) (pgx.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	return tx, nil
}

// savepoint runs fn in a savepoint of the batch transaction and rolls back
// to it when fn fails.
func (s *Sink) savepoint(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	s.sp++
	name := "sp_" + strconv.Itoa(s.sp)

	if _, err := tx.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}
	if err := fn(tx); err != nil {
		_, _ = tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name)
		return describe(err)
	}
	_, _ = tx.Exec(ctx, "RELEASE SAVEPOINT "+name)
	return nil
}

// ResolveProperty implements importer.Sink. Hits are cached for the life
// of the sink.
func (s *Sink) ResolveProperty(ctx context.Context, term string) (vocab.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.property(ctx, term)
}

func (s *Sink) property(ctx context.Context, term string) (vocab.Property, error) {
	key := strings.ToLower(term)
	if p, ok := s.props[key]; ok {
		return p, nil
	}

	var p vocab.Property
	err := s.pool.QueryRow(ctx,
		`SELECT id, term, label FROM csvimport_property WHERE lower(term) = lower($1)`, term,
	).Scan(&p.ID, &p.Term, &p.Label)
	if errors.Is(err, pgx.ErrNoRows) {
		return vocab.Property{}, fmt.Errorf("%w: %s", mapping.ErrUnknownProperty, term)
	}
	if err != nil {
		return vocab.Property{}, fmt.Errorf("resolve property %s: %w", term, err)
	}
	s.props[key] = p
	return p, nil
}

// FindByProperty implements importer.Sink. Results are in id order.
func (s *Sink) FindByProperty(ctx context.Context, term, value string) ([]importer.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	err := s.savepoint(ctx, func(tx pgx.Tx) error {
		var (
			rows pgx.Rows
			err  error
		)
		if term == vocab.InternalID {
			id, perr := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if perr != nil {
				return nil
			}
			rows, err = tx.Query(ctx, `SELECT id FROM csvimport_record WHERE id = $1`, id)
		} else {
			rows, err = tx.Query(ctx, `
				SELECT DISTINCT v.record_id
				FROM csvimport_value v
				JOIN csvimport_property p ON p.id = v.property_id
				WHERE lower(p.term) = lower($1) AND v.value = $2
				ORDER BY v.record_id`, term, value)
		}
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[int64])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find by %s: %w", term, err)
	}

	out := make([]importer.RecordID, len(ids))
	for i, id := range ids {
		out[i] = importer.RecordID(id)
	}
	return out, nil
}

// Create implements importer.Sink.
func (s *Sink) Create(ctx context.Context, rec *mapping.MappedRecord, opts importer.CreateOptions) (importer.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner := opts.Owner
	if owner == "" {
		owner = s.DefaultOwner
	}

	var id int64
	err := s.savepoint(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO csvimport_record (resource_type, owner, is_public, resource_class, resource_template)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			opts.ResourceType, owner, opts.Visibility != mapping.VisibilityPrivate, opts.Class, opts.Template,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		return s.writeContent(ctx, tx, id, rec.Values, rec.Media)
	})
	if err != nil {
		return 0, err
	}
	return importer.RecordID(id), nil
}

// Update implements importer.Sink with a read-modify-write of the record's
// values and media.
func (s *Sink) Update(ctx context.Context, id importer.RecordID, rec *mapping.MappedRecord, mode importer.UpdateMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.savepoint(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE csvimport_record SET modified_at = now() WHERE id = $1`, int64(id))
		if err != nil {
			return fmt.Errorf("touch record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("record %d not found", id)
		}

		values, media, err := loadContent(ctx, tx, int64(id))
		if err != nil {
			return err
		}
		values, media = importer.Merge(values, media, rec, mode)

		if _, err := tx.Exec(ctx, `DELETE FROM csvimport_value WHERE record_id = $1`, int64(id)); err != nil {
			return fmt.Errorf("clear values: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM csvimport_media WHERE record_id = $1`, int64(id)); err != nil {
			return fmt.Errorf("clear media: %w", err)
		}
		return s.writeContent(ctx, tx, int64(id), values, media)
	})
}

// Delete implements importer.Sink. Values and media go with the record.
func (s *Sink) Delete(ctx context.Context, id importer.RecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.savepoint(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM csvimport_record WHERE id = $1`, int64(id))
		if err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("record %d not found", id)
		}
		return nil
	})
}

// Checkpoint implements importer.Sink by committing the batch transaction.
// With nothing written since the last checkpoint it is a no-op.
func (s *Sink) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.tx
	s.tx, s.sp = nil, 0
	if tx == nil {
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		return describe(err)
	}
	return nil
}

// Close rolls back any uncommitted batch. The pool stays open.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.tx
	s.tx, s.sp = nil, 0
	if tx == nil {
		return nil
	}
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (s *Sink) writeContent(ctx context.Context, tx pgx.Tx, id int64, values []mapping.Value, media []mapping.MediaDescriptor) error {
	if len(values) > 0 {
		rows := make([][]any, len(values))
		for i, v := range values {
			pid := v.Property.ID
			if pid == 0 {
				p, err := s.property(ctx, v.Term)
				if err != nil {
					return err
				}
				pid = p.ID
			}
			rows[i] = []any{id, i, pid, v.Text, v.Language}
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"csvimport_value"},
			[]string{"record_id", "position", "property_id", "value", "lang"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("insert values: %w", err)
		}
	}

	if len(media) > 0 {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"csvimport_media"},
			[]string{"record_id", "position", "ingester", "source"},
			pgx.CopyFromSlice(len(media), func(i int) ([]any, error) {
				return []any{id, i, media[i].Ingester, media[i].Source}, nil
			}))
		if err != nil {
			return fmt.Errorf("insert media: %w", err)
		}
	}
	return nil
}

func loadContent(ctx context.Context, tx pgx.Tx, id int64) ([]mapping.Value, []mapping.MediaDescriptor, error) {
	rows, err := tx.Query(ctx, `
		SELECT p.id, p.term, p.label, v.value, v.lang
		FROM csvimport_value v
		JOIN csvimport_property p ON p.id = v.property_id
		WHERE v.record_id = $1
		ORDER BY v.position`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load values: %w", err)
	}
	values, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (mapping.Value, error) {
		var v mapping.Value
		err := row.Scan(&v.Property.ID, &v.Property.Term, &v.Property.Label, &v.Text, &v.Language)
		v.Term = v.Property.Term
		return v, err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load values: %w", err)
	}

	rows, err = tx.Query(ctx, `SELECT ingester, source FROM csvimport_media WHERE record_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load media: %w", err)
	}
	media, err := pgx.CollectRows(rows, pgx.RowToStructByPos[mapping.MediaDescriptor])
	if err != nil {
		return nil, nil, fmt.Errorf("load media: %w", err)
	}
	return values, media, nil
}
