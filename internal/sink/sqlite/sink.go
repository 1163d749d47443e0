// Package sqlite stores records and run history in a SQLite file through
// the pure Go modernc.org/sqlite driver. It mirrors the Postgres sink: one
// transaction per batch, one savepoint per statement.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/mapping"
	"github.com/JonMunkholm/csvimport/internal/vocab"
)

//go:embed schema.sql
var schemaSQL string

// Open opens the database file at path, creating it if needed, and makes
// sure the schema exists. SQLite allows one writer, so the pool holds a
// single connection.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates the tables and seeds the Dublin Core properties.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("seed properties: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO csvimport_property (id, term, label) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("seed properties: %w", err)
	}
	defer stmt.Close()
	for _, p := range vocab.DublinCore {
		if _, err := stmt.ExecContext(ctx, p.ID, p.Term, p.Label); err != nil {
			return fmt.Errorf("seed %s: %w", p.Term, err)
		}
	}
	return tx.Commit()
}

// queryer is the part of *sql.DB and *sql.Tx the sink uses.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Sink writes records to SQLite. Use one Sink per run.
type Sink struct {
	// DefaultOwner is stored on records created without an owner.
	DefaultOwner string

	db *sql.DB

	mu    sync.Mutex
	tx    *sql.Tx
	sp    int
	props map[string]vocab.Property
}

var _ importer.Sink = (*Sink)(nil)

// New returns a sink on db. The schema must exist.
func New(db *sql.DB) *Sink {
	return &Sink{db: db, props: make(map[string]vocab.Property)}
}

// conn returns the open transaction, or the pool when none is open. With
// a single connection, reading through the pool while a transaction is
// open would block.
func (s *Sink) conn() queryer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *Sink) begin(ctx context.Context) (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	return tx, nil
}

// savepoint runs fn in a savepoint of the batch transaction and rolls back
// to it when fn fails.
func (s *Sink) savepoint(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	s.sp++
	name := "sp_" + strconv.Itoa(s.sp)

	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}
	if err := fn(tx); err != nil {
		_, _ = tx.ExecContext(ctx, "ROLLBACK TO "+name)
		_, _ = tx.ExecContext(ctx, "RELEASE "+name)
		return describe(err)
	}
	_, _ = tx.ExecContext(ctx, "RELEASE "+name)
	return nil
}

// ResolveProperty implements importer.Sink.
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
	err := s.conn().QueryRowContext(ctx,
		`SELECT id, term, label FROM csvimport_property WHERE lower(term) = lower(?)`, term,
	).Scan(&p.ID, &p.Term, &p.Label)
	if errors.Is(err, sql.ErrNoRows) {
		return vocab.Property{}, fmt.Errorf("%w: %s", mapping.ErrUnknownProperty, term)
	}
	if err != nil {
		return vocab.Property{}, fmt.Errorf("resolve property %s: %w", term, err)
	}
	s.props[key] = p
	return p, nil
}

// AddProperty registers a property outside the seeded vocabulary.
func (s *Sink) AddProperty(ctx context.Context, p vocab.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn().ExecContext(ctx, `INSERT INTO csvimport_property (id, term, label) VALUES (?, ?, ?)`, p.ID, p.Term, p.Label)
	if err != nil {
		return fmt.Errorf("add property %s: %w", p.Term, describe(err))
	}
	return nil
}

// FindByProperty implements importer.Sink. Results are in id order.
func (s *Sink) FindByProperty(ctx context.Context, term, value string) ([]importer.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []importer.RecordID
	err := s.savepoint(ctx, func(tx *sql.Tx) error {
		var (
			rows *sql.Rows
			err  error
		)
		if term == vocab.InternalID {
			id, perr := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if perr != nil {
				return nil
			}
			rows, err = tx.QueryContext(ctx, `SELECT id FROM csvimport_record WHERE id = ?`, id)
		} else {
			rows, err = tx.QueryContext(ctx, `
				SELECT DISTINCT v.record_id
				FROM csvimport_value v
				JOIN csvimport_property p ON p.id = v.property_id
				WHERE lower(p.term) = lower(?) AND v.value = ?
				ORDER BY v.record_id`, term, value)
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, importer.RecordID(id))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("find by %s: %w", term, err)
	}
	return ids, nil
}

// Create implements importer.Sink.
func (s *Sink) Create(ctx context.Context, rec *mapping.MappedRecord, opts importer.CreateOptions) (importer.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner := opts.Owner
	if owner == "" {
		owner = s.DefaultOwner
	}
	now := time.Now().UnixMilli()

	var id int64
	err := s.savepoint(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO csvimport_record
				(resource_type, owner, is_public, resource_class, resource_template, created_at, modified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			opts.ResourceType, owner, opts.Visibility != mapping.VisibilityPrivate, opts.Class, opts.Template, now, now)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
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

	return s.savepoint(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE csvimport_record SET modified_at = ? WHERE id = ?`, time.Now().UnixMilli(), int64(id))
		if err != nil {
			return fmt.Errorf("touch record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("record %d not found", id)
		}

		values, media, err := loadContent(ctx, tx, int64(id))
		if err != nil {
			return err
		}
		values, media = importer.Merge(values, media, rec, mode)

		if _, err := tx.ExecContext(ctx, `DELETE FROM csvimport_value WHERE record_id = ?`, int64(id)); err != nil {
			return fmt.Errorf("clear values: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM csvimport_media WHERE record_id = ?`, int64(id)); err != nil {
			return fmt.Errorf("clear media: %w", err)
		}
		return s.writeContent(ctx, tx, int64(id), values, media)
	})
}

// Delete implements importer.Sink.
func (s *Sink) Delete(ctx context.Context, id importer.RecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.savepoint(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM csvimport_record WHERE id = ?`, int64(id))
		if err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("record %d not found", id)
		}
		return nil
	})
}

// Checkpoint implements importer.Sink by committing the batch transaction.
func (s *Sink) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.tx
	s.tx, s.sp = nil, 0
	if tx == nil {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return describe(err)
	}
	return nil
}

// Close rolls back any uncommitted batch. The database stays open.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.tx
	s.tx, s.sp = nil, 0
	if tx == nil {
		return nil
	}
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (s *Sink) writeContent(ctx context.Context, tx *sql.Tx, id int64, values []mapping.Value, media []mapping.MediaDescriptor) error {
	if len(values) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO csvimport_value (record_id, position, property_id, value, lang) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("insert values: %w", err)
		}
		defer stmt.Close()
		for i, v := range values {
			pid := v.Property.ID
			if pid == 0 {
				p, err := s.property(ctx, v.Term)
				if err != nil {
					return err
				}
				pid = p.ID
			}
			if _, err := stmt.ExecContext(ctx, id, i, pid, v.Text, v.Language); err != nil {
				return fmt.Errorf("insert value %s: %w", v.Term, err)
			}
		}
	}

	if len(media) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO csvimport_media (record_id, position, ingester, source) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("insert media: %w", err)
		}
		defer stmt.Close()
		for i, m := range media {
			if _, err := stmt.ExecContext(ctx, id, i, m.Ingester, m.Source); err != nil {
				return fmt.Errorf("insert media: %w", err)
			}
		}
	}
	return nil
}

func loadContent(ctx context.Context, q queryer, id int64) ([]mapping.Value, []mapping.MediaDescriptor, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT p.id, p.term, p.label, v.value, v.lang
		FROM csvimport_value v
		JOIN csvimport_property p ON p.id = v.property_id
		WHERE v.record_id = ?
		ORDER BY v.position`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load values: %w", err)
	}
	defer rows.Close()

	var values []mapping.Value
	for rows.Next() {
		var v mapping.Value
		if err := rows.Scan(&v.Property.ID, &v.Property.Term, &v.Property.Label, &v.Text, &v.Language); err != nil {
			return nil, nil, fmt.Errorf("load values: %w", err)
		}
		v.Term = v.Property.Term
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("load values: %w", err)
	}

	mrows, err := q.QueryContext(ctx, `SELECT ingester, source FROM csvimport_media WHERE record_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load media: %w", err)
	}
	defer mrows.Close()

	var media []mapping.MediaDescriptor
	for mrows.Next() {
		var m mapping.MediaDescriptor
		if err := mrows.Scan(&m.Ingester, &m.Source); err != nil {
			return nil, nil, fmt.Errorf("load media: %w", err)
		}
		media = append(media, m)
	}
	return values, media, mrows.Err()
}

// Record is a stored record as read back by Get.
type Record struct {
	ID           importer.RecordID
	ResourceType string
	Owner        string
	Public       bool
	Values       []mapping.Value
	Media        []mapping.MediaDescriptor
}

// Get reads a record, including writes of the open batch.
func (s *Sink) Get(ctx context.Context, id importer.RecordID) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Record{ID: id}
	q := s.conn()
	err := q.QueryRowContext(ctx,
		`SELECT resource_type, owner, is_public FROM csvimport_record WHERE id = ?`, int64(id),
	).Scan(&r.ResourceType, &r.Owner, &r.Public)
	if err != nil {
		return Record{}, fmt.Errorf("get record %d: %w", id, err)
	}
	r.Values, r.Media, err = loadContent(ctx, q, int64(id))
	if err != nil {
		return Record{}, err
	}
	return r, nil
}
