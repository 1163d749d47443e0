package mapping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/JonMunkholm/csvimport/internal/vocab"
)

// ErrUnknownProperty is returned when a mapped term is not part of the
// target schema.
var ErrUnknownProperty = errors.New("unknown property")

// PropertyResolver looks up a property term in the target schema. It
// returns an error wrapping ErrUnknownProperty for terms it does not know.
type PropertyResolver interface {
	ResolveProperty(ctx context.Context, term string) (vocab.Property, error)
}

// Value is one property value of a record.
type Value struct {
	Property vocab.Property `json:"-"`
	Term     string         `json:"term"`
	Text     string         `json:"value"`
	Language string         `json:"lang,omitempty"`
}

// MediaDescriptor references an external resource to attach.
type MediaDescriptor struct {
	Ingester string `json:"ingester"`
	Source   string `json:"source"`
}

// MappedRecord is the typed form of one row.
type MappedRecord struct {
	Values []Value           `json:"values"`
	Media  []MediaDescriptor `json:"media,omitempty"`
}

// Get returns the values of term in column order.
func (r *MappedRecord) Get(term string) []string {
	var out []string
	for _, v := range r.Values {
		if v.Term == term {
			out = append(out, v.Text)
		}
	}
	return out
}

// Terms returns the distinct terms present, in first-seen order.
func (r *MappedRecord) Terms() []string {
	seen := make(map[string]bool, len(r.Values))
	var out []string
	for _, v := range r.Values {
		if !seen[v.Term] {
			seen[v.Term] = true
			out = append(out, v.Term)
		}
	}
	return out
}

// Empty reports whether the record carries neither values nor media.
func (r *MappedRecord) Empty() bool {
	return len(r.Values) == 0 && len(r.Media) == 0
}

// Mapper applies a spec's column mapping to raw rows. Property lookups go
// through the resolver once per term and are cached for the life of the
// Mapper, including misses.
type Mapper struct {
	spec    *ImportSpec
	props   PropertyResolver
	indices []int

	mu    sync.Mutex
	cache map[string]propertyResult
}

type propertyResult struct {
	prop vocab.Property
	err  error
}

// NewMapper returns a Mapper for spec. The spec must not be modified
// afterwards.
func NewMapper(spec *ImportSpec, props PropertyResolver) *Mapper {
	return &Mapper{
		spec:    spec,
		props:   props,
		indices: spec.Indices(),
		cache:   make(map[string]propertyResult),
	}
}

// Check resolves every term the spec references up front and returns all
// failures joined.
func (m *Mapper) Check(ctx context.Context) error {
	var errs []error
	for _, term := range m.spec.Terms() {
		if _, err := m.resolve(ctx, term); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Map converts one raw row. header is used only to name columns in errors.
func (m *Mapper) Map(ctx context.Context, row []string, header []string) (*MappedRecord, error) {
	rec := &MappedRecord{}
	for _, idx := range m.indices {
		if idx >= len(row) {
			continue
		}
		col := m.spec.Columns[idx]
		values := m.split(row[idx], col.Multivalue)
		if len(values) == 0 {
			continue
		}

		lang := col.Language
		if lang == "" {
			lang = m.spec.Language
		}
		for _, term := range col.Properties {
			prop, err := m.resolve(ctx, term)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", columnName(idx, header), err)
			}
			if prop.Term == "" {
				prop.Term = term
			}
			for _, v := range values {
				rec.Values = append(rec.Values, Value{Property: prop, Term: prop.Term, Text: v, Language: lang})
			}
		}
		if col.Media != "" {
			for _, v := range values {
				rec.Media = append(rec.Media, MediaDescriptor{Ingester: col.Media, Source: v})
			}
		}
	}
	return rec, nil
}

func (m *Mapper) split(cell string, multivalue bool) []string {
	return SplitCell(cell, m.spec.MultivalueSeparator, multivalue)
}

// SplitCell splits cell on sep when multivalue is set, trims each part and
// drops empty parts.
func SplitCell(cell, sep string, multivalue bool) []string {
	parts := []string{cell}
	if multivalue && sep != "" {
		parts = strings.Split(cell, sep)
	}
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (m *Mapper) resolve(ctx context.Context, term string) (vocab.Property, error) {
	m.mu.Lock()
	res, ok := m.cache[term]
	m.mu.Unlock()
	if ok {
		return res.prop, res.err
	}

	prop, err := m.props.ResolveProperty(ctx, term)
	if err != nil && !errors.Is(err, ErrUnknownProperty) {
		// Lookup failures are not cached; the next row retries.
		return vocab.Property{}, fmt.Errorf("resolve %s: %w", term, err)
	}
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrUnknownProperty, term)
	}

	m.mu.Lock()
	m.cache[term] = propertyResult{prop: prop, err: err}
	m.mu.Unlock()
	return prop, err
}

func columnName(idx int, header []string) string {
	if idx < len(header) && header[idx] != "" {
		return fmt.Sprintf("%d (%s)", idx, header[idx])
	}
	return fmt.Sprintf("%d", idx)
}
