package importer

import (
	"context"
	"fmt"
	"strings"

	"github.com/JonMunkholm/csvimport/internal/mapping"
)

// TargetKind classifies the outcome of identifier resolution.
type TargetKind int

const (
	NewRecord TargetKind = iota
	ExistingRecord
	Ambiguous
	NotFound
)

func (k TargetKind) String() string {
	switch k {
	case NewRecord:
		return "new"
	case ExistingRecord:
		return "existing"
	case Ambiguous:
		return "ambiguous"
	case NotFound:
		return "not_found"
	default:
		return fmt.Sprintf("TargetKind(%d)", int(k))
	}
}

// Target is the record a row resolves to.
type Target struct {
	Kind       TargetKind
	ID         RecordID   // set for ExistingRecord
	Matches    []RecordID // every match for Ambiguous
	Identifier string
}

// Finder is the lookup half of a Sink.
type Finder interface {
	FindByProperty(ctx context.Context, term, value string) ([]RecordID, error)
}

// Resolver decides whether a row targets an existing record or a new one.
type Resolver struct {
	finder       Finder
	action       mapping.ActionPolicy
	column       int
	property     string
	unidentified mapping.Unidentified
}

// NewResolver builds a Resolver from the identifier settings of spec.
func NewResolver(spec *mapping.ImportSpec, finder Finder) *Resolver {
	return &Resolver{
		finder:       finder,
		action:       spec.Action,
		column:       spec.IdentifierColumn,
		property:     spec.IdentifierProperty,
		unidentified: spec.ActionUnidentified,
	}
}

// Resolve looks up the record for one row. Under create no lookup is made.
// An Ambiguous target is returned together with an error wrapping
// ErrAmbiguousIdentifier. Lookup failures are returned as errors with a
// zero Target.
func (r *Resolver) Resolve(ctx context.Context, rec *mapping.MappedRecord, row []string) (Target, error) {
	if !r.action.NeedsIdentifier() {
		return Target{Kind: NewRecord}, nil
	}

	value := r.identifier(rec, row)
	if value == "" {
		return r.miss(value), nil
	}

	ids, err := r.finder.FindByProperty(ctx, r.property, value)
	if err != nil {
		return Target{}, fmt.Errorf("find %s=%q: %w", r.property, value, err)
	}

	switch len(ids) {
	case 0:
		return r.miss(value), nil
	case 1:
		return Target{Kind: ExistingRecord, ID: ids[0], Identifier: value}, nil
	default:
		t := Target{Kind: Ambiguous, Matches: ids, Identifier: value}
		return t, fmt.Errorf("%w: %s=%q matches %d records %v", ErrAmbiguousIdentifier, r.property, value, len(ids), ids)
	}
}

// miss applies the unidentified-row policy. Delete never creates.
func (r *Resolver) miss(value string) Target {
	if r.action != mapping.ActionDelete && r.unidentified == mapping.UnidentifiedCreate {
		return Target{Kind: NewRecord, Identifier: value}
	}
	return Target{Kind: NotFound, Identifier: value}
}

// identifier reads the identifier cell, or the first mapped value of the
// identifier property when the column is IdentifierFromRecord.
func (r *Resolver) identifier(rec *mapping.MappedRecord, row []string) string {
	if r.column == mapping.IdentifierFromRecord {
		if rec == nil {
			return ""
		}
		if vals := rec.Get(r.property); len(vals) > 0 {
			return vals[0]
		}
		return ""
	}
	if r.column < 0 || r.column >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[r.column])
}
