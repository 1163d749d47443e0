package importer

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/csvimport/internal/mapping"
	"github.com/JonMunkholm/csvimport/internal/vocab"
)

// RecordID identifies a record in a sink.
type RecordID int64

// CreateOptions carries the per-run defaults applied to new records.
// An empty Owner leaves ownership to the sink's default-owner policy.
type CreateOptions struct {
	ResourceType string
	Owner        string
	Visibility   mapping.Visibility
	Class        string
	Template     string
}

// UpdateMode selects how Update merges a record into an existing one.
type UpdateMode int

const (
	// ModeUpdate replaces the values of properties present in the record
	// and keeps the others. Media not yet attached are added.
	ModeUpdate UpdateMode = iota
	// ModeAppend adds values and media that are not already present.
	ModeAppend
	// ModeReplace drops every value and media item, then writes the record.
	ModeReplace
)

func (m UpdateMode) String() string {
	switch m {
	case ModeUpdate:
		return "update"
	case ModeAppend:
		return "append"
	case ModeReplace:
		return "replace"
	default:
		return fmt.Sprintf("UpdateMode(%d)", int(m))
	}
}

// modeFor maps a modifying action to its update mode.
func modeFor(a mapping.ActionPolicy) UpdateMode {
	switch a {
	case mapping.ActionAppend:
		return ModeAppend
	case mapping.ActionReplace:
		return ModeReplace
	default:
		return ModeUpdate
	}
}

// Sink is the persistence layer an import writes to. It owns storage and
// schema validity; the importer never touches storage directly.
//
// Writes made since the last Checkpoint must be visible to later
// FindByProperty calls in the same run. Checkpoint makes them durable.
type Sink interface {
	FindByProperty(ctx context.Context, term, value string) ([]RecordID, error)
	Create(ctx context.Context, rec *mapping.MappedRecord, opts CreateOptions) (RecordID, error)
	Update(ctx context.Context, id RecordID, rec *mapping.MappedRecord, mode UpdateMode) error
	Delete(ctx context.Context, id RecordID) error
	ResolveProperty(ctx context.Context, term string) (vocab.Property, error)
	Checkpoint(ctx context.Context) error
}
