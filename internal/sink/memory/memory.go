// Package memory is an in-process Sink. It backs dry runs and tests.
//
// Writes are visible immediately. Each write journals the record's previous
// version; Checkpoint drops the journal and Rollback replays it, which
// mirrors the transaction-per-batch behavior of the SQL sinks.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/mapping"
	"github.com/JonMunkholm/csvimport/internal/vocab"
)

// ResourceTypes accepted by Create.
var ResourceTypes = []string{"items", "item_sets", "media"}

// Record is a stored record.
type Record struct {
	ID           importer.RecordID
	ResourceType string
	Owner        string
	Visibility   mapping.Visibility
	Class        string
	Template     string
	Values       []mapping.Value
	Media        []mapping.MediaDescriptor
	CreatedAt    time.Time
	ModifiedAt   time.Time
}

func (r *Record) clone() *Record {
	c := *r
	c.Values = append([]mapping.Value(nil), r.Values...)
	c.Media = append([]mapping.MediaDescriptor(nil), r.Media...)
	return &c
}

// Get returns the values of term.
func (r Record) Get(term string) []string {
	var out []string
	for _, v := range r.Values {
		if v.Term == term {
			out = append(out, v.Text)
		}
	}
	return out
}

// journal holds the pre-image of every record touched since the last
// Checkpoint. A nil pre-image means the record did not exist.
type journal struct {
	before map[importer.RecordID]*Record
	nextID importer.RecordID
}

// Sink stores records in memory.
type Sink struct {
	// DefaultOwner is applied to records created without an owner.
	DefaultOwner string

	mu          sync.Mutex
	props       map[string]vocab.Property
	records     map[importer.RecordID]*Record
	nextID      importer.RecordID
	undo        journal
	checkpoints int
}

var _ importer.Sink = (*Sink)(nil)

// New returns an empty sink whose schema holds the Dublin Core terms.
func New() *Sink {
	s := &Sink{
		props:   make(map[string]vocab.Property),
		records: make(map[importer.RecordID]*Record),
		nextID:  1,
	}
	for _, p := range vocab.DublinCore {
		s.props[strings.ToLower(p.Term)] = p
	}
	s.resetJournal()
	return s
}

// AddProperty extends the schema.
func (s *Sink) AddProperty(p vocab.Property) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.props[strings.ToLower(p.Term)] = p
}

// ResolveProperty implements importer.Sink.
func (s *Sink) ResolveProperty(_ context.Context, term string) (vocab.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.props[strings.ToLower(term)]
	if !ok {
		return vocab.Property{}, fmt.Errorf("%w: %s", mapping.ErrUnknownProperty, term)
	}
	return p, nil
}

// FindByProperty implements importer.Sink. Results are in id order.
func (s *Sink) FindByProperty(_ context.Context, term, value string) ([]importer.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if term == vocab.InternalID {
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, nil
		}
		if _, ok := s.records[importer.RecordID(id)]; ok {
			return []importer.RecordID{importer.RecordID(id)}, nil
		}
		return nil, nil
	}

	canonical := term
	if p, ok := s.props[strings.ToLower(term)]; ok {
		canonical = p.Term
	}
	var ids []importer.RecordID
	for id, r := range s.records {
		for _, v := range r.Values {
			if v.Term == canonical && v.Text == value {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Create implements importer.Sink.
func (s *Sink) Create(_ context.Context, rec *mapping.MappedRecord, opts importer.CreateOptions) (importer.RecordID, error) {
	if !validResourceType(opts.ResourceType) {
		return 0, fmt.Errorf("unsupported resource type %q", opts.ResourceType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	owner := opts.Owner
	if owner == "" {
		owner = s.DefaultOwner
	}
	now := time.Now()
	id := s.nextID
	s.nextID++
	s.touch(id)
	s.records[id] = &Record{
		ID:           id,
		ResourceType: opts.ResourceType,
		Owner:        owner,
		Visibility:   opts.Visibility,
		Class:        opts.Class,
		Template:     opts.Template,
		Values:       append([]mapping.Value(nil), rec.Values...),
		Media:        append([]mapping.MediaDescriptor(nil), rec.Media...),
		CreatedAt:    now,
		ModifiedAt:   now,
	}
	return id, nil
}

// Update implements importer.Sink.
func (s *Sink) Update(_ context.Context, id importer.RecordID, rec *mapping.MappedRecord, mode importer.UpdateMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %d not found", id)
	}
	s.touch(id)
	r.Values, r.Media = importer.Merge(r.Values, r.Media, rec, mode)
	r.ModifiedAt = time.Now()
	return nil
}

// Delete implements importer.Sink.
func (s *Sink) Delete(_ context.Context, id importer.RecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("record %d not found", id)
	}
	s.touch(id)
	delete(s.records, id)
	return nil
}

// Checkpoint implements importer.Sink.
func (s *Sink) Checkpoint(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetJournal()
	s.checkpoints++
	return nil
}

// Rollback discards every write since the last Checkpoint.
func (s *Sink) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, before := range s.undo.before {
		if before == nil {
			delete(s.records, id)
		} else {
			s.records[id] = before
		}
	}
	s.nextID = s.undo.nextID
	s.resetJournal()
}

// touch saves the pre-image of id the first time it changes in a batch.
func (s *Sink) touch(id importer.RecordID) {
	if _, seen := s.undo.before[id]; seen {
		return
	}
	var before *Record
	if r, ok := s.records[id]; ok {
		before = r.clone()
	}
	s.undo.before[id] = before
}

func (s *Sink) resetJournal() {
	s.undo = journal{before: make(map[importer.RecordID]*Record), nextID: s.nextID}
}

// Checkpoints returns how many times Checkpoint succeeded.
func (s *Sink) Checkpoints() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints
}

// Get returns a copy of a record, including uncommitted writes.
func (s *Sink) Get(id importer.RecordID) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *r.clone(), true
}

// Records returns every record including uncommitted writes, in id order.
func (s *Sink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sorted(s.records, nil)
}

// Committed returns the records as of the last Checkpoint, in id order.
func (s *Sink) Committed() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sorted(s.records, s.undo.before)
}

// sorted copies records in id order, with the pre-images in before
// standing in for their current versions.
func sorted(records, before map[importer.RecordID]*Record) []Record {
	out := make([]Record, 0, len(records))
	for id, r := range records {
		if _, touched := before[id]; !touched {
			out = append(out, *r.clone())
		}
	}
	for _, r := range before {
		if r != nil {
			out = append(out, *r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func validResourceType(t string) bool {
	for _, rt := range ResourceTypes {
		if rt == t {
			return true
		}
	}
	return false
}
