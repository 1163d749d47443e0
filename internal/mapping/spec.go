// Package mapping holds the per-run import configuration and the column
// mapper that turns raw rows into typed records.
//
// An ImportSpec is loaded once (YAML or JSON file, HTTP body, CLI flags),
// defaulted, validated and then treated as read-only for the rest of the run.
package mapping

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/csvimport/internal/tabular"
	"github.com/JonMunkholm/csvimport/internal/vocab"
)

// ActionPolicy governs whether existing records are looked up and what
// happens to them.
type ActionPolicy string

const (
	ActionCreate  ActionPolicy = "create"
	ActionUpdate  ActionPolicy = "update"
	ActionAppend  ActionPolicy = "append"
	ActionReplace ActionPolicy = "replace"
	ActionDelete  ActionPolicy = "delete"
)

// NeedsIdentifier reports whether rows under this policy are matched against
// existing records.
func (a ActionPolicy) NeedsIdentifier() bool {
	return a != ActionCreate
}

// Unidentified is the policy for rows whose identifier matches nothing.
type Unidentified string

const (
	UnidentifiedSkip   Unidentified = "skip"
	UnidentifiedCreate Unidentified = "create"
)

// Visibility of created records.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// IdentifierFromRecord as identifier_column takes the identifier from the
// mapped values of identifier_property instead of a fixed cell.
const IdentifierFromRecord = -1

// Known media ingesters.
var ingesters = []any{"url", "html", "sideload", "iiif", "youtube"}

// Column is the mapping for one column index. A column carries at most one
// property set and at most one media directive.
type Column struct {
	Properties []string `yaml:"properties,omitempty" json:"properties,omitempty"`
	Media      string   `yaml:"media,omitempty" json:"media,omitempty"`
	Multivalue bool     `yaml:"multivalue,omitempty" json:"multivalue,omitempty"`
	Language   string   `yaml:"language,omitempty" json:"language,omitempty"`
}

// Validate implements validation.Validatable.
func (c Column) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Properties,
			validation.When(c.Media == "", validation.Required.Error("a column needs properties or a media directive")),
			validation.Each(validation.By(validTerm)),
		),
		validation.Field(&c.Media, validation.In(ingesters...).Error("unknown media ingester")),
	)
}

// ImportSpec is the immutable configuration of one run.
type ImportSpec struct {
	Delimiter string `yaml:"delimiter" json:"delimiter"`
	Enclosure string `yaml:"enclosure" json:"enclosure"`
	Escape    string `yaml:"escape" json:"escape"`
	Encoding  string `yaml:"encoding,omitempty" json:"encoding,omitempty"`
	MediaType string `yaml:"media_type,omitempty" json:"media_type,omitempty"`

	ResourceType     string `yaml:"resource_type" json:"resource_type"`
	ResourceClass    string `yaml:"resource_class,omitempty" json:"resource_class,omitempty"`
	ResourceTemplate string `yaml:"resource_template,omitempty" json:"resource_template,omitempty"`

	Action             ActionPolicy `yaml:"action" json:"action"`
	IdentifierColumn   int          `yaml:"identifier_column" json:"identifier_column"`
	IdentifierProperty string       `yaml:"identifier_property,omitempty" json:"identifier_property,omitempty"`
	ActionUnidentified Unidentified `yaml:"action_unidentified" json:"action_unidentified"`

	MultivalueSeparator string `yaml:"multivalue_separator" json:"multivalue_separator"`
	RowsByBatch         int    `yaml:"rows_by_batch" json:"rows_by_batch"`

	Owner      string     `yaml:"owner,omitempty" json:"owner,omitempty"`
	Visibility Visibility `yaml:"visibility" json:"visibility"`
	Language   string     `yaml:"language,omitempty" json:"language,omitempty"`
	Comment    string     `yaml:"comment,omitempty" json:"comment,omitempty"`

	// LazyPropertyCheck defers property resolution to each row, so an
	// unknown term fails rows instead of the whole run.
	LazyPropertyCheck bool `yaml:"lazy_property_check,omitempty" json:"lazy_property_check,omitempty"`

	Columns map[int]Column `yaml:"columns" json:"columns"`
}

// ErrInvalidSpec wraps every validation failure of an ImportSpec.
var ErrInvalidSpec = errors.New("invalid import spec")

// Load reads a YAML or JSON spec file, applies defaults and validates it.
func Load(path string) (*ImportSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec %s: %w", path, err)
	}
	spec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("spec %s: %w", path, err)
	}
	return spec, nil
}

// Parse decodes, defaults and validates a spec document.
func Parse(data []byte) (*ImportSpec, error) {
	spec, err := Decode(data)
	if err != nil {
		return nil, err
	}
	out := spec.WithDefaults()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decode reads a spec document without applying defaults, for callers that
// fill in the media type first. Documents starting with '{' are decoded as
// JSON, since yaml.v3 will not read quoted column indices into int map keys.
func Decode(data []byte) (*ImportSpec, error) {
	var spec ImportSpec
	var err error
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &spec)
	} else {
		err = yaml.Unmarshal(data, &spec)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return &spec, nil
}

// WithDefaults returns a copy with unset fields filled in. The receiver is
// not modified.
func (s ImportSpec) WithDefaults() ImportSpec {
	if s.Delimiter == "" {
		if s.MediaType == tabular.MediaTypeTSV {
			s.Delimiter = "\t"
		} else {
			s.Delimiter = ","
		}
	}
	if s.Enclosure == "" {
		s.Enclosure = `"`
	}
	if s.Escape == "" {
		s.Escape = `\`
	}
	if s.ResourceType == "" {
		s.ResourceType = "items"
	}
	if s.Action == "" {
		s.Action = ActionCreate
	}
	if s.ActionUnidentified == "" {
		s.ActionUnidentified = UnidentifiedSkip
	}
	if s.MultivalueSeparator == "" {
		s.MultivalueSeparator = ","
	}
	if s.RowsByBatch == 0 {
		s.RowsByBatch = 20
	}
	if s.Visibility == "" {
		s.Visibility = VisibilityPublic
	}
	cols := make(map[int]Column, len(s.Columns))
	for k, v := range s.Columns {
		v.Properties = append([]string(nil), v.Properties...)
		cols[k] = v
	}
	s.Columns = cols
	return s
}

// Validate checks the spec and reports every problem found.
func (s ImportSpec) Validate() error {
	err := validation.ValidateStruct(&s,
		validation.Field(&s.Delimiter, validation.Required, validation.By(singleChar)),
		validation.Field(&s.Enclosure, validation.By(singleChar)),
		validation.Field(&s.Escape, validation.By(singleChar)),
		validation.Field(&s.Encoding, validation.By(knownEncoding)),
		validation.Field(&s.ResourceType, validation.Required),
		validation.Field(&s.Action, validation.Required,
			validation.In(ActionCreate, ActionUpdate, ActionAppend, ActionReplace, ActionDelete)),
		validation.Field(&s.ActionUnidentified, validation.In(UnidentifiedSkip, UnidentifiedCreate)),
		validation.Field(&s.IdentifierColumn, validation.Min(IdentifierFromRecord)),
		validation.Field(&s.IdentifierProperty,
			validation.When(s.Action.NeedsIdentifier(), validation.Required),
			validation.By(validIdentifierProperty),
		),
		validation.Field(&s.MultivalueSeparator, validation.Required),
		validation.Field(&s.RowsByBatch, validation.Required, validation.Min(1)),
		validation.Field(&s.Visibility, validation.In(VisibilityPublic, VisibilityPrivate)),
		validation.Field(&s.Columns, validation.Required, validation.By(nonNegativeKeys)),
	)
	if err == nil {
		_, err = s.Dialect()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return nil
}

// Dialect converts the file layout fields to a tabular.Dialect.
func (s ImportSpec) Dialect() (tabular.Dialect, error) {
	d := tabular.Dialect{
		Delimiter: firstRune(s.Delimiter),
		Enclosure: firstRune(s.Enclosure),
		Escape:    firstRune(s.Escape),
		Encoding:  s.Encoding,
	}
	if err := d.Validate(); err != nil {
		return tabular.Dialect{}, err
	}
	return d, nil
}

// Indices returns the mapped column indices in ascending order.
func (s ImportSpec) Indices() []int {
	idx := make([]int, 0, len(s.Columns))
	for k := range s.Columns {
		idx = append(idx, k)
	}
	sort.Ints(idx)
	return idx
}

// Terms returns every distinct property term the mapping references,
// including the identifier property, in first-use order.
func (s ImportSpec) Terms() []string {
	seen := make(map[string]bool)
	var terms []string
	add := func(t string) {
		if t != "" && t != vocab.InternalID && !seen[t] {
			seen[t] = true
			terms = append(terms, t)
		}
	}
	for _, i := range s.Indices() {
		for _, t := range s.Columns[i].Properties {
			add(t)
		}
	}
	if s.Action.NeedsIdentifier() {
		add(s.IdentifierProperty)
	}
	return terms
}

// firstRune decodes the separator notation used in spec files: a literal
// character, an escape like `\t`, or the word "tab".
func firstRune(s string) rune {
	switch s {
	case "":
		return 0
	case `\t`, "tab":
		return '\t'
	}
	for _, r := range s {
		return r
	}
	return 0
}

func singleChar(value any) error {
	s, _ := value.(string)
	if s == "" || s == `\t` || s == "tab" {
		return nil
	}
	if len([]rune(s)) != 1 {
		return errors.New("must be a single character")
	}
	return nil
}

func knownEncoding(value any) error {
	s, _ := value.(string)
	d := tabular.DefaultDialect
	d.Encoding = s
	if err := d.Validate(); err != nil {
		return fmt.Errorf("unsupported encoding %q", s)
	}
	return nil
}

func validTerm(value any) error {
	s, _ := value.(string)
	if !vocab.ValidTerm(s) {
		return fmt.Errorf("%q is not a prefix:name property term", s)
	}
	return nil
}

func validIdentifierProperty(value any) error {
	s, _ := value.(string)
	if s == "" || s == vocab.InternalID {
		return nil
	}
	return validTerm(s)
}

func nonNegativeKeys(value any) error {
	cols, _ := value.(map[int]Column)
	for k := range cols {
		if k < 0 {
			return fmt.Errorf("column index %d is negative", k)
		}
	}
	return nil
}

// String renders a one-line description for logs.
func (s ImportSpec) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "action=%s resource=%s columns=%d batch=%d", s.Action, s.ResourceType, len(s.Columns), s.RowsByBatch)
	if s.Action.NeedsIdentifier() {
		fmt.Fprintf(&b, " identifier=%s@%d unidentified=%s", s.IdentifierProperty, s.IdentifierColumn, s.ActionUnidentified)
	}
	return b.String()
}
