package mapping

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/JonMunkholm/csvimport/internal/tabular"
)

const sampleSpec = `
action: update
identifier_column: 0
identifier_property: dcterms:title
action_unidentified: create
rows_by_batch: 20
multivalue_separator: ","
visibility: public
columns:
  0:
    properties: [dcterms:title]
  1:
    properties: [dcterms:creator]
  2:
    properties: [dcterms:description]
  3:
    media: url
`

func TestParse_Sample(t *testing.T) {
	spec, err := Parse([]byte(sampleSpec))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if spec.Action != ActionUpdate || spec.ActionUnidentified != UnidentifiedCreate {
		t.Errorf("action=%s unidentified=%s", spec.Action, spec.ActionUnidentified)
	}
	if spec.ResourceType != "items" {
		t.Errorf("ResourceType default = %q, want items", spec.ResourceType)
	}
	if got := spec.Indices(); !reflect.DeepEqual(got, []int{0, 1, 2, 3}) {
		t.Errorf("Indices() = %v", got)
	}
	if spec.Columns[3].Media != "url" {
		t.Errorf("column 3 media = %q, want url", spec.Columns[3].Media)
	}
	want := []string{"dcterms:title", "dcterms:creator", "dcterms:description"}
	if got := spec.Terms(); !reflect.DeepEqual(got, want) {
		t.Errorf("Terms() = %q, want %q", got, want)
	}

	d, err := spec.Dialect()
	if err != nil {
		t.Fatalf("Dialect() error = %v", err)
	}
	if d != tabular.DefaultDialect {
		t.Errorf("Dialect() = %+v, want default", d)
	}
}

func TestParse_JSON(t *testing.T) {
	doc := `{"action":"create","columns":{"0":{"properties":["dcterms:title"]}}}`
	spec, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(spec.Columns) != 1 || spec.Columns[0].Properties[0] != "dcterms:title" {
		t.Errorf("Columns = %+v", spec.Columns)
	}
}

func TestWithDefaults(t *testing.T) {
	orig := ImportSpec{MediaType: tabular.MediaTypeTSV, Columns: map[int]Column{0: {Properties: []string{"dcterms:title"}}}}
	got := orig.WithDefaults()

	if got.Delimiter != "\t" {
		t.Errorf("TSV delimiter default = %q, want tab", got.Delimiter)
	}
	if got.RowsByBatch != 20 || got.MultivalueSeparator != "," || got.Visibility != VisibilityPublic {
		t.Errorf("defaults = batch %d sep %q vis %q", got.RowsByBatch, got.MultivalueSeparator, got.Visibility)
	}
	if orig.Delimiter != "" || orig.RowsByBatch != 0 {
		t.Error("WithDefaults modified the receiver")
	}
	got.Columns[0].Properties[0] = "changed"
	if orig.Columns[0].Properties[0] != "dcterms:title" {
		t.Error("WithDefaults shares column slices with the receiver")
	}
}

func TestValidate_Errors(t *testing.T) {
	base := func() ImportSpec {
		return ImportSpec{Columns: map[int]Column{0: {Properties: []string{"dcterms:title"}}}}.WithDefaults()
	}
	tests := []struct {
		name   string
		mutate func(*ImportSpec)
		field  string
	}{
		{"unknown action", func(s *ImportSpec) { s.Action = "merge" }, "action"},
		{"update without identifier", func(s *ImportSpec) { s.Action = ActionUpdate }, "identifier_property"},
		{"bad identifier term", func(s *ImportSpec) { s.Action = ActionDelete; s.IdentifierProperty = "title" }, "identifier_property"},
		{"bad unidentified", func(s *ImportSpec) { s.ActionUnidentified = "ignore" }, "action_unidentified"},
		{"multi char delimiter", func(s *ImportSpec) { s.Delimiter = ";;" }, "delimiter"},
		{"negative batch", func(s *ImportSpec) { s.RowsByBatch = -1 }, "rows_by_batch"},
		{"no columns", func(s *ImportSpec) { s.Columns = nil }, "columns"},
		{"negative column", func(s *ImportSpec) { s.Columns = map[int]Column{-1: {Properties: []string{"dcterms:title"}}} }, "columns"},
		{"empty column", func(s *ImportSpec) { s.Columns = map[int]Column{0: {}} }, "columns"},
		{"bad term", func(s *ImportSpec) { s.Columns = map[int]Column{0: {Properties: []string{"title"}}} }, "columns"},
		{"bad ingester", func(s *ImportSpec) { s.Columns = map[int]Column{0: {Media: "ftp"}} }, "columns"},
		{"bad encoding", func(s *ImportSpec) { s.Encoding = "ebcdic" }, "encoding"},
		{"bad visibility", func(s *ImportSpec) { s.Visibility = "hidden" }, "visibility"},
		{"enclosure equals delimiter", func(s *ImportSpec) { s.Enclosure = "," }, "enclosure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mutate(&s)
			err := s.Validate()
			if !errors.Is(err, ErrInvalidSpec) {
				t.Fatalf("Validate() error = %v, want ErrInvalidSpec", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %s", err, tt.field)
			}
		})
	}
}

func TestValidate_Ingesters(t *testing.T) {
	tests := []struct {
		ingester string
		valid    bool
	}{
		{"url", true},
		{"html", true},
		{"sideload", true},
		{"iiif", true},
		{"youtube", true},
		{"file", false},
		{"URL", false},
	}
	for _, tt := range tests {
		t.Run(tt.ingester, func(t *testing.T) {
			s := ImportSpec{Columns: map[int]Column{0: {Media: tt.ingester}}}.WithDefaults()
			err := s.Validate()
			if (err == nil) != tt.valid {
				t.Errorf("Validate() with ingester %q error = %v, want valid %v", tt.ingester, err, tt.valid)
			}
		})
	}
}

func TestValidate_InternalIDIdentifier(t *testing.T) {
	s := ImportSpec{
		Action:             ActionDelete,
		IdentifierProperty: "internal_id",
		Columns:            map[int]Column{0: {Properties: []string{"dcterms:identifier"}}},
	}.WithDefaults()
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	for _, term := range s.Terms() {
		if term == "internal_id" {
			t.Error("Terms() includes the internal_id pseudo-property")
		}
	}
}

func TestDialect_Notation(t *testing.T) {
	for _, delim := range []string{"\t", `\t`, "tab"} {
		s := ImportSpec{Delimiter: delim, Columns: map[int]Column{0: {Properties: []string{"dcterms:title"}}}}.WithDefaults()
		d, err := s.Dialect()
		if err != nil {
			t.Fatalf("Dialect(%q) error = %v", delim, err)
		}
		if d.Delimiter != '\t' {
			t.Errorf("Dialect(%q).Delimiter = %q, want tab", delim, d.Delimiter)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.yaml")
	if err := os.WriteFile(path, []byte(sampleSpec), 0o600); err != nil {
		t.Fatal(err)
	}
	spec, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if spec.IdentifierProperty != "dcterms:title" {
		t.Errorf("IdentifierProperty = %q", spec.IdentifierProperty)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("columns: [unclosed"))
	if !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("Parse() error = %v, want ErrInvalidSpec", err)
	}
}
