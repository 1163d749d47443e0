package mapping

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/JonMunkholm/csvimport/internal/vocab"
)

// dcResolver resolves Dublin Core terms and counts lookups.
type dcResolver struct {
	calls map[string]int
	fail  error
}

func (r *dcResolver) ResolveProperty(_ context.Context, term string) (vocab.Property, error) {
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[term]++
	if r.fail != nil {
		return vocab.Property{}, r.fail
	}
	p, ok := vocab.Lookup(term)
	if !ok {
		return vocab.Property{}, fmt.Errorf("%w: %s", ErrUnknownProperty, term)
	}
	return p, nil
}

func mustSpec(t *testing.T, s ImportSpec) *ImportSpec {
	t.Helper()
	out := s.WithDefaults()
	if err := out.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return &out
}

func TestMapper_MonaLisa(t *testing.T) {
	spec := mustSpec(t, ImportSpec{
		Columns: map[int]Column{
			0: {Properties: []string{"dcterms:title"}},
			1: {Properties: []string{"dcterms:creator"}},
		},
	})
	m := NewMapper(spec, &dcResolver{})

	header := []string{"title", "creator", "date"}
	rec, err := m.Map(context.Background(), []string{"Mona Lisa", "Leonardo", "1503"}, header)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if got := rec.Get("dcterms:title"); !reflect.DeepEqual(got, []string{"Mona Lisa"}) {
		t.Errorf("title = %q", got)
	}
	if got := rec.Get("dcterms:creator"); !reflect.DeepEqual(got, []string{"Leonardo"}) {
		t.Errorf("creator = %q", got)
	}
	if got := rec.Get("dcterms:date"); len(got) != 0 {
		t.Errorf("unmapped date column produced %q", got)
	}
	if rec.Values[0].Property.ID != 1 || rec.Values[1].Property.ID != 2 {
		t.Errorf("property ids = %d,%d, want 1,2", rec.Values[0].Property.ID, rec.Values[1].Property.ID)
	}
}

func TestMapper_Multivalue(t *testing.T) {
	tests := []struct {
		name       string
		cell       string
		multivalue bool
		want       []string
	}{
		{"flagged splits", "a;b;c", true, []string{"a", "b", "c"}},
		{"unflagged keeps cell", "a;b;c", false, []string{"a;b;c"}},
		{"empty parts dropped", "a;;b; ", true, []string{"a", "b"}},
		{"values trimmed", " a ; b ", true, []string{"a", "b"}},
		{"all empty", " ; ; ", true, nil},
		{"blank cell", "   ", false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := mustSpec(t, ImportSpec{
				MultivalueSeparator: ";",
				Columns: map[int]Column{
					0: {Properties: []string{"dcterms:subject"}, Multivalue: tt.multivalue},
				},
			})
			rec, err := NewMapper(spec, &dcResolver{}).Map(context.Background(), []string{tt.cell}, nil)
			if err != nil {
				t.Fatalf("Map() error = %v", err)
			}
			got := rec.Get("dcterms:subject")
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("values = %q, want %q", got, tt.want)
			}
			if len(tt.want) == 0 && len(rec.Terms()) != 0 {
				t.Errorf("empty column contributed terms %q", rec.Terms())
			}
		})
	}
}

func TestMapper_Media(t *testing.T) {
	spec := mustSpec(t, ImportSpec{
		Columns: map[int]Column{
			0: {Properties: []string{"dcterms:title"}},
			3: {Media: "url", Multivalue: true},
		},
	})
	row := []string{"Mona Lisa", "Leonardo", "desc", "http://a/1.jpg, http://a/2.jpg,", "url"}
	rec, err := NewMapper(spec, &dcResolver{}).Map(context.Background(), row, nil)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	want := []MediaDescriptor{
		{Ingester: "url", Source: "http://a/1.jpg"},
		{Ingester: "url", Source: "http://a/2.jpg"},
	}
	if !reflect.DeepEqual(rec.Media, want) {
		t.Errorf("Media = %+v, want %+v", rec.Media, want)
	}
}

func TestMapper_ShortRowAndLanguage(t *testing.T) {
	spec := mustSpec(t, ImportSpec{
		Language: "en",
		Columns: map[int]Column{
			0: {Properties: []string{"dcterms:title"}},
			1: {Properties: []string{"dcterms:description"}, Language: "fr"},
			5: {Properties: []string{"dcterms:date"}},
		},
	})
	rec, err := NewMapper(spec, &dcResolver{}).Map(context.Background(), []string{"T", "D"}, nil)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if len(rec.Values) != 2 {
		t.Fatalf("got %d values, want 2", len(rec.Values))
	}
	if rec.Values[0].Language != "en" || rec.Values[1].Language != "fr" {
		t.Errorf("languages = %q,%q, want en,fr", rec.Values[0].Language, rec.Values[1].Language)
	}
}

func TestMapper_UnknownPropertyCached(t *testing.T) {
	spec := mustSpec(t, ImportSpec{
		Columns: map[int]Column{
			0: {Properties: []string{"foo:bar"}},
		},
	})
	res := &dcResolver{}
	m := NewMapper(spec, res)

	for i := 0; i < 3; i++ {
		_, err := m.Map(context.Background(), []string{"x"}, []string{"name"})
		if !errors.Is(err, ErrUnknownProperty) {
			t.Fatalf("Map() error = %v, want ErrUnknownProperty", err)
		}
	}
	if res.calls["foo:bar"] != 1 {
		t.Errorf("resolver called %d times, want 1", res.calls["foo:bar"])
	}
	if err := m.Check(context.Background()); !errors.Is(err, ErrUnknownProperty) {
		t.Errorf("Check() error = %v, want ErrUnknownProperty", err)
	}
}

func TestMapper_LookupFailureNotCached(t *testing.T) {
	spec := mustSpec(t, ImportSpec{
		Columns: map[int]Column{0: {Properties: []string{"dcterms:title"}}},
	})
	res := &dcResolver{fail: errors.New("connection refused")}
	m := NewMapper(spec, res)

	for i := 0; i < 2; i++ {
		_, err := m.Map(context.Background(), []string{"x"}, nil)
		if err == nil || errors.Is(err, ErrUnknownProperty) {
			t.Fatalf("Map() error = %v, want lookup failure", err)
		}
	}
	if res.calls["dcterms:title"] != 2 {
		t.Errorf("resolver called %d times, want 2", res.calls["dcterms:title"])
	}
}

func TestSplitCell(t *testing.T) {
	if got := SplitCell("a,b", ",", true); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("SplitCell = %q", got)
	}
	if got := SplitCell("a,b", "", true); !reflect.DeepEqual(got, []string{"a,b"}) {
		t.Errorf("SplitCell with empty separator = %q", got)
	}
}
