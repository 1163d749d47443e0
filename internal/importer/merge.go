package importer

import (
	"github.com/JonMunkholm/csvimport/internal/mapping"
)

// Merge applies rec to an existing record's values and media under mode and
// returns the new sets. The inputs are not modified. Sinks that store
// values row by row use it to implement Update with read-modify-write.
func Merge(values []mapping.Value, media []mapping.MediaDescriptor, rec *mapping.MappedRecord, mode UpdateMode) ([]mapping.Value, []mapping.MediaDescriptor) {
	switch mode {
	case ModeReplace:
		return append([]mapping.Value(nil), rec.Values...), append([]mapping.MediaDescriptor(nil), rec.Media...)

	case ModeAppend:
		out := append([]mapping.Value(nil), values...)
		for _, v := range rec.Values {
			if !containsValue(out, v) {
				out = append(out, v)
			}
		}
		return out, appendMedia(media, rec.Media)

	default:
		replaced := make(map[string]bool)
		for _, t := range rec.Terms() {
			replaced[t] = true
		}
		out := make([]mapping.Value, 0, len(values)+len(rec.Values))
		for _, v := range values {
			if !replaced[v.Term] {
				out = append(out, v)
			}
		}
		out = append(out, rec.Values...)
		return out, appendMedia(media, rec.Media)
	}
}

func containsValue(vals []mapping.Value, v mapping.Value) bool {
	for _, e := range vals {
		if e.Term == v.Term && e.Text == v.Text && e.Language == v.Language {
			return true
		}
	}
	return false
}

func appendMedia(existing, add []mapping.MediaDescriptor) []mapping.MediaDescriptor {
	out := append([]mapping.MediaDescriptor(nil), existing...)
	for _, m := range add {
		found := false
		for _, e := range out {
			if e == m {
				found = true
				break
			}
		}
		if !found {
			out = append(out, m)
		}
	}
	return out
}
