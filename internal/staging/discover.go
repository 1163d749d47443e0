package staging

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Discover expands pattern into the files it names, in lexical order.
// A pattern without glob syntax is returned as is so that a missing file
// surfaces as an open error in the run. Directories never match.
func Discover(pattern string) ([]string, error) {
	if !hasMeta(pattern) {
		return []string{pattern}, nil
	}
	if !doublestar.ValidatePathPattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, doublestar.ErrBadPattern)
	}

	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("expand %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no files match %q", pattern)
	}
	sort.Strings(matches)
	return matches, nil
}

func hasMeta(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
