package tabular

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Media types recognised for delimited text.
const (
	MediaTypeCSV = "text/csv"
	MediaTypeTSV = "text/tab-separated-values"
)

// Dialect describes how a delimited file is laid out.
type Dialect struct {
	Delimiter rune
	Enclosure rune   // 0 disables quoting
	Escape    rune   // 0 disables escaping; doubled enclosures always work
	Encoding  string // "" or "utf-8" for UTF-8, otherwise a charmap name
}

// DefaultDialect is comma-separated, double-quoted, backslash-escaped UTF-8.
var DefaultDialect = Dialect{Delimiter: ',', Enclosure: '"', Escape: '\\'}

// TSVDialect is the default for .tsv and .tab files.
var TSVDialect = Dialect{Delimiter: '\t', Enclosure: '"', Escape: '\\'}

// ErrInvalidDialect is returned by Validate for unusable dialects.
var ErrInvalidDialect = errors.New("invalid dialect")

// Validate checks the delimiter, enclosure and escape characters do not clash.
func (d Dialect) Validate() error {
	switch {
	case d.Delimiter == 0:
		return fmt.Errorf("%w: delimiter is required", ErrInvalidDialect)
	case isLineBreak(d.Delimiter):
		return fmt.Errorf("%w: delimiter cannot be a line break", ErrInvalidDialect)
	case d.Enclosure != 0 && d.Enclosure == d.Delimiter:
		return fmt.Errorf("%w: enclosure equals delimiter %q", ErrInvalidDialect, d.Delimiter)
	case isLineBreak(d.Enclosure):
		return fmt.Errorf("%w: enclosure cannot be a line break", ErrInvalidDialect)
	case d.Escape != 0 && d.Escape == d.Delimiter:
		return fmt.Errorf("%w: escape equals delimiter %q", ErrInvalidDialect, d.Delimiter)
	}
	if _, err := lookupEncoding(d.Encoding); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDialect, err)
	}
	return nil
}

func isLineBreak(r rune) bool {
	return r == '\n' || r == '\r'
}

var encodings = map[string]encoding.Encoding{
	"windows-1250": charmap.Windows1250,
	"windows-1251": charmap.Windows1251,
	"windows-1252": charmap.Windows1252,
	"iso-8859-1":   charmap.ISO8859_1,
	"latin1":       charmap.ISO8859_1,
	"iso-8859-2":   charmap.ISO8859_2,
	"iso-8859-15":  charmap.ISO8859_15,
	"koi8-r":       charmap.KOI8R,
	"macintosh":    charmap.Macintosh,
}

// lookupEncoding returns nil for UTF-8.
func lookupEncoding(name string) (encoding.Encoding, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" || n == "utf-8" || n == "utf8" {
		return nil, nil
	}
	enc, ok := encodings[n]
	if !ok {
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	return enc, nil
}

// wrapSource builds the decode chain for a dialect. UTF-8 input gets BOM
// skipping and sanitization; legacy charsets are transcoded to UTF-8.
func wrapSource(r io.Reader, d Dialect) (io.Reader, error) {
	enc, err := lookupEncoding(d.Encoding)
	if err != nil {
		return nil, err
	}
	if enc != nil {
		return enc.NewDecoder().Reader(r), nil
	}
	return newUTF8Sanitizer(newBOMSkipper(r)), nil
}

// MediaTypeFor maps a file extension to its media type. Unknown extensions
// are treated as CSV.
func MediaTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsv", ".tab":
		return MediaTypeTSV
	default:
		return MediaTypeCSV
	}
}

// DialectFor returns the default dialect for a media type.
func DialectFor(mediaType string) Dialect {
	if mediaType == MediaTypeTSV {
		return TSVDialect
	}
	return DefaultDialect
}
