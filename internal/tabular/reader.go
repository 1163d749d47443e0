// Package tabular streams records out of delimited text files.
//
// The reader understands configurable delimiter, enclosure and escape
// characters. encoding/csv only handles '"' quoting with doubled quotes, so
// records are tokenized here. The first record is the header; data rows are
// pulled one at a time with Next, and Rewind restarts from the first data
// row.
package tabular

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// ErrMalformedHeader is returned when the file is empty or its first record
// has no fields.
var ErrMalformedHeader = errors.New("malformed header")

// RawRow is one record as read from the file, positional.
type RawRow []string

// Reader pulls records from a seekable source.
type Reader struct {
	src     io.ReadSeeker
	closer  io.Closer
	dialect Dialect
	size    int64

	counter *CountingReader
	br      *bufio.Reader
	header  []string

	line    int // physical line the next record starts on
	last    int // physical line the last record started on
	dataRow int // 1-based data row index of the last record
}

// Open opens path read-only and reads its header.
// The caller must Close the reader.
func Open(path string, d Dialect) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("open %s: is a directory", path)
	}

	r, err := newReader(f, f, info.Size(), d)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// NewReader reads the header from src. size is used for progress and may be 0.
func NewReader(src io.ReadSeeker, size int64, d Dialect) (*Reader, error) {
	return newReader(src, nil, size, d)
}

func newReader(src io.ReadSeeker, closer io.Closer, size int64, d Dialect) (*Reader, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	r := &Reader{src: src, closer: closer, dialect: d, size: size}
	if err := r.start(); err != nil {
		return nil, err
	}
	return r, nil
}

// start positions the reader at the beginning and consumes the header.
func (r *Reader) start() error {
	if _, err := r.src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	r.counter = NewCountingReader(r.src, r.size)
	decoded, err := wrapSource(r.counter, r.dialect)
	if err != nil {
		return err
	}
	r.br = bufio.NewReader(decoded)
	r.line = 1
	r.last = 0
	r.dataRow = 0

	header, err := r.readRecord()
	if err == io.EOF {
		return fmt.Errorf("%w: file is empty", ErrMalformedHeader)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if isBlank(header) {
		return fmt.Errorf("%w: first row has no fields", ErrMalformedHeader)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	r.header = header
	return nil
}

// Header returns the header row. It is informational only; mapping uses
// positional indices.
func (r *Reader) Header() []string {
	out := make([]string, len(r.header))
	copy(out, r.header)
	return out
}

// Next returns the next data row, or io.EOF when the file is exhausted.
func (r *Reader) Next() (RawRow, error) {
	rec, err := r.readRecord()
	if err != nil {
		return nil, err
	}
	r.dataRow++
	return rec, nil
}

// Rewind restarts reading from the first data row.
func (r *Reader) Rewind() error {
	return r.start()
}

// Row returns the 1-based data row index of the last row returned by Next.
func (r *Reader) Row() int { return r.dataRow }

// Line returns the physical line on which the last record started.
func (r *Reader) Line() int { return r.last }

// BytesRead returns the raw bytes consumed so far.
func (r *Reader) BytesRead() int64 { return r.counter.Count() }

// Size returns the source size passed at construction, 0 if unknown.
func (r *Reader) Size() int64 { return r.size }

// Dialect returns the dialect the reader was built with.
func (r *Reader) Dialect() Dialect { return r.dialect }

// Close releases the underlying file when the reader owns it.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// readRecord tokenizes one record. Quoted fields may span lines. An
// unterminated quoted field runs to end of file rather than failing.
func (r *Reader) readRecord() ([]string, error) {
	var (
		fields  []string
		field   strings.Builder
		started bool
	)
	r.last = r.line

	finish := func() {
		fields = append(fields, field.String())
		field.Reset()
	}

	for {
		c, err := r.readRune()
		if err == io.EOF {
			if !started {
				return nil, io.EOF
			}
			finish()
			return fields, nil
		}
		if err != nil {
			return nil, err
		}
		started = true

		switch {
		case c == r.dialect.Delimiter:
			finish()
		case c == '\n':
			r.line++
			finish()
			return fields, nil
		case c == '\r':
			if next, err := r.peekRune(); err == nil && next == '\n' {
				_, _ = r.readRune()
			}
			r.line++
			finish()
			return fields, nil
		case c == r.dialect.Enclosure && r.dialect.Enclosure != 0 && onlyBlanks(field.String()):
			// Blanks before an opening enclosure are dropped.
			field.Reset()
			if err := r.readEnclosed(&field); err != nil {
				return nil, err
			}
		default:
			field.WriteRune(c)
		}
	}
}

// readEnclosed consumes an enclosed section up to its closing enclosure.
// Text after the closing enclosure and before the next delimiter is kept
// as-is by readRecord.
func (r *Reader) readEnclosed(field *strings.Builder) error {
	enc, esc := r.dialect.Enclosure, r.dialect.Escape
	for {
		c, err := r.readRune()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch {
		case esc != 0 && esc != enc && c == esc:
			// The escape and the rune after it form a pair; only an
			// escaped enclosure loses its escape.
			next, err := r.readRune()
			if err == io.EOF {
				field.WriteRune(c)
				return nil
			}
			if err != nil {
				return err
			}
			if next != enc {
				field.WriteRune(c)
			}
			if next == '\n' {
				r.line++
			}
			field.WriteRune(next)
		case c == enc:
			next, err := r.peekRune()
			if err == nil && next == enc {
				_, _ = r.readRune()
				field.WriteRune(enc)
				continue
			}
			return nil
		case c == '\n':
			r.line++
			field.WriteRune(c)
		default:
			field.WriteRune(c)
		}
	}
}

func onlyBlanks(s string) bool {
	return strings.Trim(s, " \t") == ""
}

func (r *Reader) readRune() (rune, error) {
	c, _, err := r.br.ReadRune()
	return c, err
}

func (r *Reader) peekRune() (rune, error) {
	b, err := r.br.Peek(1)
	if err != nil {
		return 0, err
	}
	if b[0] < utf8.RuneSelf {
		return rune(b[0]), nil
	}
	// Multi-byte: peek enough to decode.
	for n := 2; n <= utf8.UTFMax; n++ {
		b, err = r.br.Peek(n)
		if utf8.FullRune(b) {
			c, _ := utf8.DecodeRune(b)
			return c, nil
		}
		if err != nil {
			return 0, err
		}
	}
	c, _ := utf8.DecodeRune(b)
	return c, nil
}

// isBlank reports whether every cell is empty after trimming whitespace.
func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// IsBlank reports whether a row has no non-whitespace cells.
func IsBlank(row RawRow) bool {
	return isBlank(row)
}

// Sniff reads only the header of the file at path.
func Sniff(path string, d Dialect) ([]string, error) {
	r, err := Open(path, d)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Header(), nil
}
