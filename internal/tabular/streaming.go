package tabular

// streaming.go holds the io.Reader wrappers applied between the source file
// and the record tokenizer:
//
//   - CountingReader: tracks raw bytes consumed for progress reporting
//   - bomSkipper: drops a leading UTF-8 byte order mark
//   - utf8Sanitizer: replaces invalid UTF-8 bytes with '?' without buffering
//     the whole file
//
// wrapSource applies them in the right order for a dialect.

import (
	"bufio"
	"bytes"
	"io"
	"sync/atomic"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CountingReader counts bytes read from the underlying reader.
// Count is safe to call from another goroutine while reads are in progress.
type CountingReader struct {
	r     io.Reader
	n     atomic.Int64
	Total int64 // 0 if unknown
}

// NewCountingReader wraps r. total is the expected size, 0 if unknown.
func NewCountingReader(r io.Reader, total int64) *CountingReader {
	return &CountingReader{r: r, Total: total}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Count returns the number of bytes read so far.
func (c *CountingReader) Count() int64 {
	return c.n.Load()
}

// Percent returns read progress as 0-100, or 0 when Total is unknown.
func (c *CountingReader) Percent() int {
	if c.Total <= 0 {
		return 0
	}
	pct := int(c.Count() * 100 / c.Total)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// bomSkipper discards a UTF-8 BOM at the very start of the stream.
type bomSkipper struct {
	br      *bufio.Reader
	checked bool
}

func newBOMSkipper(r io.Reader) *bomSkipper {
	return &bomSkipper{br: bufio.NewReader(r)}
}

func (b *bomSkipper) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		head, err := b.br.Peek(len(utf8BOM))
		if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
			return 0, err
		}
		if bytes.Equal(head, utf8BOM) {
			_, _ = b.br.Discard(len(utf8BOM))
		}
	}
	return b.br.Read(p)
}

// utf8Sanitizer replaces invalid UTF-8 bytes with '?'. The replacement is a
// single byte so output never grows past the caller's buffer. A multi-byte
// sequence split across two reads is carried over to the next call.
type utf8Sanitizer struct {
	r       io.Reader
	pending []byte
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	return &utf8Sanitizer{r: r, pending: make([]byte, 0, utf8.UTFMax)}
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) < utf8.UTFMax {
		return 0, io.ErrShortBuffer
	}
	off := copy(p, s.pending)
	s.pending = s.pending[:0]

	n, err := s.r.Read(p[off:])
	n += off
	if n == 0 {
		return 0, err
	}

	buf := p[:n]
	if isASCII(buf) {
		return n, err
	}

	atEOF := err == io.EOF
	w := 0
	for i := 0; i < len(buf); {
		if buf[i] < utf8.RuneSelf {
			buf[w] = buf[i]
			w++
			i++
			continue
		}
		if !atEOF && !utf8.FullRune(buf[i:]) {
			s.pending = append(s.pending, buf[i:]...)
			break
		}
		r, size := utf8.DecodeRune(buf[i:])
		if r == utf8.RuneError && size == 1 {
			buf[w] = '?'
			w++
			i++
			continue
		}
		copy(buf[w:], buf[i:i+size])
		w += size
		i += size
	}

	// Only pending bytes were left: read again rather than return 0, nil.
	if w == 0 && err == nil {
		return s.Read(p)
	}
	return w, err
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
