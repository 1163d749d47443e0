package staging

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/csvimport/internal/tabular"
)

// sniffLen is how many bytes http.DetectContentType looks at.
const sniffLen = 512

// File is a staged copy of an input file.
type File struct {
	// Path is the temporary copy handed to the run.
	Path string
	// Original is the resolved source path, empty for uploads.
	Original string
	// Name is the base name of the source, used in logs and history.
	Name      string
	Size      int64
	MediaType string
}

// Cleanup removes the temporary copy. The original is never touched.
func (f *File) Cleanup() error {
	if f == nil || f.Path == "" {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staged copy: %w", err)
	}
	return nil
}

// Stager copies inputs into a temporary directory.
type Stager struct {
	// Root restricts Stage to files under it when non-empty.
	Root string
	// Dir is where copies are written; empty means os.TempDir().
	Dir string
}

// Stage validates path and copies it.
func (s Stager) Stage(path string) (*File, error) {
	resolved, err := ValidatePath(path, s.Root)
	if err != nil {
		return nil, err
	}
	if _, err := CheckFile(resolved); err != nil {
		return nil, err
	}

	src, err := os.Open(resolved)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	f, err := s.Copy(src, filepath.Base(resolved))
	if err != nil {
		return nil, err
	}
	f.Original = resolved
	return f, nil
}

// Copy writes r to a new temporary file. name is the display name and
// supplies the extension used for media type detection.
func (s Stager) Copy(r io.Reader, name string) (*File, error) {
	tmp, err := os.CreateTemp(s.Dir, "csvimport-*"+strings.ToLower(filepath.Ext(name)))
	if err != nil {
		return nil, fmt.Errorf("create staged copy: %w", err)
	}
	f := &File{Path: tmp.Name(), Name: name}

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		f.Cleanup()
		return nil, fmt.Errorf("copy %s: %w", name, err)
	}
	f.Size = n

	f.MediaType, err = DetectMediaType(f.Path, name)
	if err != nil {
		f.Cleanup()
		return nil, err
	}

	slog.Debug("staged input", "name", name, "path", f.Path, "size", n, "media_type", f.MediaType)
	return f, nil
}

// DetectMediaType sniffs the content of path. Generic text results are
// refined by the extension of name (csv, tsv, tab).
func DetectMediaType(path, name string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(fh, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("read %s: %w", name, err)
	}

	mediaType, _, err := mime.ParseMediaType(http.DetectContentType(buf[:n]))
	if err != nil {
		return "", fmt.Errorf("detect media type: %w", err)
	}
	if mediaType == "text/plain" || mediaType == "text/html" {
		switch strings.ToLower(filepath.Ext(name)) {
		case ".csv", ".tsv", ".tab":
			mediaType = tabular.MediaTypeFor(name)
		}
	}
	return mediaType, nil
}
