// Package archive packs the schema scratch directory into compressed tar
// archives and reads them back. It supports tar.xz and tar.gz.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path"
	"strings"

	"github.com/ulikunitz/xz"

	apperrors "github.com/FocuswithJustin/propelbridge/core/errors"
)

// Compression formats recognised from the archive file name.
const (
	FormatXZ   = ".tar.xz"
	FormatGzip = ".tar.gz"
)

// FormatOf returns the compression format of an archive path.
func FormatOf(p string) (string, error) {
	for _, f := range []string{FormatXZ, FormatGzip} {
		if strings.HasSuffix(p, f) {
			return f, nil
		}
	}
	return "", apperrors.NewUnsupported("archive format", "expected "+FormatXZ+" or "+FormatGzip+": "+p)
}

// Reader reads entries from a packed scratch directory.
type Reader struct {
	*tar.Reader
	file *os.File
	gz   *gzip.Reader
}

// NewReader opens the archive at p and sets up decompression.
func NewReader(p string) (*Reader, error) {
	format, err := FormatOf(p)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, apperrors.NewIO("open", p, err)
	}

	r := &Reader{file: f}
	var stream io.Reader
	switch format {
	case FormatXZ:
		stream, err = xz.NewReader(f)
	case FormatGzip:
		r.gz, err = gzip.NewReader(f)
		stream = r.gz
	}
	if err != nil {
		f.Close()
		return nil, &apperrors.ParseError{Format: format, Path: p, Message: err.Error(), Err: err}
	}

	r.Reader = tar.NewReader(stream)
	return r, nil
}

// Close releases the decompressor and the file.
func (r *Reader) Close() error {
	if r.gz != nil {
		if err := r.gz.Close(); err != nil {
			r.file.Close()
			return err
		}
	}
	return r.file.Close()
}

// Visitor is called for every archive entry. Returning stop ends the walk.
type Visitor func(header *tar.Header, content io.Reader) (stop bool, err error)

// Iterate calls visitor for each remaining entry.
func (r *Reader) Iterate(visitor Visitor) error {
	for {
		header, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return apperrors.Wrap(err, "read archive header")
		}

		stop, err := visitor(header, r)
		if err != nil || stop {
			return err
		}
	}
}

// Walk opens an archive and iterates through its entries.
func Walk(p string, visitor Visitor) error {
	r, err := NewReader(p)
	if err != nil {
		return err
	}
	defer r.Close()
	return r.Iterate(visitor)
}

// ReadFile returns the content of name. The name is matched either in full
// or below the archive's top-level directory.
func ReadFile(archivePath, name string) ([]byte, error) {
	var content []byte
	found := false
	err := Walk(archivePath, func(header *tar.Header, r io.Reader) (bool, error) {
		if header.Typeflag != tar.TypeReg || !matchesEntry(header.Name, name) {
			return false, nil
		}
		found = true
		var err error
		content, err = io.ReadAll(r)
		return true, err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.NewNotFound("archive entry", name)
	}
	return content, nil
}

func matchesEntry(entry, name string) bool {
	if entry == name {
		return true
	}
	_, rest, ok := strings.Cut(path.Clean(entry), "/")
	return ok && rest == name
}

// List returns the names of the regular files in the archive in stored order.
func List(p string) ([]string, error) {
	var names []string
	err := Walk(p, func(header *tar.Header, _ io.Reader) (bool, error) {
		if header.Typeflag == tar.TypeReg {
			names = append(names, header.Name)
		}
		return false, nil
	})
	return names, err
}
