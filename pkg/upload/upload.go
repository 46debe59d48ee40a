// Package upload adapts transport-level byte sources to blob.Source.
package upload

import (
	"errors"
	"io"
	"mime/multipart"
)

// ErrNoName is returned when a source carries no usable file name.
var ErrNoName = errors.New("upload: file name is required")

// Multipart wraps an uploaded form file. name overrides the client-supplied
// file name when non-empty.
type Multipart struct {
	header *multipart.FileHeader
	name   string
}

// FromFileHeader builds a Multipart source.
func FromFileHeader(fh *multipart.FileHeader, name string) (*Multipart, error) {
	if fh == nil {
		return nil, errors.New("upload: nil file header")
	}
	if name == "" {
		name = fh.Filename
	}
	if name == "" {
		return nil, ErrNoName
	}
	return &Multipart{header: fh, name: name}, nil
}

// Name returns the file name used for the stored record.
func (m *Multipart) Name() string { return m.name }

// Size returns the declared upload size.
func (m *Multipart) Size() int64 { return m.header.Size }

// WriteTo streams the uploaded bytes to w.
func (m *Multipart) WriteTo(w io.Writer) (int64, error) {
	f, err := m.header.Open()
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}

// Reader is a named one-shot byte stream, such as standard input.
type Reader struct {
	name string
	r    io.Reader
	used bool
}

// Named wraps r under name.
func Named(name string, r io.Reader) (*Reader, error) {
	if name == "" {
		return nil, ErrNoName
	}
	return &Reader{name: name, r: r}, nil
}

// Name returns the file name used for the stored record.
func (n *Reader) Name() string { return n.name }

// WriteTo copies the stream to w. A Reader can be written once.
func (n *Reader) WriteTo(w io.Writer) (int64, error) {
	if n.used {
		return 0, errors.New("upload: reader already consumed")
	}
	n.used = true
	return io.Copy(w, n.r)
}
