package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"

	pkgfs "github.com/jacktea/shardfs/pkg/fs"
)

// Kind classifies shardfs errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindConfiguration
	KindMetadata
	KindStorage
	KindUnsupportedFormat
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindConfiguration:
		return "configuration error"
	case KindMetadata:
		return "metadata error"
	case KindStorage:
		return "storage error"
	case KindUnsupportedFormat:
		return "unsupported format"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed. The
// outermost *Error wins.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, pkgfs.ErrNotFound),
		errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, pkgfs.ErrNotSupported),
		errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// IsConfiguration reports whether err was caused by invalid store settings.
func IsConfiguration(err error) bool { return err != nil && KindOf(err) == KindConfiguration }

// IsMetadata reports whether the metadata store rejected an operation.
func IsMetadata(err error) bool { return err != nil && KindOf(err) == KindMetadata }

// IsStorage reports whether a filesystem operation failed.
func IsStorage(err error) bool { return err != nil && KindOf(err) == KindStorage }

// IsUnsupportedFormat reports whether an image format was not recognised.
func IsUnsupportedFormat(err error) bool { return err != nil && KindOf(err) == KindUnsupportedFormat }
