package fs

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ID identifies a stored file. Valid identifiers are positive and are handed
// out by a metadata store; they never change once assigned.
type ID int64

// Valid reports whether id can name a stored file.
func (id ID) Valid() bool { return id > 0 }

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseID parses the decimal form produced by ID.String.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return ID(n), nil
}

// Record is the metadata kept for a stored file: its original name split into
// stem and extension. The extension is lowercase and has no leading dot.
type Record struct {
	ID        ID     `json:"id"`
	RealName  string `json:"real_name"`
	Extension string `json:"extension"`
}

// Errors shared by metadata stores and the blob store.
var (
	ErrNotFound     = Err("not found")
	ErrAlreadyExist = Err("already exists")
	ErrNotSupported = Err("not supported")
)

// Err is a sentinel error type so callers can check via errors.Is.
type Err string

func (e Err) Error() string { return string(e) }

// SplitName splits the base name of p into its stem and extension. The
// extension is folded to lowercase; an empty extension means the name had
// no dot-suffix.
func SplitName(p string) (realName, extension string) {
	base := filepath.Base(p)
	if base == "." || base == string(filepath.Separator) {
		return "", ""
	}
	ext := filepath.Ext(base)
	realName = strings.TrimSuffix(base, ext)
	return realName, NormalizeExt(ext)
}

// NormalizeExt strips a leading dot and lowercases ext. A Caser keeps state,
// so each call builds its own.
func NormalizeExt(ext string) string {
	return cases.Lower(language.Und).String(strings.TrimPrefix(ext, "."))
}

// Exists reports whether a regular file exists at p.
func Exists(fsys billy.Basic, p string) (bool, error) {
	info, err := fsys.Stat(p)
	if err == nil {
		return !info.IsDir(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// EnsureDir creates dir and any missing parents. A directory that already
// exists, including one created concurrently by another caller, is success.
func EnsureDir(fsys billy.Filesystem, dir string, perm os.FileMode) error {
	if info, err := fsys.Stat(dir); err == nil {
		if info.IsDir() {
			return nil
		}
		return &os.PathError{Op: "mkdir", Path: dir, Err: os.ErrExist}
	}
	err := fsys.MkdirAll(dir, perm)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrExist) {
		if info, statErr := fsys.Stat(dir); statErr == nil && info.IsDir() {
			return nil
		}
	}
	return err
}
