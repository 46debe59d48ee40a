// Package blob stores file content on a local filesystem, sharded into
// numbered directories by identifier, while the file's original name lives in
// a separate metadata store.
//
// A stored file and its metadata record are created together by the Save
// methods and removed together by Delete. Neither direction is transactional:
// metadata is written before the file and the file is removed before the
// metadata, so a failure between the two steps leaves a record without a
// file. Such records are reported by package audit.
package blob

import (
	"io"
	"os"
	"time"

	billy "github.com/go-git/go-billy/v5"
)

// Source is any byte source with a known name. The name's base is split into
// the stored real name and extension.
type Source interface {
	Name() string
	WriteTo(w io.Writer) (int64, error)
}

// sizedSource is implemented by sources that know up front how many bytes
// they will write. The store uses it to verify copies.
type sizedSource interface {
	Size() int64
}

// Config describes where and how blobs are laid out.
type Config struct {
	// BaseDir is the root of the shard directories.
	BaseDir string
	// MaxFilesPerShard bounds how many identifiers share one directory.
	MaxFilesPerShard int64
	// FS is the filesystem rooted at BaseDir. Defaults to osfs.New(BaseDir).
	FS billy.Filesystem
	// SourceFS resolves paths passed to SaveCopy. Defaults to the host
	// filesystem, with relative paths taken from the working directory.
	SourceFS billy.Filesystem
	// DirMode is used when creating shard directories. Defaults to 0o777.
	DirMode os.FileMode
	// FileMode is applied to stored files when FS supports it. Defaults to 0o644.
	FileMode os.FileMode
}

// Variant names the save path a blob came through.
type Variant string

const (
	VariantUpload Variant = "upload"
	VariantImage  Variant = "image"
	VariantCopy   Variant = "copy"
)

// Metrics receives outcome notifications from a Store.
type Metrics interface {
	ObserveSave(variant Variant, d time.Duration, err error)
	ObserveDelete(deleted bool)
}

type noopMetrics struct{}

func (noopMetrics) ObserveSave(Variant, time.Duration, error) {}
func (noopMetrics) ObserveDelete(bool)                        {}
