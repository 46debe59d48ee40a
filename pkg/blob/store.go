package blob

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"

	"github.com/jacktea/shardfs/pkg/fs"
	"github.com/jacktea/shardfs/pkg/meta"
	"github.com/jacktea/shardfs/pkg/sharder"
	"github.com/jacktea/shardfs/pkg/xerrors"
)

const (
	defaultDirMode  os.FileMode = 0o777
	defaultFileMode os.FileMode = 0o644
	tempPrefix                  = ".incoming-"
)

// IsTemp reports whether name is an in-progress write inside a shard
// directory.
func IsTemp(name string) bool { return strings.HasPrefix(name, tempPrefix) }

// Store saves and deletes blobs, keeping each file paired with its metadata
// record. It holds no locks: concurrent saves get distinct identifiers and
// therefore distinct paths.
type Store struct {
	baseDir  string
	maxFiles int64
	fs       billy.Filesystem
	srcFS    billy.Filesystem
	hostSrc  bool
	meta     meta.Store
	dirMode  os.FileMode
	fileMode os.FileMode
	log      *zap.Logger
	metrics  Metrics
}

// New validates cfg and returns a Store backed by md.
func New(cfg Config, md meta.Store, opts ...Option) (*Store, error) {
	if cfg.MaxFilesPerShard <= 0 {
		return nil, xerrors.E(xerrors.KindConfiguration, "blob.New",
			fmt.Sprintf("max files per shard must be positive, got %d", cfg.MaxFilesPerShard))
	}
	if md == nil {
		return nil, xerrors.E(xerrors.KindConfiguration, "blob.New", "metadata store is required")
	}
	if cfg.BaseDir == "" && cfg.FS == nil {
		return nil, xerrors.E(xerrors.KindConfiguration, "blob.New", "base directory is required")
	}
	s := &Store{
		baseDir:  cfg.BaseDir,
		maxFiles: cfg.MaxFilesPerShard,
		fs:       cfg.FS,
		srcFS:    cfg.SourceFS,
		meta:     md,
		dirMode:  cfg.DirMode,
		fileMode: cfg.FileMode,
		log:      zap.NewNop(),
		metrics:  noopMetrics{},
	}
	if s.fs == nil {
		s.fs = osfs.New(cfg.BaseDir)
	}
	if s.srcFS == nil {
		s.srcFS = osfs.New("/")
		s.hostSrc = true
	}
	if s.dirMode == 0 {
		s.dirMode = defaultDirMode
	}
	if s.fileMode == 0 {
		s.fileMode = defaultFileMode
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// BaseDir returns the configured root directory.
func (s *Store) BaseDir() string { return s.baseDir }

// MaxFilesPerShard returns the configured shard capacity.
func (s *Store) MaxFilesPerShard() int64 { return s.maxFiles }

// Filesystem returns the filesystem rooted at BaseDir.
func (s *Store) Filesystem() billy.Filesystem { return s.fs }

// SaveUpload stores the bytes of an uploaded file under a new identifier. The
// record's name and extension come from src.Name().
func (s *Store) SaveUpload(ctx context.Context, src Source) (fs.ID, error) {
	start := time.Now()
	id, err := s.save(ctx, "blob.SaveUpload", src)
	s.metrics.ObserveSave(VariantUpload, time.Since(start), err)
	return id, err
}

// SaveImage encodes img to format and stores it under a new identifier,
// naming the record after namingPath's base name. The format is checked
// before an identifier is allocated.
func (s *Store) SaveImage(ctx context.Context, img image.Image, namingPath, format string) (fs.ID, error) {
	start := time.Now()
	id, err := s.saveImage(ctx, img, namingPath, format)
	s.metrics.ObserveSave(VariantImage, time.Since(start), err)
	return id, err
}

func (s *Store) saveImage(ctx context.Context, img image.Image, namingPath, format string) (fs.ID, error) {
	const op = "blob.SaveImage"
	f, err := ParseFormat(format)
	if err != nil {
		return 0, err
	}
	if img == nil {
		return 0, xerrors.E(xerrors.KindInvalid, op, "nil image")
	}
	return s.save(ctx, op, imageSource{name: namingPath, img: img, format: f})
}

// SaveCopy copies the file at sourcePath verbatim under a new identifier.
func (s *Store) SaveCopy(ctx context.Context, sourcePath string) (fs.ID, error) {
	start := time.Now()
	id, err := s.saveCopy(ctx, sourcePath)
	s.metrics.ObserveSave(VariantCopy, time.Since(start), err)
	return id, err
}

func (s *Store) saveCopy(ctx context.Context, sourcePath string) (fs.ID, error) {
	const op = "blob.SaveCopy"
	if s.hostSrc {
		abs, err := filepath.Abs(sourcePath)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.KindStorage, op, sourcePath, err)
		}
		sourcePath = abs
	}
	info, err := s.srcFS.Stat(sourcePath)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindStorage, op, sourcePath, err)
	}
	if info.IsDir() {
		return 0, xerrors.E(xerrors.KindStorage, op, sourcePath+" is a directory")
	}
	return s.save(ctx, op, &fileSource{fsys: s.srcFS, path: sourcePath, size: info.Size()})
}

func (s *Store) save(ctx context.Context, op string, src Source) (fs.ID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	realName, ext := fs.SplitName(src.Name())
	id, err := s.meta.Allocate(ctx, realName, ext)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindMetadata, op, "", err)
	}
	p, err := sharder.Resolve(s.baseDir, s.maxFiles, id, realName, ext)
	if err != nil {
		return 0, err
	}
	if err := fs.EnsureDir(s.fs, p.Shard, s.dirMode); err != nil {
		s.orphaned(op, id, p, err)
		return 0, xerrors.Wrap(xerrors.KindStorage, op, p.Directory, err)
	}
	if err := s.write(p, src); err != nil {
		s.orphaned(op, id, p, err)
		if _, ok := src.(*fileSource); ok {
			return 0, xerrors.Wrap(xerrors.KindStorage, op,
				src.Name()+" -> "+p.Full(), err)
		}
		return 0, xerrors.Wrap(xerrors.KindStorage, op, p.Full(), err)
	}
	s.log.Debug("blob stored",
		zap.String("op", op),
		zap.Stringer("id", id),
		zap.String("path", p.Full()))
	return id, nil
}

// write streams src into a temporary file in the shard directory and renames
// it over the destination.
func (s *Store) write(p sharder.Path, src Source) error {
	tmp, err := s.fs.TempFile(p.Shard, tempPrefix)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	n, err := src.WriteTo(tmp)
	if err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return err
	}
	if sized, ok := src.(sizedSource); ok && n != sized.Size() {
		tmp.Close()
		s.fs.Remove(tmpName)
		return fmt.Errorf("copied %d of %d bytes: %w", n, sized.Size(), io.ErrShortWrite)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return err
	}
	if err := s.fs.Rename(tmpName, p.Rel()); err != nil {
		s.fs.Remove(tmpName)
		return err
	}
	if ch, ok := s.fs.(billy.Change); ok {
		if err := ch.Chmod(p.Rel(), s.fileMode); err != nil && !errors.Is(err, billy.ErrNotSupported) {
			s.log.Debug("chmod stored blob", zap.String("path", p.Full()), zap.Error(err))
		}
	}
	return nil
}

func (s *Store) orphaned(op string, id fs.ID, p sharder.Path, err error) {
	s.log.Warn("metadata record left without blob",
		zap.String("op", op),
		zap.Stringer("id", id),
		zap.String("path", p.Full()),
		zap.Error(err))
}

// Delete removes the blob for id and then its metadata record. It returns
// true only when both are gone. A record whose blob is missing is left in
// place and reported as false.
func (s *Store) Delete(ctx context.Context, id fs.ID) bool {
	deleted := s.delete(ctx, id)
	s.metrics.ObserveDelete(deleted)
	return deleted
}

func (s *Store) delete(ctx context.Context, id fs.ID) bool {
	if !id.Valid() {
		return false
	}
	log := s.log.With(zap.Stringer("id", id))
	rec, err := s.meta.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, fs.ErrNotFound) {
			log.Warn("metadata lookup failed", zap.Error(err))
		}
		return false
	}
	p, err := sharder.ResolveRecord(s.baseDir, s.maxFiles, rec)
	if err != nil {
		return false
	}
	ok, err := fs.Exists(s.fs, p.Rel())
	if err != nil {
		log.Warn("blob stat failed", zap.String("path", p.Full()), zap.Error(err))
		return false
	}
	if !ok {
		log.Debug("blob missing, metadata kept", zap.String("path", p.Full()))
		return false
	}
	if err := s.fs.Remove(p.Rel()); err != nil {
		log.Warn("blob remove failed", zap.String("path", p.Full()), zap.Error(err))
		return false
	}
	if err := s.meta.Delete(ctx, id); err != nil {
		log.Warn("blob removed but metadata delete failed", zap.String("path", p.Full()), zap.Error(err))
		return false
	}
	log.Debug("blob deleted", zap.String("path", p.Full()))
	return true
}

// Locate resolves where the blob for id is stored.
func (s *Store) Locate(ctx context.Context, id fs.ID) (sharder.Path, fs.Record, error) {
	const op = "blob.Locate"
	if !id.Valid() {
		return sharder.Path{}, fs.Record{}, xerrors.E(xerrors.KindInvalid, op, id.String())
	}
	rec, err := s.meta.Get(ctx, id)
	if err != nil {
		if errors.Is(err, fs.ErrNotFound) {
			return sharder.Path{}, fs.Record{}, xerrors.Wrap(xerrors.KindNotFound, op, id.String(), err)
		}
		return sharder.Path{}, fs.Record{}, xerrors.Wrap(xerrors.KindMetadata, op, id.String(), err)
	}
	p, err := sharder.ResolveRecord(s.baseDir, s.maxFiles, rec)
	if err != nil {
		return sharder.Path{}, fs.Record{}, err
	}
	return p, rec, nil
}

// Open returns the stored bytes for id together with its record. The caller
// closes the reader.
func (s *Store) Open(ctx context.Context, id fs.ID) (billy.File, fs.Record, error) {
	const op = "blob.Open"
	p, rec, err := s.Locate(ctx, id)
	if err != nil {
		return nil, fs.Record{}, err
	}
	f, err := s.fs.Open(p.Rel())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fs.Record{}, xerrors.Wrap(xerrors.KindNotFound, op, p.Full(), err)
		}
		return nil, fs.Record{}, xerrors.Wrap(xerrors.KindStorage, op, p.Full(), err)
	}
	return f, rec, nil
}

type fileSource struct {
	fsys billy.Filesystem
	path string
	size int64
}

func (f *fileSource) Name() string { return f.path }

func (f *fileSource) Size() int64 { return f.size }

func (f *fileSource) WriteTo(w io.Writer) (int64, error) {
	in, err := f.fsys.Open(f.path)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return io.Copy(w, in)
}
