package blob

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jacktea/shardfs/pkg/fs"
	"github.com/jacktea/shardfs/pkg/meta"
	"github.com/jacktea/shardfs/pkg/xerrors"
)

type namedBytes struct {
	name string
	data []byte
}

func (n namedBytes) Name() string { return n.name }

func (n namedBytes) WriteTo(w io.Writer) (int64, error) {
	return bytes.NewReader(n.data).WriteTo(w)
}

func newMemStore(t *testing.T, capacity int64) (*Store, billy.Filesystem, *meta.MemoryStore) {
	t.Helper()
	fsys := memfs.New()
	md := meta.NewMemoryStore()
	s, err := New(Config{BaseDir: "/store", MaxFilesPerShard: capacity, FS: fsys, SourceFS: fsys}, md,
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return s, fsys, md
}

func readAll(t *testing.T, fsys billy.Filesystem, p string) []byte {
	t.Helper()
	data, err := util.ReadFile(fsys, p)
	require.NoError(t, err)
	return data
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	md := meta.NewMemoryStore()
	for _, k := range []int64{0, -5} {
		_, err := New(Config{BaseDir: t.TempDir(), MaxFilesPerShard: k}, md)
		require.True(t, xerrors.IsConfiguration(err), "capacity %d: %v", k, err)
	}
	_, err := New(Config{BaseDir: t.TempDir(), MaxFilesPerShard: 10}, nil)
	require.True(t, xerrors.IsConfiguration(err))
	_, err = New(Config{MaxFilesPerShard: 10}, md)
	require.True(t, xerrors.IsConfiguration(err))
}

func TestAccessors(t *testing.T) {
	s, _, _ := newMemStore(t, 100)
	require.Equal(t, "/store", s.BaseDir())
	require.Equal(t, int64(100), s.MaxFilesPerShard())
}

func TestSaveUploadResolvedPath(t *testing.T) {
	ctx := context.Background()
	s, fsys, md := newMemStore(t, 100)
	require.NoError(t, md.Restore(ctx, fs.Record{ID: 249, RealName: "seed"}))
	require.NoError(t, md.Delete(ctx, 249))

	id, err := s.SaveUpload(ctx, namedBytes{name: "report.pdf", data: []byte("%PDF")})
	require.NoError(t, err)
	require.Equal(t, fs.ID(250), id)

	p, rec, err := s.Locate(ctx, id)
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/store", "2", "250-report.pdf"), p.Full())
	require.Equal(t, fs.Record{ID: 250, RealName: "report", Extension: "pdf"}, rec)
	require.Equal(t, []byte("%PDF"), readAll(t, fsys, filepath.Join("2", "250-report.pdf")))
}

func TestSaveUploadLowercasesExtension(t *testing.T) {
	ctx := context.Background()
	s, fsys, md := newMemStore(t, 10)

	id, err := s.SaveUpload(ctx, namedBytes{name: "Photo.JPG", data: []byte{0xff, 0xd8}})
	require.NoError(t, err)

	rec, err := md.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Photo", rec.RealName)
	require.Equal(t, "jpg", rec.Extension)

	p, _, err := s.Locate(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id.String()+"-Photo.jpg", p.FileName)
	ok, err := fs.Exists(fsys, p.Rel())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSaveSameShardTwice(t *testing.T) {
	ctx := context.Background()
	s, fsys, _ := newMemStore(t, 100)

	a, err := s.SaveUpload(ctx, namedBytes{name: "a.txt", data: []byte("a")})
	require.NoError(t, err)
	b, err := s.SaveUpload(ctx, namedBytes{name: "b.txt", data: []byte("b")})
	require.NoError(t, err)

	pa, _, err := s.Locate(ctx, a)
	require.NoError(t, err)
	pb, _, err := s.Locate(ctx, b)
	require.NoError(t, err)
	require.Equal(t, pa.Directory, pb.Directory)
	require.Equal(t, []byte("b"), readAll(t, fsys, pb.Rel()))
}

func TestSaveCopyRoundTrip(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	srcDir := t.TempDir()
	payload := bytes.Repeat([]byte("shard-copy-"), 4096)
	srcPath := filepath.Join(srcDir, "Data.BIN")
	require.NoError(t, os.WriteFile(srcPath, payload, 0o600))

	s, err := New(Config{BaseDir: base, MaxFilesPerShard: 2}, meta.NewMemoryStore())
	require.NoError(t, err)

	var last fs.ID
	for i := 0; i < 3; i++ {
		last, err = s.SaveCopy(ctx, srcPath)
		require.NoError(t, err)
	}
	p, _, err := s.Locate(ctx, last)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(base, "1", "3-Data.bin"), p.Full())

	got, err := os.ReadFile(p.Full())
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got), "stored copy differs from source")

	entries, err := os.ReadDir(p.Directory)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		require.False(t, IsTemp(e.Name()), "temporary file %s left behind", e.Name())
		names = append(names, e.Name())
	}
	require.ElementsMatch(t, []string{"2-Data.bin", "3-Data.bin"}, names)
}

func TestSaveCopyRelativeSourceOnHostFS(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, "notes.txt"), []byte("relative"), 0o600))
	t.Chdir(work)

	s, err := New(Config{BaseDir: base, MaxFilesPerShard: 10}, meta.NewMemoryStore())
	require.NoError(t, err)

	id, err := s.SaveCopy(ctx, "notes.txt")
	require.NoError(t, err)
	p, _, err := s.Locate(ctx, id)
	require.NoError(t, err)
	got, err := os.ReadFile(p.Full())
	require.NoError(t, err)
	require.Equal(t, []byte("relative"), got)

	_, err = s.SaveCopy(ctx, "absent.txt")
	require.True(t, xerrors.IsStorage(err), "got %v", err)
	require.Contains(t, err.Error(), filepath.Join(work, "absent.txt"))
}

// growingFS reports every file as larger than it is.
type growingFS struct{ billy.Filesystem }

type grownInfo struct{ os.FileInfo }

func (g grownInfo) Size() int64 { return g.FileInfo.Size() + 16 }

func (g growingFS) Stat(name string) (os.FileInfo, error) {
	info, err := g.Filesystem.Stat(name)
	if err != nil {
		return nil, err
	}
	return grownInfo{info}, nil
}

// brokenReadFS opens files whose reads fail.
type brokenReadFS struct{ billy.Filesystem }

type brokenFile struct{ billy.File }

func (brokenFile) Read([]byte) (int, error) { return 0, errors.New("device read error") }

func (b brokenReadFS) Open(name string) (billy.File, error) {
	f, err := b.Filesystem.Open(name)
	if err != nil {
		return nil, err
	}
	return brokenFile{f}, nil
}

func TestSaveCopyFailureIsStorageError(t *testing.T) {
	ctx := context.Background()
	srcFS := memfs.New()
	require.NoError(t, util.WriteFile(srcFS, "/in/report.pdf", []byte("pdf bytes"), 0o644))

	for name, wrap := range map[string]func(billy.Filesystem) billy.Filesystem{
		"short copy":  func(f billy.Filesystem) billy.Filesystem { return growingFS{f} },
		"read failed": func(f billy.Filesystem) billy.Filesystem { return brokenReadFS{f} },
	} {
		t.Run(name, func(t *testing.T) {
			fsys := memfs.New()
			s, err := New(Config{BaseDir: "/store", MaxFilesPerShard: 10, FS: fsys, SourceFS: wrap(srcFS)},
				meta.NewMemoryStore(), WithLogger(zaptest.NewLogger(t)))
			require.NoError(t, err)

			_, err = s.SaveCopy(ctx, "/in/report.pdf")
			require.True(t, xerrors.IsStorage(err), "got %v", err)
			require.Contains(t, err.Error(), "/in/report.pdf -> "+filepath.Join("/store", "0", "1-report.pdf"))

			entries, err := fsys.ReadDir("0")
			require.NoError(t, err)
			for _, e := range entries {
				require.False(t, IsTemp(e.Name()), "temporary file %s left behind", e.Name())
			}
			require.Empty(t, entries)
		})
	}
}

func TestSaveCopyMissingSource(t *testing.T) {
	ctx := context.Background()
	s, _, md := newMemStore(t, 10)

	_, err := s.SaveCopy(ctx, "/nope/missing.txt")
	require.True(t, xerrors.IsStorage(err), "got %v", err)

	recs, err := md.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestSaveImage(t *testing.T) {
	ctx := context.Background()
	s, fsys, _ := newMemStore(t, 10)
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})

	id, err := s.SaveImage(ctx, img, "/uploads/tmp/Avatar.PNG", "PNG")
	require.NoError(t, err)
	p, _, err := s.Locate(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id.String()+"-Avatar.png", p.FileName)

	decoded, err := png.Decode(bytes.NewReader(readAll(t, fsys, p.Rel())))
	require.NoError(t, err)
	require.Equal(t, img.Bounds(), decoded.Bounds())
	r, _, _, _ := decoded.At(1, 1).RGBA()
	require.Equal(t, uint32(200)<<8|200, r)

	for _, format := range []string{"jpg", "jpeg", "gif"} {
		_, err := s.SaveImage(ctx, img, "x."+format, format)
		require.NoError(t, err, format)
	}
}

func TestSaveImageUnsupportedFormat(t *testing.T) {
	ctx := context.Background()
	s, fsys, md := newMemStore(t, 10)

	_, err := s.SaveImage(ctx, image.NewGray(image.Rect(0, 0, 1, 1)), "x.bmp", "bmp")
	require.True(t, xerrors.IsUnsupportedFormat(err), "got %v", err)

	recs, err := md.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Empty(t, recs, "no identifier may be consumed")
	_, err = fsys.Stat("0")
	require.ErrorIs(t, err, os.ErrNotExist, "no filesystem writes expected")

	id, err := md.Allocate(ctx, "probe", "")
	require.NoError(t, err)
	require.Equal(t, fs.ID(1), id)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"png": FormatPNG, "JPG": FormatJPEG, "jpeg": FormatJPEG, " gif ": FormatGIF} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	for _, in := range []string{"bmp", "", "webp"} {
		_, err := ParseFormat(in)
		require.True(t, xerrors.IsUnsupportedFormat(err))
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s, fsys, md := newMemStore(t, 10)

	require.False(t, s.Delete(ctx, 0))
	require.False(t, s.Delete(ctx, -1))
	require.False(t, s.Delete(ctx, 99))

	id, err := s.SaveUpload(ctx, namedBytes{name: "keep.txt", data: []byte("x")})
	require.NoError(t, err)
	p, _, err := s.Locate(ctx, id)
	require.NoError(t, err)

	require.True(t, s.Delete(ctx, id))
	ok, err := fs.Exists(fsys, p.Rel())
	require.NoError(t, err)
	require.False(t, ok)
	_, err = md.Get(ctx, id)
	require.ErrorIs(t, err, fs.ErrNotFound)

	require.False(t, s.Delete(ctx, id))
}

func TestDeleteKeepsMetadataWhenBlobMissing(t *testing.T) {
	ctx := context.Background()
	s, fsys, md := newMemStore(t, 10)

	id, err := s.SaveUpload(ctx, namedBytes{name: "gone", data: []byte("x")})
	require.NoError(t, err)
	p, _, err := s.Locate(ctx, id)
	require.NoError(t, err)
	require.NoError(t, fsys.Remove(p.Rel()))

	require.False(t, s.Delete(ctx, id))
	_, err = md.Get(ctx, id)
	require.NoError(t, err, "metadata-only record must be left untouched")
}

type failingMeta struct {
	meta.Store
	allocErr  error
	deleteErr error
}

func (f *failingMeta) Allocate(ctx context.Context, realName, extension string) (fs.ID, error) {
	if f.allocErr != nil {
		return 0, f.allocErr
	}
	return f.Store.Allocate(ctx, realName, extension)
}

func (f *failingMeta) Delete(ctx context.Context, id fs.ID) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Store.Delete(ctx, id)
}

func TestSaveMetadataRejected(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("quota exceeded")
	fsys := memfs.New()
	s, err := New(Config{BaseDir: "/b", MaxFilesPerShard: 10, FS: fsys},
		&failingMeta{Store: meta.NewMemoryStore(), allocErr: cause})
	require.NoError(t, err)

	_, err = s.SaveUpload(ctx, namedBytes{name: "a.txt", data: []byte("a")})
	require.True(t, xerrors.IsMetadata(err))
	require.ErrorIs(t, err, cause)
	_, err = fsys.Stat("0")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestDeleteMetadataFailureAfterBlobRemoved(t *testing.T) {
	ctx := context.Background()
	fsys := memfs.New()
	md := &failingMeta{Store: meta.NewMemoryStore()}
	s, err := New(Config{BaseDir: "/b", MaxFilesPerShard: 10, FS: fsys}, md)
	require.NoError(t, err)

	id, err := s.SaveUpload(ctx, namedBytes{name: "a.txt", data: []byte("a")})
	require.NoError(t, err)
	p, _, err := s.Locate(ctx, id)
	require.NoError(t, err)

	md.deleteErr = errors.New("db locked")
	require.False(t, s.Delete(ctx, id))
	ok, err := fs.Exists(fsys, p.Rel())
	require.NoError(t, err)
	require.False(t, ok, "blob is removed before metadata")
}

func TestSaveDirectoryFailureIsStorageError(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	md := meta.NewMemoryStore()
	s, err := New(Config{BaseDir: base, MaxFilesPerShard: 10}, md)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(base, "0"), []byte("not a dir"), 0o644))

	_, err = s.SaveUpload(ctx, namedBytes{name: "a.txt", data: []byte("a")})
	require.True(t, xerrors.IsStorage(err), "got %v", err)

	recs, err := md.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1, "metadata allocated before the write stays behind")
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newMemStore(t, 10)
	id, err := s.SaveUpload(ctx, namedBytes{name: "hello.txt", data: []byte("hello")})
	require.NoError(t, err)

	f, rec, err := s.Open(ctx, id)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.Equal(t, "hello", rec.RealName)

	_, _, err = s.Open(ctx, id+1)
	require.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))
}

func TestConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	s, err := New(Config{BaseDir: base, MaxFilesPerShard: 3}, meta.NewMemoryStore(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make([]fs.ID, 24)
	errs := make([]error, len(ids))
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = s.SaveUpload(ctx, namedBytes{name: "c.txt", data: []byte{byte(i)}})
		}(i)
	}
	wg.Wait()
	for i, id := range ids {
		require.NoError(t, errs[i])
		f, _, err := s.Open(ctx, id)
		require.NoError(t, err)
		data, err := io.ReadAll(f)
		f.Close()
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, data)
	}
}
