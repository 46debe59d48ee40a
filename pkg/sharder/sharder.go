package sharder

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jacktea/shardfs/pkg/fs"
	"github.com/jacktea/shardfs/pkg/xerrors"
)

// Path is the location a stored file resolves to. It is derived from the
// identifier and metadata on every lookup and never persisted.
type Path struct {
	// Directory is BaseDir joined with Shard.
	Directory string
	// Shard is the numbered subdirectory name, floor(id / maxFilesPerShard).
	Shard string
	// FileName is "{id}-{realName}" plus ".{extension}" when the extension is set.
	FileName string
}

// Full returns the absolute (or baseDir-relative) path of the file.
func (p Path) Full() string { return filepath.Join(p.Directory, p.FileName) }

// Rel returns the path of the file relative to the base directory.
func (p Path) Rel() string { return filepath.Join(p.Shard, p.FileName) }

// ShardOf returns the shard index that id falls into.
func ShardOf(id fs.ID, maxFilesPerShard int64) (int64, error) {
	if maxFilesPerShard <= 0 {
		return 0, xerrors.E(xerrors.KindConfiguration, "sharder.ShardOf", "max files per shard must be positive")
	}
	return int64(id) / maxFilesPerShard, nil
}

// FileName builds the canonical name for a stored file. The extension is
// normalised to lowercase before use.
func FileName(id fs.ID, realName, extension string) string {
	var b strings.Builder
	b.WriteString(id.String())
	b.WriteByte('-')
	b.WriteString(realName)
	if ext := fs.NormalizeExt(extension); ext != "" {
		b.WriteByte('.')
		b.WriteString(ext)
	}
	return b.String()
}

// Resolve computes where the file named by id lives below baseDir. It has no
// side effects and is safe for concurrent use.
func Resolve(baseDir string, maxFilesPerShard int64, id fs.ID, realName, extension string) (Path, error) {
	shard, err := ShardOf(id, maxFilesPerShard)
	if err != nil {
		return Path{}, err
	}
	shardName := strconv.FormatInt(shard, 10)
	return Path{
		Directory: filepath.Join(baseDir, shardName),
		Shard:     shardName,
		FileName:  FileName(id, realName, extension),
	}, nil
}

// ResolveRecord is Resolve for a metadata record.
func ResolveRecord(baseDir string, maxFilesPerShard int64, rec fs.Record) (Path, error) {
	return Resolve(baseDir, maxFilesPerShard, rec.ID, rec.RealName, rec.Extension)
}
