// Package audit reconciles the metadata store with the shard directories.
package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jacktea/shardfs/pkg/blob"
	"github.com/jacktea/shardfs/pkg/fs"
	"github.com/jacktea/shardfs/pkg/meta"
	"github.com/jacktea/shardfs/pkg/sharder"
)

// Options configures a Sweeper.
type Options struct {
	Meta      meta.Store
	Blob      *blob.Store
	BatchSize int
	// Purge deletes metadata records whose blob was missing in two
	// consecutive sweeps. Orphan files are only reported.
	Purge   bool
	Logger  *zap.Logger
	Metrics Metrics
}

// Metrics receives the inconsistency counts of every finished sweep.
type Metrics interface {
	SetAuditResult(missingBlobs, orphanFiles int)
}

// Report summarises one sweep.
type Report struct {
	Checked int
	// MissingBlobs lists records whose blob is absent and whose shard has no
	// write in progress.
	MissingBlobs []fs.ID
	// InFlight counts records without a blob whose shard holds a temporary
	// file, i.e. saves that have not finished yet.
	InFlight    int
	OrphanFiles []string
	Purged      int
}

// Clean reports whether the sweep found no inconsistency.
func (r Report) Clean() bool { return len(r.MissingBlobs) == 0 && len(r.OrphanFiles) == 0 }

// Sweeper finds records without blobs and blobs without records. With purge
// enabled a record is only deleted once two consecutive sweeps have seen its
// blob missing, and only if the blob is still absent right before deletion.
type Sweeper struct {
	meta      meta.Store
	blob      *blob.Store
	batchSize int
	purge     bool
	log       *zap.Logger
	metrics   Metrics

	mu       sync.Mutex
	suspects map[fs.ID]struct{}
}

// NewSweeper wires the metadata and blob stores for auditing.
func NewSweeper(opts Options) *Sweeper {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		meta:      opts.Meta,
		blob:      opts.Blob,
		batchSize: opts.BatchSize,
		purge:     opts.Purge,
		log:       log,
		metrics:   opts.Metrics,
		suspects:  make(map[fs.ID]struct{}),
	}
}

// Purges reports whether the sweeper deletes metadata-only records.
func (s *Sweeper) Purges() bool { return s.purge }

// shardListing is a snapshot of the shard directories taken before records
// are walked.
type shardListing struct {
	files    map[string][]string // shard -> stored file names
	inFlight map[string]bool     // shards holding a temporary file
}

// Sweep performs one audit pass.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	if s.meta == nil || s.blob == nil {
		return rep, fmt.Errorf("audit sweeper missing dependencies")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fsys := s.blob.Filesystem()
	listing, err := s.listShards()
	if err != nil {
		return rep, err
	}
	known := make(map[string]struct{})
	err = meta.ForEach(ctx, s.meta, s.batchSize, func(rec fs.Record) error {
		rep.Checked++
		p, err := sharder.ResolveRecord(s.blob.BaseDir(), s.blob.MaxFilesPerShard(), rec)
		if err != nil {
			return err
		}
		known[p.Rel()] = struct{}{}
		ok, err := fs.Exists(fsys, p.Rel())
		if err != nil {
			return err
		}
		switch {
		case ok:
		case listing.inFlight[p.Shard]:
			rep.InFlight++
		default:
			rep.MissingBlobs = append(rep.MissingBlobs, rec.ID)
		}
		return nil
	})
	if err != nil {
		return rep, err
	}

	orphans, err := s.orphanFiles(listing, known)
	if err != nil {
		return rep, err
	}
	rep.OrphanFiles = orphans

	seen := make(map[fs.ID]struct{}, len(rep.MissingBlobs))
	for _, id := range rep.MissingBlobs {
		seen[id] = struct{}{}
	}
	if s.purge {
		for _, id := range rep.MissingBlobs {
			if _, confirmed := s.suspects[id]; !confirmed {
				continue
			}
			purged, err := s.purgeRecord(ctx, id)
			if err != nil {
				return rep, err
			}
			if purged {
				rep.Purged++
				delete(seen, id)
			}
		}
	}
	s.suspects = seen

	if s.metrics != nil {
		s.metrics.SetAuditResult(len(rep.MissingBlobs), len(rep.OrphanFiles))
	}
	s.log.Info("audit sweep finished",
		zap.Int("checked", rep.Checked),
		zap.Int("missing_blobs", len(rep.MissingBlobs)),
		zap.Int("in_flight", rep.InFlight),
		zap.Int("orphan_files", len(rep.OrphanFiles)),
		zap.Int("purged", rep.Purged))
	return rep, nil
}

// purgeRecord deletes the record for id if its blob is still absent.
func (s *Sweeper) purgeRecord(ctx context.Context, id fs.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	rec, err := s.meta.Get(ctx, id)
	if errors.Is(err, fs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p, err := sharder.ResolveRecord(s.blob.BaseDir(), s.blob.MaxFilesPerShard(), rec)
	if err != nil {
		return false, err
	}
	ok, err := fs.Exists(s.blob.Filesystem(), p.Rel())
	if err != nil || ok {
		return false, err
	}
	if err := s.meta.Delete(ctx, id); err != nil {
		if errors.Is(err, fs.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	s.log.Info("purged record without blob", zap.Stringer("id", id), zap.String("path", p.Full()))
	return true, nil
}

// listShards reads the numbered shard directories. Other top-level entries
// are ignored.
func (s *Sweeper) listShards() (shardListing, error) {
	listing := shardListing{files: make(map[string][]string), inFlight: make(map[string]bool)}
	fsys := s.blob.Filesystem()
	top, err := fsys.ReadDir("")
	if errors.Is(err, os.ErrNotExist) {
		return listing, nil
	}
	if err != nil {
		return listing, err
	}
	for _, dir := range top {
		if !dir.IsDir() || !isShardName(dir.Name()) {
			continue
		}
		entries, err := fsys.ReadDir(dir.Name())
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return listing, err
		}
		for _, e := range entries {
			switch {
			case e.IsDir():
			case blob.IsTemp(e.Name()):
				listing.inFlight[dir.Name()] = true
			default:
				listing.files[dir.Name()] = append(listing.files[dir.Name()], e.Name())
			}
		}
	}
	return listing, nil
}

// orphanFiles returns listed files that no record resolves to and that are
// still present.
func (s *Sweeper) orphanFiles(listing shardListing, known map[string]struct{}) ([]string, error) {
	fsys := s.blob.Filesystem()
	var out []string
	for shard, names := range listing.files {
		for _, name := range names {
			rel := filepath.Join(shard, name)
			if _, ok := known[rel]; ok {
				continue
			}
			ok, err := fs.Exists(fsys, rel)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, filepath.Join(s.blob.BaseDir(), rel))
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func isShardName(name string) bool {
	_, err := strconv.ParseUint(name, 10, 63)
	return err == nil
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Hour
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			rep, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("audit sweep failed", zap.Error(err))
			} else if err == nil && !rep.Clean() {
				s.log.Warn("audit found inconsistencies",
					zap.Int64s("missing_blobs", idsToInt64(rep.MissingBlobs)),
					zap.Strings("orphan_files", rep.OrphanFiles))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}

func idsToInt64(ids []fs.ID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
