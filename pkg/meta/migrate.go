package meta

import (
	"context"
	"errors"
	"fmt"

	"github.com/jacktea/shardfs/pkg/fs"
)

// MigrateStats summarises a Migrate run.
type MigrateStats struct {
	Copied  int
	Skipped int
	MaxID   fs.ID
}

// Migrate copies every record from src into dst, keeping identifiers so the
// blobs already on disk still resolve. Records dst already holds with the
// same content are skipped; conflicting ones abort the migration.
func Migrate(ctx context.Context, src Store, dst Restorer) (MigrateStats, error) {
	var stats MigrateStats
	err := ForEach(ctx, src, 0, func(rec fs.Record) error {
		err := dst.Restore(ctx, rec)
		switch {
		case err == nil:
			stats.Copied++
		case errors.Is(err, fs.ErrAlreadyExist):
			existing, getErr := dst.Get(ctx, rec.ID)
			if getErr != nil {
				return fmt.Errorf("migrate: get %s: %w", rec.ID, getErr)
			}
			if existing != rec {
				return fmt.Errorf("migrate: conflicting record %s: %w", rec.ID, err)
			}
			stats.Skipped++
		default:
			return fmt.Errorf("migrate: write %s: %w", rec.ID, err)
		}
		if rec.ID > stats.MaxID {
			stats.MaxID = rec.ID
		}
		return nil
	})
	return stats, err
}
