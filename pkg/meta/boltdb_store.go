package meta

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/shardfs/pkg/fs"
)

var (
	bucketMeta  = []byte("meta")
	bucketFiles = []byte("files")

	metaNextIDKey = []byte("next-id")
)

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists metadata in BoltDB.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltStore initialises a Bolt-backed metadata store.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("boltdb: mkdir: %w", err)
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketFiles} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", bucket, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if decodeUint64(meta.Get(metaNextIDKey)) < 1 {
			return meta.Put(metaNextIDKey, encodeUint64(1))
		}
		return nil
	})
}

func (b *BoltStore) Allocate(ctx context.Context, realName, extension string) (fs.ID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var id fs.ID
	err := b.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		cur := decodeUint64(meta.Get(metaNextIDKey))
		if err := meta.Put(metaNextIDKey, encodeUint64(cur+1)); err != nil {
			return err
		}
		id = fs.ID(cur)
		return putRecord(tx, fs.Record{ID: id, RealName: realName, Extension: extension})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (b *BoltStore) Get(ctx context.Context, id fs.ID) (fs.Record, error) {
	var rec fs.Record
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, id)
		return err
	})
	return rec, err
}

func (b *BoltStore) Delete(ctx context.Context, id fs.ID) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketFiles)
		if bkt.Get(idKey(id)) == nil {
			return fs.ErrNotFound
		}
		return bkt.Delete(idKey(id))
	})
}

func (b *BoltStore) List(ctx context.Context, after fs.ID, limit int) ([]fs.Record, error) {
	if after < 0 {
		after = 0
	}
	var out []fs.Record
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFiles).Cursor()
		for k, v := c.Seek(idKey(after + 1)); k != nil; k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) Restore(ctx context.Context, rec fs.Record) error {
	if !rec.ID.Valid() {
		return fmt.Errorf("boltdb: restore invalid id %d", rec.ID)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketFiles).Get(idKey(rec.ID)) != nil {
			return fs.ErrAlreadyExist
		}
		if err := putRecord(tx, rec); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		if next := uint64(rec.ID) + 1; next > decodeUint64(meta.Get(metaNextIDKey)) {
			return meta.Put(metaNextIDKey, encodeUint64(next))
		}
		return nil
	})
}

// Close releases the underlying BoltDB.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func getRecord(tx *bolt.Tx, id fs.ID) (fs.Record, error) {
	data := tx.Bucket(bucketFiles).Get(idKey(id))
	if data == nil {
		return fs.Record{}, fs.ErrNotFound
	}
	return decodeRecord(data)
}

func putRecord(tx *bolt.Tx, rec fs.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketFiles).Put(idKey(rec.ID), data)
}

func decodeRecord(data []byte) (fs.Record, error) {
	var rec fs.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fs.Record{}, err
	}
	return rec, nil
}

func idKey(id fs.ID) []byte {
	return encodeUint64(uint64(id))
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
