package meta

import (
	"context"
	"io"
	"time"

	"github.com/jacktea/shardfs/pkg/cache"
	"github.com/jacktea/shardfs/pkg/fs"
)

// CachedStore keeps recently read records in memory in front of another
// Store. Only this process's writes invalidate the cache.
type CachedStore struct {
	inner Store
	recs  *cache.Cache[fs.ID, fs.Record]
}

// NewCachedStore wraps inner with an LRU of the given size and ttl.
func NewCachedStore(inner Store, size int, ttl time.Duration) *CachedStore {
	return &CachedStore{inner: inner, recs: cache.New[fs.ID, fs.Record](size, ttl)}
}

func (c *CachedStore) Allocate(ctx context.Context, realName, extension string) (fs.ID, error) {
	id, err := c.inner.Allocate(ctx, realName, extension)
	if err != nil {
		return 0, err
	}
	c.recs.Set(id, fs.Record{ID: id, RealName: realName, Extension: extension})
	return id, nil
}

func (c *CachedStore) Get(ctx context.Context, id fs.ID) (fs.Record, error) {
	if rec, ok := c.recs.Get(id); ok {
		return rec, nil
	}
	rec, err := c.inner.Get(ctx, id)
	if err != nil {
		return fs.Record{}, err
	}
	c.recs.Set(id, rec)
	return rec, nil
}

func (c *CachedStore) Delete(ctx context.Context, id fs.ID) error {
	c.recs.Delete(id)
	return c.inner.Delete(ctx, id)
}

func (c *CachedStore) List(ctx context.Context, after fs.ID, limit int) ([]fs.Record, error) {
	return c.inner.List(ctx, after, limit)
}

// Restore forwards to the wrapped store when it supports restoring.
func (c *CachedStore) Restore(ctx context.Context, rec fs.Record) error {
	r, ok := c.inner.(Restorer)
	if !ok {
		return fs.ErrNotSupported
	}
	if err := r.Restore(ctx, rec); err != nil {
		return err
	}
	c.recs.Delete(rec.ID)
	return nil
}

// Stats reports cache effectiveness.
func (c *CachedStore) Stats() cache.Stats { return c.recs.Stats() }

// Close closes the wrapped store if it holds resources.
func (c *CachedStore) Close() error {
	if closer, ok := c.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
