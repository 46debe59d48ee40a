package meta

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/jacktea/shardfs/pkg/fs"
	"github.com/jacktea/shardfs/pkg/xerrors"
)

// Store owns the metadata half of a stored file: it hands out identifiers and
// keeps the {real name, extension} record for each one.
type Store interface {
	// Allocate assigns a fresh identifier and stores the record for it.
	Allocate(ctx context.Context, realName, extension string) (fs.ID, error)
	// Get returns the record for id or fs.ErrNotFound.
	Get(ctx context.Context, id fs.ID) (fs.Record, error)
	// Delete removes the record for id, returning fs.ErrNotFound if absent.
	Delete(ctx context.Context, id fs.ID) error
	// List returns up to limit records with identifiers greater than after,
	// in ascending order. A limit <= 0 means no limit.
	List(ctx context.Context, after fs.ID, limit int) ([]fs.Record, error)
}

// Restorer is implemented by stores that can accept records with
// pre-assigned identifiers, which migration needs.
type Restorer interface {
	Store
	// Restore writes rec under rec.ID and moves the allocation counter past
	// it. Existing identifiers yield fs.ErrAlreadyExist.
	Restore(ctx context.Context, rec fs.Record) error
}

// ForEach walks every record in ascending identifier order in batches.
func ForEach(ctx context.Context, s Store, batch int, fn func(fs.Record) error) error {
	if batch <= 0 {
		batch = 256
	}
	var after fs.ID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		recs, err := s.List(ctx, after, batch)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(recs) < batch {
			return nil
		}
		after = recs[len(recs)-1].ID
	}
}

// Open builds a store by driver name. The memory driver ignores path.
func Open(driver, path string) (Store, error) {
	switch strings.ToLower(driver) {
	case "", "bolt", "boltdb":
		s, err := NewBoltStore(BoltConfig{Path: path})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite", "sqlite3":
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "json", "file":
		s, err := NewFileStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory", "mem":
		return NewMemoryStore(), nil
	default:
		return nil, xerrors.Wrap(xerrors.KindConfiguration, "meta.Open", "driver "+driver, fs.ErrNotSupported)
	}
}

// MemoryStore is a simple in-memory implementation for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[fs.ID]fs.Record
	nextID  fs.ID
}

// NewMemoryStore creates an empty metadata store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[fs.ID]fs.Record),
		nextID:  1,
	}
}

func (m *MemoryStore) Allocate(ctx context.Context, realName, extension string) (fs.ID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.records[id] = fs.Record{ID: id, RealName: realName, Extension: extension}
	return id, nil
}

func (m *MemoryStore) Get(ctx context.Context, id fs.ID) (fs.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return fs.Record{}, fs.ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id fs.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return fs.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, after fs.ID, limit int) ([]fs.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listSorted(m.records, after, limit), nil
}

func (m *MemoryStore) Restore(ctx context.Context, rec fs.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fs.ErrAlreadyExist
	}
	m.records[rec.ID] = rec
	if rec.ID >= m.nextID {
		m.nextID = rec.ID + 1
	}
	return nil
}

func listSorted(records map[fs.ID]fs.Record, after fs.ID, limit int) []fs.Record {
	out := make([]fs.Record, 0, len(records))
	for id, rec := range records {
		if id > after {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
