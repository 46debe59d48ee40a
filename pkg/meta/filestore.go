package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jacktea/shardfs/pkg/fs"
)

// FileStore persists metadata on disk using a JSON snapshot. Every mutation
// rewrites the snapshot, so it suits small stores and tooling.
type FileStore struct {
	mu      sync.RWMutex
	path    string
	records map[fs.ID]fs.Record
	nextID  fs.ID
}

type fileState struct {
	Records []fs.Record `json:"records"`
	NextID  fs.ID       `json:"next_id"`
}

// NewFileStore creates or loads a FileStore snapshot at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("filestore: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filestore mkdir: %w", err)
	}
	f := &FileStore{path: path}
	if err := f.loadOrInit(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileStore) loadOrInit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.records = make(map[fs.ID]fs.Record)
		f.nextID = 1
		return f.persistLocked()
	}
	if err != nil {
		return err
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("filestore: decode %s: %w", f.path, err)
	}
	f.records = make(map[fs.ID]fs.Record, len(state.Records))
	for _, rec := range state.Records {
		f.records[rec.ID] = rec
		if rec.ID >= state.NextID {
			state.NextID = rec.ID + 1
		}
	}
	if state.NextID < 1 {
		state.NextID = 1
	}
	f.nextID = state.NextID
	return nil
}

func (f *FileStore) Allocate(ctx context.Context, realName, extension string) (fs.ID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.records[id] = fs.Record{ID: id, RealName: realName, Extension: extension}
	if err := f.persistLocked(); err != nil {
		delete(f.records, id)
		f.nextID--
		return 0, err
	}
	return id, nil
}

func (f *FileStore) Get(ctx context.Context, id fs.ID) (fs.Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.records[id]
	if !ok {
		return fs.Record{}, fs.ErrNotFound
	}
	return rec, nil
}

func (f *FileStore) Delete(ctx context.Context, id fs.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return fs.ErrNotFound
	}
	delete(f.records, id)
	if err := f.persistLocked(); err != nil {
		f.records[id] = rec
		return err
	}
	return nil
}

func (f *FileStore) List(ctx context.Context, after fs.ID, limit int) ([]fs.Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return listSorted(f.records, after, limit), nil
}

func (f *FileStore) Restore(ctx context.Context, rec fs.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[rec.ID]; ok {
		return fs.ErrAlreadyExist
	}
	prevNext := f.nextID
	f.records[rec.ID] = rec
	if rec.ID >= f.nextID {
		f.nextID = rec.ID + 1
	}
	if err := f.persistLocked(); err != nil {
		delete(f.records, rec.ID)
		f.nextID = prevNext
		return err
	}
	return nil
}

func (f *FileStore) persistLocked() error {
	state := fileState{
		Records: listSorted(f.records, 0, 0),
		NextID:  f.nextID,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "meta-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
