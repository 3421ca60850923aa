package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps each collection in its own JSON file under a data
// directory (users.json, events.json, ...). Persisting writes the full
// collection to a temp file and renames it over the old one, so a crash
// mid-write leaves the previous snapshot intact.
type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates the data directory if needed and returns a store
// over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) lock(collection string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		s.locks[collection] = l
	}
	return l
}

func (s *FileStore) path(collection string) string {
	return filepath.Join(s.dir, collection+".json")
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, collection string) (Records, error) {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()
	return s.load(collection)
}

func (s *FileStore) load(collection string) (Records, error) {
	data, err := os.ReadFile(s.path(collection))
	if os.IsNotExist(err) {
		return Records{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", collection, err)
	}
	recs := Records{}
	if len(data) == 0 {
		return recs, nil
	}
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", collection, err)
	}
	return recs, nil
}

// Update implements Store. The collection lock is held for the whole
// read-modify-write cycle.
func (s *FileStore) Update(ctx context.Context, collection string, fn func(Records) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	recs, err := s.load(collection)
	if err != nil {
		return err
	}
	if err := fn(recs); err != nil {
		return err
	}
	return s.persist(collection, recs)
}

func (s *FileStore) persist(collection string, recs Records) error {
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", collection, err)
	}

	tmp, err := os.CreateTemp(s.dir, collection+".*.tmp")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", collection, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", collection, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", collection, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", collection, err)
	}
	if err := os.Rename(tmp.Name(), s.path(collection)); err != nil {
		return fmt.Errorf("replace %s: %w", collection, err)
	}
	return nil
}

// Healthy reports whether the data directory is still writable.
func (s *FileStore) Healthy(ctx context.Context) error {
	_, err := os.Stat(s.dir)
	return err
}
