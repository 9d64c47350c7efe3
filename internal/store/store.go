package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Collection file names, one JSON array per entity kind.
const (
	Tasks       = "tasks"
	Diagnostics = "diagnostics"
	Fixes       = "fixes"
	Suggestions = "suggestions"
)

// Store persists named collections as indented JSON files in a single
// directory. Each collection gets its own lock so concurrent
// load-mutate-save cycles on the same file are serialized in-process.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// New returns a Store rooted at dir.
func New(dir string) *Store {
	if dir == "" {
		dir = "data"
	}
	return &Store{dir: dir, locks: map[string]*sync.RWMutex{}}
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// EnsureDir creates the data directory if missing.
func (s *Store) EnsureDir() error {
	return os.MkdirAll(s.dir, 0o755)
}

// Path returns the backing file for a collection.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *Store) lock(name string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[name] = l
	}
	return l
}

// Load reads a collection. A missing, unreadable, or unparseable file
// yields an empty collection; the caller never sees an error. This is
// availability over correctness: a corrupt file resets to empty
// instead of blocking the service.
func Load[T any](s *Store, name string) []T {
	l := s.lock(name)
	l.RLock()
	defer l.RUnlock()
	return load[T](s, name)
}

func load[T any](s *Store, name string) []T {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		return []T{}
	}
	var records []T
	if err := json.Unmarshal(data, &records); err != nil {
		return []T{}
	}
	if records == nil {
		records = []T{}
	}
	return records
}

// Save overwrites a collection with the full record list. The file is
// written to a temp sibling and renamed into place so a crash mid-write
// cannot leave a truncated collection behind.
func Save[T any](s *Store, name string, records []T) error {
	l := s.lock(name)
	l.Lock()
	defer l.Unlock()
	return save(s, name, records)
}

func save[T any](s *Store, name string, records []T) error {
	if records == nil {
		records = []T{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, name+"-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.Path(name)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Update runs a locked load-mutate-save cycle on one collection and
// returns the records as persisted. If fn returns an error nothing is
// written.
func Update[T any](s *Store, name string, fn func(records []T) ([]T, error)) ([]T, error) {
	l := s.lock(name)
	l.Lock()
	defer l.Unlock()
	records, err := fn(load[T](s, name))
	if err != nil {
		return nil, err
	}
	if err := save(s, name, records); err != nil {
		return nil, err
	}
	return records, nil
}
