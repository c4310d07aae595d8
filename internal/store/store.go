// Package store persists environment records as one JSON file per id.
//
// Layout under the root directory:
//
//	<root>/<id>.json   the record
//	<root>/<id>/       rendered compose file and init artifacts
//
// Every file is replaced atomically (temp file + rename), so a crash never
// leaves a half-written record behind.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/web-casa/dad/internal/model"
)

var (
	ErrNotFound  = errors.New("environment not found")
	ErrInvalidID = errors.New("invalid environment id")
)

const recordExt = ".json"

var idExpr = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// FileStore is a durable id → record map backed by a directory.
type FileStore struct {
	mu      sync.RWMutex
	root    string
	records map[string]*model.Environment
	order   []string // insertion order
	logger  *slog.Logger
}

// Open loads every record found under root, creating the directory if needed.
// Unreadable record files are skipped and logged.
func Open(root string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &FileStore{
		root:    root,
		records: make(map[string]*model.Environment),
		logger:  logger,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read store dir: %w", err)
	}

	var loaded []*model.Environment
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, name))
		if err != nil {
			s.logger.Warn("skipping unreadable record", "file", name, "err", err)
			continue
		}
		var rec model.Environment
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("skipping corrupt record", "file", name, "err", err)
			continue
		}
		if rec.ID != strings.TrimSuffix(name, recordExt) {
			s.logger.Warn("skipping record with mismatched id", "file", name, "id", rec.ID)
			continue
		}
		loaded = append(loaded, &rec)
	}

	sort.Slice(loaded, func(i, j int) bool {
		if !loaded[i].CreatedAt.Equal(loaded[j].CreatedAt) {
			return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
		}
		return loaded[i].ID < loaded[j].ID
	})
	for _, rec := range loaded {
		s.records[rec.ID] = rec
		s.order = append(s.order, rec.ID)
	}
	return nil
}

// Root returns the store directory.
func (s *FileStore) Root() string { return s.root }

// Put inserts or replaces the whole record.
func (s *FileStore) Put(rec *model.Environment) error {
	if rec == nil || !validID(rec.ID) {
		return ErrInvalidID
	}
	stored := rec.Clone()
	stored.Endpoints = nil

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(s.recordPath(rec.ID), data, 0600); err != nil {
		return fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	if _, exists := s.records[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = stored
	return nil
}

// Get returns a copy of the record with the given id.
func (s *FileStore) Get(id string) (*model.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// List returns copies of all records in insertion order.
func (s *FileStore) List() []*model.Environment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*model.Environment, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, s.records[id].Clone())
	}
	return list
}

// Delete removes the record file. Artifacts are removed separately.
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	if err := os.Remove(s.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove record %s: %w", id, err)
	}
	delete(s.records, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// ArtifactDir returns the directory holding the environment's rendered files.
func (s *FileStore) ArtifactDir(id string) string {
	return filepath.Join(s.root, id)
}

// WriteArtifacts writes each file into the artifact directory atomically.
func (s *FileStore) WriteArtifacts(id string, files map[string][]byte) error {
	if !validID(id) {
		return ErrInvalidID
	}
	dir := s.ArtifactDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	for name, data := range files {
		if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
			return fmt.Errorf("invalid artifact name %q", name)
		}
		if err := writeFileAtomic(filepath.Join(dir, name), data, 0644); err != nil {
			return fmt.Errorf("write artifact %s: %w", name, err)
		}
	}
	return nil
}

// RemoveArtifacts deletes the artifact directory. A missing directory is not an error.
func (s *FileStore) RemoveArtifacts(id string) error {
	if !validID(id) {
		return ErrInvalidID
	}
	return os.RemoveAll(s.ArtifactDir(id))
}

func (s *FileStore) recordPath(id string) string {
	return filepath.Join(s.root, id+recordExt)
}

func validID(id string) bool {
	return idExpr.MatchString(id) && !strings.Contains(id, "..")
}

// writeFileAtomic writes data to a temp file in the target directory, syncs it
// and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
