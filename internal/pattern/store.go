package pattern

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store is a JSON-file-backed pattern database. Writes are atomic
// (temp file + rename); reads are cached against the file's mtime so
// concurrent Find calls don't re-parse the file on every lookup.
type Store struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	patterns map[string]DevicePattern
	loadedAt time.Time
	modTime  time.Time
}

// NewStore opens (without yet loading) a pattern store backed by path.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger, patterns: make(map[string]DevicePattern)}
}

// reload re-reads the backing file if its mtime has advanced since the
// last load. A missing file is treated as an empty database. A corrupt
// file is logged and treated as empty rather than returned as an error,
// so a damaged pattern file never blocks discovery.
func (s *Store) reload() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	s.mu.RLock()
	upToDate := !info.ModTime().After(s.modTime)
	s.mu.RUnlock()
	if upToDate {
		return
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("pattern store: failed to read file", zap.String("path", s.path), zap.Error(err))
		return
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Error("pattern store: corrupt pattern file, treating as empty", zap.String("path", s.path), zap.Error(err))
		s.mu.Lock()
		s.patterns = make(map[string]DevicePattern)
		s.modTime = info.ModTime()
		s.mu.Unlock()
		return
	}

	patterns := make(map[string]DevicePattern, len(doc.Patterns))
	for id, p := range doc.Patterns {
		p.PatternID = id
		patterns[id] = p
	}

	s.mu.Lock()
	s.patterns = patterns
	s.modTime = info.ModTime()
	s.loadedAt = time.Now()
	s.mu.Unlock()
}

// fileDoc is the on-disk shape of the pattern database: a single JSON
// document keyed by pattern_id, carrying a schema version and a
// last_updated wall-clock timestamp in nanoseconds.
type fileDoc struct {
	Patterns    map[string]DevicePattern `json:"patterns"`
	Version     string                   `json:"version"`
	LastUpdated int64                    `json:"last_updated"`
	Metadata    map[string]interface{}   `json:"metadata"`
}

// All returns every non-archived and archived pattern currently loaded.
func (s *Store) All() []DevicePattern {
	s.reload()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DevicePattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, p)
	}
	return out
}

// Get returns a single pattern by ID.
func (s *Store) Get(patternID string) (DevicePattern, bool) {
	s.reload()
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[patternID]
	return p, ok
}

// Find scores every loaded, non-archived pattern against fp and returns
// matches scoring at or above minConfidence, best first.
func (s *Store) Find(fp Fingerprint, minConfidence float64) []Match {
	return Find(s.All(), fp, minConfidence)
}

// Add inserts or replaces a pattern and persists the store.
func (s *Store) Add(p DevicePattern) error {
	if err := validate(p); err != nil {
		return err
	}
	p = normalize(p)
	s.reload()
	s.mu.Lock()
	s.patterns[p.PatternID] = p
	s.mu.Unlock()
	return s.flush()
}

// Remove deletes a pattern by ID and persists the store. Removing an
// unknown ID is a no-op.
func (s *Store) Remove(patternID string) error {
	s.reload()
	s.mu.Lock()
	delete(s.patterns, patternID)
	s.mu.Unlock()
	return s.flush()
}

// UpdateUsage applies UpdateUsage to the stored pattern and persists it.
func (s *Store) UpdateUsage(patternID string, success bool) error {
	s.reload()
	s.mu.Lock()
	p, ok := s.patterns[patternID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("pattern store: unknown pattern_id %q", patternID)
	}
	UpdateUsage(&p, success)
	s.patterns[patternID] = p
	s.mu.Unlock()
	return s.flush()
}

// flush writes the current in-memory state to disk via a temp-file +
// rename so readers never observe a partially-written file.
func (s *Store) flush() error {
	s.mu.RLock()
	patterns := make(map[string]DevicePattern, len(s.patterns))
	for id, p := range s.patterns {
		patterns[id] = p
	}
	s.mu.RUnlock()

	doc := fileDoc{
		Patterns:    patterns,
		Version:     "1.0",
		LastUpdated: time.Now().UnixNano(),
		Metadata:    map[string]interface{}{},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("pattern store: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".pattern-store-*.tmp")
	if err != nil {
		return fmt.Errorf("pattern store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("pattern store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pattern store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pattern store: rename temp file: %w", err)
	}

	if info, err := os.Stat(s.path); err == nil {
		s.mu.Lock()
		s.modTime = info.ModTime()
		s.mu.Unlock()
	}
	return nil
}
