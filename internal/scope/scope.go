// Package scope implements ScopeStore: a per-tenant working-memory file of
// recent items plus an in-memory LRU-ish "focus" set of recently
// referenced entities (spec §4.2).
package scope

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/recallsystems/recall/internal/errs"
	"github.com/recallsystems/recall/internal/ids"
)

// Record is one working-memory entry.
type Record struct {
	ID        string                 `json:"id"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

type focusEntry struct {
	name        string
	accessCount int64
	lastAccess  int64 // turn number
}

// Store is one scope's working memory.
type Store struct {
	mu       sync.RWMutex
	path     string
	records  map[string]*Record
	order    []string // insertion order, oldest first
	log      zerolog.Logger

	focusMu  sync.Mutex
	focus    map[string]*focusEntry
	focusCap int
	nowTurn  int64
}

// Open loads (or creates) the per-scope JSON file at
// <data_root>/data/<user>/<character>/<session>/memories.json.
func Open(dataRoot, scopePath string, log zerolog.Logger) (*Store, error) {
	dir := filepath.Join(dataRoot, "data", filepath.FromSlash(scopePath))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New(errs.KindIoError, "ScopeStore.Open", "mkdir", err)
	}
	s := &Store{
		path:     filepath.Join(dir, "memories.json"),
		records:  make(map[string]*Record),
		focus:    make(map[string]*focusEntry),
		focusCap: 200,
		log:      log.With().Str("component", "ScopeStore").Str("scope", scopePath).Logger(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.New(errs.KindIoError, "ScopeStore.load", "read", err)
	}
	var recs []*Record
	if jerr := json.Unmarshal(b, &recs); jerr != nil {
		s.log.Warn().Err(jerr).Msg("memories.json malformed, starting empty")
		return nil
	}
	for _, r := range recs {
		s.records[r.ID] = r
		s.order = append(s.order, r.ID)
	}
	return nil
}

func (s *Store) persistLocked() error {
	recs := make([]*Record, 0, len(s.order))
	for _, id := range s.order {
		if r, ok := s.records[id]; ok {
			recs = append(recs, r)
		}
	}
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o644)
}

// Add appends a working-memory record.
func (s *Store) Add(content string, metadata map[string]interface{}) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	r := &Record{ID: ids.New(), Content: content, Metadata: metadata, CreatedAt: now, UpdatedAt: now}
	s.records[r.ID] = r
	s.order = append(s.order, r.ID)
	return r, s.persistLocked()
}

// Get returns one record by id, or nil.
func (s *Store) Get(id string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id]
}

// Update mutates content/metadata for id.
func (s *Store) Update(id, content string, metadata map[string]interface{}) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "ScopeStore.Update", "no such id", nil)
	}
	if content != "" {
		r.Content = content
	}
	if metadata != nil {
		r.Metadata = metadata
	}
	r.UpdatedAt = time.Now()
	return r, s.persistLocked()
}

// Delete removes a record by id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return errs.New(errs.KindNotFound, "ScopeStore.Delete", "no such id", nil)
	}
	delete(s.records, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return s.persistLocked()
}

// Search does a case-insensitive substring scan over working memory.
func (s *Store) Search(substr string, limit int) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	substr = strings.ToLower(substr)
	var out []*Record
	for _, id := range s.order {
		r := s.records[id]
		if strings.Contains(strings.ToLower(r.Content), substr) {
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// GetAll returns up to limit records in insertion order (0 = all).
func (s *Store) GetAll(limit int) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.records[s.order[i]])
	}
	return out
}

// GetRecent returns the most recent `limit` records, newest first.
func (s *Store) GetRecent(limit int) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.order)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.records[s.order[i]])
	}
	return out
}

// Clear wipes the scope's working memory.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
	s.order = nil
	return s.persistLocked()
}

// --- focus set: bounded LRU-ish recently-referenced-entity tracking ---

// TouchEntity records a reference to name at the given turn, promoting its
// recency and access count.
func (s *Store) TouchEntity(name string, turn int64) {
	s.focusMu.Lock()
	defer s.focusMu.Unlock()
	s.nowTurn = turn
	e, ok := s.focus[name]
	if !ok {
		e = &focusEntry{name: name}
		s.focus[name] = e
	}
	e.accessCount++
	e.lastAccess = turn
	if len(s.focus) > s.focusCap {
		s.evictWeakestLocked()
	}
}

// evictWeakestLocked drops the entry with the lowest score =
// access_count / (now_turn - last_access + 1), per the eviction formula.
func (s *Store) evictWeakestLocked() {
	var weakest string
	var weakestScore = -1.0
	for name, e := range s.focus {
		denom := float64(s.nowTurn-e.lastAccess) + 1
		score := float64(e.accessCount) / denom
		if weakestScore < 0 || score < weakestScore {
			weakestScore = score
			weakest = name
		}
	}
	if weakest != "" {
		delete(s.focus, weakest)
	}
}

// FocusNames returns the names currently held in the focus set.
func (s *Store) FocusNames() []string {
	s.focusMu.Lock()
	defer s.focusMu.Unlock()
	out := make([]string, 0, len(s.focus))
	for name := range s.focus {
		out = append(out, name)
	}
	return out
}
