// Package foreshadow implements the Foreshadowing store and a stub
// trigger analyzer (spec §3, SPEC_FULL.md §4.15). Grounded on
// original_source/recall/models/foreshadowing.py's status lifecycle
// (UNRESOLVED -> POSSIBLY_TRIGGERED -> RESOLVED) and its
// tests/test_foreshadowing.go-equivalent trigger-keyword matching against
// newly ingested content.
package foreshadow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/recallsystems/recall/internal/errs"
	"github.com/recallsystems/recall/internal/ids"
	"github.com/recallsystems/recall/internal/model"
)

// Store persists planted hints as one JSON document. Mutations only mark
// the store dirty; the document is rewritten by Flush.
type Store struct {
	mu    sync.RWMutex
	path  string
	log   zerolog.Logger
	items map[string]*model.Foreshadowing
	dirty bool
}

// Open loads (or creates) the foreshadowing store at
// <data_root>/data/foreshadowing.json.
func Open(dataRoot string, log zerolog.Logger) (*Store, error) {
	dir := filepath.Join(dataRoot, "data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New(errs.KindIoError, "Foreshadowing.Open", "mkdir", err)
	}
	s := &Store{
		path:  filepath.Join(dir, "foreshadowing.json"),
		log:   log.With().Str("component", "Foreshadowing").Logger(),
		items: make(map[string]*model.Foreshadowing),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.New(errs.KindIoError, "Foreshadowing.load", "read", err)
	}
	var list []*model.Foreshadowing
	if err := json.Unmarshal(data, &list); err != nil {
		s.log.Warn().Err(err).Msg("foreshadowing.json malformed, starting empty")
		return nil
	}
	for _, f := range list {
		s.items[f.ID] = f
	}
	return nil
}

func (s *Store) persistLocked() error {
	list := make([]*model.Foreshadowing, 0, len(s.items))
	for _, f := range s.items {
		list = append(list, f)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return errs.New(errs.KindIoError, "Foreshadowing.persist", "marshal", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.New(errs.KindIoError, "Foreshadowing.persist", "write temp", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errs.New(errs.KindIoError, "Foreshadowing.persist", "rename", err)
	}
	s.dirty = false
	return nil
}

// Flush persists the document if dirty.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.persistLocked()
}

// Plant creates a new hint in the UNRESOLVED state.
func (s *Store) Plant(content string, triggerKeywords, relatedEntities []string, importance float64, createdTurn int64) *model.Foreshadowing {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &model.Foreshadowing{
		ID:              ids.New(),
		Content:         content,
		TriggerKeywords: triggerKeywords,
		RelatedEntities: relatedEntities,
		Status:          model.ForeshadowUnresolved,
		Importance:      importance,
		CreatedTurn:     createdTurn,
	}
	s.items[f.ID] = f
	s.dirty = true
	return f
}

// Resolve transitions a hint to RESOLVED.
func (s *Store) Resolve(id string, resolutionTurn int64, resolutionContent string) (*model.Foreshadowing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.items[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "Foreshadowing.Resolve", "no such foreshadowing id", nil)
	}
	f.Status = model.ForeshadowResolved
	f.ResolutionTurn = &resolutionTurn
	f.ResolutionContent = resolutionContent
	s.dirty = true
	return f, nil
}

// Get returns a hint by id.
func (s *Store) Get(id string) (*model.Foreshadowing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.items[id]
	return f, ok
}

// List returns every hint, optionally filtered by status.
func (s *Store) List(status model.ForeshadowingStatus) []*model.Foreshadowing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Foreshadowing
	for _, f := range s.items {
		if status != "" && f.Status != status {
			continue
		}
		out = append(out, f)
	}
	return out
}

// CheckTriggers is the stub analyzer invoked from Engine.add (per
// SPEC_FULL.md §4.15's open-question resolution: no background cadence,
// only explicit plant/resolve and this check). It scans UNRESOLVED hints'
// trigger_keywords against newly ingested content and flips a match to
// POSSIBLY_TRIGGERED; it never auto-resolves (resolution stays an explicit
// caller action).
func (s *Store) CheckTriggers(content string) []*model.Foreshadowing {
	s.mu.Lock()
	defer s.mu.Unlock()
	lower := strings.ToLower(content)
	var triggered []*model.Foreshadowing
	for _, f := range s.items {
		if f.Status != model.ForeshadowUnresolved {
			continue
		}
		for _, kw := range f.TriggerKeywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				f.Status = model.ForeshadowPossiblyTriggered
				triggered = append(triggered, f)
				s.dirty = true
				break
			}
		}
	}
	return triggered
}

// Clear removes every hint.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*model.Foreshadowing)
	s.dirty = true
}
