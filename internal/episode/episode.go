// Package episode implements EpisodeStore: coarse episodic nodes that
// group the entities, relations, and items extracted from one ingestion
// call (spec §3, §4.14's write flow). Grounded on pkg/chat/service.go's
// single-struct-holding-all-substores shape, scaled down to one store.
package episode

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/recallsystems/recall/internal/errs"
	"github.com/recallsystems/recall/internal/ids"
	"github.com/recallsystems/recall/internal/model"
)

// Store persists episodes as one JSON document. Mutations only mark the
// store dirty; the document is rewritten by Flush.
type Store struct {
	mu       sync.RWMutex
	path     string
	log      zerolog.Logger
	episodes map[string]*model.Episode
	dirty    bool
}

// Open loads (or creates) the episode store at
// <data_root>/data/episodes.json.
func Open(dataRoot string, log zerolog.Logger) (*Store, error) {
	dir := filepath.Join(dataRoot, "data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New(errs.KindIoError, "EpisodeStore.Open", "mkdir", err)
	}
	s := &Store{
		path:     filepath.Join(dir, "episodes.json"),
		log:      log.With().Str("component", "EpisodeStore").Logger(),
		episodes: make(map[string]*model.Episode),
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
		return errs.New(errs.KindIoError, "EpisodeStore.load", "read", err)
	}
	var list []*model.Episode
	if err := json.Unmarshal(data, &list); err != nil {
		s.log.Warn().Err(err).Msg("episodes.json malformed, starting empty")
		return nil
	}
	for _, e := range list {
		s.episodes[e.ID] = e
	}
	return nil
}

func (s *Store) persistLocked() error {
	list := make([]*model.Episode, 0, len(s.episodes))
	for _, e := range s.episodes {
		list = append(list, e)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return errs.New(errs.KindIoError, "EpisodeStore.persist", "marshal", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.New(errs.KindIoError, "EpisodeStore.persist", "write temp", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errs.New(errs.KindIoError, "EpisodeStore.persist", "rename", err)
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

// Create groups the facts extracted from one ingestion call into a new
// episode.
func (s *Store) Create(content, sourceType, sourceDescription string, memoryIDs, relationIDs, entityEdges []string) *model.Episode {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &model.Episode{
		ID:                ids.New(),
		Content:           content,
		SourceType:        sourceType,
		SourceDescription: sourceDescription,
		MemoryIDs:         memoryIDs,
		RelationIDs:       relationIDs,
		EntityEdges:       entityEdges,
		CreatedAt:         time.Now(),
	}
	s.episodes[e.ID] = e
	s.dirty = true
	return e
}

// Get returns an episode by id.
func (s *Store) Get(id string) (*model.Episode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.episodes[id]
	return e, ok
}

// RemoveByItemID prunes the item id from every episode's MemoryIDs,
// deleting episodes left with no memory ids, relation ids, or entity
// edges.
func (s *Store) RemoveByItemID(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.episodes {
		e.MemoryIDs = removeString(e.MemoryIDs, itemID)
		if len(e.MemoryIDs) == 0 && len(e.RelationIDs) == 0 && len(e.EntityEdges) == 0 {
			delete(s.episodes, id)
		}
	}
	s.dirty = true
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// List returns every episode, newest first.
func (s *Store) List(limit int) []*model.Episode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Episode, 0, len(s.episodes))
	for _, e := range s.episodes {
		out = append(out, e)
	}
	sortEpisodesDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortEpisodesDesc(list []*model.Episode) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j].CreatedAt.After(list[j-1].CreatedAt); j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
}

// Clear removes every episode.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodes = make(map[string]*model.Episode)
	s.dirty = true
}
