// Package entityindex implements EntityIndex: entity name/alias -> entity
// record -> set of item ids (spec §4.4). Prefix search is backed by
// derekparker/trie/v3, promoted here from an indirect teacher dependency
// to direct, concrete use (the teacher's pkg/dafsa only shipped tests for
// the dictionary this library was meant to back).
package entityindex

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/derekparker/trie/v3"
	"github.com/rs/zerolog"

	"github.com/recallsystems/recall/internal/errs"
	"github.com/recallsystems/recall/internal/ids"
	"github.com/recallsystems/recall/internal/model"
)

const confidenceCeiling = 1.0
const confidenceStep = 0.1

// Index is the EntityIndex.
type Index struct {
	mu           sync.Mutex
	path         string
	byID         map[string]*model.Entity
	nameToID     map[string]string // lower(name or alias) -> entity id
	prefixTrie   *trie.Trie
	log          zerolog.Logger
}

// Open loads the single JSON snapshot (or starts empty).
func Open(dataRoot string, log zerolog.Logger) (*Index, error) {
	dir := filepath.Join(dataRoot, "indexes")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New(errs.KindIoError, "EntityIndex.Open", "mkdir", err)
	}
	idx := &Index{
		path:       filepath.Join(dir, "entity_index.json"),
		byID:       make(map[string]*model.Entity),
		nameToID:   make(map[string]string),
		prefixTrie: trie.New(),
		log:        log.With().Str("component", "EntityIndex").Logger(),
	}
	if err := idx.load(); err != nil {
		idx.log.Warn().Err(err).Msg("entity_index.json unreadable, starting empty")
	}
	return idx, nil
}

func (idx *Index) load() error {
	b, err := os.ReadFile(idx.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var list []*model.Entity
	if jerr := json.Unmarshal(b, &list); jerr != nil {
		return jerr
	}
	for _, e := range list {
		e.HydrateSets()
		idx.indexEntityLocked(e)
	}
	return nil
}

func (idx *Index) indexEntityLocked(e *model.Entity) {
	idx.byID[e.ID] = e
	idx.nameToID[strings.ToLower(e.Name)] = e.ID
	idx.prefixTrie.Add(strings.ToLower(e.Name), e.ID)
	for a := range e.Aliases {
		idx.nameToID[strings.ToLower(a)] = e.ID
		idx.prefixTrie.Add(strings.ToLower(a), e.ID)
	}
}

// Clear wipes every entity, used by Engine.Reset for a full factory
// reset.
func (idx *Index) Clear() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byID = make(map[string]*model.Entity)
	idx.nameToID = make(map[string]string)
	idx.prefixTrie = trie.New()
	return idx.persistLocked()
}

func (idx *Index) persistLocked() error {
	list := make([]*model.Entity, 0, len(idx.byID))
	for _, e := range idx.byID {
		e.SyncLists()
		list = append(list, e)
	}
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(idx.path, b, 0o644)
}

// AddOccurrence locates an entity by name or alias (case-insensitive); if
// found, unions aliases, adds itemID to turn_references, raises
// confidence toward the ceiling, and upgrades a previously UNKNOWN type.
// Otherwise it creates a new entity.
func (idx *Index) AddOccurrence(name, itemID string, entityType model.EntityType, aliases []string, confidence float64) (*model.Entity, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := strings.ToLower(name)
	if id, ok := idx.nameToID[key]; ok {
		e := idx.byID[id]
		for _, a := range aliases {
			if _, ok := e.Aliases[a]; !ok {
				e.Aliases[a] = struct{}{}
				idx.nameToID[strings.ToLower(a)] = e.ID
				idx.prefixTrie.Add(strings.ToLower(a), e.ID)
			}
		}
		e.TurnReferences[itemID] = struct{}{}
		e.Confidence += confidenceStep * (1 - e.Confidence)
		if e.Confidence > confidenceCeiling {
			e.Confidence = confidenceCeiling
		}
		if e.Type == model.EntityUnknown && entityType != "" && entityType != model.EntityUnknown {
			e.Type = entityType
		}
		return e, idx.persistLocked()
	}

	e := &model.Entity{
		ID:             ids.New(),
		Name:           name,
		Aliases:        map[string]struct{}{},
		Type:           entityType,
		TurnReferences: map[string]struct{}{itemID: {}},
		Confidence:     confidence,
	}
	if e.Type == "" {
		e.Type = model.EntityUnknown
	}
	for _, a := range aliases {
		e.Aliases[a] = struct{}{}
	}
	idx.indexEntityLocked(e)
	return e, idx.persistLocked()
}

// GetByName looks up by exact name or alias, case-insensitive.
func (idx *Index) GetByName(name string) *model.Entity {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	id, ok := idx.nameToID[strings.ToLower(name)]
	if !ok {
		return nil
	}
	return idx.byID[id]
}

// GetByID looks up by entity id.
func (idx *Index) GetByID(id string) *model.Entity {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.byID[id]
}

// Search returns all entities whose name or any alias contains prefix
// (case-insensitive), using the trie for the common prefix-match case and
// falling back to a substring scan for mid-string matches.
func (idx *Index) Search(prefix string) []*model.Entity {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	prefix = strings.ToLower(prefix)

	seen := make(map[string]struct{})
	var out []*model.Entity

	keys := idx.prefixTrie.PrefixSearch(prefix)
	for _, k := range keys {
		if id, ok := idx.nameToID[k]; ok {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, idx.byID[id])
			}
		}
	}
	for name, id := range idx.nameToID {
		if strings.Contains(name, prefix) {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, idx.byID[id])
			}
		}
	}
	return out
}

// GetTop returns the n entities with the most turn references.
func (idx *Index) GetTop(n int) []*model.Entity {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	all := make([]*model.Entity, 0, len(idx.byID))
	for _, e := range idx.byID {
		all = append(all, e)
	}
	sortByMentionsDesc(all)
	if n > 0 && n < len(all) {
		all = all[:n]
	}
	return all
}

func sortByMentionsDesc(es []*model.Entity) {
	for i := 1; i < len(es); i++ {
		j := i
		for j > 0 && len(es[j-1].TurnReferences) < len(es[j].TurnReferences) {
			es[j-1], es[j] = es[j], es[j-1]
			j--
		}
	}
}

// RemoveByItemIDs strips the given item ids from every entity's
// turn_references and deletes entities whose reference set becomes empty.
func (idx *Index) RemoveByItemIDs(itemIDs map[string]struct{}) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var toDelete []string
	for id, e := range idx.byID {
		for iid := range itemIDs {
			delete(e.TurnReferences, iid)
		}
		if len(e.TurnReferences) == 0 {
			toDelete = append(toDelete, id)
		}
	}
	for _, id := range toDelete {
		e := idx.byID[id]
		delete(idx.nameToID, strings.ToLower(e.Name))
		for a := range e.Aliases {
			delete(idx.nameToID, strings.ToLower(a))
		}
		delete(idx.byID, id)
	}
	return idx.persistLocked()
}

// Flush forces a snapshot rewrite.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.persistLocked()
}
