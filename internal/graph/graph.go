// Package graph implements KnowledgeGraph: entity nodes plus typed,
// time-scoped relation edges indexed bidirectionally for O(degree)
// neighbor lookup (spec §4.8), and EntityTypeRegistry, the set of
// built-in and user-defined entity types that constrain extraction.
package graph

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/recallsystems/recall/internal/errs"
	"github.com/recallsystems/recall/internal/ids"
	"github.com/recallsystems/recall/internal/metaval"
	"github.com/recallsystems/recall/internal/model"
)

// edgeKey is the (source, type, target) de-duplication key.
type edgeKey = [3]string

// Graph is the KnowledgeGraph: entity nodes plus relation edges,
// persisted as a single JSON document; mutations mark it dirty and Flush
// rewrites it, while Clear rewrites it at once (grounded on
// pkg/scanner/resolver/resolver.go's NarrativeContext entity-registration
// shape for the in-memory node bookkeeping).
type Graph struct {
	mu   sync.RWMutex
	path string
	log  zerolog.Logger

	entities  map[string]*model.Entity // id -> entity
	relations map[string]*model.Relation
	byKey     map[edgeKey]string // edgeKey -> relation id
	outgoing  map[string]map[string]struct{} // source entity id -> relation ids
	incoming  map[string]map[string]struct{} // target entity id -> relation ids

	dirty bool
}

type document struct {
	Entities  []*model.Entity    `json:"entities"`
	Relations []*model.Relation  `json:"relations"`
}

// Open loads (or creates) the graph document at
// <data_root>/data/knowledge_graph.json.
func Open(dataRoot string, log zerolog.Logger) (*Graph, error) {
	dir := filepath.Join(dataRoot, "data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New(errs.KindIoError, "KnowledgeGraph.Open", "mkdir", err)
	}
	g := &Graph{
		path:      filepath.Join(dir, "knowledge_graph.json"),
		log:       log.With().Str("component", "KnowledgeGraph").Logger(),
		entities:  make(map[string]*model.Entity),
		relations: make(map[string]*model.Relation),
		byKey:     make(map[edgeKey]string),
		outgoing:  make(map[string]map[string]struct{}),
		incoming:  make(map[string]map[string]struct{}),
	}
	if err := g.load(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) load() error {
	data, err := os.ReadFile(g.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.New(errs.KindIoError, "KnowledgeGraph.load", "read", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		g.log.Warn().Err(err).Msg("knowledge_graph.json malformed, starting empty")
		return nil
	}
	for _, e := range doc.Entities {
		e.HydrateSets()
		g.entities[e.ID] = e
	}
	for _, r := range doc.Relations {
		g.relations[r.ID] = r
		g.byKey[r.Key()] = r.ID
		g.indexEdge(r)
	}
	return nil
}

func (g *Graph) indexEdge(r *model.Relation) {
	if g.outgoing[r.SourceEntityID] == nil {
		g.outgoing[r.SourceEntityID] = make(map[string]struct{})
	}
	g.outgoing[r.SourceEntityID][r.ID] = struct{}{}
	if g.incoming[r.TargetEntityID] == nil {
		g.incoming[r.TargetEntityID] = make(map[string]struct{})
	}
	g.incoming[r.TargetEntityID][r.ID] = struct{}{}
}

func (g *Graph) persistLocked() error {
	doc := document{}
	for _, e := range g.entities {
		e.SyncLists()
		doc.Entities = append(doc.Entities, e)
	}
	for _, r := range g.relations {
		doc.Relations = append(doc.Relations, r)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errs.New(errs.KindIoError, "KnowledgeGraph.persist", "marshal", err)
	}
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.New(errs.KindIoError, "KnowledgeGraph.persist", "write temp", err)
	}
	if err := os.Rename(tmp, g.path); err != nil {
		return errs.New(errs.KindIoError, "KnowledgeGraph.persist", "rename", err)
	}
	g.dirty = false
	return nil
}

// Flush persists the document if dirty.
func (g *Graph) Flush() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.dirty {
		return nil
	}
	return g.persistLocked()
}

// Clear wipes every entity and relation, used by Engine.Reset for a full
// factory reset.
func (g *Graph) Clear() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entities = make(map[string]*model.Entity)
	g.relations = make(map[string]*model.Relation)
	g.byKey = make(map[edgeKey]string)
	g.outgoing = make(map[string]map[string]struct{})
	g.incoming = make(map[string]map[string]struct{})
	g.dirty = true
	return g.persistLocked()
}

// UpsertEntity creates or updates an entity node directly (used by
// EntityIndex-derived promotions); it does not merge — callers owning
// merge semantics (EntityIndex) call this after they've resolved the
// merge themselves.
func (g *Graph) UpsertEntity(e *model.Entity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entities[e.ID] = e
	g.dirty = true
}

// GetEntity returns an entity node by id.
func (g *Graph) GetEntity(id string) (*model.Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entities[id]
	return e, ok
}

// AddRelation inserts a typed, time-scoped edge. Duplicate (source, type,
// target) merges evidence (source_text, confidence bump, latest
// valid_at/invalid_at) rather than duplicating the record.
func (g *Graph) AddRelation(sourceID, targetID, relType, fact string, validAt, invalidAt *time.Time, confidence float64, sourceText string) (*model.Relation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := edgeKey{sourceID, relType, targetID}
	if existingID, ok := g.byKey[key]; ok {
		existing := g.relations[existingID]
		if fact != "" {
			existing.Fact = fact
		}
		if sourceText != "" {
			existing.SourceText = existing.SourceText + "\n" + sourceText
		}
		if confidence > existing.Confidence {
			existing.Confidence = confidence
		}
		if validAt != nil {
			existing.ValidAt = validAt
		}
		if invalidAt != nil {
			existing.InvalidAt = invalidAt
		}
		g.dirty = true
		return existing, nil
	}

	r := &model.Relation{
		ID:             ids.New(),
		SourceEntityID: sourceID,
		TargetEntityID: targetID,
		RelationType:   relType,
		Fact:           fact,
		Confidence:     confidence,
		SourceText:     sourceText,
		ValidAt:        validAt,
		InvalidAt:      invalidAt,
	}
	g.relations[r.ID] = r
	g.byKey[key] = r.ID
	g.indexEdge(r)
	g.dirty = true
	return r, nil
}

// NeighborsResult is one hop of a BFS traversal.
type NeighborsResult struct {
	EntityID string
	Relation *model.Relation
	Depth    int
}

// Neighbors runs a capped BFS from entity out to depth, optionally
// restricted to a set of relation types.
func (g *Graph) Neighbors(entityID string, depth int, types map[string]struct{}) []NeighborsResult {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if depth < 1 {
		depth = 1
	}
	visited := map[string]struct{}{entityID: {}}
	frontier := []string{entityID}
	var out []NeighborsResult

	for d := 1; d <= depth; d++ {
		var next []string
		for _, id := range frontier {
			for relID := range g.outgoing[id] {
				r := g.relations[relID]
				if types != nil {
					if _, ok := types[r.RelationType]; !ok {
						continue
					}
				}
				if _, seen := visited[r.TargetEntityID]; !seen {
					visited[r.TargetEntityID] = struct{}{}
					next = append(next, r.TargetEntityID)
				}
				out = append(out, NeighborsResult{EntityID: r.TargetEntityID, Relation: r, Depth: d})
			}
			for relID := range g.incoming[id] {
				r := g.relations[relID]
				if types != nil {
					if _, ok := types[r.RelationType]; !ok {
						continue
					}
				}
				if _, seen := visited[r.SourceEntityID]; !seen {
					visited[r.SourceEntityID] = struct{}{}
					next = append(next, r.SourceEntityID)
				}
				out = append(out, NeighborsResult{EntityID: r.SourceEntityID, Relation: r, Depth: d})
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	return out
}

// MergeEntities rewrites every edge endpoint from fromID to intoID and
// drops the fromID node; used when EntityIndex resolves two names to one
// entity after the fact.
func (g *Graph) MergeEntities(fromID, intoID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if fromID == intoID {
		return
	}
	for relID := range g.outgoing[fromID] {
		r := g.relations[relID]
		r.SourceEntityID = intoID
	}
	for relID := range g.incoming[fromID] {
		r := g.relations[relID]
		r.TargetEntityID = intoID
	}
	if g.outgoing[intoID] == nil {
		g.outgoing[intoID] = make(map[string]struct{})
	}
	for id := range g.outgoing[fromID] {
		g.outgoing[intoID][id] = struct{}{}
	}
	if g.incoming[intoID] == nil {
		g.incoming[intoID] = make(map[string]struct{})
	}
	for id := range g.incoming[fromID] {
		g.incoming[intoID][id] = struct{}{}
	}
	delete(g.outgoing, fromID)
	delete(g.incoming, fromID)
	delete(g.entities, fromID)
	g.dirty = true
}

// RemoveByItemIDs is a no-op hook reserved for future item-scoped relation
// pruning (relations are not currently attributed to individual item ids
// beyond SourceText; kept for interface symmetry with the other indexes).
func (g *Graph) RemoveByItemIDs(map[string]struct{}) {}

// Stats returns coarse counts for Engine.stats().
func (g *Graph) Stats() (entities, relations int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entities), len(g.relations)
}

var _ = metaval.Value{} // metaval is pulled in via model.Entity.Attributes
