// Package engine implements Engine: the façade binding every store and
// index behind add/addBatch/get/update/delete/clear/search/getAll/
// buildContext/plantForeshadowing/resolveForeshadowing/consolidate/stats/
// reset (spec §4.14). Grounded on pkg/chat/service.go's service-façade
// shape (a single struct holding every sub-store, constructed once) and
// its extraction-failure-never-fails-the-write posture, generalized from
// chat messages to the spec's generic Item. Extraction runs synchronously
// inside Add, under the scope's write lock.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/recallsystems/recall/internal/budget"
	memctx "github.com/recallsystems/recall/internal/context"
	"github.com/recallsystems/recall/internal/entityindex"
	"github.com/recallsystems/recall/internal/episode"
	"github.com/recallsystems/recall/internal/errs"
	"github.com/recallsystems/recall/internal/extract"
	"github.com/recallsystems/recall/internal/extract/llmclient"
	"github.com/recallsystems/recall/internal/foreshadow"
	"github.com/recallsystems/recall/internal/graph"
	"github.com/recallsystems/recall/internal/ids"
	"github.com/recallsystems/recall/internal/invindex"
	"github.com/recallsystems/recall/internal/maintain"
	"github.com/recallsystems/recall/internal/metaindex"
	"github.com/recallsystems/recall/internal/metaval"
	"github.com/recallsystems/recall/internal/model"
	"github.com/recallsystems/recall/internal/ngramindex"
	"github.com/recallsystems/recall/internal/retrieve"
	"github.com/recallsystems/recall/internal/scope"
	"github.com/recallsystems/recall/internal/vectorindex"
	"github.com/recallsystems/recall/internal/vectorindex/embed"
	"github.com/recallsystems/recall/internal/vectorindex/flat"
	"github.com/recallsystems/recall/internal/vectorindex/ivfhnsw"
	"github.com/recallsystems/recall/internal/volume"
)

// VectorBackend selects which VectorIndex implementation Engine wires up.
type VectorBackend string

const (
	VectorFlat    VectorBackend = "flat"
	VectorIVFHNSW VectorBackend = "ivf_hnsw"
)

// Config configures every sub-component Engine owns.
type Config struct {
	DataRoot      string
	EmbeddingDim  int
	EmbedBackend  embed.Backend // nil defaults to embed.None{}
	VectorBackend VectorBackend
	IVFConfig     ivfhnsw.Config

	ExtractConfig extract.Config
	BudgetConfig  budget.Config
	ContextConfig memctx.Config
	MaintainConfig maintain.Config
	RetrieveConfig retrieve.Config

	LLMClient *llmclient.Client
}

// AddOptions are the optional fields accepted alongside an item's content.
type AddOptions struct {
	Source      string
	Tags        []string
	Category    string
	ContentType string
	EventTime   *time.Time
	Metadata    map[string]metaval.Value
}

// Stats is the aggregate snapshot returned by Engine.Stats.
type Stats struct {
	TotalTurns      int64
	EntityCount     int
	RelationCount   int
	ForeshadowCount int
	BudgetDailyPct  float64
	BudgetHourlyPct float64
	MaintainerTasks []maintain.Status
}

// Engine binds all stores/indexes for its lifetime and enforces scope
// partitioning via a per-scope read-write lock (spec §5).
type Engine struct {
	log      zerolog.Logger
	dataRoot string

	volume      *volume.Store
	invIndex    *invindex.Index
	entIndex    *entityindex.Index
	ngramIndex  *ngramindex.Index
	metaIndex   *metaindex.Index
	vectorIndex vectorindex.Index
	graph       *graph.Graph
	episodes    *episode.Store
	foreshadow  *foreshadow.Store
	extractor   *extract.Extractor
	retriever   *retrieve.Retriever
	ctxBuilder  *memctx.Builder
	budget      *budget.Manager
	maintainer  *maintain.Maintainer
	resolver    *extract.Resolver

	scopeStoresMu sync.Mutex
	scopeStores   map[string]*scope.Store

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex
}

// Open constructs and wires every sub-component per Config, then starts
// the Maintainer's background scheduler.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Engine, error) {
	if cfg.DataRoot == "" {
		return nil, errs.New(errs.KindValidationError, "Engine.Open", "DataRoot is required", nil)
	}
	if cfg.EmbedBackend == nil {
		cfg.EmbedBackend = embed.None{}
	}
	log = log.With().Str("component", "Engine").Logger()

	vol, err := volume.Open(cfg.DataRoot, log)
	if err != nil {
		return nil, err
	}
	invIdx, err := invindex.Open(cfg.DataRoot, log)
	if err != nil {
		return nil, err
	}
	entIdx, err := entityindex.Open(cfg.DataRoot, log)
	if err != nil {
		return nil, err
	}
	ngramIdx, err := ngramindex.Open(cfg.DataRoot, log)
	if err != nil {
		return nil, err
	}
	metaIdx, err := metaindex.Open(cfg.DataRoot, log)
	if err != nil {
		return nil, err
	}
	g, err := graph.Open(cfg.DataRoot, log)
	if err != nil {
		return nil, err
	}
	episodes, err := episode.Open(cfg.DataRoot, log)
	if err != nil {
		return nil, err
	}
	fs, err := foreshadow.Open(cfg.DataRoot, log)
	if err != nil {
		return nil, err
	}
	bm, err := budget.Open(cfg.DataRoot, cfg.BudgetConfig, log)
	if err != nil {
		return nil, err
	}

	var vecIdx vectorindex.Index
	if cfg.VectorBackend == VectorIVFHNSW {
		vecIdx, err = ivfhnsw.Open(cfg.DataRoot, cfg.IVFConfig, cfg.EmbedBackend, log)
	} else {
		vecIdx, err = flat.Open(cfg.DataRoot, cfg.EmbeddingDim, cfg.EmbedBackend, log)
	}
	if err != nil {
		return nil, err
	}

	extractCfg := cfg.ExtractConfig
	extractCfg.Client = cfg.LLMClient
	extractor := extract.New(extractCfg, bm, log)
	resolver := extract.NewResolver()

	retriever := retrieve.New(cfg.RetrieveConfig, vol, invIdx, entIdx, ngramIdx, metaIdx, vecIdx, resolver, extractor, cfg.LLMClient, bm, log)
	ctxBuilder := memctx.New(cfg.ContextConfig)

	maintainer, err := maintain.New(cfg.MaintainConfig, log)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		log:         log,
		dataRoot:    cfg.DataRoot,
		volume:      vol,
		invIndex:    invIdx,
		entIndex:    entIdx,
		ngramIndex:  ngramIdx,
		metaIndex:   metaIdx,
		vectorIndex: vecIdx,
		graph:       g,
		episodes:    episodes,
		foreshadow:  fs,
		extractor:   extractor,
		retriever:   retriever,
		ctxBuilder:  ctxBuilder,
		budget:      bm,
		maintainer:  maintainer,
		resolver:    resolver,
		scopeStores: make(map[string]*scope.Store),
		locks:       make(map[string]*sync.RWMutex),
	}

	e.registerMaintenanceTasks()
	maintainer.Start(ctx)

	return e, nil
}

func (e *Engine) registerMaintenanceTasks() {
	e.maintainer.Register("volume_flush", maintain.TypeCleanup, func(context.Context) error {
		return e.volume.Flush()
	}, 24*time.Hour)
	e.maintainer.Register("index_optimize", maintain.TypeOptimize, func(ctx context.Context) error {
		if err := e.invIndex.Flush(); err != nil {
			return err
		}
		if err := e.entIndex.Flush(); err != nil {
			return err
		}
		return e.vectorIndex.Flush()
	}, 12*time.Hour)
	e.maintainer.Register("health_check", maintain.TypeHealthCheck, func(context.Context) error {
		h := maintain.CheckHealth(0, 0)
		if !h.Healthy {
			e.log.Warn().Strs("issues", h.Issues).Msg("health check found issues")
		}
		return nil
	}, time.Hour)
}

func (e *Engine) scopeLock(path string) *sync.RWMutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[path]
	if !ok {
		l = &sync.RWMutex{}
		e.locks[path] = l
	}
	return l
}

func (e *Engine) scopeStore(path string) (*scope.Store, error) {
	e.scopeStoresMu.Lock()
	defer e.scopeStoresMu.Unlock()
	if s, ok := e.scopeStores[path]; ok {
		return s, nil
	}
	s, err := scope.Open(e.dataRoot, path, e.log)
	if err != nil {
		return nil, err
	}
	e.scopeStores[path] = s
	return s, nil
}

// Add extracts structured knowledge from content, persists the item, and
// updates every index under the owning scope's write lock. Extraction
// failures never fail the write (grounded on pkg/chat/service.go's
// "log error but don't fail the message" pattern) — they just mean the
// item is archived with no derived entities/relations.
func (e *Engine) Add(ctx context.Context, sc model.Scope, content string, opts AddOptions) (*model.Item, []string, error) {
	sc = sc.Normalize()
	path := sc.Path()
	lock := e.scopeLock(path)
	lock.Lock()
	defer lock.Unlock()
	return e.addLocked(ctx, sc, path, content, opts)
}

// addLocked runs Add's body assuming the scope's write lock is already
// held by the caller — used directly by Update so it doesn't need to
// release and re-acquire the lock around its own call into Add. Returns
// the names of entities extracted from content alongside the item.
func (e *Engine) addLocked(ctx context.Context, sc model.Scope, path, content string, opts AddOptions) (*model.Item, []string, error) {
	item := &model.Item{
		Scope:       sc,
		Content:     content,
		Source:      opts.Source,
		Tags:        opts.Tags,
		Category:    opts.Category,
		ContentType: opts.ContentType,
		EventTime:   opts.EventTime,
		Metadata:    opts.Metadata,
	}
	if _, err := e.volume.Append(ctx, item); err != nil {
		return nil, nil, err
	}

	ss, err := e.scopeStore(path)
	if err != nil {
		e.log.Warn().Err(err).Msg("scope store unavailable, working memory not updated")
	} else if _, err := ss.Add(content, nil); err != nil {
		e.log.Warn().Err(err).Msg("scope store add failed")
	}

	entities := e.indexItem(ctx, item)
	return item, entities, nil
}

// indexItem runs extraction and fans the result out to every secondary
// index, returning the names of entities it discovered. Never returns an
// error: every sub-step logs and continues.
func (e *Engine) indexItem(ctx context.Context, item *model.Item) []string {
	result := e.extractor.Extract(ctx, item.Content)

	if err := e.invIndex.AddBatch(result.Keywords, item.ID); err != nil {
		e.log.Warn().Err(err).Msg("InvertedIndex.AddBatch failed")
	}
	if err := e.ngramIndex.Add(item.ID, item.Content); err != nil {
		e.log.Warn().Err(err).Msg("NgramIndex.Add failed")
	}

	eventDate := ""
	if item.EventTime != nil {
		eventDate = item.EventTime.Format("2006-01-02")
	}
	if err := e.metaIndex.Add(item.ID, item.Source, item.Tags, item.Category, item.ContentType, eventDate); err != nil {
		e.log.Warn().Err(err).Msg("MetadataIndex.Add failed")
	}

	entityIDs := make(map[string]string, len(result.Entities)) // name -> id
	entityNames := make([]string, 0, len(result.Entities))
	for _, hit := range result.Entities {
		ent, err := e.entIndex.AddOccurrence(hit.Name, item.ID, hit.Type, hit.Aliases, hit.Confidence)
		if err != nil {
			e.log.Warn().Err(err).Str("entity", hit.Name).Msg("EntityIndex.AddOccurrence failed")
			continue
		}
		entityIDs[hit.Name] = ent.ID
		entityNames = append(entityNames, ent.Name)
		e.graph.UpsertEntity(ent)
		e.resolver.RegisterEntity(ent.ID, ent.Name, hit.Aliases)
		e.resolver.ObserveMention(ent.ID)
	}

	var relationIDs, entityEdges []string
	for _, rel := range result.Relations {
		sourceID, ok1 := entityIDs[rel.SourceName]
		targetID, ok2 := entityIDs[rel.TargetName]
		if !ok1 || !ok2 {
			continue
		}
		r, err := e.graph.AddRelation(sourceID, targetID, rel.RelationType, rel.Fact, nil, nil, rel.Confidence, rel.SourceText)
		if err != nil {
			e.log.Warn().Err(err).Msg("KnowledgeGraph.AddRelation failed")
			continue
		}
		relationIDs = append(relationIDs, r.ID)
		entityEdges = append(entityEdges, sourceID, targetID)
	}

	e.episodes.Create(item.Content, item.Source, "ingested item", []string{item.ID}, relationIDs, entityEdges)

	if e.vectorIndex.Enabled() {
		if err := e.vectorIndex.AddText(ctx, item.ID, item.Content, item.Scope.Path()); err != nil {
			e.log.Warn().Err(err).Msg("VectorIndex.AddText failed")
		}
	}

	e.foreshadow.CheckTriggers(item.Content)
	return entityNames
}

// AddBatch ingests each content string under the same scope, in order.
func (e *Engine) AddBatch(ctx context.Context, sc model.Scope, contents []string, opts AddOptions) ([]*model.Item, error) {
	items := make([]*model.Item, 0, len(contents))
	for _, c := range contents {
		item, _, err := e.Add(ctx, sc, c, opts)
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Get fetches one item by id, regardless of scope (scope is implicit in
// the stored item).
func (e *Engine) Get(id string) (*model.Item, error) {
	return e.volume.GetByID(id)
}

// Update is an archive-level correction: VolumeStore is append-only, so
// Update re-ingests the corrected content as a fresh item and leaves the
// original in place as history — the scope's working-memory record is
// updated in place where one exists.
func (e *Engine) Update(ctx context.Context, sc model.Scope, id, newContent string) (*model.Item, error) {
	sc = sc.Normalize()
	path := sc.Path()
	lock := e.scopeLock(path)
	lock.Lock()
	defer lock.Unlock()

	old, err := e.volume.GetByID(id)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, errs.New(errs.KindNotFound, "Engine.Update", fmt.Sprintf("item %s not found", id), nil)
	}

	if ss, err := e.scopeStore(path); err == nil {
		if _, err := ss.Update(id, newContent, nil); err != nil {
			e.log.Debug().Err(err).Msg("scope store has no working-memory record for this id, skipping")
		}
	}

	item, _, err := e.addLocked(ctx, sc, path, newContent, AddOptions{
		Source: old.Source, Tags: old.Tags, Category: old.Category,
		ContentType: old.ContentType, EventTime: old.EventTime, Metadata: old.Metadata,
	})
	return item, err
}

// Delete removes an item's derived index entries and its working-memory
// record. The archived copy in VolumeStore is immutable and is not
// erased — only its secondary-index footprint is, so it stops surfacing
// in search.
func (e *Engine) Delete(sc model.Scope, id string) error {
	sc = sc.Normalize()
	path := sc.Path()
	lock := e.scopeLock(path)
	lock.Lock()
	defer lock.Unlock()

	ids := map[string]struct{}{id: {}}
	if err := e.invIndex.RemoveByIDs(ids); err != nil {
		e.log.Warn().Err(err).Msg("InvertedIndex.RemoveByIDs failed")
	}
	if err := e.ngramIndex.RemoveByIDs(ids); err != nil {
		e.log.Warn().Err(err).Msg("NgramIndex.RemoveByIDs failed")
	}
	if err := e.metaIndex.Remove(id); err != nil {
		e.log.Warn().Err(err).Msg("MetadataIndex.Remove failed")
	}
	if err := e.entIndex.RemoveByItemIDs(ids); err != nil {
		e.log.Warn().Err(err).Msg("EntityIndex.RemoveByItemIDs failed")
	}
	e.graph.RemoveByItemIDs(ids)
	e.episodes.RemoveByItemID(id)
	if e.vectorIndex.Enabled() {
		if err := e.vectorIndex.Remove(id); err != nil {
			e.log.Warn().Err(err).Msg("VectorIndex.Remove failed")
		}
	}
	if ss, err := e.scopeStore(path); err == nil {
		_ = ss.Delete(id)
	}
	return nil
}

// Clear wipes a scope's working memory. The archived items in VolumeStore
// are left untouched (append-only, spec §4.1); secondary indexes are not
// scope-partitioned so they are not touched either — this only clears the
// fast-recall working set.
func (e *Engine) Clear(sc model.Scope) error {
	sc = sc.Normalize()
	path := sc.Path()
	lock := e.scopeLock(path)
	lock.Lock()
	defer lock.Unlock()

	ss, err := e.scopeStore(path)
	if err != nil {
		return err
	}
	return ss.Clear()
}

// Search runs the retrieval funnel under a read lock for the query's
// implied scope (scope partitioning is enforced by Retriever's own
// scope-safety gate against VolumeStore, so the lock here only protects
// against a concurrent write racing index state).
func (e *Engine) Search(ctx context.Context, sc model.Scope, q retrieve.Query) []retrieve.Result {
	sc = sc.Normalize()
	lock := e.scopeLock(sc.Path())
	lock.RLock()
	defer lock.RUnlock()
	return e.retriever.Retrieve(ctx, sc, q)
}

// GetAll returns every working-memory record for a scope.
func (e *Engine) GetAll(sc model.Scope, limit int) ([]*scope.Record, error) {
	sc = sc.Normalize()
	lock := e.scopeLock(sc.Path())
	lock.RLock()
	defer lock.RUnlock()
	ss, err := e.scopeStore(sc.Path())
	if err != nil {
		return nil, err
	}
	return ss.GetAll(limit), nil
}

// BuildContext retrieves and then packs results plus recent turns into a
// token-budgeted prompt.
func (e *Engine) BuildContext(ctx context.Context, sc model.Scope, q retrieve.Query, recentTurns []memctx.Turn, systemPrompt string) memctx.Built {
	results := e.Search(ctx, sc, q)
	return e.ctxBuilder.Build(results, recentTurns, systemPrompt, q.Text)
}

// TopEntities returns the n entities with the most turn references.
func (e *Engine) TopEntities(n int) []*model.Entity {
	return e.entIndex.GetTop(n)
}

// GetEntity looks up one entity by exact name or alias, case-insensitive.
func (e *Engine) GetEntity(name string) *model.Entity {
	return e.entIndex.GetByName(name)
}

// Neighbors runs a capped BFS over the knowledge graph from entityID out
// to depth, optionally restricted to a set of relation type names.
func (e *Engine) Neighbors(entityID string, depth int, types []string) []graph.NeighborsResult {
	var typeSet map[string]struct{}
	if len(types) > 0 {
		typeSet = make(map[string]struct{}, len(types))
		for _, t := range types {
			typeSet[t] = struct{}{}
		}
	}
	return e.graph.Neighbors(entityID, depth, typeSet)
}

// ListForeshadowing returns every planted hint, optionally filtered by
// status ("" means unfiltered).
func (e *Engine) ListForeshadowing(status string) []*model.Foreshadowing {
	return e.foreshadow.List(model.ForeshadowingStatus(status))
}

// PlantForeshadowing registers a hint to be checked against future items.
func (e *Engine) PlantForeshadowing(content string, triggerKeywords, relatedEntities []string, importance float64, createdTurn int64) *model.Foreshadowing {
	return e.foreshadow.Plant(content, triggerKeywords, relatedEntities, importance, createdTurn)
}

// ResolveForeshadowing marks a hint resolved.
func (e *Engine) ResolveForeshadowing(id string, resolutionTurn int64, resolutionContent string) (*model.Foreshadowing, error) {
	return e.foreshadow.Resolve(id, resolutionTurn, resolutionContent)
}

// Consolidate flushes the InvertedIndex, EntityIndex, KnowledgeGraph,
// EpisodeStore, foreshadowing store and VectorIndex immediately (spec's
// L2->L1 consolidation, grounded on auto_maintain.py's consolidate_task).
// It moves no working-memory records: VolumeStore already durably owns
// every item's content.
func (e *Engine) Consolidate(ctx context.Context) error {
	if err := e.invIndex.Flush(); err != nil {
		return err
	}
	if err := e.entIndex.Flush(); err != nil {
		return err
	}
	if err := e.graph.Flush(); err != nil {
		return err
	}
	if err := e.episodes.Flush(); err != nil {
		return err
	}
	if err := e.foreshadow.Flush(); err != nil {
		return err
	}
	return e.vectorIndex.Flush()
}

// Stats reports aggregate counters across every sub-component.
func (e *Engine) Stats() Stats {
	entities, relations := e.graph.Stats()
	return Stats{
		TotalTurns:      e.volume.TotalTurns(),
		EntityCount:     entities,
		RelationCount:   relations,
		ForeshadowCount: len(e.foreshadow.List("")),
		BudgetDailyPct:  e.budget.GetUsagePct(budget.PeriodDaily),
		BudgetHourlyPct: e.budget.GetUsagePct(budget.PeriodHourly),
		MaintainerTasks: e.maintainer.StatusAll(),
	}
}

// Reset performs a full factory reset: every index, working-memory
// store, and the VolumeStore archive itself are wiped. Unlike Clear
// (which only evicts one scope's working memory), Reset is a whole-
// engine operation intended for test fixtures and local development.
func (e *Engine) Reset() error {
	if err := e.volume.Clear(); err != nil {
		return err
	}
	if err := e.invIndex.Clear(); err != nil {
		return err
	}
	if err := e.entIndex.Clear(); err != nil {
		return err
	}
	if err := e.ngramIndex.Clear(); err != nil {
		return err
	}
	if err := e.metaIndex.Clear(); err != nil {
		return err
	}
	if err := e.graph.Clear(); err != nil {
		return err
	}
	if err := e.vectorIndex.Rebuild(context.Background()); err != nil {
		e.log.Warn().Err(err).Msg("vector index rebuild failed during reset")
	}
	e.foreshadow.Clear()
	e.episodes.Clear()

	e.scopeStoresMu.Lock()
	for path, ss := range e.scopeStores {
		if err := ss.Clear(); err != nil {
			e.log.Warn().Err(err).Str("scope", path).Msg("scope clear failed during reset")
		}
	}
	e.scopeStoresMu.Unlock()
	return nil
}

// Close stops the Maintainer, flushes every WAL-backed store in the
// order spec §5 mandates — VolumeStore, MetadataIndex, InvertedIndex,
// VectorIndex — then releases file handles.
func (e *Engine) Close() error {
	e.maintainer.Stop()

	if err := e.volume.Flush(); err != nil {
		e.log.Warn().Err(err).Msg("VolumeStore.Flush failed during close")
	}
	if err := e.metaIndex.Flush(); err != nil {
		e.log.Warn().Err(err).Msg("MetadataIndex.Flush failed during close")
	}
	if err := e.invIndex.Flush(); err != nil {
		e.log.Warn().Err(err).Msg("InvertedIndex.Flush failed during close")
	}
	if err := e.vectorIndex.Flush(); err != nil {
		e.log.Warn().Err(err).Msg("VectorIndex.Flush failed during close")
	}
	if err := e.invIndex.Close(); err != nil {
		e.log.Warn().Err(err).Msg("InvertedIndex.Close failed during close")
	}
	return e.budget.Flush()
}

// ID is a convenience re-export so callers outside this package don't
// need to import internal/ids directly just to pre-generate an id.
func ID() string { return ids.New() }
