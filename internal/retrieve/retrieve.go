// Package retrieve implements Retriever: the funnel pipeline combining
// every index into a single ranked result set (spec §4.10). Direct Go
// port of original_source/recall/retrieval/eight_layer.py's
// EightLayerRetriever (stage enum, per-stage stats, the _rerank bonus
// formula, the L8 LLM-filter prompt shape), fused with spec.md §4.10's
// stage list — the source's L1 Bloom-filter stage is dropped as
// redundant with L2's inverted index, per spec.md's own stage table.
package retrieve

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/recallsystems/recall/internal/budget"
	"github.com/recallsystems/recall/internal/entityindex"
	"github.com/recallsystems/recall/internal/extract"
	"github.com/recallsystems/recall/internal/extract/llmclient"
	"github.com/recallsystems/recall/internal/invindex"
	"github.com/recallsystems/recall/internal/metaindex"
	"github.com/recallsystems/recall/internal/model"
	"github.com/recallsystems/recall/internal/ngramindex"
	"github.com/recallsystems/recall/internal/vectorindex"
	"github.com/recallsystems/recall/internal/volume"
)

// Stage is one named step of the funnel, used for observability.
type Stage string

const (
	StageKeywordFilter Stage = "keyword_filter"
	StageEntityExpand  Stage = "entity_expand"
	StageNgramExpand   Stage = "ngram_expand"
	StageMetadataFilter Stage = "metadata_filter"
	StageVectorCoarse  Stage = "vector_coarse"
	StageVectorFine    Stage = "vector_fine"
	StageRerank        Stage = "rerank"
	StageLlmFilter     Stage = "llm_filter"
)

// StageStats is one stage's {input_count, output_count, elapsed_ms,
// filtered} observability record.
type StageStats struct {
	Stage     Stage
	Input     int
	Output    int
	ElapsedMs float64
	Filtered  int
}

// Result is one ranked item, matching the {id, content, score,
// matched_entities, source_stage, metadata} shape spec §4.10 requires.
type Result struct {
	ID              string
	Content         string
	Score           float64
	MatchedEntities []string
	SourceStage     Stage
	Metadata        map[string]interface{}
	CreatedAt       time.Time
}

// Query is a single retrieve() call's inputs.
type Query struct {
	Text     string
	Entities []string // pre-detected entity names; augmented via Resolver if empty
	Keywords []string
	TopK     int
	Filters  *metaindex.Query // nil = no metadata filter stage
}

// Config tunes per-stage candidate caps and toggles L8.
type Config struct {
	VectorCoarseTopK int // L5, default 100
	VectorFineTopK   int // L6, default 20
	RerankTopK       int // L7, default 10
	LlmFilterTopK    int // L8, default 5
	LlmFilterEnabled bool
}

func (c *Config) applyDefaults() {
	if c.VectorCoarseTopK <= 0 {
		c.VectorCoarseTopK = 100
	}
	if c.VectorFineTopK <= 0 {
		c.VectorFineTopK = 20
	}
	if c.RerankTopK <= 0 {
		c.RerankTopK = 10
	}
	if c.LlmFilterTopK <= 0 {
		c.LlmFilterTopK = 5
	}
}

// Retriever wires every index into the 8-stage funnel.
type Retriever struct {
	cfg Config

	volume      *volume.Store
	invIndex    *invindex.Index
	entIndex    *entityindex.Index
	ngramIndex  *ngramindex.Index
	metaIndex   *metaindex.Index
	vectorIndex vectorindex.Index
	resolver    *extract.Resolver
	extractor   *extract.Extractor

	llm    *llmclient.Client
	budget *budget.Manager
	log    zerolog.Logger

	lastStats []StageStats
}

// New builds a Retriever. vectorIndex/resolver/extractor/llm may be nil
// (degrades the corresponding stages, matching the source's
// `getattr(vector_index, 'enabled', True)` guard).
func New(
	cfg Config,
	vol *volume.Store,
	inv *invindex.Index,
	ent *entityindex.Index,
	ngram *ngramindex.Index,
	meta *metaindex.Index,
	vec vectorindex.Index,
	resolver *extract.Resolver,
	extractor *extract.Extractor,
	llm *llmclient.Client,
	bm *budget.Manager,
	log zerolog.Logger,
) *Retriever {
	cfg.applyDefaults()
	return &Retriever{
		cfg: cfg, volume: vol, invIndex: inv, entIndex: ent, ngramIndex: ngram,
		metaIndex: meta, vectorIndex: vec, resolver: resolver, extractor: extractor, llm: llm, budget: bm,
		log: log.With().Str("component", "Retriever").Logger(),
	}
}

// LastStats returns the per-stage observability records from the most
// recent Retrieve call.
func (r *Retriever) LastStats() []StageStats { return r.lastStats }

// Retrieve runs the funnel: KeywordFilter -> EntityExpand -> NgramExpand
// -> MetadataFilter -> VectorCoarse -> VectorFine -> Rerank ->
// (optional) LlmFilter, then applies the final scope safety gate.
func (r *Retriever) Retrieve(ctx context.Context, scope model.Scope, q Query) []Result {
	scope = scope.Normalize()
	r.lastStats = nil
	candidates := make(map[string]struct{})
	var vectorSeeded []Result

	// Keywords: use the caller's if given, else derive them from q.Text
	// with the same rules tokenizer Extractor uses on stored content, so
	// a short query like "AI" (too short for NgramExpand's ASCII >= 3
	// rule) still yields a keyword for KeywordFilter/rerank.
	keywords := q.Keywords
	if len(keywords) == 0 && r.extractor != nil && q.Text != "" {
		keywords = r.extractor.Keywords(q.Text)
	}

	// L2: KeywordFilter
	if r.invIndex != nil && len(keywords) > 0 {
		r.timedStage(StageKeywordFilter, len(candidates), func() {
			for id := range r.invIndex.SearchAny(keywords) {
				candidates[id] = struct{}{}
			}
		}, &candidates)
	}

	// L3: EntityExpand. entities holds entity *names* throughout (matching
	// entitiesMentionedIn/rerank's expectations) — resolver.Resolve returns
	// an entity ID, so it's translated back to a name via entIndex before
	// use here.
	entities := q.Entities
	if len(entities) == 0 && r.resolver != nil && q.Text != "" {
		if id := r.resolver.Resolve(q.Text); id != "" {
			name := id
			if r.entIndex != nil {
				if e := r.entIndex.GetByID(id); e != nil {
					name = e.Name
				}
			}
			entities = append(entities, name)
		}
	}
	if r.entIndex != nil && len(entities) > 0 {
		r.timedStage(StageEntityExpand, len(candidates), func() {
			for _, name := range entities {
				e := r.entIndex.GetByName(name)
				if e == nil {
					e = r.entIndex.GetByID(name)
				}
				if e == nil {
					continue
				}
				for itemID := range e.TurnReferences {
					candidates[itemID] = struct{}{}
				}
			}
		}, &candidates)
	}

	// L4: NgramExpand
	if r.ngramIndex != nil && q.Text != "" {
		r.timedStage(StageNgramExpand, len(candidates), func() {
			for id := range r.ngramIndex.Search(q.Text) {
				candidates[id] = struct{}{}
			}
		}, &candidates)
	}

	// L4.5 (spec's mandatory-when-provided): MetadataFilter
	if r.metaIndex != nil && q.Filters != nil {
		input := len(candidates)
		start := time.Now()
		allowed := r.metaIndex.Query(*q.Filters)
		filtered := make(map[string]struct{}, len(candidates))
		for id := range candidates {
			if _, ok := allowed[id]; ok {
				filtered[id] = struct{}{}
			}
		}
		candidates = filtered
		r.recordStage(StageMetadataFilter, input, len(candidates), start)
	}

	// L5: VectorCoarse
	vectorEnabled := r.vectorIndex != nil && r.vectorIndex.Enabled()
	if vectorEnabled && q.Text != "" {
		start := time.Now()
		input := len(candidates)
		hits, err := r.vectorIndex.SearchText(ctx, q.Text, r.cfg.VectorCoarseTopK, scope.Path())
		if err != nil {
			r.log.Warn().Err(err).Msg("vector coarse search failed, continuing without it")
		}
		for _, h := range hits {
			candidates[h.ItemID] = struct{}{}
			vectorSeeded = append(vectorSeeded, Result{ID: h.ItemID, Score: h.Score, SourceStage: StageVectorCoarse})
		}
		r.recordStage(StageVectorCoarse, input, len(vectorSeeded), start)
	}

	// Hydrate candidates not already seeded by the vector stage with a
	// neutral score so they still flow through rerank.
	results := vectorSeeded
	seeded := make(map[string]struct{}, len(vectorSeeded))
	for _, res := range vectorSeeded {
		seeded[res.ID] = struct{}{}
	}
	for id := range candidates {
		if _, ok := seeded[id]; !ok {
			results = append(results, Result{ID: id, Score: 0, SourceStage: StageKeywordFilter})
		}
	}

	// L6: VectorFine — sort by score, keep top N.
	if vectorEnabled && len(results) > 0 {
		start := time.Now()
		input := len(results)
		sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
		if len(results) > r.cfg.VectorFineTopK {
			results = results[:r.cfg.VectorFineTopK]
		}
		for i := range results {
			results[i].SourceStage = StageVectorFine
		}
		r.recordStage(StageVectorFine, input, len(results), start)
	}

	// Hydrate content/metadata/created_at from VolumeStore before rerank,
	// since the bonus formula needs content and created_at.
	r.hydrate(results)

	// L7: Rerank
	if len(results) > 0 {
		start := time.Now()
		input := len(results)
		results = r.rerank(results, entities, keywords)
		if len(results) > r.cfg.RerankTopK {
			results = results[:r.cfg.RerankTopK]
		}
		for i := range results {
			results[i].SourceStage = StageRerank
		}
		r.recordStage(StageRerank, input, len(results), start)
	}

	// L8: LlmFilter (optional, default off)
	if r.cfg.LlmFilterEnabled && r.llm != nil && r.llm.Available() && len(results) > 0 {
		start := time.Now()
		input := len(results)
		filtered := r.llmFilter(ctx, results, q.Text)
		if len(filtered) > r.cfg.LlmFilterTopK {
			filtered = filtered[:r.cfg.LlmFilterTopK]
		}
		results = filtered
		r.recordStage(StageLlmFilter, input, len(results), start)
	}

	// Final scope safety gate, even though every index above is already
	// opened per-scope — defense against an index that forgot to enforce
	// it internally.
	results = r.scopeGate(results, scope)

	topK := q.TopK
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

func (r *Retriever) timedStage(stage Stage, input int, fn func(), candidates *map[string]struct{}) {
	start := time.Now()
	fn()
	r.recordStage(stage, input, len(*candidates), start)
}

func (r *Retriever) recordStage(stage Stage, input, output int, start time.Time) {
	filtered := 0
	if input > output {
		filtered = input - output
	}
	r.lastStats = append(r.lastStats, StageStats{
		Stage: stage, Input: input, Output: output,
		ElapsedMs: float64(time.Since(start).Microseconds()) / 1000.0,
		Filtered:  filtered,
	})
}

// hydrate fills content/created_at from VolumeStore by item id.
func (r *Retriever) hydrate(results []Result) {
	if r.volume == nil {
		return
	}
	for i := range results {
		item, err := r.volume.GetByID(results[i].ID)
		if err != nil || item == nil {
			continue
		}
		results[i].Content = item.Content
		results[i].CreatedAt = item.CreatedAt
	}
}

// rerank adjusts scores by: +0.1 per matching entity, +0.05 per literal
// keyword match, +0.1 if created within 1h, +0.05 if within 1d; stable
// sort descending. Ported verbatim from eight_layer.py's _rerank.
func (r *Retriever) rerank(results []Result, entities, keywords []string) []Result {
	now := time.Now()
	entitySet := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		entitySet[strings.ToLower(e)] = struct{}{}
	}

	for i := range results {
		bonus := 0.0
		var matched []string

		if r.entIndex != nil && len(entitySet) > 0 {
			for _, e := range r.entitiesMentionedIn(results[i].ID) {
				if _, ok := entitySet[strings.ToLower(e)]; ok {
					bonus += 0.1
					matched = append(matched, e)
				}
			}
		}
		for _, kw := range keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(strings.ToLower(results[i].Content), strings.ToLower(kw)) {
				bonus += 0.05
			}
		}
		if !results[i].CreatedAt.IsZero() {
			recency := now.Sub(results[i].CreatedAt)
			switch {
			case recency <= time.Hour:
				bonus += 0.1
			case recency <= 24*time.Hour:
				bonus += 0.05
			}
		}

		results[i].Score += bonus
		results[i].MatchedEntities = matched
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

// entitiesMentionedIn returns the names of every entity whose
// turn_references include itemID, used by rerank's bonus formula.
func (r *Retriever) entitiesMentionedIn(itemID string) []string {
	if r.entIndex == nil {
		return nil
	}
	var names []string
	for _, e := range r.entIndex.GetTop(0) {
		if _, ok := e.TurnReferences[itemID]; ok {
			names = append(names, e.Name)
		}
	}
	return names
}

// llmFilter sends up to 10 candidate snippets to the LLM and keeps only
// the indices it names; on timeout or parse failure the input order is
// preserved, per spec §4.10.
func (r *Retriever) llmFilter(ctx context.Context, results []Result, query string) []Result {
	if r.budget != nil && !r.budget.CanAfford(0.005, "retrieve.llm_filter") {
		return results
	}
	candidates := results
	if len(candidates) > 10 {
		candidates = candidates[:10]
	}

	var sb strings.Builder
	sb.WriteString("Judge whether each memory below is relevant to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nMemories:\n")
	for i, c := range candidates {
		snippet := c.Content
		if len(snippet) > 100 {
			snippet = snippet[:100]
		}
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, snippet))
	}
	sb.WriteString("\nReturn the relevant memory numbers, comma-separated, or \"none\" if none are relevant.")

	resp, err := r.llm.Complete(ctx, "You filter retrieved memories for relevance.", sb.String())
	if err != nil {
		r.log.Warn().Err(err).Msg("llm filter failed, preserving rerank order")
		return results
	}
	resp = strings.TrimSpace(resp)
	if strings.EqualFold(resp, "none") || resp == "" {
		return nil
	}

	var kept []Result
	for _, part := range strings.Split(resp, ",") {
		part = strings.TrimSpace(part)
		var n int
		if _, err := fmt.Sscanf(part, "%d", &n); err != nil {
			continue
		}
		idx := n - 1
		if idx >= 0 && idx < len(candidates) {
			kept = append(kept, candidates[idx])
		}
	}
	if kept == nil {
		return results
	}
	return kept
}

// scopeGate filters out any result whose item no longer resolves under
// scope (the final safety net spec §4.10 mandates).
func (r *Retriever) scopeGate(results []Result, scope model.Scope) []Result {
	if r.volume == nil {
		return results
	}
	out := make([]Result, 0, len(results))
	for _, res := range results {
		item, err := r.volume.GetByID(res.ID)
		if err != nil || item == nil {
			continue
		}
		if item.Scope.Normalize() != scope {
			continue
		}
		out = append(out, res)
	}
	return out
}
