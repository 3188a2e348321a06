// Package extract implements the Extractor: text -> {entities, keywords,
// relations, temporal_markers} (spec §4.9), in three configurable modes
// (RULES, LLM, ADAPTIVE). Grounded on pkg/extraction's types/parser/
// prompts (LLM mode's JSON shape and repair state machine) and
// pkg/scanner/chunker + pkg/scanner/narrative (RULES mode's tagger and
// verb lexicon), generalized from the teacher's note-taking domain to the
// spec's generic entity/relation/temporal-marker result.
package extract

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/recallsystems/recall/internal/budget"
	"github.com/recallsystems/recall/internal/extract/llmclient"
	"github.com/recallsystems/recall/internal/model"
)

// Mode is one of the three Extractor modes.
type Mode string

const (
	ModeRules    Mode = "rules"
	ModeLLM      Mode = "llm"
	ModeAdaptive Mode = "adaptive"
)

// EntityHit is one entity mention found in text.
type EntityHit struct {
	Name       string
	Type       model.EntityType
	Aliases    []string
	Confidence float64
}

// RelationHit is one relation mention found in text.
type RelationHit struct {
	SourceName   string
	TargetName   string
	RelationType string
	Fact         string
	Confidence   float64
	SourceText   string
}

// TemporalMarker is one date/time reference found in text.
type TemporalMarker struct {
	Text string
	Kind string // "absolute", "relative", "keyword"
}

// Result is the Extractor's single-call output.
type Result struct {
	Entities        []EntityHit
	Keywords        []string
	Relations       []RelationHit
	TemporalMarkers []TemporalMarker
	UsedLLM         bool
}

// Extractor runs one of the three modes over a text item. It never
// returns an error for well-formed UTF-8 input (fail-open: LLM failures
// degrade to RULES).
type Extractor struct {
	mode    Mode
	rules   *rulesExtractor
	llm     *llmExtractor
	log     zerolog.Logger
	budget  *budget.Manager
	thresh  float64
}

// Config configures the Extractor's thresholds and LLM collaborator.
type Config struct {
	Mode             Mode
	MaxTextLength    int // default 10000, LLM mode truncation
	ComplexityThresh float64
	Client           *llmclient.Client // nil disables LLM augmentation
}

// New builds an Extractor bound to the given mode and (optional) LLM
// client, with a BudgetManager gating LLM calls in ADAPTIVE mode.
func New(cfg Config, bm *budget.Manager, log zerolog.Logger) *Extractor {
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = 10000
	}
	if cfg.ComplexityThresh <= 0 {
		cfg.ComplexityThresh = 0.5
	}
	return &Extractor{
		mode:   cfg.Mode,
		rules:  newRulesExtractor(),
		llm:    newLLMExtractor(cfg.Client, cfg.MaxTextLength),
		log:    log.With().Str("component", "Extractor").Logger(),
		budget: bm,
		thresh: cfg.ComplexityThresh,
	}
}

// Keywords runs the rules tokenizer over text and lowercases/dedupes the
// result — cheap enough to call per-query, used by Retriever to derive
// search keywords from query text when the caller didn't supply any.
// Unlike the Keywords a full Extract produces for stored content, this
// doesn't drop stopwords or sub-3-character tokens: a short, deliberate
// search term like "AI" should still count as a query keyword even
// though it would be noise inside indexed content.
func (e *Extractor) Keywords(text string) []string {
	return queryKeywords(text)
}

// Extract runs the configured mode.
func (e *Extractor) Extract(ctx context.Context, text string) Result {
	rulesResult := e.rules.extract(text)

	switch e.mode {
	case ModeRules:
		return rulesResult
	case ModeLLM:
		if e.llm == nil || !e.llm.available() {
			e.log.Warn().Msg("LLM mode requested but no client configured, degrading to RULES")
			return rulesResult
		}
		llmResult, err := e.llm.extract(ctx, text)
		if err != nil {
			e.log.Warn().Err(err).Msg("LLM extraction failed, degrading to RULES")
			return rulesResult
		}
		llmResult.UsedLLM = true
		return llmResult
	default: // ModeAdaptive
		return e.adaptive(ctx, text, rulesResult)
	}
}

// adaptive computes a complexity score from length/entity-density/
// temporal-marker presence/rules-confidence; if it clears the threshold
// and the BudgetManager approves, LLM results augment and win on name
// collisions, union otherwise (grounded on original_source/recall/
// processor/smart_extractor.py).
func (e *Extractor) adaptive(ctx context.Context, text string, rulesResult Result) Result {
	score := complexityScore(text, rulesResult)
	if score < e.budgetThreshold() {
		return rulesResult
	}
	if e.llm == nil || !e.llm.available() {
		return rulesResult
	}
	if e.budget != nil && !e.budget.CanAfford(e.estimateLLMCost(text), "extract") {
		e.log.Debug().Msg("adaptive extraction: budget declined LLM augmentation")
		return rulesResult
	}

	llmResult, err := e.llm.extract(ctx, text)
	if err != nil {
		e.log.Warn().Err(err).Msg("adaptive LLM augmentation failed, using RULES only")
		return rulesResult
	}
	merged := mergeResults(rulesResult, llmResult)
	merged.UsedLLM = true
	return merged
}

func (e *Extractor) budgetThreshold() float64 { return e.thresh }

// complexityScore blends normalized length, entity density, temporal
// marker presence, and (inverse) rules confidence into [0,1].
func complexityScore(text string, r Result) float64 {
	length := float64(len([]rune(text)))
	lengthScore := clamp01(length / 500.0)

	density := 0.0
	if length > 0 {
		density = clamp01(float64(len(r.Entities)) / (length / 50.0))
	}

	temporalScore := 0.0
	if len(r.TemporalMarkers) > 0 {
		temporalScore = 1.0
	}

	avgConfidence := 1.0
	if len(r.Entities) > 0 {
		sum := 0.0
		for _, ent := range r.Entities {
			sum += ent.Confidence
		}
		avgConfidence = sum / float64(len(r.Entities))
	}
	lowConfidenceScore := clamp01(1.0 - avgConfidence)

	return clamp01(0.3*lengthScore + 0.3*density + 0.2*temporalScore + 0.2*lowConfidenceScore)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// estimateLLMCost converts text length to an approximate input/output
// token count (≈0.25 tokens per character, the same conservative ratio
// ContextBuilder uses for ASCII) and prices it through the BudgetManager's
// default rates (no model name is passed), assuming a reply roughly a
// third the input's length.
func (e *Extractor) estimateLLMCost(text string) float64 {
	tokensIn := int(float64(len([]rune(text))) * 0.25)
	tokensOut := tokensIn / 3
	if e.budget == nil {
		return 0
	}
	return e.budget.EstimateCost(tokensIn, tokensOut, "")
}

// mergeResults unions keywords/relations/temporal markers; entities union
// by name, with LLM entries winning on name collision.
func mergeResults(rulesResult, llmResult Result) Result {
	byName := make(map[string]EntityHit, len(rulesResult.Entities)+len(llmResult.Entities))
	for _, e := range rulesResult.Entities {
		byName[strings.ToLower(e.Name)] = e
	}
	for _, e := range llmResult.Entities {
		byName[strings.ToLower(e.Name)] = e // LLM wins on collision
	}
	merged := Result{}
	for _, e := range byName {
		merged.Entities = append(merged.Entities, e)
	}

	merged.Keywords = unionStrings(rulesResult.Keywords, llmResult.Keywords)
	merged.Relations = append(append([]RelationHit{}, rulesResult.Relations...), llmResult.Relations...)
	merged.TemporalMarkers = append(append([]TemporalMarker{}, rulesResult.TemporalMarkers...), llmResult.TemporalMarkers...)
	return merged
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
