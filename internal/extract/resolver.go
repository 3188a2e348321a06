package extract

import (
	"strings"

	"github.com/recallsystems/recall/internal/extract/resorank"
)

// gender is used only to disambiguate pronoun resolution against the
// narrative context's recency stack.
type gender int

const (
	genderUnknown gender = iota
	genderMale
	genderFemale
	genderNeutral
	genderPlural
)

// entityMeta is a known entity registered with the Resolver.
type entityMeta struct {
	ID      string
	Name    string
	Gender  gender
	Aliases []string
}

// narrativeContext tracks mention recency for pronoun resolution,
// adapted from pkg/scanner/resolver/resolver.go's NarrativeContext.
type narrativeContext struct {
	history    []string
	registry   map[string]entityMeta
	maxHistory int
}

func newNarrativeContext() *narrativeContext {
	return &narrativeContext{registry: make(map[string]entityMeta), maxHistory: 10}
}

func (nc *narrativeContext) register(e entityMeta) { nc.registry[e.ID] = e }

func (nc *narrativeContext) pushMention(entityID string) {
	for i, id := range nc.history {
		if id == entityID {
			nc.history = append(nc.history[:i], nc.history[i+1:]...)
			break
		}
	}
	nc.history = append([]string{entityID}, nc.history...)
	if len(nc.history) > nc.maxHistory {
		nc.history = nc.history[:nc.maxHistory]
	}
}

func (nc *narrativeContext) findMostRecent(g gender) string {
	for _, id := range nc.history {
		if meta, ok := nc.registry[id]; ok && gendersCompatible(meta.Gender, g) {
			return id
		}
	}
	return ""
}

func gendersCompatible(entityGender, pronounGender gender) bool {
	if entityGender == pronounGender || pronounGender == genderUnknown || entityGender == genderUnknown {
		return true
	}
	if pronounGender == genderPlural {
		return entityGender == genderPlural || entityGender == genderNeutral
	}
	return false
}

// Resolver resolves a query's pronoun or fuzzy name reference to a known
// entity id, used by Retriever's EntityExpand stage to turn natural
// query text into entity ids it can pull turn_references from. Grounded
// on pkg/scanner/resolver/resolver.go's direct-alias + ResoRank
// fuzzy-fallback design.
type Resolver struct {
	context *narrativeContext
	scorer  *resorank.Scorer
}

// NewResolver builds a Resolver tuned for short-text alias matching.
func NewResolver() *Resolver {
	cfg := resorank.DefaultConfig()
	cfg.VectorAlpha = 0
	cfg.FieldWeights["name"] = 10.0
	cfg.FieldWeights["alias"] = 5.0
	cfg.B = 0.5
	return &Resolver{context: newNarrativeContext(), scorer: resorank.NewScorer(cfg)}
}

// RegisterEntity makes id/name/aliases resolvable.
func (r *Resolver) RegisterEntity(id, name string, aliases []string) {
	r.context.register(entityMeta{ID: id, Name: name, Aliases: aliases})

	meta := resorank.DocumentMetadata{
		TotalTokenCount: 1 + len(aliases),
		FieldLengths: map[string]int{
			"name":  len(strings.Fields(name)),
			"alias": len(aliases),
		},
	}
	tokens := make(map[string]resorank.TokenMetadata)
	for _, word := range strings.Fields(strings.ToLower(name)) {
		tokens[word] = resorank.TokenMetadata{
			CorpusDocFreq: 1,
			FieldOccurrences: map[string]resorank.FieldOccurrence{
				"name": {TF: 1, FieldLength: meta.FieldLengths["name"]},
			},
		}
	}
	for _, alias := range aliases {
		for _, word := range strings.Fields(strings.ToLower(alias)) {
			tokens[word] = resorank.TokenMetadata{
				CorpusDocFreq: 1,
				FieldOccurrences: map[string]resorank.FieldOccurrence{
					"alias": {TF: 1, FieldLength: 10},
				},
			}
		}
	}
	r.scorer.IndexDocument(id, meta, tokens)
}

// ObserveMention records an explicit mention for pronoun recency.
func (r *Resolver) ObserveMention(entityID string) { r.context.pushMention(entityID) }

// Resolve attempts to resolve text (pronoun, exact alias, or fuzzy match)
// to a registered entity id; returns "" if nothing clears the threshold.
func (r *Resolver) Resolve(text string) string {
	if isPronoun(text) {
		return r.context.findMostRecent(inferPronounGender(text))
	}
	lower := strings.ToLower(text)
	for _, meta := range r.context.registry {
		if strings.ToLower(meta.Name) == lower {
			return meta.ID
		}
		for _, alias := range meta.Aliases {
			if strings.ToLower(alias) == lower {
				return meta.ID
			}
		}
	}
	results := r.scorer.Search(strings.Fields(lower), nil, 1)
	if len(results) > 0 && results[0].Score > 1.0 {
		return results[0].DocID
	}
	return ""
}

func isPronoun(text string) bool {
	switch strings.ToLower(text) {
	case "he", "him", "his", "she", "her", "hers", "it", "its", "they", "them", "their":
		return true
	default:
		return false
	}
}

func inferPronounGender(text string) gender {
	switch strings.ToLower(text) {
	case "he", "him", "his":
		return genderMale
	case "she", "her", "hers":
		return genderFemale
	case "it", "its":
		return genderNeutral
	case "they", "them", "their":
		return genderPlural
	default:
		return genderUnknown
	}
}
