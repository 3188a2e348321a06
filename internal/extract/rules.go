package extract

import (
	"regexp"
	"strings"

	"github.com/orsinium-labs/stopwords"

	"github.com/recallsystems/recall/internal/model"
)

// rulesExtractor implements the RULES mode: language-tagger + stop-word
// filtering + known-entity dictionary + quoted-substring extractor for
// entities; a hard-coded regex relation-pattern table for relations; a
// date-pattern/keyword table for temporal markers. Grounded on
// pkg/scanner/chunker (tagger), pkg/scanner/narrative (verb lexicon), and
// original_source/recall/processor/entity_extractor.py (regex relation
// and date pattern tables).
type rulesExtractor struct {
	tagger     *tagger
	verbs      *verbLexicon
	stopwords  *stopwords.Stopwords
	knownNames map[string]struct{}
}

// knownEntityDictionary is a hard-coded short list of common product/
// brand names the RULES extractor recognizes without any tagging
// heuristics, per spec §4.9.
var knownEntityDictionary = []string{
	"DeepSeek", "OpenAI", "ChatGPT", "GPT-4", "Claude", "Gemini", "Anthropic",
	"Google", "Microsoft", "Apple", "Amazon", "Meta", "Tesla", "GitHub",
}

func newRulesExtractor() *rulesExtractor {
	verbs, err := newVerbLexicon()
	if err != nil {
		verbs = nil
	}
	known := make(map[string]struct{}, len(knownEntityDictionary))
	for _, n := range knownEntityDictionary {
		known[strings.ToLower(n)] = struct{}{}
	}
	return &rulesExtractor{
		tagger:     newTagger(),
		verbs:      verbs,
		stopwords:  stopwords.MustGet("en"),
		knownNames: known,
	}
}

var quotedPattern = regexp.MustCompile(`"([^"]{2,80})"|'([^']{2,80})'|“([^”]{2,80})”`)

// relationPatterns are the hard-coded "X is Y's Z" / "X works at Y" /
// "X lives in Y" style patterns, in priority order.
var relationPatterns = []struct {
	re           *regexp.Regexp
	relationType string
}{
	{regexp.MustCompile(`(?i)\b(\w[\w\s]*?)\s+is\s+(\w[\w\s]*?)'s\s+(\w[\w\s]*)\b`), "IS_RELATED_TO"},
	{regexp.MustCompile(`(?i)\b(\w[\w\s]*?)\s+works?\s+at\s+(\w[\w\s]*)\b`), "WORKS_AT"},
	{regexp.MustCompile(`(?i)\b(\w[\w\s]*?)\s+lives?\s+in\s+(\w[\w\s]*)\b`), "LIVES_IN"},
	{regexp.MustCompile(`(?i)\b(\w[\w\s]*?)\s+(?:is|was)\s+(?:the\s+)?(?:leader|ruler|king|queen|president|ceo)\s+of\s+(\w[\w\s]*)\b`), "RULES"},
	{regexp.MustCompile(`(?i)\b(\w[\w\s]*?)\s+(?:founded|created|built)\s+(\w[\w\s]*)\b`), "CREATES"},
}

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
	regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`),
	regexp.MustCompile(`(?i)\b(January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2}(st|nd|rd|th)?,?\s*\d{0,4}\b`),
}

var dateKeywords = []string{
	"today", "yesterday", "tomorrow", "tonight", "last week", "next week",
	"last month", "next month", "last year", "next year", "ago", "earlier", "later",
}

func (r *rulesExtractor) extract(text string) Result {
	var result Result

	words := tokenizeWords(text)
	tags := r.tagger.tag(words)

	seenNames := make(map[string]bool)
	addEntity := func(name string, typ model.EntityType, conf float64) {
		key := strings.ToLower(name)
		if seenNames[key] || name == "" {
			return
		}
		seenNames[key] = true
		result.Entities = append(result.Entities, EntityHit{Name: name, Type: typ, Confidence: conf})
	}

	// Proper nouns (tagger-detected), filtered by stopwords.
	for i, t := range tags {
		if t != posProperNoun {
			continue
		}
		word := words[i]
		if r.stopwords != nil && r.stopwords.Contains(strings.ToLower(word)) {
			continue
		}
		addEntity(word, model.EntityUnknown, 0.6)
	}

	// Known-entity dictionary scan.
	lowerText := strings.ToLower(text)
	for _, name := range knownEntityDictionary {
		if strings.Contains(lowerText, strings.ToLower(name)) {
			addEntity(name, model.EntityOrganization, 0.9)
		}
	}

	// Quoted-substring extractor.
	for _, m := range quotedPattern.FindAllStringSubmatch(text, -1) {
		for _, g := range m[1:] {
			if g != "" {
				addEntity(g, model.EntityConcept, 0.5)
			}
		}
	}

	// Keywords: non-stopword, length >= 3 tokens, deduplicated.
	seenKw := make(map[string]bool)
	for i, w := range words {
		if tags[i] == posPunctuation {
			continue
		}
		lower := strings.ToLower(w)
		if len(lower) < 3 {
			continue
		}
		if r.stopwords != nil && r.stopwords.Contains(lower) {
			continue
		}
		if seenKw[lower] {
			continue
		}
		seenKw[lower] = true
		result.Keywords = append(result.Keywords, lower)
	}

	// Relations from the regex pattern table.
	for _, p := range relationPatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			if len(m) < 3 {
				continue
			}
			subj := strings.TrimSpace(m[1])
			obj := strings.TrimSpace(m[2])
			if subj == "" || obj == "" {
				continue
			}
			result.Relations = append(result.Relations, RelationHit{
				SourceName:   subj,
				TargetName:   obj,
				RelationType: p.relationType,
				Fact:         strings.TrimSpace(m[0]),
				Confidence:   0.6,
				SourceText:   strings.TrimSpace(m[0]),
			})
		}
	}

	// Relations from the verb lexicon: simple SVO heuristic over tagged
	// tokens (ProperNoun Verb ProperNoun).
	if r.verbs != nil {
		for i := 1; i < len(tags)-1; i++ {
			if tags[i] != posVerb {
				continue
			}
			subjIdx, objIdx := -1, -1
			for j := i - 1; j >= 0; j-- {
				if tags[j] == posProperNoun {
					subjIdx = j
					break
				}
				if tags[j] == posPunctuation {
					break
				}
			}
			for j := i + 1; j < len(tags); j++ {
				if tags[j] == posProperNoun {
					objIdx = j
					break
				}
				if tags[j] == posPunctuation {
					break
				}
			}
			if subjIdx < 0 || objIdx < 0 {
				continue
			}
			relType := r.verbs.lookup(words[i])
			if relType == "" {
				continue
			}
			result.Relations = append(result.Relations, RelationHit{
				SourceName:   words[subjIdx],
				TargetName:   words[objIdx],
				RelationType: relType,
				Fact:         words[subjIdx] + " " + words[i] + " " + words[objIdx],
				Confidence:   0.55,
				SourceText:   text,
			})
		}
	}

	// Temporal markers.
	for _, re := range datePatterns {
		for _, m := range re.FindAllString(text, -1) {
			result.TemporalMarkers = append(result.TemporalMarkers, TemporalMarker{Text: m, Kind: "absolute"})
		}
	}
	for _, kw := range dateKeywords {
		if strings.Contains(lowerText, kw) {
			result.TemporalMarkers = append(result.TemporalMarkers, TemporalMarker{Text: kw, Kind: "relative"})
		}
	}

	return result
}

// queryKeywords tokenizes text with the same splitter tokenizeWords
// uses for content, lowercased and deduplicated, skipping only bare
// punctuation tokens — no stopword or length filtering, since a search
// query's short terms are deliberate rather than noise.
func queryKeywords(text string) []string {
	words := tokenizeWords(text)
	seen := make(map[string]bool, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		r := []rune(w)
		if len(r) == 1 && strings.ContainsRune(".,!?;:\"'()[]{}", r[0]) {
			continue
		}
		lower := strings.ToLower(w)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		out = append(out, lower)
	}
	return out
}

func tokenizeWords(text string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range text {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		case strings.ContainsRune(".,!?;:\"'()[]{}", r):
			flush()
			out = append(out, string(r))
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return out
}
