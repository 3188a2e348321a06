package extract

import (
	"strings"
	"unicode"
)

// pos is a coarse part-of-speech tag, adapted from
// pkg/scanner/chunker/tagger.go's POS set (that file's POS type was not
// retrievable from the teacher tree, so the tag set is rebuilt here to
// the same two-pass baseline+reinforcement design).
type pos int

const (
	posOther pos = iota
	posDeterminer
	posPreposition
	posAuxiliary
	posModal
	posConjunction
	posPronoun
	posRelativePronoun
	posAdjective
	posAdverb
	posVerb
	posNoun
	posProperNoun
	posPunctuation
)

func (p pos) isModifier() bool { return p == posAdjective || p == posDeterminer }
func (p pos) isVerbal() bool   { return p == posVerb }
func (p pos) isNominal() bool  { return p == posNoun || p == posProperNoun }

// tagger performs lexicon-lookup POS tagging with a context-reinforcement
// pass, grounded on pkg/scanner/chunker/tagger.go's two-pass design.
type tagger struct {
	lexicon map[string]pos
}

func newTagger() *tagger {
	t := &tagger{lexicon: make(map[string]pos)}
	t.loadDefaultLexicon()
	return t
}

func (t *tagger) tag(words []string) []pos {
	tags := make([]pos, len(words))
	for i, w := range words {
		tags[i] = t.lookupBaseline(w)
	}
	for i := range tags {
		var prev pos = posOther
		if i > 0 {
			prev = tags[i-1]
		}
		switch {
		case (prev == posDeterminer || prev.isModifier()) && tags[i].isVerbal():
			tags[i] = posNoun
		case prev == posModal && tags[i].isNominal():
			tags[i] = posVerb
		case i > 0 && isWord(words[i-1], "to") && tags[i].isNominal():
			tags[i] = posVerb
		case i > 0 && isWord(words[i-1], "of") && tags[i].isVerbal():
			tags[i] = posNoun
		}
		if len(words[i]) == 1 && unicode.IsPunct(rune(words[i][0])) {
			tags[i] = posPunctuation
		}
	}
	return tags
}

func isWord(s, want string) bool { return strings.EqualFold(s, want) }

func (t *tagger) lookupBaseline(word string) pos {
	lower := strings.ToLower(word)
	if p, ok := t.lexicon[lower]; ok {
		return p
	}
	return t.inferPOS(word)
}

func (t *tagger) inferPOS(word string) pos {
	if len(word) == 1 && unicode.IsPunct(rune(word[0])) {
		return posPunctuation
	}
	if len(word) > 0 && unicode.IsUpper(rune(word[0])) {
		return posProperNoun
	}
	lower := strings.ToLower(word)
	switch {
	case strings.HasSuffix(lower, "ly"):
		return posAdverb
	case strings.HasSuffix(lower, "ing"), strings.HasSuffix(lower, "ed"):
		return posVerb
	case strings.HasSuffix(lower, "ness"), strings.HasSuffix(lower, "tion"),
		strings.HasSuffix(lower, "ment"), strings.HasSuffix(lower, "ity"):
		return posNoun
	case strings.HasSuffix(lower, "ful"), strings.HasSuffix(lower, "ous"),
		strings.HasSuffix(lower, "ive"), strings.HasSuffix(lower, "able"):
		return posAdjective
	default:
		return posNoun
	}
}

func (t *tagger) loadDefaultLexicon() {
	add := func(p pos, words ...string) {
		for _, w := range words {
			t.lexicon[w] = p
		}
	}
	add(posDeterminer, "the", "a", "an", "this", "that", "these", "those", "my", "your", "his", "her", "its", "our", "their", "some", "any", "no", "every", "each", "all")
	add(posPreposition, "in", "on", "at", "to", "for", "with", "by", "from", "of", "about", "into", "through", "during", "before", "after", "between", "under", "over")
	add(posAuxiliary, "is", "are", "was", "were", "be", "been", "being", "am", "have", "has", "had", "do", "does", "did")
	add(posModal, "can", "could", "will", "would", "shall", "should", "may", "might", "must")
	add(posConjunction, "and", "or", "but", "nor", "yet", "so", "because", "although", "while", "if", "unless", "until", "since", "when")
	add(posPronoun, "i", "you", "he", "she", "it", "we", "they", "me", "him", "us", "them")
	add(posRelativePronoun, "who", "whom", "whose", "which", "that")
}
