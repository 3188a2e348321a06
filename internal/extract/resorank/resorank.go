// Package resorank is a from-scratch BM25-ish field-weighted scorer. It
// is not a published ecosystem package: pkg/scanner/resolver/resolver.go
// calls a "github.com/kittclouds/gokitt/pkg/resorank" import that is
// absent from the retrieved teacher tree (only the call-site survived
// retrieval, not the implementation), so this package rebuilds it to the
// exact shape resolver.go already assumes (DocumentMetadata,
// TokenMetadata, FieldOccurrence, IndexDocument, Search, Config,
// DefaultConfig) so that package can be adapted without rewriting its
// call sites — see DESIGN.md for the "hand-built, not ecosystem" note.
package resorank

import (
	"math"
	"sort"
)

// FieldOccurrence records one field's term frequency and length for a
// single token within a single document.
type FieldOccurrence struct {
	TF          int
	FieldLength int
}

// TokenMetadata is one token's corpus-wide and per-field statistics.
type TokenMetadata struct {
	CorpusDocFreq    int
	FieldOccurrences map[string]FieldOccurrence
}

// DocumentMetadata is one document's length statistics, plus an optional
// embedding for the vector-hybrid blend.
type DocumentMetadata struct {
	TotalTokenCount int
	FieldLengths    map[string]int
	Embedding       []float32
}

// Config tunes the BM25 field weighting and the vector/lexical blend.
type Config struct {
	K1            float64
	B             float64
	VectorAlpha   float64 // 0 = pure lexical, 1 = pure vector
	FieldWeights  map[string]float64
}

// DefaultConfig returns BM25's conventional k1=1.2, b=0.75, no vector
// blend, uniform field weight 1.0.
func DefaultConfig() Config {
	return Config{K1: 1.2, B: 0.75, VectorAlpha: 0, FieldWeights: map[string]float64{}}
}

// Result is one scored document.
type Result struct {
	DocID string
	Score float64
}

type document struct {
	id    string
	meta  DocumentMetadata
	toks  map[string]TokenMetadata
}

// Scorer indexes documents and answers ranked queries.
type Scorer struct {
	cfg        Config
	docs       map[string]*document
	avgFieldLen map[string]float64
	docCount   int
}

// NewScorer builds a Scorer with the given tuning.
func NewScorer(cfg Config) *Scorer {
	if cfg.FieldWeights == nil {
		cfg.FieldWeights = map[string]float64{}
	}
	return &Scorer{cfg: cfg, docs: make(map[string]*document), avgFieldLen: make(map[string]float64)}
}

// IndexDocument registers (or replaces) a document's token statistics.
func (s *Scorer) IndexDocument(docID string, meta DocumentMetadata, tokens map[string]TokenMetadata) {
	s.docs[docID] = &document{id: docID, meta: meta, toks: tokens}
	s.recomputeAverages()
}

func (s *Scorer) recomputeAverages() {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, d := range s.docs {
		for field, length := range d.meta.FieldLengths {
			sums[field] += float64(length)
			counts[field]++
		}
	}
	s.avgFieldLen = make(map[string]float64, len(sums))
	for field, sum := range sums {
		if counts[field] > 0 {
			s.avgFieldLen[field] = sum / float64(counts[field])
		}
	}
	s.docCount = len(s.docs)
}

// Search scores every indexed document against queryTokens (already
// lower-cased/tokenized by the caller) plus an optional query embedding,
// returning the topK results sorted by score descending.
func (s *Scorer) Search(queryTokens []string, queryEmbedding []float32, topK int) []Result {
	scores := make(map[string]float64, len(s.docs))
	for _, qt := range queryTokens {
		for docID, d := range s.docs {
			tm, ok := d.toks[qt]
			if !ok {
				continue
			}
			idf := s.idf(tm.CorpusDocFreq)
			for field, occ := range tm.FieldOccurrences {
				weight := s.cfg.FieldWeights[field]
				if weight == 0 {
					weight = 1.0
				}
				avgLen := s.avgFieldLen[field]
				if avgLen == 0 {
					avgLen = 1
				}
				norm := 1 - s.cfg.B + s.cfg.B*(float64(occ.FieldLength)/avgLen)
				tf := float64(occ.TF) * (s.cfg.K1 + 1) / (float64(occ.TF) + s.cfg.K1*norm)
				scores[docID] += idf * tf * weight
			}
		}
	}

	if s.cfg.VectorAlpha > 0 && queryEmbedding != nil {
		for docID, d := range s.docs {
			if len(d.meta.Embedding) == 0 {
				continue
			}
			cos := cosineSimilarity(queryEmbedding, d.meta.Embedding)
			lexical := scores[docID]
			scores[docID] = (1-s.cfg.VectorAlpha)*lexical + s.cfg.VectorAlpha*cos
		}
	}

	out := make([]Result, 0, len(scores))
	for id, sc := range scores {
		out = append(out, Result{DocID: id, Score: sc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func (s *Scorer) idf(docFreq int) float64 {
	n := float64(s.docCount)
	if n == 0 {
		n = 1
	}
	df := float64(docFreq)
	if df == 0 {
		df = 1
	}
	return math.Log(1 + (n-df+0.5)/(df+0.5))
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
