package embed

import (
	"context"
	"hash/fnv"
)

// Local is a lightweight, dependency-free "local sentence-transformer"
// stand-in: a deterministic hashed bag-of-words embedding. The spec
// treats the real local model as an external collaborator addressed only
// by the abstract contract (§1 Non-goals: "the embedding-provider
// adapters themselves"); this implementation exists so the vector layer
// is exercisable end-to-end without a network dependency or a heavyweight
// ONNX/ML runtime that has no precedent anywhere in the example corpus.
type Local struct {
	dim int
}

func NewLocal(dim int) *Local {
	if dim <= 0 {
		dim = 384
	}
	return &Local{dim: dim}
}

func (l *Local) Dimension() int    { return l.dim }
func (l *Local) IsAvailable() bool { return true }

func (l *Local) Encode(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, l.dim)
	h := fnv.New64a()
	for _, tok := range tokenize(text) {
		h.Reset()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		v[int(sum%uint64(l.dim))] += 1.0
	}
	Normalize(v)
	return v, nil
}

func (l *Local) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := l.Encode(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func tokenize(s string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			flush()
			continue
		}
		cur = append(cur, r)
	}
	flush()
	return out
}
