// Package ngramindex implements NgramIndex: noun-phrase (2-4 char CJK run
// / >=3 char ASCII word) -> set of item ids, the substring-robust fallback
// that makes recall close to 100% for unusual tokens (spec §4.5).
// Decomposition and stop-word filtering are grounded on the teacher's
// pkg/implicit-matcher/dictionary.go CanonicalizeForMatch/TokenizeWithOffsets
// approach and github.com/orsinium-labs/stopwords.
package ngramindex

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/orsinium-labs/stopwords"
	"github.com/rs/zerolog"

	"github.com/recallsystems/recall/internal/errs"
)

var enStop = stopwords.MustGet("en")

// Index is the NgramIndex.
type Index struct {
	mu   sync.Mutex
	path string
	data map[string]map[string]struct{}
	log  zerolog.Logger
}

func Open(dataRoot string, log zerolog.Logger) (*Index, error) {
	dir := filepath.Join(dataRoot, "indexes")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New(errs.KindIoError, "NgramIndex.Open", "mkdir", err)
	}
	idx := &Index{
		path: filepath.Join(dir, "ngram_index.json"),
		data: make(map[string]map[string]struct{}),
		log:  log.With().Str("component", "NgramIndex").Logger(),
	}
	if err := idx.load(); err != nil {
		idx.log.Warn().Err(err).Msg("ngram_index.json unreadable, starting empty")
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
	var raw map[string][]string
	if jerr := json.Unmarshal(b, &raw); jerr != nil {
		return jerr
	}
	for phrase, ids := range raw {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		idx.data[phrase] = set
	}
	return nil
}

func (idx *Index) persistLocked() error {
	raw := make(map[string][]string, len(idx.data))
	for phrase, set := range idx.data {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		raw[phrase] = ids
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(idx.path, b, 0o644)
}

// decompose extracts CJK runs of length 2-4 and ASCII words of length >=3,
// minus stop words.
func decompose(content string) []string {
	var out []string
	runes := []rune(content)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case isCJK(r):
			j := i
			for j < len(runes) && isCJK(runes[j]) {
				j++
			}
			run := runes[i:j]
			for length := 2; length <= 4; length++ {
				for start := 0; start+length <= len(run); start++ {
					out = append(out, string(run[start:start+length]))
				}
			}
			i = j
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j])) {
				j++
			}
			word := strings.ToLower(string(runes[i:j]))
			if len(word) >= 3 && !enStop.Contains(word) {
				out = append(out, word)
			}
			i = j
		default:
			i++
		}
	}
	return out
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || (r >= 0x3400 && r <= 0x4DBF)
}

// Add decomposes content into phrases and appends item id to each.
func (idx *Index) Add(itemID, content string) error {
	phrases := decompose(content)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, p := range phrases {
		set, ok := idx.data[p]
		if !ok {
			set = make(map[string]struct{})
			idx.data[p] = set
		}
		set[itemID] = struct{}{}
	}
	return idx.persistLocked()
}

// Search decomposes query the same way and returns the union of matches.
func (idx *Index) Search(query string) map[string]struct{} {
	phrases := decompose(query)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make(map[string]struct{})
	for _, p := range phrases {
		for id := range idx.data[p] {
			out[id] = struct{}{}
		}
	}
	return out
}

// RemoveByIDs drops item ids from every phrase's set.
func (idx *Index) RemoveByIDs(itemIDs map[string]struct{}) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, set := range idx.data {
		for id := range itemIDs {
			delete(set, id)
		}
	}
	return idx.persistLocked()
}

func (idx *Index) Clear() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.data = make(map[string]map[string]struct{})
	return idx.persistLocked()
}
