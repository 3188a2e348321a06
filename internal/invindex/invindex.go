// Package invindex implements InvertedIndex: lower-cased keyword -> set of
// item ids, persisted as a JSON snapshot plus a JSONL write-ahead log,
// compacted once the WAL grows past a threshold (spec §4.3).
package invindex

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/recallsystems/recall/internal/errs"
)

const defaultCompactThreshold = 10_000

type walRecord struct {
	Keyword string `json:"keyword"`
	ItemID  string `json:"item_id"`
	Remove  bool   `json:"remove,omitempty"`
}

// Index is the InvertedIndex.
type Index struct {
	mu                sync.Mutex
	snapshotPath       string
	walPath            string
	data               map[string]map[string]struct{}
	walLen             int
	compactThreshold   int
	log                zerolog.Logger
	walFile            *os.File
}

// Open loads the snapshot, replays the WAL, then compacts: the replayed
// state is folded into a fresh snapshot and the WAL is truncated, so a
// recovered WAL never lingers past the Open call that recovered it.
// Malformed snapshot or WAL lines are skipped with a warning, per the
// IndexCorruption recovery semantics.
func Open(dataRoot string, log zerolog.Logger) (*Index, error) {
	dir := filepath.Join(dataRoot, "indexes")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New(errs.KindIoError, "InvertedIndex.Open", "mkdir", err)
	}
	idx := &Index{
		snapshotPath:     filepath.Join(dir, "inverted_index.json"),
		walPath:          filepath.Join(dir, "inverted_wal.jsonl"),
		data:             make(map[string]map[string]struct{}),
		compactThreshold: defaultCompactThreshold,
		log:              log.With().Str("component", "InvertedIndex").Logger(),
	}
	if err := idx.loadSnapshot(); err != nil {
		idx.log.Warn().Err(err).Msg("snapshot unreadable, starting from empty + WAL replay")
	}
	if err := idx.replayWAL(); err != nil {
		idx.log.Warn().Err(err).Msg("WAL replay encountered errors")
	}
	// Fold whatever the WAL replay applied back into the snapshot and
	// truncate the WAL, so a recovered WAL is compacted immediately
	// rather than left to grow again from wherever replay left off.
	idx.mu.Lock()
	err := idx.compactLocked()
	idx.mu.Unlock()
	if err != nil {
		return nil, errs.New(errs.KindIoError, "InvertedIndex.Open", "post-recovery compaction", err)
	}
	return idx, nil
}

func (idx *Index) loadSnapshot() error {
	b, err := os.ReadFile(idx.snapshotPath)
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
	for kw, ids := range raw {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		idx.data[kw] = set
	}
	return nil
}

func (idx *Index) replayWAL() error {
	f, err := os.Open(idx.walPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			idx.log.Warn().Err(err).Msg("skipping malformed WAL line")
			continue
		}
		idx.applyLocked(rec)
		idx.walLen++
	}
	return nil
}

func (idx *Index) applyLocked(rec walRecord) {
	if rec.Remove {
		if set, ok := idx.data[rec.Keyword]; ok {
			delete(set, rec.ItemID)
		}
		return
	}
	set, ok := idx.data[rec.Keyword]
	if !ok {
		set = make(map[string]struct{})
		idx.data[rec.Keyword] = set
	}
	set[rec.ItemID] = struct{}{}
}

func (idx *Index) appendWALLocked(rec walRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := idx.walFile.Write(append(line, '\n')); err != nil {
		return errs.New(errs.KindIoError, "InvertedIndex.appendWAL", "write", err)
	}
	idx.walLen++
	if idx.walLen > idx.compactThreshold {
		if err := idx.compactLocked(); err != nil {
			idx.log.Warn().Err(err).Msg("compaction failed, continuing with growing WAL")
		}
	}
	return nil
}

// Add appends one WAL line and updates the in-memory map.
func (idx *Index) Add(keyword, itemID string) error {
	keyword = strings.ToLower(keyword)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rec := walRecord{Keyword: keyword, ItemID: itemID}
	idx.applyLocked(rec)
	return idx.appendWALLocked(rec)
}

// AddBatch appends many keyword->id pairs for one item under one lock
// acquisition, writing one WAL line per keyword.
func (idx *Index) AddBatch(keywords []string, itemID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, kw := range keywords {
		kw = strings.ToLower(kw)
		rec := walRecord{Keyword: kw, ItemID: itemID}
		idx.applyLocked(rec)
		if err := idx.appendWALLocked(rec); err != nil {
			return err
		}
	}
	return nil
}

// Search returns the item id set for one keyword.
func (idx *Index) Search(keyword string) map[string]struct{} {
	keyword = strings.ToLower(keyword)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make(map[string]struct{})
	for id := range idx.data[keyword] {
		out[id] = struct{}{}
	}
	return out
}

// SearchAll returns the intersection of the id sets for every keyword.
func (idx *Index) SearchAll(keywords []string) map[string]struct{} {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(keywords) == 0 {
		return map[string]struct{}{}
	}
	result := idx.copySetLocked(strings.ToLower(keywords[0]))
	for _, kw := range keywords[1:] {
		next := idx.data[strings.ToLower(kw)]
		for id := range result {
			if _, ok := next[id]; !ok {
				delete(result, id)
			}
		}
	}
	return result
}

// SearchAny returns the union of the id sets for every keyword.
func (idx *Index) SearchAny(keywords []string) map[string]struct{} {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make(map[string]struct{})
	for _, kw := range keywords {
		for id := range idx.data[strings.ToLower(kw)] {
			out[id] = struct{}{}
		}
	}
	return out
}

func (idx *Index) copySetLocked(keyword string) map[string]struct{} {
	out := make(map[string]struct{}, len(idx.data[keyword]))
	for id := range idx.data[keyword] {
		out[id] = struct{}{}
	}
	return out
}

// RemoveByIDs drops the given item ids from every keyword's set.
func (idx *Index) RemoveByIDs(itemIDs map[string]struct{}) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for kw, set := range idx.data {
		for id := range itemIDs {
			if _, ok := set[id]; ok {
				delete(set, id)
				if err := idx.appendWALLocked(walRecord{Keyword: kw, ItemID: id, Remove: true}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Clear wipes every keyword entry, used by Engine.Reset for a full
// factory reset.
func (idx *Index) Clear() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.data = make(map[string]map[string]struct{})
	return idx.compactLocked()
}

// compactLocked rewrites the snapshot atomically via temp-file rename and
// truncates the WAL. Caller must hold idx.mu.
func (idx *Index) compactLocked() error {
	raw := make(map[string][]string, len(idx.data))
	for kw, set := range idx.data {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		raw[kw] = ids
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	tmp := idx.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errs.New(errs.KindIoError, "InvertedIndex.compact", "write temp snapshot", err)
	}
	if err := os.Rename(tmp, idx.snapshotPath); err != nil {
		return errs.New(errs.KindIoError, "InvertedIndex.compact", "rename snapshot", err)
	}

	if idx.walFile != nil {
		idx.walFile.Close()
	}
	f, err := os.Create(idx.walPath)
	if err != nil {
		return errs.New(errs.KindIoError, "InvertedIndex.compact", "truncate wal", err)
	}
	idx.walFile = f
	idx.walLen = 0
	return nil
}

// Flush forces a snapshot compaction; an exit hook calls this so the WAL
// never needs recovery on the next open.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.compactLocked()
}

// Close flushes and releases the WAL file handle.
func (idx *Index) Close() error {
	if err := idx.Flush(); err != nil {
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.walFile != nil {
		return idx.walFile.Close()
	}
	return nil
}
