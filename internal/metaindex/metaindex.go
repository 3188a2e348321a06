// Package metaindex implements MetadataIndex: five parallel inverted maps
// keyed by source, tag, category, content_type, and event_date (spec
// §4.6), with AND-intersection query semantics across whichever filters
// are non-empty and a range scan over event_date.
package metaindex

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/recallsystems/recall/internal/errs"
)

const defaultDirtyThreshold = 100

// Query is the set of optional filters MetadataIndex.Query accepts.
type Query struct {
	Source         string
	Tags           []string
	Category       string
	ContentType    string
	EventDateStart string // YYYY-MM-DD, inclusive
	EventDateEnd   string // YYYY-MM-DD, inclusive
}

// Index is the MetadataIndex.
type Index struct {
	mu           sync.Mutex
	path         string
	bySource     map[string]map[string]struct{}
	byTag        map[string]map[string]struct{}
	byCategory   map[string]map[string]struct{}
	byContentType map[string]map[string]struct{}
	byEventDate  map[string]map[string]struct{}
	dirty        int
	dirtyThreshold int
	log          zerolog.Logger
}

type snapshot struct {
	BySource      map[string][]string `json:"by_source"`
	ByTag         map[string][]string `json:"by_tag"`
	ByCategory    map[string][]string `json:"by_category"`
	ByContentType map[string][]string `json:"by_content_type"`
	ByEventDate   map[string][]string `json:"by_event_date"`
}

func Open(dataRoot string, log zerolog.Logger) (*Index, error) {
	dir := filepath.Join(dataRoot, "indexes")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New(errs.KindIoError, "MetadataIndex.Open", "mkdir", err)
	}
	idx := &Index{
		path:           filepath.Join(dir, "metadata_index.json"),
		bySource:       map[string]map[string]struct{}{},
		byTag:          map[string]map[string]struct{}{},
		byCategory:     map[string]map[string]struct{}{},
		byContentType:  map[string]map[string]struct{}{},
		byEventDate:    map[string]map[string]struct{}{},
		dirtyThreshold: defaultDirtyThreshold,
		log:            log.With().Str("component", "MetadataIndex").Logger(),
	}
	if err := idx.load(); err != nil {
		idx.log.Warn().Err(err).Msg("metadata_index.json unreadable, starting empty")
	}
	return idx, nil
}

func toSet(m map[string][]string) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(m))
	for k, ids := range m {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		out[k] = set
	}
	return out
}

func toList(m map[string]map[string]struct{}) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, set := range m {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		out[k] = ids
	}
	return out
}

func (idx *Index) load() error {
	b, err := os.ReadFile(idx.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var s snapshot
	if jerr := json.Unmarshal(b, &s); jerr != nil {
		return jerr
	}
	idx.bySource = toSet(s.BySource)
	idx.byTag = toSet(s.ByTag)
	idx.byCategory = toSet(s.ByCategory)
	idx.byContentType = toSet(s.ByContentType)
	idx.byEventDate = toSet(s.ByEventDate)
	return nil
}

func (idx *Index) persistLocked() error {
	s := snapshot{
		BySource:      toList(idx.bySource),
		ByTag:         toList(idx.byTag),
		ByCategory:    toList(idx.byCategory),
		ByContentType: toList(idx.byContentType),
		ByEventDate:   toList(idx.byEventDate),
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(idx.path, b, 0o644); err != nil {
		return errs.New(errs.KindIoError, "MetadataIndex.persist", "write", err)
	}
	idx.dirty = 0
	return nil
}

func addTo(m map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

// Add indexes one item's metadata fields. eventDate is pre-normalized to
// YYYY-MM-DD by the caller (Engine), matching the spec's normalization
// requirement.
func (idx *Index) Add(id, source string, tags []string, category, contentType, eventDate string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	addTo(idx.bySource, source, id)
	for _, t := range tags {
		addTo(idx.byTag, t, id)
	}
	addTo(idx.byCategory, category, id)
	addTo(idx.byContentType, contentType, id)
	addTo(idx.byEventDate, eventDate, id)

	idx.dirty++
	if idx.dirty >= idx.dirtyThreshold {
		return idx.persistLocked()
	}
	return nil
}

// Query runs the AND-intersection over whichever filters are non-empty;
// EventDateStart/End perform an inclusive range scan over the event_date
// map when either is set.
func (idx *Index) Query(q Query) map[string]struct{} {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var sets []map[string]struct{}
	if q.Source != "" {
		sets = append(sets, idx.bySource[q.Source])
	}
	if q.Category != "" {
		sets = append(sets, idx.byCategory[q.Category])
	}
	if q.ContentType != "" {
		sets = append(sets, idx.byContentType[q.ContentType])
	}
	for _, t := range q.Tags {
		sets = append(sets, idx.byTag[t])
	}
	if q.EventDateStart != "" || q.EventDateEnd != "" {
		sets = append(sets, idx.eventRangeLocked(q.EventDateStart, q.EventDateEnd))
	}

	if len(sets) == 0 {
		return nil // no filters supplied: caller treats nil as "no constraint"
	}
	result := copySet(sets[0])
	for _, s := range sets[1:] {
		for id := range result {
			if _, ok := s[id]; !ok {
				delete(result, id)
			}
		}
	}
	return result
}

func (idx *Index) eventRangeLocked(start, end string) map[string]struct{} {
	dates := make([]string, 0, len(idx.byEventDate))
	for d := range idx.byEventDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	out := make(map[string]struct{})
	for _, d := range dates {
		if start != "" && d < start {
			continue
		}
		if end != "" && d > end {
			continue
		}
		for id := range idx.byEventDate[d] {
			out[id] = struct{}{}
		}
	}
	return out
}

func copySet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// Remove drops id from every map.
func (idx *Index) Remove(id string) error {
	return idx.RemoveBatch(map[string]struct{}{id: {}})
}

// RemoveBatch drops a set of ids from every map.
func (idx *Index) RemoveBatch(ids map[string]struct{}) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, m := range []map[string]map[string]struct{}{
		idx.bySource, idx.byTag, idx.byCategory, idx.byContentType, idx.byEventDate,
	} {
		for _, set := range m {
			for id := range ids {
				delete(set, id)
			}
		}
	}
	idx.dirty += len(ids)
	if idx.dirty >= idx.dirtyThreshold {
		return idx.persistLocked()
	}
	return nil
}

// Clear wipes the index.
func (idx *Index) Clear() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.bySource = map[string]map[string]struct{}{}
	idx.byTag = map[string]map[string]struct{}{}
	idx.byCategory = map[string]map[string]struct{}{}
	idx.byContentType = map[string]map[string]struct{}{}
	idx.byEventDate = map[string]map[string]struct{}{}
	return idx.persistLocked()
}

// Flush forces a persist regardless of the dirty counter, also called on
// process exit per the spec.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.persistLocked()
}
