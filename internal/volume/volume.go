// Package volume implements VolumeStore: the append-only, sharded log of
// raw items, the canonical owner of item content (spec §4.1). Volumes are
// fixed-size buckets of N turns, subdivided into files of M turns each;
// a per-volume advisory lock serializes appends, and reads take only the
// volume's in-process mutex (shared with appends), not the file lock.
package volume

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/recallsystems/recall/internal/errs"
	"github.com/recallsystems/recall/internal/ids"
	"github.com/recallsystems/recall/internal/model"
)

const (
	defaultVolumeSize = 100_000
	defaultFileSize   = 10_000
)

// Manifest is the top-level `<data_root>/manifest.json` document.
type Manifest struct {
	TotalTurns   int64     `json:"total_turns"`
	LatestVolume int       `json:"latest_volume"`
	CreatedAt    time.Time `json:"created_at"`
}

// volumeIndex is the per-volume `volume_index.json`: maps item id to the
// absolute turn number, for O(1) getById within a loaded volume.
type volumeIndex struct {
	ByID map[string]int64 `json:"by_id"`
}

type volumeState struct {
	mu      sync.Mutex // per-volume exclusive append lock
	num     int
	dir     string
	index   volumeIndex
	cached  map[int64]*model.Item // turn -> item, only when preloaded
	preload bool
	lockFD  int
}

// Store is the VolumeStore.
type Store struct {
	root          string
	volumeSize    int64
	fileSize      int64
	preloadCount  int
	log           zerolog.Logger

	mu       sync.RWMutex // guards manifest + volumes map structure (not per-append)
	manifest Manifest
	volumes  map[int]*volumeState
	idToTurn map[string]int64 // global id -> turn index; rebuildable from disk
}

// Option configures Store construction.
type Option func(*Store)

func WithVolumeSize(n int64) Option { return func(s *Store) { s.volumeSize = n } }
func WithFileSize(n int64) Option   { return func(s *Store) { s.fileSize = n } }
func WithPreloadVolumes(n int) Option { return func(s *Store) { s.preloadCount = n } }

// Open loads or initializes a VolumeStore rooted at dataRoot/L3_archive.
func Open(dataRoot string, log zerolog.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		root:         filepath.Join(dataRoot, "L3_archive"),
		volumeSize:   defaultVolumeSize,
		fileSize:     defaultFileSize,
		preloadCount: 2,
		log:          log.With().Str("component", "VolumeStore").Logger(),
		volumes:      make(map[int]*volumeState),
		idToTurn:     make(map[string]int64),
	}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, errs.New(errs.KindIoError, "VolumeStore.Open", "mkdir root", err)
	}
	if err := s.loadManifest(dataRoot); err != nil {
		return nil, err
	}
	if err := s.rebuildIDIndex(); err != nil {
		// Index corruption during startup rebuild is non-fatal; we proceed
		// with whatever was recovered, per §7.
		s.log.Warn().Err(err).Msg("partial id index rebuild")
	}
	return s, nil
}

func (s *Store) manifestPath() string { return filepath.Join(filepath.Dir(s.root), "manifest.json") }

func (s *Store) loadManifest(dataRoot string) error {
	path := filepath.Join(dataRoot, "manifest.json")
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.manifest = Manifest{CreatedAt: time.Now()}
		return s.writeManifest(dataRoot)
	}
	if err != nil {
		return errs.New(errs.KindIoError, "VolumeStore.loadManifest", "read manifest", err)
	}
	var m Manifest
	if jerr := json.Unmarshal(b, &m); jerr != nil {
		s.log.Warn().Err(jerr).Msg("manifest malformed, reinitializing")
		s.manifest = Manifest{CreatedAt: time.Now()}
		return s.writeManifest(dataRoot)
	}
	s.manifest = m
	return nil
}

func (s *Store) writeManifest(dataRoot string) error {
	b, err := json.MarshalIndent(s.manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataRoot, "manifest.json"), b, 0o644)
}

func volumeDirName(n int) string { return "volume_" + pad(n, 4) }

func pad(n, width int) string {
	s := strconv.Itoa(n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

func (s *Store) volumeNumFor(turn int64) int { return int(turn / s.volumeSize) }
func (s *Store) fileNumFor(turn int64) int64 { return turn % s.volumeSize / s.fileSize }

func (s *Store) fileRangeName(fileNum int64) string {
	start := fileNum * s.fileSize
	end := start + s.fileSize - 1
	return "turns_" + pad(int(start), 5) + "_" + pad(int(end), 5) + ".jsonl"
}

// getOrOpenVolume returns the in-memory volumeState for volume n, creating
// its directory and acquiring its advisory lock file if needed.
func (s *Store) getOrOpenVolume(n int) (*volumeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.volumes[n]; ok {
		return v, nil
	}
	dir := filepath.Join(s.root, volumeDirName(n))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New(errs.KindIoError, "VolumeStore.getOrOpenVolume", "mkdir volume", err)
	}
	v := &volumeState{num: n, dir: dir, cached: make(map[int64]*model.Item)}
	if err := v.loadIndex(); err != nil {
		s.log.Warn().Err(err).Int("volume", n).Msg("volume_index.json unreadable, rebuilding lazily")
	}
	lockPath := filepath.Join(dir, ".lock")
	fd, ferr := unix.Open(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if ferr == nil {
		v.lockFD = fd
	}
	s.volumes[n] = v
	return v, nil
}

func (v *volumeState) indexPath() string { return filepath.Join(v.dir, "volume_index.json") }

func (v *volumeState) loadIndex() error {
	b, err := os.ReadFile(v.indexPath())
	if os.IsNotExist(err) {
		v.index = volumeIndex{ByID: map[string]int64{}}
		return nil
	}
	if err != nil {
		return err
	}
	var idx volumeIndex
	if err := json.Unmarshal(b, &idx); err != nil {
		v.index = volumeIndex{ByID: map[string]int64{}}
		return err
	}
	v.index = idx
	if v.index.ByID == nil {
		v.index.ByID = map[string]int64{}
	}
	return nil
}

func (v *volumeState) saveIndex() error {
	b, err := json.Marshal(v.index)
	if err != nil {
		return err
	}
	return os.WriteFile(v.indexPath(), b, 0o644)
}

// lockFile acquires the volume's OS advisory lock for the duration of an
// append; this is the mechanism called out in DESIGN NOTES §9 as the
// replacement for a process-global mutex, allowing (but not guaranteeing
// safety across) multiple processes sharing a data root.
func (v *volumeState) lockFile() error {
	if v.lockFD == 0 {
		return nil
	}
	return unix.Flock(v.lockFD, unix.LOCK_EX)
}

func (v *volumeState) unlockFile() {
	if v.lockFD != 0 {
		_ = unix.Flock(v.lockFD, unix.LOCK_UN)
	}
}

// Append assigns the next strictly-monotonic turn number, persists the
// item as one JSON-Lines record in the appropriate volume/file, and
// updates the in-memory cache and id index.
func (s *Store) Append(ctx context.Context, item *model.Item) (int64, error) {
	if item.ID == "" {
		item.ID = ids.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	s.mu.Lock()
	turn := s.manifest.TotalTurns
	item.TurnNumber = turn
	s.manifest.TotalTurns++
	vnum := s.volumeNumFor(turn)
	if vnum > s.manifest.LatestVolume {
		s.manifest.LatestVolume = vnum
	}
	s.mu.Unlock()

	v, err := s.getOrOpenVolume(vnum)
	if err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.lockFile(); err != nil {
		return 0, errs.New(errs.KindIoError, "VolumeStore.Append", "flock", err)
	}
	defer v.unlockFile()

	fname := s.fileRangeName(s.fileNumFor(turn))
	f, err := os.OpenFile(filepath.Join(v.dir, fname), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, errs.New(errs.KindIoError, "VolumeStore.Append", "open data file", err)
	}
	defer f.Close()

	line, err := json.Marshal(item)
	if err != nil {
		return 0, errs.New(errs.KindIoError, "VolumeStore.Append", "marshal item", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return 0, errs.New(errs.KindIoError, "VolumeStore.Append", "write", err)
	}

	v.index.ByID[item.ID] = turn
	v.cached[turn] = item
	if err := v.saveIndex(); err != nil {
		s.log.Warn().Err(err).Msg("volume_index.json save failed")
	}

	s.mu.Lock()
	s.idToTurn[item.ID] = turn
	manifestCopy := s.manifest
	s.mu.Unlock()
	_ = manifestCopy // checkpoint frequency is a Maintainer concern; manifest
	// is rewritten here on every append to satisfy "rewritten after every
	// checkpoint" with the simplest interpretation (every append is a
	// checkpoint boundary).
	if err := s.writeManifestLocked(); err != nil {
		s.log.Warn().Err(err).Msg("manifest write failed")
	}

	return turn, nil
}

func (s *Store) writeManifestLocked() error {
	s.mu.RLock()
	m := s.manifest
	s.mu.RUnlock()
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(filepath.Dir(s.root), "manifest.json"), b, 0o644)
}

// GetByTurn returns the item at turn n in O(1), loading its volume/file if
// not already cached.
func (s *Store) GetByTurn(turn int64) (*model.Item, error) {
	vnum := s.volumeNumFor(turn)
	v, err := s.getOrOpenVolume(vnum)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if item, ok := v.cached[turn]; ok {
		return item, nil
	}
	item, err := s.scanFileForTurn(v, turn)
	if err != nil {
		return nil, err
	}
	if item != nil {
		v.cached[turn] = item
	}
	return item, nil
}

func (s *Store) scanFileForTurn(v *volumeState, turn int64) (*model.Item, error) {
	fname := s.fileRangeName(s.fileNumFor(turn))
	f, err := os.Open(filepath.Join(v.dir, fname))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New(errs.KindIoError, "VolumeStore.GetByTurn", "open data file", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var it model.Item
		if err := json.Unmarshal(line, &it); err != nil {
			// Partial trailing line from a crash mid-write: tolerated.
			continue
		}
		if it.TurnNumber == turn {
			return &it, nil
		}
	}
	return nil, nil
}

// GetByID returns the item for id, first via the global id->turn index,
// falling back to an exhaustive scan of every volume/file — the "100%
// recall" guarantee: no id is ever silently lost even if the in-memory
// index is stale or was never rebuilt for a given volume.
func (s *Store) GetByID(id string) (*model.Item, error) {
	s.mu.RLock()
	turn, ok := s.idToTurn[id]
	s.mu.RUnlock()
	if ok {
		return s.GetByTurn(turn)
	}

	// Fallback: scan every volume's index, then every volume's files.
	s.mu.RLock()
	latest := s.manifest.LatestVolume
	s.mu.RUnlock()

	for vn := 0; vn <= latest; vn++ {
		v, err := s.getOrOpenVolume(vn)
		if err != nil {
			continue
		}
		v.mu.Lock()
		if t, ok := v.index.ByID[id]; ok {
			v.mu.Unlock()
			return s.GetByTurn(t)
		}
		v.mu.Unlock()

		item, err := s.linearScanVolumeForID(v, id)
		if err != nil {
			return nil, err
		}
		if item != nil {
			s.mu.Lock()
			s.idToTurn[id] = item.TurnNumber
			s.mu.Unlock()
			return item, nil
		}
	}
	return nil, nil
}

func (s *Store) linearScanVolumeForID(v *volumeState, id string) (*model.Item, error) {
	entries, err := os.ReadDir(v.dir)
	if err != nil {
		return nil, errs.New(errs.KindIoError, "VolumeStore.linearScanVolumeForID", "readdir", err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "turns_") {
			continue
		}
		f, err := os.Open(filepath.Join(v.dir, e.Name()))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			var it model.Item
			if err := json.Unmarshal(scanner.Bytes(), &it); err != nil {
				continue
			}
			if it.ID == id {
				f.Close()
				return &it, nil
			}
		}
		f.Close()
	}
	return nil, nil
}

// SearchContent performs the exhaustive substring scan that backs the
// 100%-literal-recall fallback invariant: acts as the last-resort matcher
// when every structured index misses.
func (s *Store) SearchContent(substr string, maxResults int) ([]*model.Item, error) {
	s.mu.RLock()
	latest := s.manifest.LatestVolume
	s.mu.RUnlock()

	var out []*model.Item
	for vn := 0; vn <= latest && (maxResults <= 0 || len(out) < maxResults); vn++ {
		v, err := s.getOrOpenVolume(vn)
		if err != nil {
			continue
		}
		entries, err := os.ReadDir(v.dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), "turns_") {
				continue
			}
			f, err := os.Open(filepath.Join(v.dir, e.Name()))
			if err != nil {
				continue
			}
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
			for scanner.Scan() {
				var it model.Item
				if err := json.Unmarshal(scanner.Bytes(), &it); err != nil {
					continue
				}
				if strings.Contains(it.Content, substr) {
					cp := it
					out = append(out, &cp)
					if maxResults > 0 && len(out) >= maxResults {
						break
					}
				}
			}
			f.Close()
			if maxResults > 0 && len(out) >= maxResults {
				break
			}
		}
	}
	return out, nil
}

// Cursor is a restartable, lazy iterator over items in volume/turn order,
// replacing the source's streaming generators per DESIGN NOTES §9.
type Cursor struct {
	store *Store
	next  int64
	total int64
}

// Cursor returns a fresh cursor starting at turn 0.
func (s *Store) Cursor() *Cursor {
	s.mu.RLock()
	total := s.manifest.TotalTurns
	s.mu.RUnlock()
	return &Cursor{store: s, next: 0, total: total}
}

// Next returns the next item in turn order, or nil when exhausted.
func (c *Cursor) Next() (*model.Item, error) {
	if c.next >= c.total {
		return nil, nil
	}
	item, err := c.store.GetByTurn(c.next)
	c.next++
	return item, err
}

// rebuildIDIndex walks every existing volume_index.json at startup to
// populate the global id->turn map without reading data files; a missing
// or corrupt volume_index.json degrades gracefully (GetByID still works
// via the linear-scan fallback).
func (s *Store) rebuildIDIndex() error {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.New(errs.KindIoError, "VolumeStore.rebuildIDIndex", "readdir root", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "volume_") {
			continue
		}
		numStr := strings.TrimPrefix(e.Name(), "volume_")
		n, err := strconv.Atoi(numStr)
		if err != nil {
			continue
		}
		v, err := s.getOrOpenVolume(n)
		if err != nil {
			continue
		}
		v.mu.Lock()
		for id, turn := range v.index.ByID {
			s.mu.Lock()
			s.idToTurn[id] = turn
			s.mu.Unlock()
		}
		v.mu.Unlock()
	}
	return nil
}

// Flush force-persists the manifest and every loaded volume's index.
func (s *Store) Flush() error {
	s.mu.Lock()
	vs := make([]*volumeState, 0, len(s.volumes))
	for _, v := range s.volumes {
		vs = append(vs, v)
	}
	s.mu.Unlock()

	for _, v := range vs {
		v.mu.Lock()
		_ = v.saveIndex()
		v.mu.Unlock()
	}
	return s.writeManifestLocked()
}

// Clear erases all volumes; used by Engine.clear(scope) style operations
// at the top level (a full reset, not per-scope — scope-level deletes are
// modeled at the ScopeStore/index layer since VolumeStore content is
// cross-scope by design).
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.root); err != nil {
		return errs.New(errs.KindIoError, "VolumeStore.Clear", "rm root", err)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return errs.New(errs.KindIoError, "VolumeStore.Clear", "mkdir root", err)
	}
	s.volumes = make(map[int]*volumeState)
	s.idToTurn = make(map[string]int64)
	s.manifest = Manifest{CreatedAt: time.Now()}
	return nil
}

// TotalTurns reports the current monotonic turn counter.
func (s *Store) TotalTurns() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifest.TotalTurns
}
