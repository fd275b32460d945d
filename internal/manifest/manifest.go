// Package manifest maintains the authoritative, durable list of live
// SSTables: an atomically-rewritten JSON file, with advisory recovery by
// scanning the data directory when the file is missing or corrupt.
package manifest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/segmentdb/segmentdb/internal/logging"
	"github.com/segmentdb/segmentdb/internal/sstable"
)

const formatVersion = 1

const fileName = "MANIFEST"

// Entry is one live SSTable's durable metadata record.
type Entry struct {
	ID         uint64    `json:"id"`
	Filename   string    `json:"filename"`
	Level      uint8     `json:"level"`
	MinKey     []byte    `json:"min_key"`
	MaxKey     []byte    `json:"max_key"`
	EntryCount uint32    `json:"entry_count"`
	FileSize   int64     `json:"file_size"`
	CreatedAt  time.Time `json:"created_at"`
}

// wireEntry mirrors Entry but with keys base64-encoded, since JSON strings
// must be valid UTF-8 and keys are arbitrary bytes.
type wireEntry struct {
	ID         uint64    `json:"id"`
	Filename   string    `json:"filename"`
	Level      uint8     `json:"level"`
	MinKey     string    `json:"min_key"`
	MaxKey     string    `json:"max_key"`
	EntryCount uint32    `json:"entry_count"`
	FileSize   int64     `json:"file_size"`
	CreatedAt  time.Time `json:"created_at"`
}

func (e Entry) toWire() wireEntry {
	return wireEntry{
		ID:         e.ID,
		Filename:   e.Filename,
		Level:      e.Level,
		MinKey:     base64.StdEncoding.EncodeToString(e.MinKey),
		MaxKey:     base64.StdEncoding.EncodeToString(e.MaxKey),
		EntryCount: e.EntryCount,
		FileSize:   e.FileSize,
		CreatedAt:  e.CreatedAt,
	}
}

func (w wireEntry) toEntry() (Entry, error) {
	minKey, err := base64.StdEncoding.DecodeString(w.MinKey)
	if err != nil {
		return Entry{}, fmt.Errorf("manifest: decode min_key: %w", err)
	}
	maxKey, err := base64.StdEncoding.DecodeString(w.MaxKey)
	if err != nil {
		return Entry{}, fmt.Errorf("manifest: decode max_key: %w", err)
	}
	return Entry{
		ID:         w.ID,
		Filename:   w.Filename,
		Level:      w.Level,
		MinKey:     minKey,
		MaxKey:     maxKey,
		EntryCount: w.EntryCount,
		FileSize:   w.FileSize,
		CreatedAt:  w.CreatedAt,
	}, nil
}

type wireManifest struct {
	Version       int         `json:"version"`
	NextSSTableID uint64      `json:"next_sstable_id"`
	SSTables      []wireEntry `json:"sstables"`
}

// Manifest is the in-memory, mutex-guarded view of the durable manifest
// file. Every mutation is followed by a full atomic rewrite.
type Manifest struct {
	mu       sync.RWMutex
	dir      string
	nextID   uint64
	sstables map[uint64]Entry
	logger   log.Logger
}

// Option configures a Manifest.
type Option func(*Manifest)

// WithLogger sets the logger manifest rewrites are reported on. Unset, a
// Manifest logs at Info to stderr like any other standalone use of the
// package.
func WithLogger(l log.Logger) Option {
	return func(m *Manifest) { m.logger = l }
}

// Open loads the manifest from dir, or recovers one by scanning *.sst
// files if the manifest is missing or fails to parse.
func Open(dir string, opts ...Option) (*Manifest, error) {
	path := filepath.Join(dir, fileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return recoverFromDisk(dir, opts)
		}
		return nil, fmt.Errorf("manifest: read: %w", err)
	}

	var wire wireManifest
	if err := json.Unmarshal(data, &wire); err != nil {
		return recoverFromDisk(dir, opts)
	}

	m := newManifest(dir, opts)
	m.nextID = wire.NextSSTableID
	for _, w := range wire.SSTables {
		e, err := w.toEntry()
		if err != nil {
			return recoverFromDisk(dir, opts)
		}
		m.sstables[e.ID] = e
	}
	return m, nil
}

// newManifest constructs a Manifest with its logger defaulted, ready to have
// its fields populated by a caller.
func newManifest(dir string, opts []Option) *Manifest {
	m := &Manifest{
		dir:      dir,
		sstables: make(map[uint64]Entry),
		logger:   logging.New("info"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// recoverFromDisk rebuilds a manifest by opening every *.sst file under dir and
// reading its metadata directly, for use when the manifest file is
// missing or unreadable. It also unlinks any stray .tmp files left behind
// by an interrupted SSTable write.
func recoverFromDisk(dir string, opts []Option) (*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("manifest: create dir: %w", err)
			}
			return newManifest(dir, opts), nil
		}
		return nil, fmt.Errorf("manifest: read dir: %w", err)
	}

	m := newManifest(dir, opts)

	for _, de := range entries {
		name := de.Name()
		switch {
		case filepath.Ext(name) == ".tmp":
			_ = os.Remove(filepath.Join(dir, name))
		case filepath.Ext(name) == ".sst":
			e, id, err := recoverEntry(dir, name)
			if err != nil {
				return nil, fmt.Errorf("manifest: recover %s: %w", name, err)
			}
			m.sstables[e.ID] = e
			if id >= m.nextID {
				m.nextID = id + 1
			}
		}
	}

	if err := m.rewrite(); err != nil {
		return nil, err
	}
	return m, nil
}

func recoverEntry(dir, name string) (Entry, uint64, error) {
	r, err := sstable.Open(filepath.Join(dir, name))
	if err != nil {
		return Entry{}, 0, err
	}
	defer r.Close()

	min, max, err := r.MinMaxKeys()
	if err != nil {
		return Entry{}, 0, err
	}

	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		return Entry{}, 0, err
	}

	var id uint64
	if _, err := fmt.Sscanf(name, "sst-%d.sst", &id); err != nil {
		return Entry{}, 0, fmt.Errorf("unparsable sstable filename %q: %w", name, err)
	}

	return Entry{
		ID:         id,
		Filename:   name,
		Level:      r.Level(),
		MinKey:     min,
		MaxKey:     max,
		EntryCount: r.EntryCount(),
		FileSize:   info.Size(),
		CreatedAt:  info.ModTime(),
	}, id, nil
}

// AllocateID reserves and returns the next unused SSTable ID.
func (m *Manifest) AllocateID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	return id
}

// Add registers a newly published SSTable and durably rewrites the
// manifest.
func (m *Manifest) Add(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sstables[e.ID] = e
	if e.ID >= m.nextID {
		m.nextID = e.ID + 1
	}
	return m.rewrite()
}

// Swap atomically replaces the set of inputs with the set of outputs —
// used by compaction to retire merged SSTables and publish their
// replacements in one durable rewrite.
func (m *Manifest) Swap(inputIDs []uint64, outputs []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range inputIDs {
		delete(m.sstables, id)
	}
	for _, e := range outputs {
		m.sstables[e.ID] = e
		if e.ID >= m.nextID {
			m.nextID = e.ID + 1
		}
	}
	return m.rewrite()
}

// Remove drops a set of SSTable IDs from the manifest and durably
// rewrites it.
func (m *Manifest) Remove(ids []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.sstables, id)
	}
	return m.rewrite()
}

// Entries returns a snapshot of every live SSTable, across all levels.
func (m *Manifest) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.sstables))
	for _, e := range m.sstables {
		out = append(out, e)
	}
	return out
}

// Level returns the live entries at a given level, sorted newest-created
// first — the order a point lookup should probe level 0 in, since any
// key may appear in more than one overlapping level-0 table.
func (m *Manifest) Level(level uint8) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.sstables {
		if e.Level == level {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Candidates returns the live SSTables that might contain key, in probe
// order: level 0 newest-first (since level-0 ranges overlap), then
// levels 1..max in ascending order, each filtered to the entries whose
// [MinKey, MaxKey] range could contain key (levels ≥ 1 are
// non-overlapping, so at most one entry per level survives the filter).
func (m *Manifest) Candidates(key []byte) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byLevel := make(map[uint8][]Entry)
	maxLevel := uint8(0)
	for _, e := range m.sstables {
		byLevel[e.Level] = append(byLevel[e.Level], e)
		if e.Level > maxLevel {
			maxLevel = e.Level
		}
	}

	var out []Entry
	l0 := byLevel[0]
	sort.Slice(l0, func(i, j int) bool { return l0[i].CreatedAt.After(l0[j].CreatedAt) })
	for _, e := range l0 {
		if inRange(key, e) {
			out = append(out, e)
		}
	}

	for level := uint8(1); level <= maxLevel; level++ {
		entries := byLevel[level]
		sort.Slice(entries, func(i, j int) bool { return string(entries[i].MinKey) < string(entries[j].MinKey) })
		idx := sort.Search(len(entries), func(i int) bool { return string(entries[i].MaxKey) >= string(key) })
		if idx < len(entries) && inRange(key, entries[idx]) {
			out = append(out, entries[idx])
		}
	}
	return out
}

func inRange(key []byte, e Entry) bool {
	return string(key) >= string(e.MinKey) && string(key) <= string(e.MaxKey)
}

// rewrite performs the atomic temp-file-then-rename publication of the
// manifest: write to MANIFEST.tmp, fsync the file, rename over the live
// path, then fsync the containing directory.
func (m *Manifest) rewrite() error {
	wire := wireManifest{
		Version:       formatVersion,
		NextSSTableID: m.nextID,
		SSTables:      make([]wireEntry, 0, len(m.sstables)),
	}
	ids := make([]uint64, 0, len(m.sstables))
	for id := range m.sstables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		wire.SSTables = append(wire.SSTables, m.sstables[id].toWire())
	}

	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}

	tmpPath := filepath.Join(m.dir, fileName+".tmp")
	finalPath := filepath.Join(m.dir, fileName)

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("manifest: create temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("manifest: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("manifest: fsync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("manifest: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("manifest: rename: %w", err)
	}

	dirF, err := os.Open(m.dir)
	if err != nil {
		return fmt.Errorf("manifest: open dir for fsync: %w", err)
	}
	defer dirF.Close()
	if err := dirF.Sync(); err != nil {
		return fmt.Errorf("manifest: fsync dir: %w", err)
	}
	m.logger.Info().Int("live_sstables", len(wire.SSTables)).Msg("manifest rewritten")
	return nil
}
