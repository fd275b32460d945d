// Package segmentdb implements an embedded, single-node, ordered
// key-value store backed by a log-structured merge tree: a write-ahead
// log for durability, an in-memory memtable for recent writes, and
// levelled, immutable SSTables on disk.
package segmentdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"

	"github.com/segmentdb/segmentdb/internal/block"
	"github.com/segmentdb/segmentdb/internal/compaction"
	"github.com/segmentdb/segmentdb/internal/logging"
	"github.com/segmentdb/segmentdb/internal/manifest"
	"github.com/segmentdb/segmentdb/internal/memtable"
	"github.com/segmentdb/segmentdb/internal/metrics"
	"github.com/segmentdb/segmentdb/internal/sstable"
	"github.com/segmentdb/segmentdb/internal/wal"
)

const walDirName = "wal"

// Engine is the storage engine facade: Open wires the WAL, memtable,
// background flush, manifest, and SSTable readers into a single
// durable, ordered key-value store.
type Engine struct {
	dataDir string
	opts    Options
	log     log.Logger
	metrics *metrics.Registry

	// writeMu serializes seqno assignment, WAL enqueue, and memtable
	// insert/rotation — the engine's single write path.
	writeMu   sync.Mutex
	nextSeqno uint64
	mem       *memtable.Memtable

	wal      *wal.Writer
	manifest *manifest.Manifest

	flushMu   sync.Mutex
	flushCond *sync.Cond
	immutable []*memtable.Memtable
	closing   bool
	flushWG   sync.WaitGroup

	readersMu sync.RWMutex
	readers   map[uint64]*sstable.Reader

	closeOnce sync.Once
	closed    atomic.Bool
}

// Open creates (if absent) or recovers the data directory at dataDir:
// replays the WAL into a fresh memtable, recovers or loads the manifest,
// and starts the background flush goroutine.
func Open(dataDir string, opts Options) (*Engine, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, newErr("Open", KindIO, err)
	}

	lg := logging.New(opts.LogLevel)

	m, err := manifest.Open(dataDir, manifest.WithLogger(logging.Component(lg, "manifest")))
	if err != nil {
		return nil, newErr("Open", KindIO, err)
	}

	walDir := filepath.Join(dataDir, walDirName)
	w, err := wal.Open(walDir,
		wal.WithMaxSegmentSize(opts.WALMaxSegmentBytes),
		wal.WithLogger(logging.Component(lg, "wal")),
	)
	if err != nil {
		return nil, newErr("Open", KindIO, err)
	}

	records, err := wal.Replay(walDir)
	if err != nil {
		w.Close()
		return nil, newErr("Open", KindCorruption, err)
	}

	mt := memtable.New()
	for _, rec := range records {
		switch rec.Op {
		case wal.OpPut:
			mt.Put(rec.Key, rec.Value, rec.Seqno)
		case wal.OpDelete:
			mt.Delete(rec.Key, rec.Seqno)
		}
	}

	e := &Engine{
		dataDir:   dataDir,
		opts:      opts,
		log:       lg,
		metrics:   metrics.New(),
		nextSeqno: wal.MaxSeqno(records) + 1,
		mem:       mt,
		wal:       w,
		manifest:  m,
		readers:   make(map[uint64]*sstable.Reader),
	}
	e.flushCond = sync.NewCond(&e.flushMu)

	for _, entry := range m.Entries() {
		if _, err := e.readerFor(entry); err != nil {
			e.closeReaders()
			w.Close()
			return nil, newErr("Open", classifySSTableOpenErr(err), err)
		}
	}

	e.flushWG.Add(1)
	go e.flushLoop()

	e.log.Info().Int("replayed_records", len(records)).Int("live_sstables", len(m.Entries())).Msg("segmentdb engine opened")
	return e, nil
}

// classifySSTableOpenErr maps an error from sstable.Open/readerFor to the
// segmentdb.Kind a caller should see: an unsupported on-disk format version
// is distinguished from a bare I/O failure (missing/unreadable file) and
// from structural corruption (bad magic, truncated footer, bad index).
func classifySSTableOpenErr(err error) Kind {
	if errors.Is(err, sstable.ErrUnsupportedVersion) {
		return KindUnsupportedVersion
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return KindIO
	}
	return KindCorruption
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("key must not be empty")
	}
	if len(key) > MaxKeyLen {
		return fmt.Errorf("key length %d exceeds maximum %d", len(key), MaxKeyLen)
	}
	return nil
}

func validateValue(value []byte) error {
	if uint64(len(value)) > MaxValueLen {
		return fmt.Errorf("value length %d exceeds maximum %d", len(value), MaxValueLen)
	}
	return nil
}

// Put durably writes key=value, assigning it the next sequence number.
func (e *Engine) Put(key, value []byte) error {
	if e.closed.Load() {
		return newErr("Put", KindClosed, nil)
	}
	if err := validateKey(key); err != nil {
		return newErr("Put", KindInvalidArgument, err)
	}
	if err := validateValue(value); err != nil {
		return newErr("Put", KindInvalidArgument, err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	seqno := e.nextSeqno
	e.nextSeqno++

	if err := e.wal.Append(wal.Record{Seqno: seqno, Op: wal.OpPut, Key: key, Value: value}); err != nil {
		return newErr("Put", KindIO, err)
	}
	e.mem.Put(key, value, seqno)
	e.metrics.RecordPut()
	e.maybeRotateLocked()
	return nil
}

// Delete writes a tombstone for key, assigning it the next sequence
// number. Deleting an absent key is not an error.
func (e *Engine) Delete(key []byte) error {
	if e.closed.Load() {
		return newErr("Delete", KindClosed, nil)
	}
	if err := validateKey(key); err != nil {
		return newErr("Delete", KindInvalidArgument, err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	seqno := e.nextSeqno
	e.nextSeqno++

	if err := e.wal.Append(wal.Record{Seqno: seqno, Op: wal.OpDelete, Key: key}); err != nil {
		return newErr("Delete", KindIO, err)
	}
	e.mem.Delete(key, seqno)
	e.metrics.RecordDelete()
	e.maybeRotateLocked()
	return nil
}

// maybeRotateLocked swaps the active memtable for a fresh one and queues
// the old one for background flush, if it has grown past budget. Caller
// must hold writeMu.
func (e *Engine) maybeRotateLocked() {
	if e.mem.ApproximateSize() < e.opts.MemtableMaxBytes {
		return
	}
	full := e.mem
	e.mem = memtable.New()

	e.flushMu.Lock()
	e.immutable = append(e.immutable, full)
	e.flushMu.Unlock()
	e.flushCond.Signal()
}

// Get resolves key through the full read path: active memtable,
// immutable memtables newest-first, then level-0 SSTables
// newest-created-first, then levels 1..N via range lookup.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, newErr("Get", KindClosed, nil)
	}
	if err := validateKey(key); err != nil {
		return nil, false, newErr("Get", KindInvalidArgument, err)
	}

	if entry, ok := e.activeMemtable().Get(key); ok {
		return e.resolve(entry)
	}

	for _, imm := range e.immutableSnapshotNewestFirst() {
		if entry, ok := imm.Get(key); ok {
			return e.resolve(entry)
		}
	}

	for _, cand := range e.manifest.Candidates(key) {
		r, err := e.readerFor(cand)
		if err != nil {
			return nil, false, newErr("Get", classifySSTableOpenErr(err), err)
		}
		entry, ok, err := r.Get(key)
		if err != nil {
			return nil, false, newErr("Get", KindCorruption, err)
		}
		if ok {
			return e.resolve(entry)
		}
	}

	e.metrics.RecordGet(false)
	return nil, false, nil
}

func (e *Engine) resolve(entry block.Entry) ([]byte, bool, error) {
	if entry.Tombstone {
		e.metrics.RecordGet(false)
		return nil, false, nil
	}
	e.metrics.RecordGet(true)
	return entry.Value, true, nil
}

func (e *Engine) activeMemtable() *memtable.Memtable {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.mem
}

func (e *Engine) immutableSnapshotNewestFirst() []*memtable.Memtable {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	out := make([]*memtable.Memtable, len(e.immutable))
	for i, m := range e.immutable {
		out[len(e.immutable)-1-i] = m
	}
	return out
}

func (e *Engine) readerFor(entry manifest.Entry) (*sstable.Reader, error) {
	e.readersMu.RLock()
	r, ok := e.readers[entry.ID]
	e.readersMu.RUnlock()
	if ok {
		return r, nil
	}

	e.readersMu.Lock()
	defer e.readersMu.Unlock()
	if r, ok := e.readers[entry.ID]; ok {
		return r, nil
	}
	r, err := sstable.Open(filepath.Join(e.dataDir, entry.Filename))
	if err != nil {
		return nil, err
	}
	e.readers[entry.ID] = r
	return r, nil
}

// pruneReaders closes and forgets any cached reader whose SSTable is no
// longer listed in the manifest.
func (e *Engine) pruneReaders() {
	live := make(map[uint64]bool)
	for _, entry := range e.manifest.Entries() {
		live[entry.ID] = true
	}

	e.readersMu.Lock()
	defer e.readersMu.Unlock()
	for id, r := range e.readers {
		if !live[id] {
			r.Close()
			delete(e.readers, id)
		}
	}
}

// closeReaders closes and forgets every cached reader. Used to unwind a
// partially-succeeded Open once eager validation of the manifest's SSTables
// fails partway through.
func (e *Engine) closeReaders() {
	e.readersMu.Lock()
	defer e.readersMu.Unlock()
	for id, r := range e.readers {
		r.Close()
		delete(e.readers, id)
	}
}

func (e *Engine) flushLoop() {
	defer e.flushWG.Done()

	for {
		e.flushMu.Lock()
		for len(e.immutable) == 0 && !e.closing {
			e.flushCond.Wait()
		}
		if len(e.immutable) == 0 && e.closing {
			e.flushMu.Unlock()
			return
		}
		imm := e.immutable[0]
		e.flushMu.Unlock()

		if err := e.flushOne(imm); err != nil {
			e.log.Error().Err(err).Msg("flush failed")
			e.flushMu.Lock()
			e.flushCond.Wait()
			e.flushMu.Unlock()
			continue
		}

		e.flushMu.Lock()
		e.immutable = e.immutable[1:]
		e.flushMu.Unlock()
	}
}

func (e *Engine) flushOne(imm *memtable.Memtable) error {
	var entries []block.Entry
	var maxSeqno uint64
	for entry := range imm.IterSorted() {
		entries = append(entries, entry)
		if entry.Seqno > maxSeqno {
			maxSeqno = entry.Seqno
		}
	}
	if len(entries) == 0 {
		return nil
	}

	e.log.Info().Int("entries", len(entries)).Msg("flush starting")

	id := e.manifest.AllocateID()
	meta, err := sstable.Write(e.dataDir, id, 0, entries, e.opts.BloomFPR)
	if err != nil {
		return fmt.Errorf("flush: write sstable: %w", err)
	}
	if err := e.manifest.Add(manifest.Entry{
		ID:         meta.ID,
		Filename:   meta.Filename,
		Level:      meta.Level,
		MinKey:     meta.MinKey,
		MaxKey:     meta.MaxKey,
		EntryCount: meta.EntryCount,
		FileSize:   meta.FileSize,
		CreatedAt:  meta.CreatedAt,
	}); err != nil {
		return fmt.Errorf("flush: update manifest: %w", err)
	}

	if err := e.wal.Truncate(maxSeqno); err != nil {
		e.log.Warn().Err(err).Msg("wal truncate after flush failed")
	}

	e.metrics.RecordFlush(uint64(len(entries)))
	e.log.Info().Uint64("sstable_id", id).Int("entries", len(entries)).Msg("flushed memtable")
	return nil
}

// MaybeCompact applies the size-tiered trigger heuristic to the current
// manifest and, if a level qualifies, runs one compaction round. It
// returns immediately with no error if nothing is due.
func (e *Engine) MaybeCompact() error {
	level, ok := compaction.ShouldCompact(e.manifest, e.opts.CompactionBaseBytes)
	if !ok {
		return nil
	}
	return e.compactLevel(level)
}

// CompactLevel forces a compaction round for a specific level, bypassing
// the trigger heuristic — used by the CLI's `compact --level N`.
func (e *Engine) CompactLevel(level uint8) error {
	return e.compactLevel(level)
}

func (e *Engine) compactLevel(level uint8) error {
	maxLevel := uint8(0)
	for _, entry := range e.manifest.Entries() {
		if entry.Level > maxLevel {
			maxLevel = entry.Level
		}
	}

	plan := compaction.BuildPlan(e.manifest, level, maxLevel)
	if len(plan.Inputs) == 0 {
		return nil
	}

	var inputBytes int64
	for _, in := range plan.Inputs {
		inputBytes += in.FileSize
	}
	e.log.Info().Int("source_level", int(level)).Int("target_level", int(plan.TargetLevel)).
		Int("inputs", len(plan.Inputs)).Msg("compaction starting")

	outputs, err := compaction.Run(e.dataDir, e.manifest, plan, e.opts.BloomFPR, e.opts.CompactionMaxOutput)
	if err != nil {
		return newErr("MaybeCompact", KindIO, err)
	}
	e.pruneReaders()

	var totalEntries uint64
	var outputBytes int64
	for _, out := range outputs {
		totalEntries += uint64(out.EntryCount)
		outputBytes += out.FileSize
	}
	reclaimed := inputBytes - outputBytes
	e.metrics.RecordCompaction(totalEntries)
	e.log.Info().Int("source_level", int(level)).Int("inputs", len(plan.Inputs)).Int("outputs", len(outputs)).
		Int64("bytes_reclaimed", reclaimed).Msg("compaction complete")
	return nil
}

// Stats returns a snapshot of the engine's operational counters and
// gauges.
func (e *Engine) Stats() metrics.Snapshot {
	e.flushMu.Lock()
	activeMemtables := uint64(1 + len(e.immutable))
	e.flushMu.Unlock()

	e.metrics.SetActiveMemtables(activeMemtables)
	e.metrics.SetLiveSSTables(uint64(len(e.manifest.Entries())))
	return e.metrics.Snapshot()
}

// Close drains any pending flush, closes the WAL, and closes
// every cached SSTable reader. It is safe to call more than once.
func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		e.closed.Store(true)

		e.writeMu.Lock()
		if e.mem.Len() > 0 {
			full := e.mem
			e.mem = memtable.New()
			e.flushMu.Lock()
			e.immutable = append(e.immutable, full)
			e.flushMu.Unlock()
		}
		e.writeMu.Unlock()

		e.flushMu.Lock()
		e.closing = true
		e.flushCond.Broadcast()
		e.flushMu.Unlock()
		e.flushWG.Wait()

		if err := e.wal.Close(); err != nil {
			closeErr = newErr("Close", KindIO, err)
			return
		}

		e.readersMu.Lock()
		for _, r := range e.readers {
			r.Close()
		}
		e.readers = nil
		e.readersMu.Unlock()

		e.log.Info().Msg("segmentdb engine closed")
	})
	return closeErr
}
