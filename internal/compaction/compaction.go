// Package compaction implements the k-way merge that reclaims space and
// bounds read amplification by folding overlapping SSTables at one level
// into fewer, non-overlapping SSTables at the next.
package compaction

import (
	"container/heap"
	"fmt"
	"os"
	"path/filepath"

	"github.com/segmentdb/segmentdb/internal/block"
	"github.com/segmentdb/segmentdb/internal/manifest"
	"github.com/segmentdb/segmentdb/internal/sstable"
)

// DefaultBaseLevelBytes is the size threshold level 1 must exceed before it
// is a compaction candidate, used when a caller has no configured override;
// level L≥1 compacts once its total size exceeds 10^(L-1) * baseLevelBytes.
const DefaultBaseLevelBytes = 16 * 1024 * 1024

// Level0CompactionTrigger is the minimum number of level-0 SSTables that
// makes level 0 a compaction candidate.
const Level0CompactionTrigger = 4

// ShouldCompact applies the size-tiered trigger heuristic to the current
// manifest contents and returns the lowest level that should compact, or
// ok=false if nothing qualifies. baseLevelBytes is the level-1 threshold
// (Options.CompactionBaseBytes); callers with no override should pass
// DefaultBaseLevelBytes.
func ShouldCompact(m *manifest.Manifest, baseLevelBytes int64) (level uint8, ok bool) {
	if baseLevelBytes <= 0 {
		baseLevelBytes = DefaultBaseLevelBytes
	}

	l0 := m.Level(0)
	if len(l0) >= Level0CompactionTrigger {
		return 0, true
	}

	byLevel := make(map[uint8]int64)
	maxLevel := uint8(0)
	for _, e := range m.Entries() {
		byLevel[e.Level] += e.FileSize
		if e.Level > maxLevel {
			maxLevel = e.Level
		}
	}
	for level := uint8(1); level <= maxLevel; level++ {
		threshold := baseLevelBytes
		for i := uint8(0); i < level-1; i++ {
			threshold *= 10
		}
		if byLevel[level] > threshold {
			return level, true
		}
	}
	return 0, false
}

// Plan names the inputs feeding one compaction run: every live SSTable at
// level L, plus any at level L+1 whose key range overlaps them.
type Plan struct {
	SourceLevel uint8
	TargetLevel uint8
	Inputs      []manifest.Entry
	Bottommost  bool
}

// BuildPlan selects the inputs for compacting sourceLevel into the next
// level, including overlapping target-level entries so the merge stays
// non-overlapping at the target level.
func BuildPlan(m *manifest.Manifest, sourceLevel uint8, maxLevel uint8) Plan {
	targetLevel := sourceLevel + 1
	inputs := append([]manifest.Entry(nil), m.Level(sourceLevel)...)

	var lo, hi []byte
	for _, e := range inputs {
		if lo == nil || string(e.MinKey) < string(lo) {
			lo = e.MinKey
		}
		if hi == nil || string(e.MaxKey) > string(hi) {
			hi = e.MaxKey
		}
	}
	for _, e := range m.Level(targetLevel) {
		if lo != nil && hi != nil && overlaps(e, lo, hi) {
			inputs = append(inputs, e)
		}
	}

	return Plan{
		SourceLevel: sourceLevel,
		TargetLevel: targetLevel,
		Inputs:      inputs,
		Bottommost:  targetLevel >= maxLevel,
	}
}

func overlaps(e manifest.Entry, lo, hi []byte) bool {
	return string(e.MinKey) <= string(hi) && string(e.MaxKey) >= string(lo)
}

// Run executes plan: opens every input SSTable, k-way merges their
// entries in key order (deduplicating by key, keeping the highest seqno,
// dropping tombstones only if plan.Bottommost), writes the merged stream
// as one or more new SSTables at the target level sized to
// maxOutputEntries, then atomically swaps inputs for outputs in the
// manifest and unlinks the input files.
func Run(dir string, m *manifest.Manifest, plan Plan, fpr float64, maxOutputEntries int) ([]manifest.Entry, error) {
	if len(plan.Inputs) == 0 {
		return nil, nil
	}

	readers := make([]*sstable.Reader, 0, len(plan.Inputs))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	for _, in := range plan.Inputs {
		r, err := sstable.Open(filepath.Join(dir, in.Filename))
		if err != nil {
			return nil, fmt.Errorf("compaction: open input %s: %w", in.Filename, err)
		}
		readers = append(readers, r)
	}

	merged, err := mergeDeduplicated(readers, plan.Bottommost)
	if err != nil {
		return nil, err
	}

	var outputs []manifest.Entry
	for start := 0; start < len(merged); start += maxOutputEntries {
		end := start + maxOutputEntries
		if end > len(merged) {
			end = len(merged)
		}
		chunk := merged[start:end]
		if len(chunk) == 0 {
			continue
		}

		id := m.AllocateID()
		meta, err := sstable.Write(dir, id, plan.TargetLevel, chunk, fpr)
		if err != nil {
			return nil, fmt.Errorf("compaction: write output: %w", err)
		}
		outputs = append(outputs, manifest.Entry{
			ID:         meta.ID,
			Filename:   meta.Filename,
			Level:      meta.Level,
			MinKey:     meta.MinKey,
			MaxKey:     meta.MaxKey,
			EntryCount: meta.EntryCount,
			FileSize:   meta.FileSize,
			CreatedAt:  meta.CreatedAt,
		})
	}

	inputIDs := make([]uint64, len(plan.Inputs))
	for i, in := range plan.Inputs {
		inputIDs[i] = in.ID
	}
	if err := m.Swap(inputIDs, outputs); err != nil {
		return nil, fmt.Errorf("compaction: swap manifest: %w", err)
	}

	for _, r := range readers {
		r.Close()
	}
	readers = nil
	for _, in := range plan.Inputs {
		if err := os.Remove(filepath.Join(dir, in.Filename)); err != nil {
			return nil, fmt.Errorf("compaction: unlink input %s: %w", in.Filename, err)
		}
	}

	return outputs, nil
}

// mergeDeduplicated performs a k-way merge of every reader's entry stream,
// collapsing runs of equal keys down to the entry with the highest seqno,
// and dropping tombstoned keys when bottommost is true.
func mergeDeduplicated(readers []*sstable.Reader, bottommost bool) ([]block.Entry, error) {
	h := &mergeHeap{}
	heap.Init(h)

	for idx, r := range readers {
		entries, err := drainAll(r)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		heap.Push(h, &stream{entries: entries, pos: 0, sourceOrder: idx})
	}

	var merged []block.Entry
	for h.Len() > 0 {
		top := heap.Pop(h).(*stream)
		cur := top.entries[top.pos]

		for h.Len() > 0 && string((*h)[0].entries[(*h)[0].pos].Key) == string(cur.Key) {
			other := heap.Pop(h).(*stream)
			if other.entries[other.pos].Seqno > cur.Seqno {
				cur, other.entries[other.pos] = other.entries[other.pos], cur
			}
			other.pos++
			if other.pos < len(other.entries) {
				heap.Push(h, other)
			}
		}

		if !(bottommost && cur.Tombstone) {
			merged = append(merged, cur)
		}

		top.pos++
		if top.pos < len(top.entries) {
			heap.Push(h, top)
		}
	}

	return merged, nil
}

func drainAll(r *sstable.Reader) ([]block.Entry, error) {
	var entries []block.Entry
	var outerErr error
	r.All(func(e block.Entry, err error) bool {
		if err != nil {
			outerErr = err
			return false
		}
		entries = append(entries, e)
		return true
	})
	if outerErr != nil {
		return nil, fmt.Errorf("compaction: read input: %w", outerErr)
	}
	return entries, nil
}

type stream struct {
	entries     []block.Entry
	pos         int
	sourceOrder int
}

// mergeHeap orders streams by (key, then source order descending — later
// sources are assumed newer, which only matters as a tiebreak since the
// seqno comparison above is authoritative for dedup).
type mergeHeap []*stream

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	ki, kj := h[i].entries[h[i].pos].Key, h[j].entries[h[j].pos].Key
	if c := compareBytes(ki, kj); c != 0 {
		return c < 0
	}
	return h[i].sourceOrder > h[j].sourceOrder
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) {
	*h = append(*h, x.(*stream))
}
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func compareBytes(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	default:
		return 0
	}
}

