// Package metrics holds the in-process counters and gauges the engine
// exposes via Stats(). No example in the retrieval pack wires a metrics
// client library (prometheus, statsd, or otherwise) to a storage engine
// of this shape, so these are plain atomic counters — see DESIGN.md.
package metrics

import "sync/atomic"

// Snapshot is a point-in-time read of every counter and gauge.
type Snapshot struct {
	Puts             uint64
	Deletes          uint64
	Gets             uint64
	GetHits          uint64
	GetMisses        uint64
	Flushes          uint64
	FlushedEntries   uint64
	Compactions      uint64
	CompactedEntries uint64
	ActiveMemtables  uint64
	LiveSSTables     uint64
}

// Registry is the set of counters an Engine updates as it operates.
type Registry struct {
	puts             atomic.Uint64
	deletes          atomic.Uint64
	gets             atomic.Uint64
	getHits          atomic.Uint64
	getMisses        atomic.Uint64
	flushes          atomic.Uint64
	flushedEntries   atomic.Uint64
	compactions      atomic.Uint64
	compactedEntries atomic.Uint64
	activeMemtables  atomic.Uint64
	liveSSTables     atomic.Uint64
}

func New() *Registry { return &Registry{} }

func (r *Registry) RecordPut()                        { r.puts.Add(1) }
func (r *Registry) RecordDelete()                     { r.deletes.Add(1) }
func (r *Registry) RecordGet(hit bool) {
	r.gets.Add(1)
	if hit {
		r.getHits.Add(1)
	} else {
		r.getMisses.Add(1)
	}
}
func (r *Registry) RecordFlush(entries uint64) {
	r.flushes.Add(1)
	r.flushedEntries.Add(entries)
}
func (r *Registry) RecordCompaction(entries uint64) {
	r.compactions.Add(1)
	r.compactedEntries.Add(entries)
}
func (r *Registry) SetActiveMemtables(n uint64) { r.activeMemtables.Store(n) }
func (r *Registry) SetLiveSSTables(n uint64)    { r.liveSSTables.Store(n) }

// Snapshot returns a consistent-enough point-in-time read; individual
// fields may be read at slightly different instants under concurrent
// writers, which is acceptable for observability counters.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		Puts:             r.puts.Load(),
		Deletes:          r.deletes.Load(),
		Gets:             r.gets.Load(),
		GetHits:          r.getHits.Load(),
		GetMisses:        r.getMisses.Load(),
		Flushes:          r.flushes.Load(),
		FlushedEntries:   r.flushedEntries.Load(),
		Compactions:      r.compactions.Load(),
		CompactedEntries: r.compactedEntries.Load(),
		ActiveMemtables:  r.activeMemtables.Load(),
		LiveSSTables:     r.liveSSTables.Load(),
	}
}
