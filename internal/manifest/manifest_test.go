package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentdb/segmentdb/internal/block"
	"github.com/segmentdb/segmentdb/internal/sstable"
)

func TestAddAndReload(t *testing.T) {
	dir := t.TempDir()

	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	id := m.AllocateID()
	e := Entry{ID: id, Filename: "sst-000000.sst", Level: 0, MinKey: []byte("a"), MaxKey: []byte("z"), EntryCount: 10, FileSize: 1024}
	if err := m.Add(e); err != nil {
		t.Fatalf("Add: %v", err)
	}

	m2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	entries := m2.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after reload, got %d", len(entries))
	}
	if string(entries[0].MinKey) != "a" || string(entries[0].MaxKey) != "z" {
		t.Fatalf("min/max key not round-tripped: %+v", entries[0])
	}
}

func TestSwapReplacesInputsWithOutputs(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	id1 := m.AllocateID()
	id2 := m.AllocateID()
	if err := m.Add(Entry{ID: id1, Filename: "sst-000000.sst", Level: 0}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(Entry{ID: id2, Filename: "sst-000001.sst", Level: 0}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	outID := m.AllocateID()
	out := Entry{ID: outID, Filename: "sst-000002.sst", Level: 1}
	if err := m.Swap([]uint64{id1, id2}, []Entry{out}); err != nil {
		t.Fatalf("Swap: %v", err)
	}

	entries := m.Entries()
	if len(entries) != 1 || entries[0].ID != outID {
		t.Fatalf("expected only the swapped-in output, got %+v", entries)
	}
}

func TestCandidatesOrdersLevel0NewestFirst(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	base := time.Now()
	older := Entry{ID: m.AllocateID(), Filename: "sst-older.sst", Level: 0, MinKey: []byte("a"), MaxKey: []byte("m"), CreatedAt: base.Add(-time.Second)}
	if err := m.Add(older); err != nil {
		t.Fatalf("Add: %v", err)
	}

	newer := Entry{ID: m.AllocateID(), Filename: "sst-newer.sst", Level: 0, MinKey: []byte("a"), MaxKey: []byte("m"), CreatedAt: base}
	if err := m.Add(newer); err != nil {
		t.Fatalf("Add: %v", err)
	}

	cands := m.Candidates([]byte("c"))
	if len(cands) != 2 {
		t.Fatalf("expected both overlapping level-0 tables as candidates, got %d", len(cands))
	}
	if cands[0].ID != newer.ID {
		t.Fatalf("expected the newer level-0 table first, got %+v", cands)
	}
}

func TestCandidatesSkipOutOfRangeLevel1(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Add(Entry{ID: m.AllocateID(), Filename: "a.sst", Level: 1, MinKey: []byte("a"), MaxKey: []byte("m")}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(Entry{ID: m.AllocateID(), Filename: "b.sst", Level: 1, MinKey: []byte("n"), MaxKey: []byte("z")}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	cands := m.Candidates([]byte("q"))
	if len(cands) != 1 || string(cands[0].MinKey) != "n" {
		t.Fatalf("expected only the range containing the key, got %+v", cands)
	}
}

func TestRecoverFromMissingManifestScansSSTableFiles(t *testing.T) {
	dir := t.TempDir()

	entries := []block.Entry{
		{Seqno: 1, Key: []byte("a"), Value: []byte("1")},
		{Seqno: 2, Key: []byte("b"), Value: []byte("2")},
	}
	if _, err := sstable.Write(dir, 0, 3, entries, 0.01); err != nil {
		t.Fatalf("sstable.Write: %v", err)
	}

	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open (recovery path): %v", err)
	}

	live := m.Entries()
	if len(live) != 1 {
		t.Fatalf("expected recovery to find 1 sstable, got %d", len(live))
	}
	if live[0].Level != 3 {
		t.Fatalf("recovered level = %d, want 3", live[0].Level)
	}

	if _, err := os.Stat(filepath.Join(dir, fileName)); err != nil {
		t.Fatalf("expected recovery to have written a manifest file: %v", err)
	}
}

func TestRecoveryRemovesStrayTmpFiles(t *testing.T) {
	dir := t.TempDir()
	tmpPath := filepath.Join(dir, "sst-000099.tmp")
	if err := os.WriteFile(tmpPath, []byte("partial"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Open(dir); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Fatalf("expected stray .tmp file to be removed during recovery")
	}
}
