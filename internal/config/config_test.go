package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMatchesZeroValueFallbacks(t *testing.T) {
	d := Default()
	if d.Memtable.MaxBytes <= 0 {
		t.Fatalf("Memtable.MaxBytes = %d, want > 0", d.Memtable.MaxBytes)
	}
	if d.WAL.MaxSegmentBytes <= 0 {
		t.Fatalf("WAL.MaxSegmentBytes = %d, want > 0", d.WAL.MaxSegmentBytes)
	}
	if d.SSTable.BloomFPR <= 0 || d.SSTable.BloomFPR >= 1 {
		t.Fatalf("SSTable.BloomFPR = %v, want in (0, 1)", d.SSTable.BloomFPR)
	}
	if d.Compaction.BaseLevelBytes <= 0 {
		t.Fatalf("Compaction.BaseLevelBytes = %d, want > 0", d.Compaction.BaseLevelBytes)
	}
	if d.Compaction.MaxOutputEntries <= 0 {
		t.Fatalf("Compaction.MaxOutputEntries = %d, want > 0", d.Compaction.MaxOutputEntries)
	}
	if d.Logging.Level == "" {
		t.Fatalf("Logging.Level is empty, want a default level")
	}
}

func TestLoadParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segmentdb.toml")
	contents := `
data_dir = "/var/lib/segmentdb"

[memtable]
max_bytes = 1048576

[wal]
max_segment_bytes = 2097152

[sstable]
bloom_fpr = 0.02

[compaction]
base_level_bytes = 4096
max_output_entries = 500

[logging]
level = "debug"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.DataDir != "/var/lib/segmentdb" {
		t.Fatalf("DataDir = %q", f.DataDir)
	}
	if f.Memtable.MaxBytes != 1048576 {
		t.Fatalf("Memtable.MaxBytes = %d", f.Memtable.MaxBytes)
	}
	if f.WAL.MaxSegmentBytes != 2097152 {
		t.Fatalf("WAL.MaxSegmentBytes = %d", f.WAL.MaxSegmentBytes)
	}
	if f.SSTable.BloomFPR != 0.02 {
		t.Fatalf("SSTable.BloomFPR = %v", f.SSTable.BloomFPR)
	}
	if f.Compaction.BaseLevelBytes != 4096 {
		t.Fatalf("Compaction.BaseLevelBytes = %d", f.Compaction.BaseLevelBytes)
	}
	if f.Compaction.MaxOutputEntries != 500 {
		t.Fatalf("Compaction.MaxOutputEntries = %d", f.Compaction.MaxOutputEntries)
	}
	if f.Logging.Level != "debug" {
		t.Fatalf("Logging.Level = %q", f.Logging.Level)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml")); err == nil {
		t.Fatalf("expected an error loading a missing config file")
	}
}
