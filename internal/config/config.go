// Package config loads engine options from a TOML file and exposes the
// functional-options constructors used by programmatic callers.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// File mirrors the on-disk segmentdb.toml layout.
type File struct {
	DataDir string `toml:"data_dir"`

	Memtable struct {
		MaxBytes int64 `toml:"max_bytes"`
	} `toml:"memtable"`

	WAL struct {
		MaxSegmentBytes int64 `toml:"max_segment_bytes"`
	} `toml:"wal"`

	SSTable struct {
		BloomFPR float64 `toml:"bloom_fpr"`
	} `toml:"sstable"`

	Compaction struct {
		BaseLevelBytes   int64 `toml:"base_level_bytes"`
		MaxOutputEntries int   `toml:"max_output_entries"`
	} `toml:"compaction"`

	Logging struct {
		Level string `toml:"level"`
	} `toml:"logging"`
}

// Load parses a segmentdb.toml file at path.
func Load(path string) (File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return File{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return f, nil
}

// Default returns the built-in defaults used when no config file is
// present.
func Default() File {
	var f File
	f.Memtable.MaxBytes = 4 * 1024 * 1024
	f.WAL.MaxSegmentBytes = 16 * 1024 * 1024
	f.SSTable.BloomFPR = 0.01
	f.Compaction.BaseLevelBytes = 16 * 1024 * 1024
	f.Compaction.MaxOutputEntries = 100_000
	f.Logging.Level = "info"
	return f
}
