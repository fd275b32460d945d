package segmentdb

import "github.com/segmentdb/segmentdb/internal/config"

const (
	// MaxKeyLen is the largest key the data model allows; the on-disk
	// formats frame key lengths as u16.
	MaxKeyLen = 0xFFFF
	// MaxValueLen is the largest value the data model allows, matching
	// the on-disk u32 value-length field.
	MaxValueLen = 0xFFFFFFFF
)

// Options configures an Engine. Construct with NewOptions and the With*
// functions, or load a segmentdb.toml with FromConfigFile.
type Options struct {
	MemtableMaxBytes    int64
	WALMaxSegmentBytes  int64
	BloomFPR            float64
	CompactionBaseBytes int64
	CompactionMaxOutput int
	LogLevel            string
}

// Option mutates an Options value under construction.
type Option func(*Options)

// WithMemtableMaxBytes overrides the default 4MiB memtable rotation budget.
func WithMemtableMaxBytes(n int64) Option {
	return func(o *Options) { o.MemtableMaxBytes = n }
}

// WithWALMaxSegmentBytes overrides the default 16MiB WAL segment size.
func WithWALMaxSegmentBytes(n int64) Option {
	return func(o *Options) { o.WALMaxSegmentBytes = n }
}

// WithBloomFPR overrides the default 1% target false-positive rate for
// new SSTables' bloom filters.
func WithBloomFPR(fpr float64) Option {
	return func(o *Options) { o.BloomFPR = fpr }
}

// WithCompactionBaseBytes overrides the level-1 size-tiered compaction
// threshold (level L≥1 compacts once it exceeds 10^(L-1) times this value).
func WithCompactionBaseBytes(n int64) Option {
	return func(o *Options) { o.CompactionBaseBytes = n }
}

// WithCompactionMaxOutputEntries caps how many entries a single
// compaction output SSTable may hold before the merge splits into
// multiple output files.
func WithCompactionMaxOutputEntries(n int) Option {
	return func(o *Options) { o.CompactionMaxOutput = n }
}

// WithLogLevel sets the engine's structured logger level ("debug",
// "info", "warn", "error").
func WithLogLevel(level string) Option {
	return func(o *Options) { o.LogLevel = level }
}

// NewOptions builds an Options value from config.Default()'s built-in
// defaults plus any overrides.
func NewOptions(opts ...Option) Options {
	d := config.Default()
	o := Options{
		MemtableMaxBytes:    d.Memtable.MaxBytes,
		WALMaxSegmentBytes:  d.WAL.MaxSegmentBytes,
		BloomFPR:            d.SSTable.BloomFPR,
		CompactionBaseBytes: d.Compaction.BaseLevelBytes,
		CompactionMaxOutput: d.Compaction.MaxOutputEntries,
		LogLevel:            d.Logging.Level,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// FromConfigFile loads Options from a segmentdb.toml: values set in the
// file override the built-in defaults, and opts are then applied on top.
func FromConfigFile(path string, opts ...Option) (Options, error) {
	f, err := config.Load(path)
	if err != nil {
		return Options{}, err
	}
	o := NewOptions()
	if f.Memtable.MaxBytes > 0 {
		o.MemtableMaxBytes = f.Memtable.MaxBytes
	}
	if f.WAL.MaxSegmentBytes > 0 {
		o.WALMaxSegmentBytes = f.WAL.MaxSegmentBytes
	}
	if f.SSTable.BloomFPR > 0 {
		o.BloomFPR = f.SSTable.BloomFPR
	}
	if f.Compaction.BaseLevelBytes > 0 {
		o.CompactionBaseBytes = f.Compaction.BaseLevelBytes
	}
	if f.Compaction.MaxOutputEntries > 0 {
		o.CompactionMaxOutput = f.Compaction.MaxOutputEntries
	}
	if f.Logging.Level != "" {
		o.LogLevel = f.Logging.Level
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o, nil
}
