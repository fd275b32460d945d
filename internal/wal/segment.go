package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/phuslu/log"

	"github.com/segmentdb/segmentdb/internal/logging"
)

const (
	defaultMaxSegmentSize = 16 * 1024 * 1024
	segmentExt            = ".log"
)

var segmentFileNamePattern = regexp.MustCompile(`^wal-(\d+)\.log$`)

func segmentName(id int) string {
	return fmt.Sprintf("wal-%06d%s", id, segmentExt)
}

// segmentManager owns the active WAL segment file, rotating to a new one
// once the active segment would exceed its size budget, and tracks the
// highest seqno written to each closed segment so Truncate can reclaim
// them after a checkpoint.
type segmentManager struct {
	mu             sync.Mutex
	dir            string
	active         *os.File
	activeID       int
	maxSegmentSize int64
	maxSeqno       map[int]uint64
	logger         log.Logger
}

// Option configures a segmentManager (and, by extension, a Writer).
type Option func(*segmentManager)

// WithMaxSegmentSize overrides the default 16MiB segment rotation threshold.
func WithMaxSegmentSize(n int64) Option {
	return func(sm *segmentManager) { sm.maxSegmentSize = n }
}

// WithLogger sets the logger segment rotation events are reported on.
// Unset, a segmentManager logs at Info to stderr like any other standalone
// use of the package.
func WithLogger(l log.Logger) Option {
	return func(sm *segmentManager) { sm.logger = l }
}

func newSegmentManager(dir string, opts ...Option) (*segmentManager, error) {
	sm := &segmentManager{
		dir:            dir,
		maxSegmentSize: defaultMaxSegmentSize,
		maxSeqno:       make(map[int]uint64),
		logger:         logging.New("info"),
	}
	for _, opt := range opts {
		opt(sm)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return sm, sm.rotate()
	}

	for _, id := range ids {
		maxSeqno, err := segmentMaxSeqno(filepath.Join(dir, segmentName(id)))
		if err != nil {
			return nil, fmt.Errorf("wal: scan segment %d for checkpoint tracking: %w", id, err)
		}
		sm.maxSeqno[id] = maxSeqno
	}

	sm.activeID = ids[len(ids)-1]
	f, err := os.OpenFile(filepath.Join(dir, segmentName(sm.activeID)), os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open active segment: %w", err)
	}
	sm.active = f
	return sm, nil
}

// segmentMaxSeqno scans a segment's valid records (ignoring any torn tail)
// to recover the highest seqno it holds, so Truncate can reclaim segments
// written by a prior process run.
func segmentMaxSeqno(path string) (uint64, error) {
	records, err := replaySegment(path)
	if err != nil {
		return 0, err
	}
	return MaxSeqno(records), nil
}

func listSegmentIDs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read dir: %w", err)
	}
	var ids []int
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		m := segmentFileNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (sm *segmentManager) rotate() error {
	if sm.active != nil {
		if err := sm.active.Close(); err != nil {
			return fmt.Errorf("wal: close previous segment: %w", err)
		}
	}
	sm.activeID++
	f, err := os.Create(filepath.Join(sm.dir, segmentName(sm.activeID)))
	if err != nil {
		return fmt.Errorf("wal: create segment: %w", err)
	}
	sm.active = f
	sm.logger.Info().Int("segment_id", sm.activeID).Msg("wal segment rotated")
	return nil
}

// writeBatch appends raw (already-framed records) to the active segment,
// rotating first if the batch would overflow the size budget, then fsyncs
// once for the whole batch.
func (sm *segmentManager) writeBatch(raw []byte, maxSeqnoInBatch uint64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if int64(len(raw)) > sm.maxSegmentSize {
		return fmt.Errorf("wal: batch of %d bytes exceeds segment size budget %d", len(raw), sm.maxSegmentSize)
	}

	stat, err := sm.active.Stat()
	if err != nil {
		return fmt.Errorf("wal: stat active segment: %w", err)
	}
	if stat.Size() > 0 && stat.Size()+int64(len(raw)) > sm.maxSegmentSize {
		if err := sm.rotate(); err != nil {
			return err
		}
	}

	if _, err := sm.active.Write(raw); err != nil {
		return fmt.Errorf("wal: write segment: %w", err)
	}
	if err := sm.active.Sync(); err != nil {
		return fmt.Errorf("wal: fsync segment: %w", err)
	}

	if maxSeqnoInBatch > sm.maxSeqno[sm.activeID] {
		sm.maxSeqno[sm.activeID] = maxSeqnoInBatch
	}
	return nil
}

func (sm *segmentManager) close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return nil
	}
	return sm.active.Close()
}

// truncate removes every closed segment whose highest recorded seqno is at
// or below checkpoint. The active segment is never removed.
func (sm *segmentManager) truncate(checkpoint uint64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ids, err := listSegmentIDs(sm.dir)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if id == sm.activeID {
			continue
		}
		maxSeqno, known := sm.maxSeqno[id]
		if !known || maxSeqno > checkpoint {
			continue
		}
		path := filepath.Join(sm.dir, segmentName(id))
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("wal: remove reclaimed segment %s: %w", path, err)
		}
		delete(sm.maxSeqno, id)
	}
	return nil
}
