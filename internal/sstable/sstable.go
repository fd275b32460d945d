// Package sstable implements the on-disk Sorted String Table format: an
// immutable file holding a sorted run of entries, a sparse block index,
// and a Bloom filter, published atomically via temp-file-then-rename.
package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/segmentdb/segmentdb/internal/block"
	"github.com/segmentdb/segmentdb/internal/bloomfilter"
)

const (
	magic         = "SEGMTSST"
	formatVersion = uint32(1)
	headerSize    = 8 + 4 + 1 + 4 // magic + version + level + entry_count
	footerSize    = 8 + 4 + 8 + 4 + 8
)

// ErrUnsupportedVersion is returned by Open/openReader when a file's header
// carries a format version newer than this build understands.
var ErrUnsupportedVersion = fmt.Errorf("sstable: unsupported format version")

// Meta describes a written SSTable for the manifest.
type Meta struct {
	ID         uint64
	Filename   string
	Level      uint8
	MinKey     []byte
	MaxKey     []byte
	EntryCount uint32
	FileSize   int64
	CreatedAt  time.Time
}

// Filename returns the canonical on-disk name for sstable id.
func Filename(id uint64) string {
	return fmt.Sprintf("sst-%06d.sst", id)
}

// tmpFilename derives a staging name carrying a random token, so a stale
// temp file left behind by a crashed write for the same id (reallocated
// after restart) can never collide with the write in progress.
func tmpFilename(id uint64) string {
	return fmt.Sprintf("sst-%06d-%s.tmp", id, uuid.NewString())
}

// Write builds a new SSTable file from entries, which must already be
// sorted ascending by key (ties broken by descending seqno), and publishes
// it atomically into dir. fpr is the target Bloom filter false-positive rate.
func Write(dir string, id uint64, level uint8, entries []block.Entry, fpr float64) (Meta, error) {
	if len(entries) == 0 {
		return Meta{}, fmt.Errorf("sstable: refusing to write an empty table")
	}

	tmpPath := filepath.Join(dir, tmpFilename(id))
	finalPath := filepath.Join(dir, Filename(id))

	f, err := os.Create(tmpPath)
	if err != nil {
		return Meta{}, fmt.Errorf("sstable: create temp file: %w", err)
	}
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(make([]byte, headerSize)); err != nil {
		return Meta{}, fmt.Errorf("sstable: write header placeholder: %w", err)
	}

	blocks := block.Partition(entries)
	filter := bloomfilter.NewForKeys(len(entries), fpr)

	type indexEntry struct {
		offset int64
		key    []byte
	}
	index := make([]indexEntry, 0, len(blocks))

	offset := int64(headerSize)
	for _, b := range blocks {
		for _, e := range b {
			filter.Add(e.Key)
		}

		raw, err := block.EncodeEntries(b)
		if err != nil {
			return Meta{}, fmt.Errorf("sstable: encode block: %w", err)
		}
		frame, err := block.Compress(raw)
		if err != nil {
			return Meta{}, fmt.Errorf("sstable: compress block: %w", err)
		}
		if _, err := f.Write(frame); err != nil {
			return Meta{}, fmt.Errorf("sstable: write block: %w", err)
		}

		index = append(index, indexEntry{offset: offset, key: b[0].Key})
		offset += int64(len(frame))
	}

	indexOffset := offset
	var idxBuf bytes.Buffer
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(index)))
	idxBuf.Write(countBuf[:])
	for _, ie := range index {
		var hdr [8 + 2]byte
		binary.BigEndian.PutUint64(hdr[0:8], uint64(ie.offset))
		binary.BigEndian.PutUint16(hdr[8:10], uint16(len(ie.key)))
		idxBuf.Write(hdr[:])
		idxBuf.Write(ie.key)
	}
	if _, err := f.Write(idxBuf.Bytes()); err != nil {
		return Meta{}, fmt.Errorf("sstable: write index: %w", err)
	}
	indexSize := idxBuf.Len()

	bloomOffset := indexOffset + int64(indexSize)
	bloomSize64, err := filter.WriteTo(f)
	if err != nil {
		return Meta{}, fmt.Errorf("sstable: write bloom filter: %w", err)
	}

	if err := writeFooter(f, indexOffset, uint32(indexSize), bloomOffset, uint32(bloomSize64)); err != nil {
		return Meta{}, err
	}

	// patch header with the real entry count
	var hdr [headerSize]byte
	copy(hdr[0:8], magic)
	binary.BigEndian.PutUint32(hdr[8:12], formatVersion)
	hdr[12] = level
	binary.BigEndian.PutUint32(hdr[13:17], uint32(len(entries)))
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return Meta{}, fmt.Errorf("sstable: patch header: %w", err)
	}

	if err := f.Sync(); err != nil {
		return Meta{}, fmt.Errorf("sstable: fsync file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		return Meta{}, fmt.Errorf("sstable: stat: %w", err)
	}
	fileSize := fi.Size()

	if err := f.Close(); err != nil {
		return Meta{}, fmt.Errorf("sstable: close: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Meta{}, fmt.Errorf("sstable: rename temp file: %w", err)
	}
	f = nil // disarm the defer's cleanup; the file is now published

	if err := fsyncDir(dir); err != nil {
		return Meta{}, fmt.Errorf("sstable: fsync directory: %w", err)
	}

	return Meta{
		ID:         id,
		Filename:   Filename(id),
		Level:      level,
		MinKey:     append([]byte(nil), entries[0].Key...),
		MaxKey:     append([]byte(nil), entries[len(entries)-1].Key...),
		EntryCount: uint32(len(entries)),
		FileSize:   fileSize,
		CreatedAt:  time.Now(),
	}, nil
}

func writeFooter(f *os.File, indexOffset int64, indexSize uint32, bloomOffset int64, bloomSize uint32) error {
	var footer [footerSize]byte
	binary.BigEndian.PutUint64(footer[0:8], uint64(indexOffset))
	binary.BigEndian.PutUint32(footer[8:12], indexSize)
	binary.BigEndian.PutUint64(footer[12:20], uint64(bloomOffset))
	binary.BigEndian.PutUint32(footer[20:24], bloomSize)
	copy(footer[24:32], magic)

	if _, err := f.Write(footer[:]); err != nil {
		return fmt.Errorf("sstable: write footer: %w", err)
	}
	return nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// indexRecord is one sparse-index entry loaded into memory on open.
type indexRecord struct {
	offset int64
	key    []byte
}

// Reader is an opened, immutable SSTable. It keeps its index and Bloom
// filter resident and needs no external locking once constructed.
type Reader struct {
	f          *os.File
	level      uint8
	entryCount uint32
	index      []indexRecord
	indexEnd   int64 // byte offset where the data-block region ends
	filter     *bloomfilter.Filter
}

// Open loads an SSTable's footer, index, and Bloom filter into memory and
// keeps the file handle open for point lookups.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open: %w", err)
	}

	r, err := openReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func openReader(f *os.File) (*Reader, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("sstable: stat: %w", err)
	}
	if fi.Size() < headerSize+footerSize {
		return nil, fmt.Errorf("sstable: file too small to contain header+footer")
	}

	var hdr [headerSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("sstable: read header: %w", err)
	}
	if string(hdr[0:8]) != magic {
		return nil, fmt.Errorf("sstable: bad header magic")
	}
	version := binary.BigEndian.Uint32(hdr[8:12])
	if version > formatVersion {
		return nil, fmt.Errorf("%w: %d (supported: %d)", ErrUnsupportedVersion, version, formatVersion)
	}
	level := hdr[12]
	entryCount := binary.BigEndian.Uint32(hdr[13:17])

	var footer [footerSize]byte
	if _, err := f.ReadAt(footer[:], fi.Size()-footerSize); err != nil {
		return nil, fmt.Errorf("sstable: read footer: %w", err)
	}
	if string(footer[24:32]) != magic {
		return nil, fmt.Errorf("sstable: bad footer magic (truncated file?)")
	}
	indexOffset := int64(binary.BigEndian.Uint64(footer[0:8]))
	indexSize := binary.BigEndian.Uint32(footer[8:12])
	bloomOffset := int64(binary.BigEndian.Uint64(footer[12:20]))
	bloomSize := binary.BigEndian.Uint32(footer[20:24])

	idxBuf := make([]byte, indexSize)
	if _, err := f.ReadAt(idxBuf, indexOffset); err != nil {
		return nil, fmt.Errorf("sstable: read index block: %w", err)
	}
	index, err := decodeIndex(idxBuf)
	if err != nil {
		return nil, fmt.Errorf("sstable: decode index: %w", err)
	}

	bloomSection := io.NewSectionReader(f, bloomOffset, int64(bloomSize))
	filter, _, err := bloomfilter.ReadFrom(bloomSection)
	if err != nil {
		return nil, fmt.Errorf("sstable: decode bloom filter: %w", err)
	}

	return &Reader{
		f:          f,
		level:      level,
		entryCount: entryCount,
		index:      index,
		indexEnd:   indexOffset,
		filter:     filter,
	}, nil
}

func decodeIndex(buf []byte) ([]indexRecord, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("index block too short")
	}
	count := binary.BigEndian.Uint32(buf[0:4])
	pos := 4
	records := make([]indexRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+10 > len(buf) {
			return nil, fmt.Errorf("index block truncated at entry %d", i)
		}
		offset := int64(binary.BigEndian.Uint64(buf[pos : pos+8]))
		keyLen := binary.BigEndian.Uint16(buf[pos+8 : pos+10])
		pos += 10
		if pos+int(keyLen) > len(buf) {
			return nil, fmt.Errorf("index block truncated key at entry %d", i)
		}
		key := append([]byte(nil), buf[pos:pos+int(keyLen)]...)
		pos += int(keyLen)
		records = append(records, indexRecord{offset: offset, key: key})
	}
	return records, nil
}

// Level returns the SSTable's LSM level.
func (r *Reader) Level() uint8 { return r.level }

// EntryCount returns the number of entries recorded in the header.
func (r *Reader) EntryCount() uint32 { return r.entryCount }

// MinMaxKeys reads the first and last data block to recover the table's
// key range, used by manifest recovery when metadata must be rebuilt from
// the raw file.
func (r *Reader) MinMaxKeys() (min, max []byte, err error) {
	if len(r.index) == 0 {
		return nil, nil, fmt.Errorf("sstable: empty index, cannot determine key range")
	}

	firstBlock, err := r.readBlock(0)
	if err != nil {
		return nil, nil, err
	}
	lastBlock, err := r.readBlock(len(r.index) - 1)
	if err != nil {
		return nil, nil, err
	}

	return firstBlock[0].Key, lastBlock[len(lastBlock)-1].Key, nil
}

func (r *Reader) readBlock(i int) ([]block.Entry, error) {
	blockEnd := r.indexEnd
	if i+1 < len(r.index) {
		blockEnd = r.index[i+1].offset
	}
	frame := make([]byte, blockEnd-r.index[i].offset)
	if _, err := r.f.ReadAt(frame, r.index[i].offset); err != nil {
		return nil, fmt.Errorf("sstable: read block: %w", err)
	}
	raw, err := block.Decompress(frame)
	if err != nil {
		return nil, fmt.Errorf("sstable: decompress block: %w", err)
	}
	return block.DecodeEntries(raw)
}

// Get performs a point lookup: a Bloom probe, then (on a positive) a
// sparse-index binary search followed by a single block read and scan.
func (r *Reader) Get(key []byte) (block.Entry, bool, error) {
	if !r.filter.Contains(key) {
		return block.Entry{}, false, nil
	}

	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].key, key) > 0
	}) - 1
	if i < 0 {
		return block.Entry{}, false, nil
	}

	entries, err := r.readBlock(i)
	if err != nil {
		return block.Entry{}, false, err
	}

	found := false
	var best block.Entry
	for _, e := range entries {
		if bytes.Equal(e.Key, key) && (!found || e.Seqno > best.Seqno) {
			best, found = e, true
		}
	}
	return best, found, nil
}

// All iterates every entry in the table in ascending key order, used by
// compaction. Errors encountered mid-scan stop iteration.
func (r *Reader) All(yield func(block.Entry, error) bool) {
	for i := range r.index {
		entries, err := r.readBlock(i)
		if err != nil {
			yield(block.Entry{}, err)
			return
		}
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}
