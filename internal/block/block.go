// Package block implements the on-disk block codec: a run of sorted
// entries compressed as a unit and framed with a CRC32 trailer.
package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/pierrec/lz4/v4"
)

// MaxUncompressedSize is the target ceiling for a decompressed block. A
// single oversized entry is still written whole into its own block.
const MaxUncompressedSize = 4 * 1024

// Entry is one record inside a block: a key, its value (or tombstone), and
// the sequence number that produced it.
type Entry struct {
	Seqno     uint64
	Key       []byte
	Value     []byte
	Tombstone bool
}

func (e Entry) encodedLen() int {
	return EncodedLen(e)
}

// EncodedLen returns the byte length of e's entry body, excluding the
// 4-byte entry_length field that precedes it on disk.
func EncodedLen(e Entry) int {
	// seqno(8) + key_len(2) + val_len(4) + tombstone(1) + key + value
	return 8 + 2 + 4 + 1 + len(e.Key) + len(e.Value)
}

// EncodeEntries serializes entries (in order) into a raw, uncompressed byte
// run suitable for passing to Compress.
func EncodeEntries(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		if len(e.Key) > 0xFFFF {
			return nil, fmt.Errorf("block: key length %d exceeds u16 range", len(e.Key))
		}
		if e.Tombstone && len(e.Value) != 0 {
			return nil, fmt.Errorf("block: tombstone entry must carry no value")
		}

		body := e.encodedLen()
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(body))
		buf.Write(hdr[:])

		var fixed [8 + 2 + 4 + 1]byte
		binary.BigEndian.PutUint64(fixed[0:8], e.Seqno)
		binary.BigEndian.PutUint16(fixed[8:10], uint16(len(e.Key)))
		binary.BigEndian.PutUint32(fixed[10:14], uint32(len(e.Value)))
		if e.Tombstone {
			fixed[14] = 1
		}
		buf.Write(fixed[:])
		buf.Write(e.Key)
		buf.Write(e.Value)
	}
	return buf.Bytes(), nil
}

// DecodeEntries parses a raw, decompressed byte run produced by EncodeEntries.
func DecodeEntries(raw []byte) ([]Entry, error) {
	var entries []Entry
	pos := 0
	for pos < len(raw) {
		if pos+4 > len(raw) {
			return nil, fmt.Errorf("block: truncated entry length at offset %d", pos)
		}
		entryLen := binary.BigEndian.Uint32(raw[pos : pos+4])
		pos += 4

		if pos+int(entryLen) > len(raw) {
			return nil, fmt.Errorf("block: truncated entry body at offset %d", pos)
		}
		body := raw[pos : pos+int(entryLen)]
		pos += int(entryLen)

		if len(body) < 8+2+4+1 {
			return nil, fmt.Errorf("block: entry body too short")
		}
		seqno := binary.BigEndian.Uint64(body[0:8])
		keyLen := binary.BigEndian.Uint16(body[8:10])
		valLen := binary.BigEndian.Uint32(body[10:14])
		tombstone := body[14] != 0
		rest := body[15:]

		if int(keyLen)+int(valLen) != len(rest) {
			return nil, fmt.Errorf("block: key/value length mismatch")
		}
		key := append([]byte(nil), rest[:keyLen]...)
		value := append([]byte(nil), rest[keyLen:]...)

		entries = append(entries, Entry{Seqno: seqno, Key: key, Value: value, Tombstone: tombstone})
	}
	return entries, nil
}

// Compress frames raw bytes per the on-disk block format:
//
//	compressed_size   : u32 BE
//	uncompressed_size : u32 BE
//	compressed_payload: bytes[compressed_size]
//	crc32             : u32 BE   (over the 8-byte header + payload)
func Compress(raw []byte) ([]byte, error) {
	var payload bytes.Buffer
	zw := lz4.NewWriter(&payload)
	if err := zw.Apply(lz4.CompressionLevelOption(lz4.Level4)); err != nil {
		return nil, fmt.Errorf("block: configure lz4 level: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("block: lz4 compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("block: lz4 finish: %w", err)
	}

	compressed := payload.Bytes()

	out := make([]byte, 8+len(compressed)+4)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(compressed)))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(raw)))
	copy(out[8:8+len(compressed)], compressed)

	crc := crc32.ChecksumIEEE(out[:8+len(compressed)])
	binary.BigEndian.PutUint32(out[8+len(compressed):], crc)

	return out, nil
}

// Decompress reverses Compress, verifying the CRC before decompressing.
// A CRC mismatch is reported as an error and never silently retried.
func Decompress(frame []byte) ([]byte, error) {
	if len(frame) < 12 {
		return nil, fmt.Errorf("block: frame too short (%d bytes)", len(frame))
	}

	compressedSize := binary.BigEndian.Uint32(frame[0:4])
	uncompressedSize := binary.BigEndian.Uint32(frame[4:8])

	if 8+int(compressedSize)+4 != len(frame) {
		return nil, fmt.Errorf("block: frame length %d inconsistent with compressed_size %d", len(frame), compressedSize)
	}

	header := frame[:8+compressedSize]
	storedCRC := binary.BigEndian.Uint32(frame[8+compressedSize:])
	if got := crc32.ChecksumIEEE(header); got != storedCRC {
		return nil, fmt.Errorf("block: crc mismatch: got %08x want %08x", got, storedCRC)
	}

	compressed := frame[8 : 8+compressedSize]
	zr := lz4.NewReader(bytes.NewReader(compressed))
	raw := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(zr, raw); err != nil {
		return nil, fmt.Errorf("block: lz4 decompress: %w", err)
	}
	return raw, nil
}

// Partition splits sorted entries into runs whose encoded size is at most
// MaxUncompressedSize each; a single entry larger than the limit gets its
// own run.
func Partition(entries []Entry) [][]Entry {
	var blocks [][]Entry
	var current []Entry
	size := 0

	for _, e := range entries {
		el := e.encodedLen() + 4 // + the entry_length field itself
		if size > 0 && size+el > MaxUncompressedSize {
			blocks = append(blocks, current)
			current = nil
			size = 0
		}
		current = append(current, e)
		size += el
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}
	return blocks
}
