package block

import (
	"bytes"
	"fmt"
	"testing"
)

func sampleEntries(n int) []Entry {
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, Entry{
			Seqno: uint64(i + 1),
			Key:   []byte(fmt.Sprintf("key-%05d", i)),
			Value: []byte(fmt.Sprintf("value-%05d-payload", i)),
		})
	}
	return entries
}

func TestEncodeDecodeEntriesRoundTrip(t *testing.T) {
	entries := sampleEntries(50)
	entries = append(entries, Entry{Seqno: 999, Key: []byte("deleted"), Tombstone: true})

	raw, err := EncodeEntries(entries)
	if err != nil {
		t.Fatalf("EncodeEntries: %v", err)
	}

	got, err := DecodeEntries(raw)
	if err != nil {
		t.Fatalf("DecodeEntries: %v", err)
	}

	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i].Seqno != entries[i].Seqno ||
			!bytes.Equal(got[i].Key, entries[i].Key) ||
			!bytes.Equal(got[i].Value, entries[i].Value) ||
			got[i].Tombstone != entries[i].Tombstone {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, got[i], entries[i])
		}
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	raw, err := EncodeEntries(sampleEntries(200))
	if err != nil {
		t.Fatalf("EncodeEntries: %v", err)
	}

	frame, err := Compress(raw)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	got, err := Decompress(frame)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}

	if !bytes.Equal(got, raw) {
		t.Fatalf("decompressed bytes differ from original")
	}
}

func TestDecompressDetectsCorruption(t *testing.T) {
	raw, _ := EncodeEntries(sampleEntries(10))
	frame, err := Compress(raw)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	frame[len(frame)-1] ^= 0xFF

	if _, err := Decompress(frame); err == nil {
		t.Fatalf("expected crc mismatch error")
	}
}

func TestPartitionRespectsSizeLimit(t *testing.T) {
	entries := sampleEntries(2000)
	blocks := Partition(entries)

	if len(blocks) < 2 {
		t.Fatalf("expected multiple blocks for %d entries, got %d", len(entries), len(blocks))
	}

	total := 0
	for _, b := range blocks {
		raw, err := EncodeEntries(b)
		if err != nil {
			t.Fatalf("EncodeEntries: %v", err)
		}
		if len(raw) > MaxUncompressedSize && len(b) > 1 {
			t.Fatalf("block of %d entries exceeds size limit: %d bytes", len(b), len(raw))
		}
		total += len(b)
	}
	if total != len(entries) {
		t.Fatalf("partition dropped entries: got %d, want %d", total, len(entries))
	}
}

func TestPartitionOversizedSingleEntry(t *testing.T) {
	big := Entry{Seqno: 1, Key: []byte("k"), Value: bytes.Repeat([]byte("x"), MaxUncompressedSize*2)}
	entries := append(sampleEntries(5), big)
	entries = append(entries, sampleEntries(5)...)

	blocks := Partition(entries)

	found := false
	for _, b := range blocks {
		if len(b) == 1 && bytes.Equal(b[0].Key, big.Key) {
			found = true
		}
	}
	if !found {
		t.Fatalf("oversized entry did not get its own block")
	}
}
