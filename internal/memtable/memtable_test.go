package memtable

import (
	"fmt"
	"math/rand"
	"testing"
)

func init() {
	rand.Seed(1)
}

func TestEmptyMemtable(t *testing.T) {
	m := New()
	if m.Len() != 0 {
		t.Fatalf("expected empty memtable, got len=%d", m.Len())
	}
	if _, ok := m.Get([]byte("x")); ok {
		t.Fatalf("expected miss on empty memtable")
	}
}

func TestPutGet(t *testing.T) {
	m := New()
	m.Put([]byte("a"), []byte("1"), 1)

	e, ok := m.Get([]byte("a"))
	if !ok || string(e.Value) != "1" || e.Seqno != 1 {
		t.Fatalf("got %+v, %v", e, ok)
	}
}

func TestOverwriteBySeqno(t *testing.T) {
	m := New()
	m.Put([]byte("k"), []byte("v1"), 1)
	m.Put([]byte("k"), []byte("v2"), 2)

	e, ok := m.Get([]byte("k"))
	if !ok || string(e.Value) != "v2" || e.Seqno != 2 {
		t.Fatalf("expected latest write to win, got %+v", e)
	}
	if m.Len() != 1 {
		t.Fatalf("expected single resident key, got %d", m.Len())
	}
}

func TestDeleteTombstone(t *testing.T) {
	m := New()
	m.Put([]byte("k"), []byte("v"), 1)
	m.Delete([]byte("k"), 2)

	e, ok := m.Get([]byte("k"))
	if !ok {
		t.Fatalf("expected tombstone entry to remain resident")
	}
	if !e.Tombstone {
		t.Fatalf("expected tombstone flag set")
	}
}

func TestIterSortedOrder(t *testing.T) {
	m := New()
	keys := []string{"banana", "apple", "cherry", "date"}
	for i, k := range keys {
		m.Put([]byte(k), []byte(fmt.Sprintf("v%d", i)), uint64(i+1))
	}

	var got []string
	for e := range m.IterSorted() {
		got = append(got, string(e.Key))
	}

	want := []string{"apple", "banana", "cherry", "date"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("out of order at %d: got %v want %v", i, got, want)
		}
	}
}

func TestApproximateSizeGrows(t *testing.T) {
	m := New()
	before := m.ApproximateSize()
	m.Put([]byte("key"), []byte("a-reasonably-sized-value"), 1)
	after := m.ApproximateSize()

	if after <= before {
		t.Fatalf("expected size to grow: before=%d after=%d", before, after)
	}
}

func TestManyKeysRemainSorted(t *testing.T) {
	m := New()
	const n = 2000
	perm := rand.Perm(n)
	for _, i := range perm {
		m.Put([]byte(fmt.Sprintf("key-%06d", i)), []byte("v"), uint64(i+1))
	}

	last := ""
	count := 0
	for e := range m.IterSorted() {
		if string(e.Key) < last {
			t.Fatalf("keys out of order: %q before %q", last, string(e.Key))
		}
		last = string(e.Key)
		count++
	}
	if count != n {
		t.Fatalf("got %d entries, want %d", count, n)
	}
}
