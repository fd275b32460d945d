package wal

import (
	"bytes"
	"fmt"
	"sync"
)

// maxBatchRecords bounds how many pending Append calls are drained into a
// single fsync — entry-count batched group commit.
const maxBatchRecords = 256

// ErrClosed is returned by Append once the Writer has been closed.
var ErrClosed = fmt.Errorf("wal: writer closed")

type appendRequest struct {
	rec  Record
	done chan error
}

// Writer serializes concurrent Append calls onto a single background
// goroutine, which batches up to maxBatchRecords pending records into one
// contiguous write and a single fsync before acknowledging all of them.
type Writer struct {
	mu      sync.Mutex
	ch      chan *appendRequest
	closing chan struct{}
	closed  chan struct{}
	sm      *segmentManager
	wg      sync.WaitGroup
	done    bool
}

// Open creates or recovers the WAL segment directory at dir and starts the
// batching writer goroutine.
func Open(dir string, opts ...Option) (*Writer, error) {
	sm, err := newSegmentManager(dir, opts...)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		ch:      make(chan *appendRequest, maxBatchRecords),
		closing: make(chan struct{}),
		closed:  make(chan struct{}),
		sm:      sm,
	}
	go w.loop()
	return w, nil
}

// Append encodes rec and blocks until it has been durably fsynced to disk
// (or the Writer is closed first, or rejects it).
func (w *Writer) Append(rec Record) error {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return ErrClosed
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	req := &appendRequest{rec: rec, done: make(chan error, 1)}
	select {
	case w.ch <- req:
		return <-req.done
	case <-w.closing:
		return ErrClosed
	}
}

// Truncate discards WAL segments whose every record is covered by a
// durable checkpoint at or beyond checkpointSeqno.
func (w *Writer) Truncate(checkpointSeqno uint64) error {
	return w.sm.truncate(checkpointSeqno)
}

// Close drains any in-flight Append calls, stops the writer goroutine, and
// closes the active segment file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return nil
	}
	w.done = true
	w.mu.Unlock()

	close(w.closing)
	w.wg.Wait()
	close(w.ch)
	<-w.closed

	return w.sm.close()
}

func (w *Writer) loop() {
	defer close(w.closed)

	for first := range w.ch {
		batch := []*appendRequest{first}
	drain:
		for len(batch) < maxBatchRecords {
			select {
			case req, ok := <-w.ch:
				if !ok {
					break drain
				}
				batch = append(batch, req)
			default:
				break drain
			}
		}

		err := w.writeBatch(batch)
		for _, req := range batch {
			req.done <- err
		}
	}
}

func (w *Writer) writeBatch(batch []*appendRequest) error {
	var buf bytes.Buffer
	var maxSeqno uint64
	for _, req := range batch {
		if err := req.rec.Encode(&buf); err != nil {
			return err
		}
		if req.rec.Seqno > maxSeqno {
			maxSeqno = req.rec.Seqno
		}
	}
	return w.sm.writeBatch(buf.Bytes(), maxSeqno)
}
