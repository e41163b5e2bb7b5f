package extsort

import (
	"bytes"
	"container/heap"
	"context"
	"io"
)

// Iterator yields records in sorted order. Usage follows the
// bufio.Scanner pattern: Next, then Record; Err after Next returns
// false; Close when done. Record's slice is only valid until the next
// call to Next.
type Iterator interface {
	Next() bool
	Record() []byte
	Err() error
	Close() error
}

type memIterator struct {
	records [][]byte
	idx     int
	cur     []byte
}

func (it *memIterator) Next() bool {
	if it.idx >= len(it.records) {
		return false
	}
	it.cur = it.records[it.idx]
	it.idx++
	return true
}

func (it *memIterator) Record() []byte { return it.cur }
func (it *memIterator) Err() error     { return nil }
func (it *memIterator) Close() error   { return nil }

// mergeItem is one heap entry: the head record of a chunk. chunkIdx
// breaks ties so that equal records come out in chunk creation order,
// matching the stable in-memory sort.
type mergeItem struct {
	rec      []byte
	chunkIdx int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].rec, h[j].rec); c != 0 {
		return c < 0
	}
	return h[i].chunkIdx < h[j].chunkIdx
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type mergeIterator struct {
	ctx     context.Context
	readers []*chunkReader
	h       mergeHeap
	cur     []byte
	err     error
}

func newMergeIterator(ctx context.Context, chunkPaths []string) (Iterator, error) {
	it := &mergeIterator{ctx: ctx}
	for i, path := range chunkPaths {
		cr, err := openChunk(path)
		if err != nil {
			it.Close()
			return nil, err
		}
		it.readers = append(it.readers, cr)
		rec, err := cr.next()
		if err == io.EOF {
			continue // chunk was empty
		}
		if err != nil {
			it.Close()
			return nil, err
		}
		it.h = append(it.h, mergeItem{rec: copyBytes(rec), chunkIdx: i})
	}
	heap.Init(&it.h)
	return it, nil
}

func (it *mergeIterator) Next() bool {
	if it.err != nil || it.h.Len() == 0 {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return false
	}

	top := it.h[0]
	it.cur = top.rec

	// Refill from the chunk the head came from.
	rec, err := it.readers[top.chunkIdx].next()
	switch {
	case err == io.EOF:
		heap.Pop(&it.h)
	case err != nil:
		it.err = err
		return false
	default:
		it.h[0] = mergeItem{rec: copyBytes(rec), chunkIdx: top.chunkIdx}
		heap.Fix(&it.h, 0)
	}
	return true
}

func (it *mergeIterator) Record() []byte { return it.cur }
func (it *mergeIterator) Err() error     { return it.err }

func (it *mergeIterator) Close() error {
	var firstErr error
	for _, cr := range it.readers {
		if err := cr.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	it.readers = nil
	return firstErr
}

func copyBytes(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
