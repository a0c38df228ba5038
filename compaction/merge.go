package compaction

import (
	"container/heap"

	"github.com/exchangecore/ledger/record"
	"github.com/exchangecore/ledger/sstable"
)

// mergeSource is one input table's position within a k-way merge.
type mergeSource struct {
	entries  []sstable.Entry
	pos      int
	priority int // higher priority wins ties on equal keys (newer file)
}

func (s *mergeSource) exhausted() bool { return s.pos >= len(s.entries) }
func (s *mergeSource) key() record.Key { return s.entries[s.pos].Key }

type mergeHeap []*mergeSource

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	ki, kj := h[i].key(), h[j].key()
	if ki.Equal(kj) {
		return h[i].priority > h[j].priority // higher priority (newer) first on ties
	}
	return ki.Less(kj)
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeSource)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeTables performs a k-way merge of tables, newest-first in priority
// (tables[0] is treated as oldest, tables[len-1] as newest, matching the
// level ordering callers pass in), deduplicating equal keys by keeping the
// entry from the highest-priority (newest) source. Returns entries in
// ascending key order (spec.md §4.7 "newer-file-wins on duplicate keys").
func mergeTables(tables [][]sstable.Entry) ([]sstable.Entry, error) {
	h := &mergeHeap{}
	for i, entries := range tables {
		if len(entries) == 0 {
			continue
		}
		heap.Push(h, &mergeSource{entries: entries, priority: i})
	}
	heap.Init(h)

	var out []sstable.Entry
	for h.Len() > 0 {
		top := (*h)[0]
		key := top.key()

		// Collect every source currently positioned at this exact key;
		// the highest-priority one wins, the rest are skipped (they are
		// older, now-shadowed writes of the same event).
		var winner sstable.Entry
		haveWinner := false
		bestPriority := -1

		for h.Len() > 0 && (*h)[0].key().Equal(key) {
			src := heap.Pop(h).(*mergeSource)
			if !haveWinner || src.priority > bestPriority {
				winner = src.entries[src.pos]
				bestPriority = src.priority
				haveWinner = true
			}
			src.pos++
			if !src.exhausted() {
				heap.Push(h, src)
			}
		}
		out = append(out, winner)
	}
	return out, nil
}
