package memtable

import (
	"sync"

	"github.com/exchangecore/ledger/record"
)

// Table is the OLTP memtable (C3): an ordered, concurrent table keyed by
// (timestamp_ns, sequence), sealed and handed off to a flush pipeline once
// it crosses a byte threshold. Grounded on the teacher's
// memtableLock-guarded k4.memtable field and appendMemtableToFlushQueue
// seal protocol.
type Table struct {
	mu        sync.RWMutex
	active    *SkipList
	maxLevel  int
	p         float64
	threshold int
}

// NewTable constructs an empty OLTP memtable. threshold is the approximate
// byte size at which NeedsFlush reports true (spec.md §4.3).
func NewTable(threshold, maxLevel int, p float64) *Table {
	return &Table{
		active:    NewSkipList(maxLevel, p),
		maxLevel:  maxLevel,
		p:         p,
		threshold: threshold,
	}
}

// Insert records r under key. The caller (the append path) has already
// committed r to the WAL and assigned its sequence before this call.
func (t *Table) Insert(key record.Key, r record.Record) {
	t.mu.RLock()
	active := t.active
	t.mu.RUnlock()
	active.Insert(key, r)
}

// Get returns the record stored at key, if the active table still holds
// it (it may already have been sealed and flushed).
func (t *Table) Get(key record.Key) (record.Record, bool) {
	t.mu.RLock()
	active := t.active
	t.mu.RUnlock()
	return active.Search(key)
}

// Range returns every record whose key falls within [lo, hi], in key
// order. A full memtable is small enough in practice (bounded by
// threshold) that a linear scan is the right tool, matching the teacher's
// own iterator-based scans.
func (t *Table) Range(lo, hi record.Key) []record.Record {
	t.mu.RLock()
	active := t.active
	t.mu.RUnlock()

	var out []record.Record
	it := NewIterator(active)
	for it.Next() {
		k, v := it.Current()
		if !k.Less(lo) && !hi.Less(k) {
			out = append(out, v)
		}
	}
	return out
}

// ApproximateBytes reports the active table's current size.
func (t *Table) ApproximateBytes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active.Size()
}

// NeedsFlush reports whether the active table has crossed threshold.
func (t *Table) NeedsFlush() bool {
	return t.ApproximateBytes() >= t.threshold
}

// SealAndDrain atomically swaps in a fresh, empty active table and returns
// the sealed skip list itself (not a copy), ready for an SSTable flush.
// Mirrors the teacher's appendMemtableToFlushQueue: hand the sealed table
// to the flush path and replace it, so writers are never blocked on flush
// I/O.
func (t *Table) SealAndDrain() *SkipList {
	t.mu.Lock()
	defer t.mu.Unlock()

	sealed := t.active
	t.active = NewSkipList(t.maxLevel, t.p)
	return sealed
}
