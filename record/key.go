package record

// Key orders entries inside a MemTable and an SSTable by timestamp, with
// Sequence as the tiebreaker: two events with the same timestamp (clock
// coalescing, same-nanosecond batch) still sort deterministically and
// never collide, but out-of-order timestamps never get silently rejected
// (see DESIGN.md Open Question decision). Ordering by timestamp first is
// what lets an SSTable's block index binary-search a `range_query(lo_ts,
// hi_ts)` directly against first-key-of-block, per spec.md §4.5.
type Key struct {
	TimestampNS int64
	Sequence    uint64
}

// Less orders by TimestampNS first, Sequence as the tiebreaker.
func (k Key) Less(other Key) bool {
	if k.TimestampNS != other.TimestampNS {
		return k.TimestampNS < other.TimestampNS
	}
	return k.Sequence < other.Sequence
}

// Equal reports whether k and other identify the same committed event.
func (k Key) Equal(other Key) bool {
	return k.Sequence == other.Sequence && k.TimestampNS == other.TimestampNS
}

// KeyOf derives the MemTable key for r as of the sequence number the WAL
// assigned it at append time.
func KeyOf(r Record, sequence uint64) Key {
	return Key{TimestampNS: r.TimestampNS(), Sequence: sequence}
}
