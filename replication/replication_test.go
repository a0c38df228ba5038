package replication

import (
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exchangecore/ledger/memtable"
	"github.com/exchangecore/ledger/record"
	"github.com/exchangecore/ledger/wal"
	"github.com/exchangecore/ledger/xerrors"
)

func newSingleNode(t *testing.T) (*Node, *memtable.Table) {
	t.Helper()
	dir := t.TempDir()

	w, err := wal.Open(dir+"/wal", wal.DefaultFlushPolicy, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	oltp := memtable.NewTable(1<<30, 12, 0.25)
	olap := memtable.NewColumnarTable(1 << 30)
	fsm := NewFSM(w, oltp, olap, zerolog.Nop())

	_, trans := raft.NewInmemTransport("node1")

	cfg := DefaultConfig("node1", dir+"/raft")
	cfg.Bootstrap = true
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.ElectionTimeout = 100 * time.Millisecond
	cfg.CommitTimeout = 10 * time.Millisecond
	cfg.ApplyTimeout = 2 * time.Second

	n, err := NewNode(cfg, fsm, trans, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { n.Shutdown() })

	require.Eventually(t, n.IsLeader, 3*time.Second, 10*time.Millisecond, "node never became leader")

	return n, oltp
}

func mkTick(ts int64) *record.TickData {
	id, _ := record.NewID16("IF888")
	return &record.TickData{Timestamp: ts, InstrumentID: id, LastPrice: 10, Volume: 1}
}

func TestSingleNodeBecomesLeaderAndCommits(t *testing.T) {
	n, oltp := newSingleNode(t)

	seq, err := n.Propose(mkTick(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	_, ok := oltp.Get(record.Key{TimestampNS: 100, Sequence: 1})
	assert.True(t, ok)
}

func TestProposeAssignsIncreasingSequences(t *testing.T) {
	n, _ := newSingleNode(t)

	seq1, err := n.Propose(mkTick(100))
	require.NoError(t, err)
	seq2, err := n.Propose(mkTick(200))
	require.NoError(t, err)

	assert.Less(t, seq1, seq2)
}

func TestProposeOnNonLeaderReturnsErrNotLeader(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(dir+"/wal", wal.DefaultFlushPolicy, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	fsm := NewFSM(w, memtable.NewTable(1<<30, 12, 0.25), memtable.NewColumnarTable(1<<30), zerolog.Nop())
	_, trans := raft.NewInmemTransport("follower-only")

	cfg := DefaultConfig("follower-only", dir+"/raft")
	// Not bootstrapped: this node never forms or joins a cluster, so it
	// never becomes leader.
	n, err := NewNode(cfg, fsm, trans, zerolog.Nop())
	require.NoError(t, err)
	defer n.Shutdown()

	_, err = n.Propose(mkTick(1))
	assert.ErrorIs(t, err, xerrors.ErrNotLeader)
}
