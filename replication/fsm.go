// Package replication implements the master-slave replicator (C10) as a
// raft.FSM over this module's WAL/MemTable pipeline. Grounded on the
// hashicorp/raft library's own FSM contract (election, heartbeats, term
// tracking, and majority-commit gating are raft's job, not reimplemented
// here) with `hashicorp/raft-boltdb` for the durable log/stable store —
// the teacher repo has no replication of its own, so this package is
// built directly against the library the DESIGN.md grounding ledger names
// for C10, adapted to apply committed entries into `wal`/`memtable`.
package replication

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/exchangecore/ledger/memtable"
	"github.com/exchangecore/ledger/record"
	"github.com/exchangecore/ledger/wal"
)

// applyResult is what FSM.Apply returns for each log entry, surfaced back
// to the proposer through raft's ApplyFuture.Response().
type applyResult struct {
	Sequence uint64
	Record   record.Record
	Err      error
}

// FSM applies committed raft log entries to the local WAL and MemTables.
// Because raft guarantees every voting member applies the same log
// entries in the same order, the WAL's own monotonic sequence counter
// (assigned inside Append, in Apply-call order) ends up identical across
// replicas without needing the log's Index threaded through explicitly.
type FSM struct {
	wal  *wal.Writer
	oltp *memtable.Table
	olap *memtable.ColumnarTable
	log  zerolog.Logger

	lastIndex uint64
}

// NewFSM constructs an FSM writing applied entries through w and into the
// given MemTables.
func NewFSM(w *wal.Writer, oltp *memtable.Table, olap *memtable.ColumnarTable, logger zerolog.Logger) *FSM {
	return &FSM{wal: w, oltp: oltp, olap: olap, log: logger.With().Str("component", "replication.fsm").Logger()}
}

// Apply decodes the committed log entry, appends it to the local WAL, and
// applies it to both MemTables. It implements raft.FSM.
func (f *FSM) Apply(l *raft.Log) interface{} {
	f.lastIndex = l.Index

	view, err := record.DecodeView(l.Data)
	if err != nil {
		return applyResult{Err: fmt.Errorf("replication: decode committed entry at index %d: %w", l.Index, err)}
	}
	r, err := view.Deserialize()
	if err != nil {
		return applyResult{Err: fmt.Errorf("replication: deserialize committed entry at index %d: %w", l.Index, err)}
	}

	seq, err := f.wal.Append(r)
	if err != nil {
		return applyResult{Err: fmt.Errorf("replication: wal append at raft index %d: %w", l.Index, err)}
	}

	key := record.KeyOf(r, seq)
	f.oltp.Insert(key, r)
	f.olap.Append(key, r)

	return applyResult{Sequence: seq, Record: r}
}

// snapshotState is the small marker persisted by FSMSnapshot; the real
// durable state lives in the WAL and SSTables, so the raft snapshot only
// needs to record the log index it corresponds to, to let raft truncate
// its own log safely.
type snapshotState struct {
	LastIndex uint64 `json:"last_index"`
}

type fsmSnapshot struct {
	state snapshotState
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{state: snapshotState{LastIndex: f.lastIndex}}, nil
}

// Persist implements raft.FSMSnapshot.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.state)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release implements raft.FSMSnapshot.
func (s *fsmSnapshot) Release() {}

// Restore implements raft.FSM. Recovery of WAL/MemTable state happens
// through the `recovery` package (C9) at boot, not through raft snapshot
// replay; Restore only recovers the marker so LastIndex stays accurate.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	var state snapshotState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	f.lastIndex = state.LastIndex
	return nil
}
