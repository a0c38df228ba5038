// Package ledger composes every subsystem package into the durable event
// pipeline spec.md describes: one WAL, dual MemTable pair, compaction
// manager, checkpoint manager and recovery coordinator per instrument,
// replicated through raft when configured, fed by the hot-path subscriber,
// drained into OLAP by the conversion scheduler, and observed through one
// shared metrics Registry. It realizes spec.md §6's collaborator
// interfaces (Append, RangeQuery, SubscribeCommits, Recover) and its
// literal on-disk layout. The teacher's own top-level k4.go played this
// role for a single flat KV table; this file is its replacement, built
// against the per-instrument packages k4.go's responsibilities were split
// into.
package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/exchangecore/ledger/checkpoint"
	"github.com/exchangecore/ledger/compaction"
	"github.com/exchangecore/ledger/conversion"
	"github.com/exchangecore/ledger/memtable"
	"github.com/exchangecore/ledger/metrics"
	"github.com/exchangecore/ledger/record"
	"github.com/exchangecore/ledger/recovery"
	"github.com/exchangecore/ledger/replication"
	"github.com/exchangecore/ledger/sstable"
	"github.com/exchangecore/ledger/subscriber"
	"github.com/exchangecore/ledger/wal"
	"github.com/exchangecore/ledger/xerrors"
)

// ReplicationConfig turns on the raft-backed replicator for every
// instrument the Engine mounts (spec.md §4.9 partitions replication per
// instrument the same way storage is partitioned, so one cluster role
// applies uniformly rather than per instrument).
type ReplicationConfig struct {
	NodeID    string
	BindAddr  string // host:port this node's raft transport listens on
	Bootstrap bool   // true only for the node forming a brand new cluster
}

// Config configures an Engine.
type Config struct {
	// BaseDir is spec.md §6's "{base}": every instrument's wal/sstables/
	// olap/checkpoints directories, the shared manifest files and the
	// shared conversion_metadata.json all live under it.
	BaseDir string

	Logger            zerolog.Logger
	MetricsRegisterer prometheus.Registerer

	OLTPFlushThreshold int // bytes; NewTable's threshold
	OLAPFlushThreshold int // bytes; NewColumnarTable's threshold
	MemtableMaxLevel   int
	MemtableP          float64

	WALFlushPolicy  wal.FlushPolicy
	CompactionCfg   compaction.Config
	CheckpointEvery int           // create a checkpoint every N appends
	CheckpointKeep  int           // Cleanup(keepLastN)
	ConversionCfg   conversion.Config
	OLAPCodec       sstable.Codec

	SubscriberCapacity     int
	SubscriberBatchSize    int
	SubscriberBatchTimeout time.Duration

	Replication *ReplicationConfig
}

// DefaultConfig fills in every tunable spec.md leaves to this module's
// discretion. BaseDir is left empty; the caller always sets it.
func DefaultConfig() Config {
	return Config{
		Logger:                 zerolog.New(os.Stderr).With().Timestamp().Logger(),
		MetricsRegisterer:      prometheus.NewRegistry(),
		OLTPFlushThreshold:     4 << 20,
		OLAPFlushThreshold:     4 << 20,
		MemtableMaxLevel:       12,
		MemtableP:              0.25,
		WALFlushPolicy:         wal.DefaultFlushPolicy,
		CompactionCfg:          compaction.DefaultConfig(),
		CheckpointEvery:        10_000,
		CheckpointKeep:         3,
		ConversionCfg:          conversion.DefaultConfig(),
		OLAPCodec:              sstable.CodecZstd,
		SubscriberCapacity:     subscriber.DefaultCapacity,
		SubscriberBatchSize:    subscriber.DefaultBatchSize,
		SubscriberBatchTimeout: subscriber.DefaultBatchTimeout,
	}
}

// commitSub is one live SubscribeCommits subscription.
type commitSub struct {
	ch chan record.Record
}

// instrumentStore holds every per-instrument component, partitioned per
// spec.md §5 ("every stateful core component is sharded per instrument;
// there is no cross-instrument lock").
type instrumentStore struct {
	id string

	root          string
	walDir        string
	sstableDir    string
	olapDir       string
	checkpointDir string

	wal         *wal.Writer
	oltp        *memtable.Table
	olap        *memtable.ColumnarTable
	compaction  *compaction.Manager
	checkpoints *checkpoint.Manager
	recoveryC   *recovery.Coordinator
	conversionS *conversion.Scheduler
	queue       *subscriber.Queue
	sub         *subscriber.Subscriber
	repl        *replication.Node

	appendsSinceCheckpoint int
	nextCheckpointID       uint64

	commitMu   sync.Mutex
	commitSubs map[int]*commitSub
	nextSubID  int
}

func (s *instrumentStore) publishCommit(r record.Record) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	for _, sub := range s.commitSubs {
		select {
		case sub.ch <- r:
		default:
			// A slow subscriber drops a commit notification rather than
			// stalling the append path; SubscribeCommits is fan-out for
			// downstream readers, not a durability guarantee.
		}
	}
}

// Engine is the composed ledger: every mounted instrument, a single
// shared conversion.Metadata (spec.md §6 pins one
// "{base}/conversion_metadata.json", not one per instrument) and a single
// shared metrics Registry.
type Engine struct {
	cfg     Config
	baseDir string
	log     zerolog.Logger

	mu      sync.RWMutex
	stores  map[string]*instrumentStore
	convMD  *conversion.Metadata
	metrics *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs an Engine rooted at cfg.BaseDir, loading the shared
// conversion metadata file. Instruments are mounted individually with
// MountInstrument (there is no fixed instrument list at construction
// time: instruments come and go as the exchange lists/delists them).
func New(cfg Config) (*Engine, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("ledger: Config.BaseDir must be set")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: mkdir base dir: %w", err)
	}

	convMD, err := conversion.Load(filepath.Join(cfg.BaseDir, "conversion_metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("ledger: load conversion metadata: %w", err)
	}

	registerer := cfg.MetricsRegisterer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		baseDir: cfg.BaseDir,
		log:     cfg.Logger.With().Str("component", "engine").Logger(),
		stores:  make(map[string]*instrumentStore),
		convMD:  convMD,
		metrics: metrics.NewRegistry(registerer),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// instrumentPaths returns spec.md §6's literal per-instrument layout.
func (e *Engine) instrumentPaths(instrumentID string) (root, walDir, sstableDir, olapDir, checkpointDir string) {
	root = filepath.Join(e.baseDir, instrumentID)
	return root,
		filepath.Join(root, "wal"),
		filepath.Join(root, "sstables"),
		filepath.Join(root, "olap"),
		filepath.Join(root, "checkpoints")
}

// MountInstrument wires up one instrument's full pipeline and runs
// recovery (C9) synchronously: the wal, MemTables, compaction manager and
// checkpoint manager it returns are the ones recovery replayed into, so by
// the time MountInstrument returns, Append/RangeQuery are immediately
// consistent with everything durable on disk.
func (e *Engine) MountInstrument(instrumentID string) error {
	e.mu.Lock()
	if _, exists := e.stores[instrumentID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("ledger: instrument %s already mounted", instrumentID)
	}
	e.mu.Unlock()

	root, walDir, sstableDir, olapDir, checkpointDir := e.instrumentPaths(instrumentID)
	if err := os.MkdirAll(olapDir, 0o755); err != nil {
		return fmt.Errorf("ledger: mkdir olap dir: %w", err)
	}

	log := e.log.With().Str("instrument", instrumentID).Logger()

	w, err := wal.Open(walDir, e.cfg.WALFlushPolicy, log)
	if err != nil {
		return fmt.Errorf("ledger: open wal for %s: %w", instrumentID, err)
	}

	oltp := memtable.NewTable(e.cfg.OLTPFlushThreshold, e.cfg.MemtableMaxLevel, e.cfg.MemtableP)
	olap := memtable.NewColumnarTable(e.cfg.OLAPFlushThreshold)

	checkpoints, err := checkpoint.NewManager(checkpointDir, instrumentID)
	if err != nil {
		w.Close()
		return fmt.Errorf("ledger: new checkpoint manager for %s: %w", instrumentID, err)
	}

	compactCfg := e.cfg.CompactionCfg
	compactCfg.ManifestFile = filepath.Join(e.baseDir, fmt.Sprintf("manifest_%s.json", instrumentID))

	coord := recovery.New(instrumentID, walDir, sstableDir, checkpoints, compactCfg, oltp, olap, log)
	stats, err := coord.Boot()
	if err != nil {
		w.Close()
		return fmt.Errorf("ledger: recover %s: %w", instrumentID, err)
	}
	log.Info().Uint64("cursor", stats.Cursor).Int("replayed", stats.TotalRecords).Msg("instrument mounted")

	store := &instrumentStore{
		id:               instrumentID,
		root:             root,
		walDir:           walDir,
		sstableDir:       sstableDir,
		olapDir:          olapDir,
		checkpointDir:    checkpointDir,
		wal:              w,
		oltp:             oltp,
		olap:             olap,
		compaction:       coord.Compaction(),
		checkpoints:      checkpoints,
		recoveryC:        coord,
		commitSubs:       make(map[int]*commitSub),
		nextCheckpointID: 1,
	}

	store.conversionS = conversion.NewScheduler(instrumentID, olapDir, store.compaction, e.convMD, e.cfg.ConversionCfg, log)
	store.conversionS.OnStatusChange = func(status conversion.Status) {
		switch status {
		case conversion.StatusFailed:
			e.metrics.ConversionFailedTotal.Inc()
		case conversion.StatusZombieRecovered:
			e.metrics.ConversionZombieTotal.Inc()
		}
	}
	if err := store.conversionS.RecoverZombies(); err != nil {
		w.Close()
		return fmt.Errorf("ledger: recover zombie conversions for %s: %w", instrumentID, err)
	}

	store.queue = subscriber.NewQueue(e.cfg.SubscriberCapacity)
	store.sub = subscriber.New(store.queue, e.batchHandler(store), e.cfg.SubscriberBatchSize, e.cfg.SubscriberBatchTimeout, log)

	if e.cfg.Replication != nil {
		node, err := e.newReplicationNode(instrumentID, store, log)
		if err != nil {
			w.Close()
			return fmt.Errorf("ledger: start replication for %s: %w", instrumentID, err)
		}
		store.repl = node
		go e.observeReplicationRole(store)
	}

	e.mu.Lock()
	e.stores[instrumentID] = store
	e.mu.Unlock()

	store.compaction.Start(e.ctx)
	store.conversionS.Start(e.ctx)
	store.sub.Run(e.ctx)

	return nil
}

// observeReplicationRole periodically mirrors store.repl's raft role and
// term/commit-index into the shared metrics Registry, matching spec.md
// §4.9's "external monitoring must be able to see the current role without
// probing raft directly".
func (e *Engine) observeReplicationRole(store *instrumentStore) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			role := "follower"
			switch store.repl.State() {
			case raft.Leader:
				role = "leader"
			case raft.Candidate:
				role = "candidate"
			}
			e.metrics.SetRole(role)

			stats := store.repl.Stats()
			if term, err := strconv.ParseFloat(stats["term"], 64); err == nil {
				e.metrics.ReplicationTerm.Set(term)
			}
			if idx, err := strconv.ParseFloat(stats["commit_index"], 64); err == nil {
				e.metrics.ReplicationCommitIndex.Set(idx)
			}
		}
	}
}

// newReplicationNode builds the per-instrument raft node. Bootstrap is
// only meaningful on the node forming the initial single-member cluster;
// AddVoter (called out of band, by an operator or control-plane caller
// once peers are reachable) grows it from there, matching spec.md §4.9's
// "joins as a non-voting learner, promoted once caught up" by leaving
// promotion to an explicit follow-up call rather than doing it here.
func (e *Engine) newReplicationNode(instrumentID string, store *instrumentStore, log zerolog.Logger) (*replication.Node, error) {
	rc := e.cfg.Replication
	dataDir := filepath.Join(store.root, "raft")
	nodeCfg := replication.DefaultConfig(rc.NodeID, dataDir)
	nodeCfg.Bootstrap = rc.Bootstrap

	trans, err := raft.NewTCPTransport(rc.BindAddr, nil, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("ledger: raft tcp transport: %w", err)
	}

	fsm := replication.NewFSM(store.wal, store.oltp, store.olap, log)
	return replication.NewNode(nodeCfg, fsm, trans, log)
}

// batchHandler returns the BatchHandler the instrument's subscriber drains
// into: each record in the batch goes through the same commit path a
// synchronous Append would, satisfying spec.md §4.10's "one batched write
// to the WAL layer, then applies to MemTables" through the Writer's own
// FlushPolicy amortizing the fsync across the batch, rather than this
// package reimplementing a second batched-write primitive.
func (e *Engine) batchHandler(store *instrumentStore) subscriber.BatchHandler {
	return func(batch []record.Record) error {
		for _, r := range batch {
			if _, err := e.commit(store, r); err != nil {
				return err
			}
		}
		return nil
	}
}

// commit is the single internal append path: write to the WAL (directly,
// or through raft when replication is enabled), insert into both
// MemTables, flush either one that has crossed its threshold, fan out to
// commit subscribers, and maybe checkpoint.
func (e *Engine) commit(store *instrumentStore, r record.Record) (uint64, error) {
	var seq uint64
	var err error

	if store.repl != nil {
		seq, err = store.repl.Propose(r)
	} else {
		seq, err = e.appendLocal(store, r)
	}
	if err != nil {
		return 0, err
	}

	if err := e.maybeFlush(store); err != nil {
		e.log.Error().Err(err).Str("instrument", store.id).Msg("flush after commit failed")
	}

	store.publishCommit(r)
	e.maybeCheckpoint(store)

	return seq, nil
}

// appendLocal performs the non-replicated commit: WAL append followed by
// a dual MemTable insert. This duplicates replication.FSM.Apply's body by
// design — a standalone (non-raft) instrument has no FSM to route
// through, so this is the single-node equivalent of the same operation.
func (e *Engine) appendLocal(store *instrumentStore, r record.Record) (uint64, error) {
	start := time.Now()
	seq, err := store.wal.Append(r)
	e.metrics.WALAppendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.WALAppendErrors.Inc()
		return 0, fmt.Errorf("ledger: wal append: %w", err)
	}
	key := record.KeyOf(r, seq)
	store.oltp.Insert(key, r)
	store.olap.Append(key, r)
	return seq, nil
}

// Append is spec.md §6's synchronous collaborator interface: append(record)
// -> committed_sequence. It runs the commit path directly rather than
// going through the instrument's subscriber queue, so every caller gets a
// single authoritative sequence number back without waiting on a batch
// boundary. Callers who instead want the bounded best-effort/durable
// admission policy of C11 use PublishHot.
func (e *Engine) Append(ctx context.Context, instrumentID string, r record.Record) (uint64, error) {
	store, err := e.store(instrumentID)
	if err != nil {
		return 0, err
	}
	return e.commit(store, r)
}

// PublishHot hands r to the instrument's bounded subscriber queue (C11)
// instead of committing it synchronously: best-effort records (ticks,
// order book snapshots) may be dropped under sustained overload, durable
// records block until the queue has room or ctx is cancelled. Every
// record PublishHot admits is eventually committed through the same
// internal commit path Append uses, via the subscriber's batch handler.
func (e *Engine) PublishHot(ctx context.Context, instrumentID string, r record.Record) error {
	store, err := e.store(instrumentID)
	if err != nil {
		return err
	}
	if err := store.queue.Publish(ctx, r); err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrOverloaded, err)
	}
	return nil
}

// RangeQuery is spec.md §6's range_query(instrument, lo_ts, hi_ts) ->
// record_stream, realized as a bounded slice rather than a channel: a
// time-bounded range query has a known (if not precomputed) upper size,
// unlike SubscribeCommits's genuinely unbounded live fan-out, so a slice
// is the simpler and sufficient shape here. An optional set of kinds
// narrows the scan to those record variants (SPEC_FULL.md §C.1's
// record-type index), e.g. RangeQuery(id, lo, hi, record.KindTickData,
// record.KindOrderBookSnapshot) for "every market-data record in this
// window". With no kinds given, every record in range is returned.
func (e *Engine) RangeQuery(instrumentID string, loTS, hiTS int64, kinds ...record.Kind) ([]record.Record, error) {
	store, err := e.store(instrumentID)
	if err != nil {
		return nil, err
	}

	lo := record.Key{TimestampNS: loTS, Sequence: 0}
	hi := record.Key{TimestampNS: hiTS, Sequence: ^uint64(0)}

	var wantKind map[record.Kind]bool
	if len(kinds) > 0 {
		wantKind = make(map[record.Kind]bool, len(kinds))
		for _, k := range kinds {
			wantKind[k] = true
		}
	}

	type stamped struct {
		ts  int64
		rec record.Record
	}
	var out []stamped

	for _, r := range store.oltp.Range(lo, hi) {
		if wantKind != nil && !wantKind[r.Kind()] {
			continue
		}
		out = append(out, stamped{ts: r.TimestampNS(), rec: r})
	}

	levels := store.compaction.Levels()
	orderedLevels := make([]int, 0, len(levels))
	for level := range levels {
		orderedLevels = append(orderedLevels, level)
	}
	sort.Ints(orderedLevels)

	for _, level := range orderedLevels {
		for _, t := range levels[level] {
			tableOut, err := e.rangeQueryTable(t, lo, hi, loTS, hiTS, kinds, wantKind)
			if err != nil {
				return nil, err
			}
			for _, ent := range tableOut {
				out = append(out, stamped{ts: ent.Key.TimestampNS, rec: ent.Value})
			}
		}
	}

	// Stable sort by timestamp only: every individual source (the active
	// MemTable, or any one SSTable) is already correctly ordered by
	// (timestamp, sequence), so a stable merge-by-timestamp preserves
	// intra-source sequence order and only approximates cross-source
	// ordering for the rare case of two different sources sharing the
	// exact same timestamp (see DESIGN.md Open Question).
	sort.SliceStable(out, func(i, j int) bool { return out[i].ts < out[j].ts })

	records := make([]record.Record, len(out))
	for i, s := range out {
		records[i] = s.rec
	}
	return records, nil
}

// rangeQueryTable resolves one SSTable's contribution to a RangeQuery. When
// kinds is empty it's a plain key-range scan. When kinds is set it first
// tries the table's persisted sstable.TypeIndex (SPEC_FULL.md §C.1): the
// index's PositionsInRange/UnionInRange already narrows by both kind and
// timestamp, so the per-entry kind check below only runs as a fallback for
// tables with no loadable index: compaction outputs (Run writes none),
// tables written before the type index existed, or any it failed to load.
func (e *Engine) rangeQueryTable(t *sstable.Table, lo, hi record.Key, loTS, hiTS int64, kinds []record.Kind, wantKind map[record.Kind]bool) ([]sstable.Entry, error) {
	if wantKind == nil {
		entries, err := t.Range(lo, hi)
		if err != nil {
			return nil, fmt.Errorf("ledger: range query %s: %w", t.Path(), err)
		}
		return entries, nil
	}

	if idx, err := sstable.LoadTypeIndex(sstable.TypeIndexPath(t.Path())); err == nil {
		all, err := t.All()
		if err != nil {
			return nil, fmt.Errorf("ledger: range query %s: %w", t.Path(), err)
		}
		positions := idx.UnionInRange(kinds, loTS, hiTS)
		return sstable.Resolve(all, positions), nil
	}

	entries, err := t.Range(lo, hi)
	if err != nil {
		return nil, fmt.Errorf("ledger: range query %s: %w", t.Path(), err)
	}
	filtered := entries[:0]
	for _, ent := range entries {
		if wantKind[ent.Value.Kind()] {
			filtered = append(filtered, ent)
		}
	}
	return filtered, nil
}

// SubscribeCommits is spec.md §6's subscribe_commits() -> stream,
// resolved per-instrument (spec.md §5 partitions every other stateful
// component the same way; a cross-instrument fan-out belongs to a query
// layer this module doesn't implement). The returned cancel func must be
// called once the subscriber is done to release the channel.
func (e *Engine) SubscribeCommits(instrumentID string) (<-chan record.Record, func(), error) {
	store, err := e.store(instrumentID)
	if err != nil {
		return nil, nil, err
	}

	store.commitMu.Lock()
	id := store.nextSubID
	store.nextSubID++
	sub := &commitSub{ch: make(chan record.Record, 256)}
	store.commitSubs[id] = sub
	store.commitMu.Unlock()

	cancel := func() {
		store.commitMu.Lock()
		delete(store.commitSubs, id)
		store.commitMu.Unlock()
	}
	return sub.ch, cancel, nil
}

// Recover is spec.md §6's recover(instrument) -> ready_signal. Boot
// already ran synchronously inside MountInstrument, so the returned
// channel is closed immediately for any instrument that finished
// mounting; this signature exists for callers that mount asynchronously
// and need to block on readiness rather than on MountInstrument's return.
func (e *Engine) Recover(instrumentID string) (<-chan struct{}, error) {
	store, err := e.store(instrumentID)
	if err != nil {
		return nil, err
	}
	ch := make(chan struct{})
	go func() {
		store.recoveryC.WaitReady()
		close(ch)
	}()
	return ch, nil
}

func (e *Engine) store(instrumentID string) (*instrumentStore, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	store, ok := e.stores[instrumentID]
	if !ok {
		return nil, fmt.Errorf("ledger: instrument %s not mounted: %w", instrumentID, xerrors.ErrNotFound)
	}
	return store, nil
}

// maybeFlush seals and flushes whichever MemTable has crossed its
// threshold. OLTP flushes register with the compaction manager as a new
// L0 table (spec.md §4.7); OLAP flushes mint an id from the same shared
// conversion.Metadata counter the converter (C12) uses, and record a
// StatusSuccess bookkeeping entry against it, so a direct memtable-flush
// OLAP file and a converter-produced OLAP file can never collide on
// filename (see DESIGN.md Open Question).
func (e *Engine) maybeFlush(store *instrumentStore) error {
	if store.oltp.NeedsFlush() {
		if err := e.flushOLTP(store); err != nil {
			return err
		}
	}
	if store.olap.NeedsFlush() {
		if err := e.flushOLAP(store); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) flushOLTP(store *instrumentStore) error {
	sealed := store.oltp.SealAndDrain()

	var entries []sstable.Entry
	it := memtable.NewIterator(sealed)
	for it.Next() {
		k, v := it.Current()
		entries = append(entries, sstable.Entry{Key: k, Value: v})
	}
	if len(entries) == 0 {
		return nil
	}

	ms := time.Now().UnixNano() / int64(time.Millisecond)
	outFile := fmt.Sprintf("l0_%d.sst", ms)
	// Two flushes inside one millisecond would otherwise share a name.
	for {
		if _, err := os.Stat(filepath.Join(store.sstableDir, outFile)); os.IsNotExist(err) {
			break
		}
		ms++
		outFile = fmt.Sprintf("l0_%d.sst", ms)
	}
	path := filepath.Join(store.sstableDir, outFile)
	table, err := sstable.WriteOLTPTable(path, 0, entries, e.cfg.CompactionCfg.BloomFalsePositive)
	if err != nil {
		return fmt.Errorf("ledger: flush oltp memtable: %w", err)
	}
	if err := store.compaction.RegisterFlush(table, outFile); err != nil {
		return fmt.Errorf("ledger: register oltp flush: %w", err)
	}

	typeIndex := sstable.BuildTypeIndex(entries)
	if err := typeIndex.Save(sstable.TypeIndexPath(path)); err != nil {
		e.log.Error().Err(err).Str("instrument", store.id).Str("table", path).Msg("type index save failed")
	}

	e.metrics.MemtableFlushesTotal.WithLabelValues("oltp").Inc()
	if stat, err := os.Stat(path); err == nil {
		e.metrics.MemtableFlushBytes.WithLabelValues("oltp").Add(float64(stat.Size()))
	}
	return nil
}

func (e *Engine) flushOLAP(store *instrumentStore) error {
	rows := store.olap.SealAndDrain()
	if len(rows) == 0 {
		return nil
	}

	id, err := e.convMD.AllocateID()
	if err != nil {
		return fmt.Errorf("ledger: allocate olap id: %w", err)
	}
	path := filepath.Join(store.olapDir, fmt.Sprintf("%d.parquet", id))

	table, err := sstable.WriteOLAPTable(path, rows, e.cfg.OLAPCodec)
	if err != nil {
		return fmt.Errorf("ledger: flush olap memtable: %w", err)
	}
	defer table.Close()

	now := time.Now().UnixNano()
	rec := &conversion.Record{
		ID:                 id,
		InstrumentID:       store.id,
		TargetOLAPPath:     path,
		Status:             conversion.StatusSuccess,
		CreatedAtUnixNanos: now,
		UpdatedAtUnixNanos: now,
	}
	if err := e.convMD.Put(rec); err != nil {
		return err
	}

	e.metrics.MemtableFlushesTotal.WithLabelValues("olap").Inc()
	e.metrics.ConversionSuccessTotal.Inc()
	if stat, err := os.Stat(path); err == nil {
		e.metrics.MemtableFlushBytes.WithLabelValues("olap").Add(float64(stat.Size()))
	}
	return nil
}

// maybeCheckpoint creates a checkpoint every CheckpointEvery appends, then
// prunes to CheckpointKeep. Failures are logged, not returned: a missed
// checkpoint only widens the next recovery's replay window, it doesn't
// lose data.
func (e *Engine) maybeCheckpoint(store *instrumentStore) {
	store.appendsSinceCheckpoint++
	if store.appendsSinceCheckpoint < e.cfg.CheckpointEvery {
		return
	}
	store.appendsSinceCheckpoint = 0

	manifestFiles, totalEntries, minTS, maxTS := summarizeLevels(store.compaction.Levels())

	// The cursor is the highest sequence already held by an SSTable, so
	// records still in the memtable are replayed from the WAL on recovery.
	var cursor uint64
	for _, tables := range store.compaction.Levels() {
		for _, t := range tables {
			if s := t.MaxKey().Sequence; s > cursor {
				cursor = s
			}
		}
	}

	id := store.nextCheckpointID
	store.nextCheckpointID++

	if _, err := store.checkpoints.Create(id, cursor, manifestFiles, totalEntries, minTS, maxTS, time.Now().UnixNano()); err != nil {
		e.log.Error().Err(err).Str("instrument", store.id).Msg("checkpoint create failed")
		return
	}
	if _, err := store.checkpoints.Cleanup(e.cfg.CheckpointKeep); err != nil {
		e.log.Error().Err(err).Str("instrument", store.id).Msg("checkpoint cleanup failed")
	}
}

func summarizeLevels(levels map[int][]*sstable.Table) (files []string, totalEntries uint64, minTS, maxTS int64) {
	first := true
	for _, tables := range levels {
		for _, t := range tables {
			files = append(files, filepath.Base(t.Path()))
			totalEntries += uint64(t.Count())
			if first {
				minTS, maxTS = t.MinKey().TimestampNS, t.MaxKey().TimestampNS
				first = false
				continue
			}
			if t.MinKey().TimestampNS < minTS {
				minTS = t.MinKey().TimestampNS
			}
			if t.MaxKey().TimestampNS > maxTS {
				maxTS = t.MaxKey().TimestampNS
			}
		}
	}
	return files, totalEntries, minTS, maxTS
}

// Close stops every instrument's background loops and closes its WAL.
func (e *Engine) Close() error {
	e.cancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for id, store := range e.stores {
		store.sub.Stop()
		store.conversionS.Stop()
		store.compaction.Stop()
		if store.repl != nil {
			if err := store.repl.Shutdown(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("ledger: shutdown replication for %s: %w", id, err)
			}
		}
		if err := store.wal.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ledger: close wal for %s: %w", id, err)
		}
	}
	return firstErr
}
