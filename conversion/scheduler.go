package conversion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/exchangecore/ledger/compaction"
)

// Config controls scheduling cadence and retry behavior.
type Config struct {
	MinAge       time.Duration // §4.11 min_age_ms: how stable an OLTP file must be before conversion
	ScanInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxAttempts  int
}

// DefaultConfig mirrors spec.md §4.11's retry backoff (1s -> 2s -> 4s ->
// 8s, capped) and a 30s min age / 10s scan cadence.
func DefaultConfig() Config {
	return Config{
		MinAge:       30 * time.Second,
		ScanInterval: 10 * time.Second,
		BackoffBase:  1 * time.Second,
		BackoffMax:   8 * time.Second,
		MaxAttempts:  8,
	}
}

// Scheduler scans one instrument's mounted OLTP SSTables for conversion
// candidates and hands eligible ones to a single sequential worker,
// giving "one in-flight task per instrument" (spec.md §4.11) for free —
// this module partitions every other stateful component per instrument
// (spec.md §5), and conversion follows the same convention instead of
// introducing a cross-instrument keyed pool.
type Scheduler struct {
	instrumentID  string
	olapDir       string
	compactionMgr *compaction.Manager
	metadata      *Metadata
	cfg           Config
	log           zerolog.Logger

	// OnStatusChange, if set, is called whenever a record transitions to
	// StatusFailed or StatusZombieRecovered — the two terminal-ish
	// transitions an external metrics caller cares about counting. Nil by
	// default; the caller sets it after NewScheduler.
	OnStatusChange func(Status)

	tasks chan *Record
	exit  chan struct{}
	done  chan struct{}
}

// NewScheduler constructs a Scheduler for one instrument.
func NewScheduler(instrumentID, olapDir string, compactionMgr *compaction.Manager, metadata *Metadata, cfg Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		instrumentID:  instrumentID,
		olapDir:       olapDir,
		compactionMgr: compactionMgr,
		metadata:      metadata,
		cfg:           cfg,
		log:           logger.With().Str("component", "conversion").Str("instrument", instrumentID).Logger(),
		tasks:         make(chan *Record, 64),
		exit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// RecoverZombies transitions every record left in Running (a crash mid
// conversion) to ZombieRecovered and re-enqueues it for retry, satisfying
// spec.md §4.11's "a record left in Running is transitioned to
// ZombieRecovered at next startup and retried with exponential backoff".
func (s *Scheduler) RecoverZombies() error {
	for _, r := range s.metadata.All() {
		if r.InstrumentID != s.instrumentID || r.Status != StatusRunning {
			continue
		}
		r.Status = StatusZombieRecovered
		r.UpdatedAtUnixNanos = time.Now().UnixNano()
		if err := s.metadata.Put(r); err != nil {
			return fmt.Errorf("conversion: mark zombie %d: %w", r.ID, err)
		}
		s.log.Warn().Uint64("record_id", r.ID).Msg("recovered zombie conversion task")
		if s.OnStatusChange != nil {
			s.OnStatusChange(StatusZombieRecovered)
		}
		s.enqueueWithBackoff(r)
	}
	return nil
}

// Start begins the background scan-and-convert loop. It runs until ctx
// is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	go s.runWorker(ctx)
	go s.runScanLoop(ctx)
}

// Stop signals both the worker and scan loops to exit and waits for the
// worker loop to finish; the scan loop is not waited for.
func (s *Scheduler) Stop() {
	close(s.exit)
	<-s.done
}

func (s *Scheduler) runScanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.scan(); err != nil {
				s.log.Error().Err(err).Msg("conversion scan failed")
			}
		case <-s.exit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// scan lists every mounted OLTP SSTable, and for any file old enough and
// not already tracked by metadata, creates a Pending record and submits
// it for conversion.
func (s *Scheduler) scan() error {
	for _, tables := range s.compactionMgr.Levels() {
		for _, t := range tables {
			info, err := os.Stat(t.Path())
			if err != nil {
				continue
			}
			if time.Since(info.ModTime()) < s.cfg.MinAge {
				continue
			}
			if s.alreadyTracked(t.Path()) {
				continue
			}

			id, err := s.metadata.AllocateID()
			if err != nil {
				return err
			}
			// Filename convention: {id}.parquet (spec.md §6); the file itself
			// is this module's own columnar format (sstable.OLAPTable), named
			// to match the convention rather than a real Apache Parquet writer.
			target := filepath.Join(s.olapDir, fmt.Sprintf("%d.parquet", id))
			rec := &Record{
				ID:              id,
				InstrumentID:    s.instrumentID,
				SourceOLTPPaths: []string{t.Path()},
				TargetOLAPPath:  target,
				Status:          StatusPending,
			}
			if err := s.metadata.Put(rec); err != nil {
				return err
			}
			s.enqueue(rec)
		}
	}
	return nil
}

func (s *Scheduler) alreadyTracked(path string) bool {
	for _, r := range s.metadata.All() {
		if r.InstrumentID != s.instrumentID {
			continue
		}
		for _, p := range r.SourceOLTPPaths {
			if p == path {
				return true
			}
		}
	}
	return false
}

func (s *Scheduler) enqueue(rec *Record) {
	select {
	case s.tasks <- rec:
	default:
		s.log.Warn().Uint64("record_id", rec.ID).Msg("conversion task queue full, retrying after backoff")
		s.enqueueWithBackoff(rec)
	}
}

func (s *Scheduler) enqueueWithBackoff(rec *Record) {
	delay := backoffFor(s.cfg, rec.AttemptCount)
	go func() {
		select {
		case <-time.After(delay):
			s.enqueue(rec)
		case <-s.exit:
		}
	}()
}

// backoffFor computes the capped exponential backoff for a given attempt
// count (spec.md §4.11: 1s -> 2s -> 4s -> 8s, capped).
func backoffFor(cfg Config, attempt int) time.Duration {
	d := cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return d
}
