package conversion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/exchangecore/ledger/memtable"
	"github.com/exchangecore/ledger/sstable"
)

// DefaultCodec is the row-group compression codec conversion writes with
// when the caller doesn't override it.
const DefaultCodec = sstable.CodecZstd

// runWorker drains the task channel sequentially — exactly one
// conversion in flight at a time for this instrument.
func (s *Scheduler) runWorker(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case rec := <-s.tasks:
			s.convert(rec)
		case <-s.exit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// convert transcodes rec's source OLTP SSTables into one columnar OLAP
// file: read -> project -> write staging file -> fsync -> atomic rename.
// The conversion record is updated at each stage transition (spec.md
// §4.11). Source OLTP files are never deleted here; the compactor owns
// their lifecycle.
func (s *Scheduler) convert(rec *Record) {
	rec.Status = StatusRunning
	rec.AttemptCount++
	rec.UpdatedAtUnixNanos = time.Now().UnixNano()
	if err := s.metadata.Put(rec); err != nil {
		s.log.Error().Err(err).Uint64("record_id", rec.ID).Msg("failed to persist running state")
		return
	}

	if err := s.runConversion(rec); err != nil {
		rec.Status = StatusFailed
		rec.LastError = err.Error()
		rec.UpdatedAtUnixNanos = time.Now().UnixNano()
		_ = s.metadata.Put(rec)

		s.log.Error().Err(err).Uint64("record_id", rec.ID).Int("attempt", rec.AttemptCount).Msg("conversion failed")
		if s.OnStatusChange != nil {
			s.OnStatusChange(StatusFailed)
		}
		if rec.AttemptCount < s.cfg.MaxAttempts {
			s.enqueueWithBackoff(rec)
		}
		return
	}

	rec.Status = StatusSuccess
	rec.LastError = ""
	rec.UpdatedAtUnixNanos = time.Now().UnixNano()
	if err := s.metadata.Put(rec); err != nil {
		s.log.Error().Err(err).Uint64("record_id", rec.ID).Msg("failed to persist success state")
		return
	}
	s.log.Info().Uint64("record_id", rec.ID).Str("target", rec.TargetOLAPPath).Msg("conversion succeeded")
}

func (s *Scheduler) runConversion(rec *Record) error {
	var rows []memtable.Row
	for _, path := range rec.SourceOLTPPaths {
		table, err := sstable.OpenOLTPTable(path)
		if err != nil {
			return fmt.Errorf("conversion: open source %s: %w", path, err)
		}
		entries, err := table.All()
		table.Close()
		if err != nil {
			return fmt.Errorf("conversion: read source %s: %w", path, err)
		}
		for _, e := range entries {
			rows = append(rows, memtable.ProjectRow(e.Key, e.Value))
		}
	}

	if err := os.MkdirAll(filepath.Dir(rec.TargetOLAPPath), 0o755); err != nil {
		return fmt.Errorf("conversion: mkdir target dir: %w", err)
	}

	staging := rec.TargetOLAPPath + ".staging"
	olap, err := sstable.WriteOLAPTable(staging, rows, DefaultCodec)
	if err != nil {
		return fmt.Errorf("conversion: write staging file: %w", err)
	}
	if err := olap.Close(); err != nil {
		return fmt.Errorf("conversion: close staging file: %w", err)
	}

	if err := os.Rename(staging, rec.TargetOLAPPath); err != nil {
		return fmt.Errorf("conversion: rename staging to target: %w", err)
	}
	return nil
}
