// Command ledgerdemo mounts a handful of instruments on top of the Engine
// and feeds them synthetic tick data, printing what the Append and
// SubscribeCommits collaborator interfaces report. It supersedes
// the teacher's server_example's TCP PUT/GET/DELETE protocol — this
// module's surface is Append/RangeQuery/SubscribeCommits/Recover, not a
// generic key/value wire protocol.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/exchangecore/ledger"
	"github.com/exchangecore/ledger/record"
)

var instruments = []string{"IF888", "IC888", "IH888"}

func main() {
	dataDir := "./data"
	if len(os.Args) > 1 {
		dataDir = os.Args[1]
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	cfg := ledger.DefaultConfig()
	cfg.BaseDir = dataDir
	cfg.Logger = logger

	eng, err := ledger.New(cfg)
	if err != nil {
		log.Fatalf("ledgerdemo: new engine: %v", err)
	}

	for _, id := range instruments {
		if err := eng.MountInstrument(id); err != nil {
			log.Fatalf("ledgerdemo: mount %s: %v", id, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, id := range instruments {
		go watchCommits(ctx, eng, id, logger)
	}

	go generateTicks(ctx, eng, logger)

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	if err := eng.Close(); err != nil {
		logger.Error().Err(err).Msg("engine close failed")
	}
}

// generateTicks appends a synthetic tick for a random instrument roughly
// every 50ms, approximating hot-path load against Append.
func generateTicks(ctx context.Context, eng *ledger.Engine, logger zerolog.Logger) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	price := 4000.0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id := instruments[rand.Intn(len(instruments))]
			instrumentID, err := record.NewID16(id)
			if err != nil {
				logger.Error().Err(err).Msg("bad instrument id")
				continue
			}
			price += rand.Float64()*4 - 2
			tick := &record.TickData{
				Timestamp:    time.Now().UnixNano(),
				InstrumentID: instrumentID,
				LastPrice:    price,
				Volume:       float64(rand.Intn(100)),
			}
			if _, err := eng.Append(ctx, id, tick); err != nil {
				logger.Error().Err(err).Str("instrument", id).Msg("append failed")
			}
		}
	}
}

// watchCommits prints every record committed for one instrument, exercising
// SubscribeCommits.
func watchCommits(ctx context.Context, eng *ledger.Engine, instrumentID string, logger zerolog.Logger) {
	ch, cancel, err := eng.SubscribeCommits(instrumentID)
	if err != nil {
		logger.Error().Err(err).Str("instrument", instrumentID).Msg("subscribe failed")
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			if tick, isTick := r.(*record.TickData); isTick {
				fmt.Printf("[%s] tick last_price=%.2f volume=%.0f\n", instrumentID, tick.LastPrice, tick.Volume)
			}
		}
	}
}
