package subscriber

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exchangecore/ledger/record"
)

func mkTick(ts int64) *record.TickData {
	id, _ := record.NewID16("IF888")
	return &record.TickData{Timestamp: ts, InstrumentID: id, LastPrice: 1, Volume: 1}
}

func mkOrder(ts int64) *record.OrderInsert {
	orderID, _ := record.NewID40("ORD1")
	instID, _ := record.NewID16("IF888")
	userID, _ := record.NewID32("USR1")
	return &record.OrderInsert{Timestamp: ts, OrderID: orderID, InstrumentID: instID, UserID: userID, Price: 1, Volume: 1}
}

func TestIsBestEffortClassification(t *testing.T) {
	assert.True(t, IsBestEffort(record.KindTickData))
	assert.True(t, IsBestEffort(record.KindOrderBookSnapshot))
	assert.False(t, IsBestEffort(record.KindOrderInsert))
	assert.False(t, IsBestEffort(record.KindTradeExecuted))
}

func TestPublishDurableBlocksWhenFull(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Publish(context.Background(), mkOrder(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, mkOrder(2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublishBestEffortDropsOldestWhenFull(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Publish(context.Background(), mkTick(1)))
	require.NoError(t, q.Publish(context.Background(), mkTick(2)))

	batch, err := q.DrainBatch(context.Background(), 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, int64(2), batch[0].TimestampNS())
}

func TestDrainBatchRespectsMaxSize(t *testing.T) {
	q := NewQueue(100)
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Publish(context.Background(), mkTick(int64(i))))
	}

	batch, err := q.DrainBatch(context.Background(), 5, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, batch, 5)
}

func TestDrainBatchRespectsTimeout(t *testing.T) {
	q := NewQueue(100)
	require.NoError(t, q.Publish(context.Background(), mkTick(1)))

	start := time.Now()
	batch, err := q.DrainBatch(context.Background(), 100, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSubscriberRunDeliversBatchesToHandler(t *testing.T) {
	q := NewQueue(100)
	var mu sync.Mutex
	var received []record.Record

	handler := func(batch []record.Record) error {
		mu.Lock()
		received = append(received, batch...)
		mu.Unlock()
		return nil
	}

	s := New(q, handler, 3, 20*time.Millisecond, zerolog.Nop())
	s.Run(context.Background())
	defer s.Stop()

	for i := 0; i < 7; i++ {
		require.NoError(t, q.Publish(context.Background(), mkTick(int64(i))))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 7
	}, time.Second, 5*time.Millisecond)
}
