package record

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exchangecore/ledger/xerrors"
)

func mustID16(t *testing.T, s string) ID16 {
	t.Helper()
	id, err := NewID16(s)
	require.NoError(t, err)
	return id
}

func mustID32(t *testing.T, s string) ID32 {
	t.Helper()
	id, err := NewID32(s)
	require.NoError(t, err)
	return id
}

func mustID40(t *testing.T, s string) ID40 {
	t.Helper()
	id, err := NewID40(s)
	require.NoError(t, err)
	return id
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Record{
		&AccountOpen{Timestamp: 1, UserID: mustID32(t, "u1"), AccountID: mustID32(t, "a1")},
		&AccountUpdate{Timestamp: 2, AccountID: mustID32(t, "a1"), Balance: 100.5, Available: 90, Margin: 10.5},
		&AccountBind{Timestamp: 3, UserID: mustID32(t, "u1"), AccountID: mustID32(t, "a1")},
		&UserRegister{Timestamp: 4, UserID: mustID32(t, "u1"), Username: mustID32(t, "alice")},
		&OrderInsert{
			Timestamp: 5, OrderID: mustID40(t, "ord-1"), InstrumentID: mustID16(t, "IF888"),
			UserID: mustID32(t, "u1"), Direction: Buy, Offset: Open, Price: 3800.2, Volume: 1,
		},
		&TradeExecuted{
			Timestamp: 6, TradeID: mustID32(t, "tr-1"), OrderID: mustID40(t, "ord-1"),
			OppositeOrderID: mustID40(t, "ord-2"), InstrumentID: mustID16(t, "IF888"), Price: 3800.2, Volume: 1,
		},
		&ExchangeOrderRecord{Timestamp: 7, OrderID: mustID40(t, "ord-1"), InstrumentID: mustID16(t, "IF888"), Status: 1, Price: 3800.2, Volume: 1},
		&ExchangeTradeRecord{Timestamp: 8, TradeID: mustID32(t, "tr-1"), OrderID: mustID40(t, "ord-1"), InstrumentID: mustID16(t, "IF888"), Price: 3800.2, Volume: 1},
		&ExchangeResponseRecord{Timestamp: 9, OrderID: mustID40(t, "ord-1"), Code: 0},
		&TickData{Timestamp: 10, InstrumentID: mustID16(t, "IF888"), LastPrice: 3801, Volume: 100},
		&OrderBookSnapshot{
			Timestamp: 11, InstrumentID: mustID16(t, "IF888"),
			Bids: [5]PriceLevel{{Price: 3800, Volume: 1}, {}, {}, {}, {}},
			Asks: [5]PriceLevel{{Price: 3801, Volume: 1}, {}, {}, {}, {}},
		},
		&OrderBookDelta{Timestamp: 12, InstrumentID: mustID16(t, "IF888"), Side: Sell, Price: 3801, Volume: 2},
		&KLineFinished{Timestamp: 13, InstrumentID: mustID16(t, "IF888"), PeriodSecs: 60, Open: 3800, High: 3805, Low: 3799, Close: 3802, Volume: 500},
		&Checkpoint{Timestamp: 14, CheckpointID: 42},
	}

	for _, want := range cases {
		want := want
		t.Run(want.Kind().String(), func(t *testing.T) {
			buf, err := Encode(want)
			require.NoError(t, err)

			got, err := Decode(buf)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			view, err := DecodeView(buf)
			require.NoError(t, err)
			assert.Equal(t, want.Kind(), view.Tag)
			assert.Equal(t, want.TimestampNS(), view.TimestampNS())

			viaView, err := view.Deserialize()
			require.NoError(t, err)
			assert.Equal(t, want, viaView)
		})
	}
}

func TestDecodeRejectsEmptyBuffer(t *testing.T) {
	_, err := Decode(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.ErrCorruption)
}

func TestDecodeRejectsBadTag(t *testing.T) {
	_, err := Decode([]byte{255, 0, 0, 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.ErrCorruption)
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	full, err := Encode(&TickData{Timestamp: 1, InstrumentID: mustID16(t, "IF888"), LastPrice: 1, Volume: 1})
	require.NoError(t, err)

	_, err = Decode(full[:len(full)-4])
	require.Error(t, err)
	assert.True(t, errors.Is(err, xerrors.ErrCorruption))
}

func TestDecodeViewRejectsMissingNullTerminator(t *testing.T) {
	full, err := Encode(&TickData{Timestamp: 1, InstrumentID: mustID16(t, "IF888"), LastPrice: 1, Volume: 1})
	require.NoError(t, err)

	// Fill the InstrumentID field (bytes [9:25], after tag+timestamp) with
	// non-zero bytes so it has no null terminator.
	for i := 9; i < 25; i++ {
		full[i] = 'X'
	}
	_, err = DecodeView(full)
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.ErrCorruption)
}

func TestNewIDRejectsOversizedInput(t *testing.T) {
	_, err := NewID16("this-identifier-is-far-too-long-to-fit-in-sixteen-bytes")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIDTooLong)
}

func TestNewIDAcceptsExactFit(t *testing.T) {
	// ID16 has 16 bytes of capacity; 15 chars + null terminator fits exactly.
	id, err := NewID16("123456789012345")
	require.NoError(t, err)
	assert.Equal(t, "123456789012345", id.String())
}

func TestKeyLess(t *testing.T) {
	a := Key{TimestampNS: 100, Sequence: 1}
	b := Key{TimestampNS: 50, Sequence: 2}
	// Timestamp dominates; sequence only breaks ties between equal timestamps.
	assert.True(t, b.Less(a))
	assert.False(t, a.Less(b))
}

func TestKeyOf(t *testing.T) {
	r := &Checkpoint{Timestamp: 77, CheckpointID: 1}
	k := KeyOf(r, 9)
	assert.Equal(t, Key{TimestampNS: 77, Sequence: 9}, k)
}
