package memtable

import (
	"sync"

	"github.com/exchangecore/ledger/record"
)

// Row is one columnar row projected out of a Record (C4). Every event
// variant projects onto the same wide schema; fields the variant does not
// carry are left at their zero value with the matching *Present flag
// false, satisfying spec.md §4.4's "nulls for unknown-for-variant
// columns".
type Row struct {
	TimestampNS int64
	Sequence    uint64
	Kind        record.Kind

	InstrumentID      string
	InstrumentPresent bool

	OrderID      string
	OrderPresent bool

	UserID      string
	UserPresent bool

	TradeID      string
	TradePresent bool

	AccountID      string
	AccountPresent bool

	Direction        uint8
	DirectionPresent bool

	Offset        uint8
	OffsetPresent bool

	Price        float64
	PricePresent bool

	Volume        float64
	VolumePresent bool
}

// ProjectRow flattens r into the wide columnar Row schema. Exported so
// the OLTP→OLAP converter (C12) can project SSTable entries directly,
// without routing them through a live ColumnarTable.
func ProjectRow(key record.Key, r record.Record) Row {
	return project(key, r)
}

// project flattens r into the wide Row schema, populating only the
// columns r's variant actually carries.
func project(key record.Key, r record.Record) Row {
	row := Row{TimestampNS: key.TimestampNS, Sequence: key.Sequence, Kind: r.Kind()}

	switch v := r.(type) {
	case *record.AccountOpen:
		row.UserID, row.UserPresent = v.UserID.String(), true
		row.AccountID, row.AccountPresent = v.AccountID.String(), true
	case *record.AccountUpdate:
		row.AccountID, row.AccountPresent = v.AccountID.String(), true
		row.Price, row.PricePresent = v.Balance, true
	case *record.AccountBind:
		row.UserID, row.UserPresent = v.UserID.String(), true
		row.AccountID, row.AccountPresent = v.AccountID.String(), true
	case *record.UserRegister:
		row.UserID, row.UserPresent = v.UserID.String(), true
	case *record.OrderInsert:
		row.OrderID, row.OrderPresent = v.OrderID.String(), true
		row.InstrumentID, row.InstrumentPresent = v.InstrumentID.String(), true
		row.UserID, row.UserPresent = v.UserID.String(), true
		row.Direction, row.DirectionPresent = uint8(v.Direction), true
		row.Offset, row.OffsetPresent = uint8(v.Offset), true
		row.Price, row.PricePresent = v.Price, true
		row.Volume, row.VolumePresent = v.Volume, true
	case *record.TradeExecuted:
		row.TradeID, row.TradePresent = v.TradeID.String(), true
		row.OrderID, row.OrderPresent = v.OrderID.String(), true
		row.InstrumentID, row.InstrumentPresent = v.InstrumentID.String(), true
		row.Price, row.PricePresent = v.Price, true
		row.Volume, row.VolumePresent = v.Volume, true
	case *record.ExchangeOrderRecord:
		row.OrderID, row.OrderPresent = v.OrderID.String(), true
		row.InstrumentID, row.InstrumentPresent = v.InstrumentID.String(), true
		row.Price, row.PricePresent = v.Price, true
		row.Volume, row.VolumePresent = v.Volume, true
	case *record.ExchangeTradeRecord:
		row.TradeID, row.TradePresent = v.TradeID.String(), true
		row.OrderID, row.OrderPresent = v.OrderID.String(), true
		row.InstrumentID, row.InstrumentPresent = v.InstrumentID.String(), true
		row.Price, row.PricePresent = v.Price, true
		row.Volume, row.VolumePresent = v.Volume, true
	case *record.ExchangeResponseRecord:
		row.OrderID, row.OrderPresent = v.OrderID.String(), true
	case *record.TickData:
		row.InstrumentID, row.InstrumentPresent = v.InstrumentID.String(), true
		row.Price, row.PricePresent = v.LastPrice, true
		row.Volume, row.VolumePresent = v.Volume, true
	case *record.OrderBookSnapshot:
		row.InstrumentID, row.InstrumentPresent = v.InstrumentID.String(), true
		if v.Bids[0].Price != 0 {
			row.Price, row.PricePresent = v.Bids[0].Price, true
		}
	case *record.OrderBookDelta:
		row.InstrumentID, row.InstrumentPresent = v.InstrumentID.String(), true
		row.Direction, row.DirectionPresent = uint8(v.Side), true
		row.Price, row.PricePresent = v.Price, true
		row.Volume, row.VolumePresent = v.Volume, true
	case *record.KLineFinished:
		row.InstrumentID, row.InstrumentPresent = v.InstrumentID.String(), true
		row.Price, row.PricePresent = v.Close, true
		row.Volume, row.VolumePresent = v.Volume, true
	case *record.Checkpoint:
		// no projected columns beyond timestamp/sequence/kind
	}

	return row
}

// ColumnarTable is the OLAP memtable (C4): rows appended in lockstep with
// every OLTP Insert, mirroring the same event into a column-oriented shape
// ready for a row-group OLAP SSTable flush.
type ColumnarTable struct {
	mu        sync.RWMutex
	rows      []Row
	threshold int
	bytes     int
}

// NewColumnarTable constructs an empty OLAP memtable flushed once its
// approximate byte size crosses threshold.
func NewColumnarTable(threshold int) *ColumnarTable {
	return &ColumnarTable{threshold: threshold}
}

// Append projects r into a Row and appends it.
func (c *ColumnarTable) Append(key record.Key, r record.Record) {
	row := project(key, r)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, row)
	c.bytes += rowSize(row)
}

// ApproximateBytes reports the table's current size.
func (c *ColumnarTable) ApproximateBytes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytes
}

// NeedsFlush reports whether the table has crossed threshold.
func (c *ColumnarTable) NeedsFlush() bool {
	return c.ApproximateBytes() >= c.threshold
}

// SealAndDrain atomically swaps in a fresh, empty row buffer and returns
// the sealed rows, ready for an OLAP SSTable flush.
func (c *ColumnarTable) SealAndDrain() []Row {
	c.mu.Lock()
	defer c.mu.Unlock()

	sealed := c.rows
	c.rows = nil
	c.bytes = 0
	return sealed
}

func rowSize(r Row) int {
	// Rough fixed-field accounting; string columns dominate on instrument
	// and order ids.
	return 8 + 8 + 1 + len(r.InstrumentID) + len(r.OrderID) + len(r.UserID) +
		len(r.TradeID) + len(r.AccountID) + 1 + 1 + 8 + 8
}
