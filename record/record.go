package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/exchangecore/ledger/xerrors"
)

// Kind is the 1-byte tag discriminating the 14 event variants (spec.md §3,
// §9 "dynamic dispatch over record variants ... implemented as a tagged
// union with a 1-byte discriminator").
type Kind uint8

const (
	KindAccountOpen Kind = iota
	KindAccountUpdate
	KindAccountBind
	KindUserRegister
	KindOrderInsert
	KindTradeExecuted
	KindExchangeOrderRecord
	KindExchangeTradeRecord
	KindExchangeResponseRecord
	KindTickData
	KindOrderBookSnapshot
	KindOrderBookDelta
	KindKLineFinished
	KindCheckpoint
	kindSentinel // one past the last valid kind; used for tag-range validation
)

func (k Kind) String() string {
	switch k {
	case KindAccountOpen:
		return "AccountOpen"
	case KindAccountUpdate:
		return "AccountUpdate"
	case KindAccountBind:
		return "AccountBind"
	case KindUserRegister:
		return "UserRegister"
	case KindOrderInsert:
		return "OrderInsert"
	case KindTradeExecuted:
		return "TradeExecuted"
	case KindExchangeOrderRecord:
		return "ExchangeOrderRecord"
	case KindExchangeTradeRecord:
		return "ExchangeTradeRecord"
	case KindExchangeResponseRecord:
		return "ExchangeResponseRecord"
	case KindTickData:
		return "TickData"
	case KindOrderBookSnapshot:
		return "OrderBookSnapshot"
	case KindOrderBookDelta:
		return "OrderBookDelta"
	case KindKLineFinished:
		return "KLineFinished"
	case KindCheckpoint:
		return "Checkpoint"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Direction per spec.md §6: 0=BUY, 1=SELL.
type Direction uint8

const (
	Buy Direction = iota
	Sell
)

// Offset per spec.md §6: 0=OPEN, 1=CLOSE, 2=CLOSETODAY.
type Offset uint8

const (
	Open Offset = iota
	Close
	CloseToday
)

// Record is implemented by every event variant. TimestampNS is present on
// every case per spec.md §3 ("every case carries a nanosecond timestamp
// field").
type Record interface {
	Kind() Kind
	TimestampNS() int64
}

// PriceLevel is one side of one depth level in an OrderBookSnapshot.
type PriceLevel struct {
	Price  float64
	Volume float64
}

type AccountOpen struct {
	Timestamp int64
	UserID    ID32
	AccountID ID32
}

func (r *AccountOpen) Kind() Kind { return KindAccountOpen }
func (r *AccountOpen) TimestampNS() int64 { return r.Timestamp }

type AccountUpdate struct {
	Timestamp int64
	AccountID ID32
	Balance   float64
	Available float64
	Margin    float64
}

func (r *AccountUpdate) Kind() Kind { return KindAccountUpdate }
func (r *AccountUpdate) TimestampNS() int64 { return r.Timestamp }

type AccountBind struct {
	Timestamp int64
	UserID    ID32
	AccountID ID32
}

func (r *AccountBind) Kind() Kind { return KindAccountBind }
func (r *AccountBind) TimestampNS() int64 { return r.Timestamp }

type UserRegister struct {
	Timestamp int64
	UserID    ID32
	Username  ID32
}

func (r *UserRegister) Kind() Kind { return KindUserRegister }
func (r *UserRegister) TimestampNS() int64 { return r.Timestamp }

type OrderInsert struct {
	Timestamp    int64
	OrderID      ID40
	InstrumentID ID16
	UserID       ID32
	Direction    Direction
	Offset       Offset
	Price        float64
	Volume       float64
}

func (r *OrderInsert) Kind() Kind { return KindOrderInsert }
func (r *OrderInsert) TimestampNS() int64 { return r.Timestamp }

type TradeExecuted struct {
	Timestamp       int64
	TradeID         ID32
	OrderID         ID40
	OppositeOrderID ID40
	InstrumentID    ID16
	Price           float64
	Volume          float64
}

func (r *TradeExecuted) Kind() Kind { return KindTradeExecuted }
func (r *TradeExecuted) TimestampNS() int64 { return r.Timestamp }

// ExchangeOrderRecord is the exchange's internal view of an order, distinct
// from OrderInsert (which is the accepted-order fact); spec.md §3 lists it
// as its own variant.
type ExchangeOrderRecord struct {
	Timestamp    int64
	OrderID      ID40
	InstrumentID ID16
	Status       uint8
	Price        float64
	Volume       float64
}

func (r *ExchangeOrderRecord) Kind() Kind { return KindExchangeOrderRecord }
func (r *ExchangeOrderRecord) TimestampNS() int64 { return r.Timestamp }

type ExchangeTradeRecord struct {
	Timestamp    int64
	TradeID      ID32
	OrderID      ID40
	InstrumentID ID16
	Price        float64
	Volume       float64
}

func (r *ExchangeTradeRecord) Kind() Kind { return KindExchangeTradeRecord }
func (r *ExchangeTradeRecord) TimestampNS() int64 { return r.Timestamp }

type ExchangeResponseRecord struct {
	Timestamp int64
	OrderID   ID40
	Code      int32
	Message   [64]byte
}

func (r *ExchangeResponseRecord) Kind() Kind { return KindExchangeResponseRecord }
func (r *ExchangeResponseRecord) TimestampNS() int64 { return r.Timestamp }

type TickData struct {
	Timestamp    int64
	InstrumentID ID16
	LastPrice    float64
	Volume       float64
}

func (r *TickData) Kind() Kind { return KindTickData }
func (r *TickData) TimestampNS() int64 { return r.Timestamp }

// OrderBookSnapshot carries exactly 5 levels per side (spec.md §3 "5-level
// depth").
type OrderBookSnapshot struct {
	Timestamp    int64
	InstrumentID ID16
	Bids         [5]PriceLevel
	Asks         [5]PriceLevel
}

func (r *OrderBookSnapshot) Kind() Kind { return KindOrderBookSnapshot }
func (r *OrderBookSnapshot) TimestampNS() int64 { return r.Timestamp }

type OrderBookDelta struct {
	Timestamp    int64
	InstrumentID ID16
	Side         Direction
	Price        float64
	Volume       float64
}

func (r *OrderBookDelta) Kind() Kind { return KindOrderBookDelta }
func (r *OrderBookDelta) TimestampNS() int64 { return r.Timestamp }

type KLineFinished struct {
	Timestamp    int64
	InstrumentID ID16
	PeriodSecs   uint32
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       float64
}

func (r *KLineFinished) Kind() Kind { return KindKLineFinished }
func (r *KLineFinished) TimestampNS() int64 { return r.Timestamp }

// Checkpoint is a boundary marker carrying a monotonic id (spec.md §3); it
// is distinct from the checkpoint package's on-disk CheckpointMetadata —
// this is the in-stream marker record, not the recovery artifact.
type Checkpoint struct {
	Timestamp    int64
	CheckpointID uint64
}

func (r *Checkpoint) Kind() Kind { return KindCheckpoint }
func (r *Checkpoint) TimestampNS() int64 { return r.Timestamp }

// Encode is deterministic and byte-exact (spec.md §4.1): tag byte followed
// by fixed-width fields written in declaration order. Every field in every
// variant above is already fixed-size, so no trailing variable-length
// region is needed to keep records POD-sized.
func Encode(r Record) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("record: nil record")
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Kind()))

	var err error
	switch v := r.(type) {
	case *AccountOpen:
		err = writeAll(&buf, v.Timestamp, v.UserID, v.AccountID)
	case *AccountUpdate:
		err = writeAll(&buf, v.Timestamp, v.AccountID, v.Balance, v.Available, v.Margin)
	case *AccountBind:
		err = writeAll(&buf, v.Timestamp, v.UserID, v.AccountID)
	case *UserRegister:
		err = writeAll(&buf, v.Timestamp, v.UserID, v.Username)
	case *OrderInsert:
		err = writeAll(&buf, v.Timestamp, v.OrderID, v.InstrumentID, v.UserID, uint8(v.Direction), uint8(v.Offset), v.Price, v.Volume)
	case *TradeExecuted:
		err = writeAll(&buf, v.Timestamp, v.TradeID, v.OrderID, v.OppositeOrderID, v.InstrumentID, v.Price, v.Volume)
	case *ExchangeOrderRecord:
		err = writeAll(&buf, v.Timestamp, v.OrderID, v.InstrumentID, v.Status, v.Price, v.Volume)
	case *ExchangeTradeRecord:
		err = writeAll(&buf, v.Timestamp, v.TradeID, v.OrderID, v.InstrumentID, v.Price, v.Volume)
	case *ExchangeResponseRecord:
		err = writeAll(&buf, v.Timestamp, v.OrderID, v.Code, v.Message)
	case *TickData:
		err = writeAll(&buf, v.Timestamp, v.InstrumentID, v.LastPrice, v.Volume)
	case *OrderBookSnapshot:
		err = writeAll(&buf, v.Timestamp, v.InstrumentID, v.Bids, v.Asks)
	case *OrderBookDelta:
		err = writeAll(&buf, v.Timestamp, v.InstrumentID, uint8(v.Side), v.Price, v.Volume)
	case *KLineFinished:
		err = writeAll(&buf, v.Timestamp, v.InstrumentID, v.PeriodSecs, v.Open, v.High, v.Low, v.Close, v.Volume)
	case *Checkpoint:
		err = writeAll(&buf, v.Timestamp, v.CheckpointID)
	default:
		return nil, fmt.Errorf("record: unknown record type %T", r)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeAll(buf *bytes.Buffer, fields ...interface{}) error {
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("record: encode field %T: %w", f, err)
		}
	}
	return nil
}

// Decode is the owned-copy deserialize path (spec.md §4.1 "deserialize").
// It validates the byte image the same way DecodeView does, then builds a
// concrete *Record value good for mutation.
func Decode(data []byte) (Record, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("record: empty buffer: %w", xerrors.ErrCorruption)
	}
	tag := Kind(data[0])
	if tag >= kindSentinel {
		return nil, fmt.Errorf("record: tag %d out of range: %w", tag, xerrors.ErrCorruption)
	}
	r := bytes.NewReader(data[1:])

	switch tag {
	case KindAccountOpen:
		v := &AccountOpen{}
		if err := readAll(r, &v.Timestamp, &v.UserID, &v.AccountID); err != nil {
			return nil, err
		}
		if err := validateID(v.UserID[:]); err != nil {
			return nil, err
		}
		if err := validateID(v.AccountID[:]); err != nil {
			return nil, err
		}
		return v, nil
	case KindAccountUpdate:
		v := &AccountUpdate{}
		if err := readAll(r, &v.Timestamp, &v.AccountID, &v.Balance, &v.Available, &v.Margin); err != nil {
			return nil, err
		}
		return v, validateID(v.AccountID[:])
	case KindAccountBind:
		v := &AccountBind{}
		if err := readAll(r, &v.Timestamp, &v.UserID, &v.AccountID); err != nil {
			return nil, err
		}
		if err := validateID(v.UserID[:]); err != nil {
			return nil, err
		}
		return v, validateID(v.AccountID[:])
	case KindUserRegister:
		v := &UserRegister{}
		if err := readAll(r, &v.Timestamp, &v.UserID, &v.Username); err != nil {
			return nil, err
		}
		return v, errors.Join(validateID(v.UserID[:]), validateID(v.Username[:]))
	case KindOrderInsert:
		v := &OrderInsert{}
		var dir, off uint8
		if err := readAll(r, &v.Timestamp, &v.OrderID, &v.InstrumentID, &v.UserID, &dir, &off, &v.Price, &v.Volume); err != nil {
			return nil, err
		}
		v.Direction, v.Offset = Direction(dir), Offset(off)
		return v, errors.Join(validateID(v.OrderID[:]), validateID(v.InstrumentID[:]), validateID(v.UserID[:]))
	case KindTradeExecuted:
		v := &TradeExecuted{}
		if err := readAll(r, &v.Timestamp, &v.TradeID, &v.OrderID, &v.OppositeOrderID, &v.InstrumentID, &v.Price, &v.Volume); err != nil {
			return nil, err
		}
		return v, errors.Join(validateID(v.TradeID[:]), validateID(v.OrderID[:]), validateID(v.OppositeOrderID[:]), validateID(v.InstrumentID[:]))
	case KindExchangeOrderRecord:
		v := &ExchangeOrderRecord{}
		if err := readAll(r, &v.Timestamp, &v.OrderID, &v.InstrumentID, &v.Status, &v.Price, &v.Volume); err != nil {
			return nil, err
		}
		return v, errors.Join(validateID(v.OrderID[:]), validateID(v.InstrumentID[:]))
	case KindExchangeTradeRecord:
		v := &ExchangeTradeRecord{}
		if err := readAll(r, &v.Timestamp, &v.TradeID, &v.OrderID, &v.InstrumentID, &v.Price, &v.Volume); err != nil {
			return nil, err
		}
		return v, errors.Join(validateID(v.TradeID[:]), validateID(v.OrderID[:]), validateID(v.InstrumentID[:]))
	case KindExchangeResponseRecord:
		v := &ExchangeResponseRecord{}
		if err := readAll(r, &v.Timestamp, &v.OrderID, &v.Code, &v.Message); err != nil {
			return nil, err
		}
		return v, validateID(v.OrderID[:])
	case KindTickData:
		v := &TickData{}
		if err := readAll(r, &v.Timestamp, &v.InstrumentID, &v.LastPrice, &v.Volume); err != nil {
			return nil, err
		}
		return v, validateID(v.InstrumentID[:])
	case KindOrderBookSnapshot:
		v := &OrderBookSnapshot{}
		if err := readAll(r, &v.Timestamp, &v.InstrumentID, &v.Bids, &v.Asks); err != nil {
			return nil, err
		}
		return v, validateID(v.InstrumentID[:])
	case KindOrderBookDelta:
		v := &OrderBookDelta{}
		var side uint8
		if err := readAll(r, &v.Timestamp, &v.InstrumentID, &side, &v.Price, &v.Volume); err != nil {
			return nil, err
		}
		v.Side = Direction(side)
		return v, validateID(v.InstrumentID[:])
	case KindKLineFinished:
		v := &KLineFinished{}
		if err := readAll(r, &v.Timestamp, &v.InstrumentID, &v.PeriodSecs, &v.Open, &v.High, &v.Low, &v.Close, &v.Volume); err != nil {
			return nil, err
		}
		return v, validateID(v.InstrumentID[:])
	case KindCheckpoint:
		v := &Checkpoint{}
		if err := readAll(r, &v.Timestamp, &v.CheckpointID); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("record: unhandled tag %d: %w", tag, xerrors.ErrCorruption)
	}
}

func readAll(r *bytes.Reader, fields ...interface{}) error {
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("record: decode field %T: %w", f, xerrors.ErrCorruption)
		}
	}
	return nil
}

// View is the borrowed decode path (spec.md §4.1 "decode_view"): it
// exposes the tag and the raw payload without copying them. DecodeView
// validates the image by running a full Decode and discarding the result,
// so building a View allocates as much as Decode does.
type View struct {
	Tag     Kind
	payload []byte // shares backing array with the input buffer: no copy
}

// DecodeView validates length, tag range and id null-termination, and
// returns a zero-copy view over data. Fails with a wrapped ErrCorruption if
// the image is invalid, per spec.md §4.1.
func DecodeView(data []byte) (*View, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("record: empty buffer: %w", xerrors.ErrCorruption)
	}
	tag := Kind(data[0])
	if tag >= kindSentinel {
		return nil, fmt.Errorf("record: tag %d out of range: %w", tag, xerrors.ErrCorruption)
	}
	v := &View{Tag: tag, payload: data[1:]}
	// Full structural validation (field widths, id null-termination) is done
	// by decoding the image once; the decoded value is discarded.
	if _, err := Decode(data); err != nil {
		return nil, err
	}
	return v, nil
}

// Deserialize produces an owned Record from a validated View (spec.md §4.1
// "deserialize(ArchivedRecord) -> Record").
func (v *View) Deserialize() (Record, error) {
	full := make([]byte, 1+len(v.payload))
	full[0] = byte(v.Tag)
	copy(full[1:], v.payload)
	return Decode(full)
}

// TimestampNS reads the timestamp field directly out of the view's backing
// bytes without constructing the owned Record (every variant's first field
// is its nanosecond timestamp, see Encode above).
func (v *View) TimestampNS() int64 {
	if len(v.payload) < 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(v.payload[:8]))
}
