package p2p

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
)

func init() {
	gob.Register(ReceiptWire{})
	gob.Register(FetchRequest{})
	gob.Register(FetchResponse{})
}

// EventWire is an exchange event with amounts as decimal strings, so the
// encoding does not depend on uint256 internals.
type EventWire struct {
	Seq          uint64
	Type         string
	InstrumentID uint64
	SeriesKey    [32]byte
	Seller       [20]byte
	Buyer        [20]byte
	Account      [20]byte
	Price        string
	Refund       string
	Amount       string
	Timestamp    int64
}

// ReceiptWire is published on the events topic after every commit.
type ReceiptWire struct {
	Seq    uint64
	Op     string
	Events []EventWire
}

// FetchRequest asks a peer for committed events with seq >= From.
type FetchRequest struct {
	From  uint64
	Limit int
}

type FetchResponse struct {
	Events []EventWire
	Err    string
}

func toEventWire(ev exchange.Event) EventWire {
	return EventWire{
		Seq:          ev.Seq,
		Type:         string(ev.Type),
		InstrumentID: uint64(ev.InstrumentID),
		SeriesKey:    ev.SeriesKey,
		Seller:       ev.Seller,
		Buyer:        ev.Buyer,
		Account:      ev.Account,
		Price:        ev.Price.Dec(),
		Refund:       ev.Refund.Dec(),
		Amount:       ev.Amount.Dec(),
		Timestamp:    ev.Timestamp,
	}
}

func (w EventWire) event() (exchange.Event, error) {
	ev := exchange.Event{
		Seq:          w.Seq,
		Type:         exchange.EventType(w.Type),
		InstrumentID: instrument.ID(w.InstrumentID),
		SeriesKey:    common.Hash(w.SeriesKey),
		Seller:       common.Address(w.Seller),
		Buyer:        common.Address(w.Buyer),
		Account:      common.Address(w.Account),
		Timestamp:    w.Timestamp,
	}
	for _, f := range []struct {
		dst *uint256.Int
		src string
	}{{&ev.Price, w.Price}, {&ev.Refund, w.Refund}, {&ev.Amount, w.Amount}} {
		v, err := uint256.FromDecimal(f.src)
		if err != nil {
			return exchange.Event{}, fmt.Errorf("decode amount %q: %w", f.src, err)
		}
		*f.dst = *v
	}
	return ev, nil
}

func toReceiptWire(r *exchange.Receipt) ReceiptWire {
	w := ReceiptWire{Seq: r.Seq, Op: string(r.Op.Kind), Events: make([]EventWire, len(r.Events))}
	for i, ev := range r.Events {
		w.Events[i] = toEventWire(ev)
	}
	return w
}

func eventsFromWire(ws []EventWire) ([]exchange.Event, error) {
	out := make([]exchange.Event, len(ws))
	for i, w := range ws {
		ev, err := w.event()
		if err != nil {
			return nil, err
		}
		out[i] = ev
	}
	return out, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
