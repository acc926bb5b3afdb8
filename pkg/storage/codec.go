package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
	"github.com/uhyunpark/optionbook/pkg/app/core/orderbook"
)

// Amounts are stored as decimal strings, addresses as checksummed hex.

type sellRecord struct {
	Seller   string `json:"seller"`
	AskPrice string `json:"askPrice"`
}

type buyRecord struct {
	Buyer    string `json:"buyer"`
	BidPrice string `json:"bidPrice"`
}

type bidRecord struct {
	Buyer    string `json:"buyer"`
	BidPrice string `json:"bidPrice"`
}

type eventRecord struct {
	Seq          uint64 `json:"seq"`
	Type         string `json:"type"`
	InstrumentID uint64 `json:"instrumentId,omitempty"`
	SeriesKey    string `json:"seriesKey,omitempty"`
	Seller       string `json:"seller,omitempty"`
	Buyer        string `json:"buyer,omitempty"`
	Account      string `json:"account,omitempty"`
	Price        string `json:"price"`
	Refund       string `json:"refund"`
	Amount       string `json:"amount"`
	Timestamp    int64  `json:"timestamp"`
}

func optAddr(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

func optHash(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

func toEventRecord(ev exchange.Event) eventRecord {
	return eventRecord{
		Seq:          ev.Seq,
		Type:         string(ev.Type),
		InstrumentID: uint64(ev.InstrumentID),
		SeriesKey:    optHash(ev.SeriesKey),
		Seller:       optAddr(ev.Seller),
		Buyer:        optAddr(ev.Buyer),
		Account:      optAddr(ev.Account),
		Price:        ev.Price.Dec(),
		Refund:       ev.Refund.Dec(),
		Amount:       ev.Amount.Dec(),
		Timestamp:    ev.Timestamp,
	}
}

func (r eventRecord) event() (exchange.Event, error) {
	ev := exchange.Event{
		Seq:          r.Seq,
		Type:         exchange.EventType(r.Type),
		InstrumentID: instrument.ID(r.InstrumentID),
		SeriesKey:    common.HexToHash(r.SeriesKey),
		Seller:       common.HexToAddress(r.Seller),
		Buyer:        common.HexToAddress(r.Buyer),
		Account:      common.HexToAddress(r.Account),
		Timestamp:    r.Timestamp,
	}
	var err error
	if ev.Price, err = decodeAmount(r.Price); err != nil {
		return ev, err
	}
	if ev.Refund, err = decodeAmount(r.Refund); err != nil {
		return ev, err
	}
	if ev.Amount, err = decodeAmount(r.Amount); err != nil {
		return ev, err
	}
	return ev, nil
}

func encodeAmount(v *uint256.Int) []byte { return []byte(v.Dec()) }

func decodeAmount(s string) (uint256.Int, error) {
	if s == "" {
		return uint256.Int{}, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("decode amount %q: %w", s, err)
	}
	return *v, nil
}

func decodeAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("decode address %q", s)
	}
	return common.HexToAddress(s), nil
}

// mutation is a single key write. A nil value deletes the key.
type mutation struct {
	key   []byte
	value []byte
}

// receiptMutations flattens a committed receipt into key writes.
func receiptMutations(r *exchange.Receipt, external map[common.Address]uint256.Int) ([]mutation, error) {
	var muts []mutation
	put := func(key []byte, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		muts = append(muts, mutation{key: key, value: b})
		return nil
	}

	ch := r.Changes
	for id, o := range ch.Orders.Sells {
		if !o.IsOpen() {
			muts = append(muts, mutation{key: sellKey(id)})
			continue
		}
		if err := put(sellKey(id), sellRecord{Seller: o.Seller.Hex(), AskPrice: o.AskPrice.Dec()}); err != nil {
			return nil, err
		}
	}
	for id, o := range ch.Orders.Buys {
		if !o.IsOpen() {
			muts = append(muts, mutation{key: buyKey(id)})
			continue
		}
		if err := put(buyKey(id), buyRecord{Buyer: o.Buyer.Hex(), BidPrice: o.BidPrice.Dec()}); err != nil {
			return nil, err
		}
	}
	for key, bids := range ch.Orders.Queues {
		if len(bids) == 0 {
			muts = append(muts, mutation{key: queueKey(key)})
			continue
		}
		recs := make([]bidRecord, len(bids))
		for i, b := range bids {
			recs[i] = bidRecord{Buyer: b.Buyer.Hex(), BidPrice: b.BidPrice.Dec()}
		}
		if err := put(queueKey(key), recs); err != nil {
			return nil, err
		}
	}
	for addr, bal := range ch.Ledger.Balances {
		if bal.IsZero() {
			muts = append(muts, mutation{key: balanceKey(addr)})
			continue
		}
		muts = append(muts, mutation{key: balanceKey(addr), value: encodeAmount(&bal)})
	}
	for addr, n := range ch.Ledger.Nonces {
		muts = append(muts, mutation{key: nonceKey(addr), value: u64(n)})
	}
	for _, oc := range ch.Owners {
		muts = append(muts, mutation{key: ownerKey(oc.InstrumentID), value: oc.To.Bytes()})
	}
	if ch.Paused != nil {
		muts = append(muts, mutation{key: keyPaused, value: pausedByte(*ch.Paused)})
	}
	muts = append(muts, externalMutations(external)...)
	for i, ev := range r.Events {
		if err := put(eventKey(r.Seq, i), toEventRecord(ev)); err != nil {
			return nil, err
		}
	}
	muts = append(muts, mutation{key: keySeq, value: u64(r.Seq)})
	return muts, nil
}

func externalMutations(external map[common.Address]uint256.Int) []mutation {
	muts := make([]mutation, 0, len(external))
	for addr, bal := range external {
		if bal.IsZero() {
			muts = append(muts, mutation{key: externalKey(addr)})
			continue
		}
		muts = append(muts, mutation{key: externalKey(addr), value: encodeAmount(&bal)})
	}
	return muts
}

func ownerMutations(owners map[instrument.ID]common.Address) []mutation {
	muts := make([]mutation, 0, len(owners))
	for id, owner := range owners {
		muts = append(muts, mutation{key: ownerKey(id), value: owner.Bytes()})
	}
	return muts
}

// seedMutations writes owners and external balances plus the seeded marker.
func seedMutations(owners map[instrument.ID]common.Address, external map[common.Address]uint256.Int) []mutation {
	muts := append(ownerMutations(owners), externalMutations(external)...)
	return append(muts, mutation{key: keySeeded, value: []byte{1}})
}

func pausedByte(p bool) []byte {
	if p {
		return []byte{1}
	}
	return []byte{0}
}

var errStopScan = errors.New("stop scan")

// reader is the read side shared by the pebble and in-memory stores.
type reader interface {
	get(key []byte) ([]byte, bool, error)
	// scan visits keys in [lower, upper) in ascending order.
	scan(lower, upper []byte, fn func(key, value []byte) error) error
}

func scanPrefix(r reader, prefix string, fn func(key, value []byte) error) error {
	p := []byte(prefix)
	return r.scan(p, keyUpperBound(p), fn)
}

// loadState rebuilds the persisted state from any reader.
func loadState(r reader) (*State, error) {
	st := &State{
		Engine: &exchange.Snapshot{
			Queues:   make(map[instrument.SeriesKey][]orderbook.SeriesBid),
			Balances: make(map[common.Address]uint256.Int),
			Nonces:   make(map[common.Address]uint64),
		},
		Owners:   make(map[instrument.ID]common.Address),
		External: make(map[common.Address]uint256.Int),
	}
	snap := st.Engine

	v, ok, err := r.get(keySeq)
	if err != nil {
		return nil, err
	}
	st.Fresh = !ok
	if ok {
		if snap.Seq, err = readU64(v); err != nil {
			return nil, fmt.Errorf("decode seq: %w", err)
		}
	}
	if _, st.Seeded, err = r.get(keySeeded); err != nil {
		return nil, err
	}
	if v, ok, err := r.get(keyPaused); err != nil {
		return nil, err
	} else if ok {
		snap.Paused = len(v) == 1 && v[0] == 1
	}

	err = scanPrefix(r, prefixSell, func(k, v []byte) error {
		id, err := parseIDKey(prefixSell, k)
		if err != nil {
			return err
		}
		var rec sellRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		o := orderbook.SellOrder{InstrumentID: id}
		if o.Seller, err = decodeAddress(rec.Seller); err != nil {
			return err
		}
		if o.AskPrice, err = decodeAmount(rec.AskPrice); err != nil {
			return err
		}
		snap.Sells = append(snap.Sells, o)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = scanPrefix(r, prefixBuy, func(k, v []byte) error {
		id, err := parseIDKey(prefixBuy, k)
		if err != nil {
			return err
		}
		var rec buyRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		o := orderbook.BuyOrder{InstrumentID: id}
		if o.Buyer, err = decodeAddress(rec.Buyer); err != nil {
			return err
		}
		if o.BidPrice, err = decodeAmount(rec.BidPrice); err != nil {
			return err
		}
		snap.Buys = append(snap.Buys, o)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = scanPrefix(r, prefixQueue, func(k, v []byte) error {
		key := common.HexToHash(string(k[len(prefixQueue):]))
		var recs []bidRecord
		if err := json.Unmarshal(v, &recs); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		bids := make([]orderbook.SeriesBid, len(recs))
		for i, rec := range recs {
			var err error
			bids[i].SeriesKey = key
			if bids[i].Buyer, err = decodeAddress(rec.Buyer); err != nil {
				return err
			}
			if bids[i].BidPrice, err = decodeAmount(rec.BidPrice); err != nil {
				return err
			}
		}
		snap.Queues[key] = bids
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = scanPrefix(r, prefixBalance, func(k, v []byte) error {
		addr, err := parseAddrKey(prefixBalance, k)
		if err != nil {
			return err
		}
		bal, err := decodeAmount(string(v))
		if err != nil {
			return err
		}
		snap.Balances[addr] = bal
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = scanPrefix(r, prefixNonce, func(k, v []byte) error {
		addr, err := parseAddrKey(prefixNonce, k)
		if err != nil {
			return err
		}
		n, err := readU64(v)
		if err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		snap.Nonces[addr] = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = scanPrefix(r, prefixOwner, func(k, v []byte) error {
		id, err := parseIDKey(prefixOwner, k)
		if err != nil {
			return err
		}
		if len(v) != common.AddressLength {
			return fmt.Errorf("decode %s: want %d bytes, got %d", k, common.AddressLength, len(v))
		}
		st.Owners[id] = common.BytesToAddress(v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = scanPrefix(r, prefixExternal, func(k, v []byte) error {
		addr, err := parseAddrKey(prefixExternal, k)
		if err != nil {
			return err
		}
		bal, err := decodeAmount(string(v))
		if err != nil {
			return err
		}
		st.External[addr] = bal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// loadEvents returns up to limit events with seq >= from, oldest first.
func loadEvents(r reader, from uint64, limit int) ([]exchange.Event, error) {
	var out []exchange.Event
	lower := eventKey(from, 0)
	upper := keyUpperBound([]byte(prefixEvent))
	err := r.scan(lower, upper, func(k, v []byte) error {
		if limit > 0 && len(out) >= limit {
			return errStopScan
		}
		var rec eventRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		ev, err := rec.event()
		if err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, err
	}
	return out, nil
}

// stateRoot hashes every state key and value in key order. Events, the
// sequence and the seeded marker are excluded so replicas with the same state
// agree.
func stateRoot(r reader) (common.Hash, error) {
	h := sha3.NewLegacyKeccak256()
	var lenBuf [8]byte
	write := func(b []byte) {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
		h.Write(lenBuf[:])
		h.Write(b)
	}
	err := r.scan([]byte{0x00}, []byte{0xff}, func(k, v []byte) error {
		if bytes.HasPrefix(k, []byte(prefixEvent)) || bytes.Equal(k, keySeq) || bytes.Equal(k, keySeeded) {
			return nil
		}
		write(k)
		write(v)
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(h.Sum(nil)), nil
}
