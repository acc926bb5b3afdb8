package orderbook

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/gammazero/deque"

	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
)

type queueOpKind uint8

const (
	opPush queueOpKind = iota
	opPopFront
	opRemove
)

type queueOp struct {
	kind  queueOpKind
	index int
	bid   SeriesBid
}

// stagedQueue is a private copy of one series FIFO plus the ops that produced
// it, replayed onto the committed deque on Commit.
type stagedQueue struct {
	bids []SeriesBid
	ops  []queueOp
}

// Batch stages order mutations on top of a Store. Nothing is visible to the
// Store until Commit; dropping the Batch discards everything. A Batch must
// not be used after Commit.
type Batch struct {
	base   *Store
	sells  map[instrument.ID]SellOrder
	buys   map[instrument.ID]BuyOrder
	queues map[instrument.SeriesKey]*stagedQueue
}

// NewBatch starts a staged change set over s.
func (s *Store) NewBatch() *Batch {
	return &Batch{
		base:   s,
		sells:  make(map[instrument.ID]SellOrder),
		buys:   make(map[instrument.ID]BuyOrder),
		queues: make(map[instrument.SeriesKey]*stagedQueue),
	}
}

func (b *Batch) SellOrder(id instrument.ID) SellOrder {
	if o, ok := b.sells[id]; ok {
		return o
	}
	return b.base.SellOrder(id)
}

func (b *Batch) BuyOrder(id instrument.ID) BuyOrder {
	if o, ok := b.buys[id]; ok {
		return o
	}
	return b.base.BuyOrder(id)
}

// PutSell opens an ask. The slot must be empty.
func (b *Batch) PutSell(o SellOrder) error {
	if b.SellOrder(o.InstrumentID).IsOpen() {
		return ErrSlotTaken
	}
	b.sells[o.InstrumentID] = o
	return nil
}

// ClearSell empties the ask slot and returns what was there.
func (b *Batch) ClearSell(id instrument.ID) (SellOrder, error) {
	o := b.SellOrder(id)
	if !o.IsOpen() {
		return SellOrder{}, ErrSlotEmpty
	}
	b.sells[id] = SellOrder{}
	return o, nil
}

// PutBuy opens a direct bid. The slot must be empty.
func (b *Batch) PutBuy(o BuyOrder) error {
	if b.BuyOrder(o.InstrumentID).IsOpen() {
		return ErrSlotTaken
	}
	b.buys[o.InstrumentID] = o
	return nil
}

func (b *Batch) ClearBuy(id instrument.ID) (BuyOrder, error) {
	o := b.BuyOrder(id)
	if !o.IsOpen() {
		return BuyOrder{}, ErrSlotEmpty
	}
	b.buys[id] = BuyOrder{}
	return o, nil
}

func (b *Batch) queue(key instrument.SeriesKey) *stagedQueue {
	if q, ok := b.queues[key]; ok {
		return q
	}
	b.base.mu.RLock()
	q := &stagedQueue{bids: b.base.queueSlice(key)}
	b.base.mu.RUnlock()
	b.queues[key] = q
	return q
}

// PushSeriesBid appends to the tail of the series FIFO.
func (b *Batch) PushSeriesBid(bid SeriesBid) {
	q := b.queue(bid.SeriesKey)
	q.bids = append(q.bids, bid)
	q.ops = append(q.ops, queueOp{kind: opPush, bid: bid})
}

// PeekSeriesBid returns the oldest waiting bid of the series.
func (b *Batch) PeekSeriesBid(key instrument.SeriesKey) (SeriesBid, bool) {
	q := b.queue(key)
	if len(q.bids) == 0 {
		return SeriesBid{}, false
	}
	return q.bids[0], true
}

// PopSeriesBid removes and returns the oldest bid of a series.
func (b *Batch) PopSeriesBid(key instrument.SeriesKey) (SeriesBid, bool) {
	q := b.queue(key)
	if len(q.bids) == 0 {
		return SeriesBid{}, false
	}
	head := q.bids[0]
	q.bids = q.bids[1:]
	q.ops = append(q.ops, queueOp{kind: opPopFront})
	return head, true
}

// RemoveSeriesBid removes the oldest bid placed by buyer.
func (b *Batch) RemoveSeriesBid(key instrument.SeriesKey, buyer common.Address) (SeriesBid, error) {
	q := b.queue(key)
	for i, bid := range q.bids {
		if bid.Buyer != buyer {
			continue
		}
		q.bids = append(q.bids[:i:i], q.bids[i+1:]...)
		q.ops = append(q.ops, queueOp{kind: opRemove, index: i})
		return bid, nil
	}
	return SeriesBid{}, ErrNoSeriesBid
}

// Changes is the post-commit value of every touched slot and queue. Empty
// slots appear as zero orders, drained queues as empty slices.
type Changes struct {
	Sells  map[instrument.ID]SellOrder
	Buys   map[instrument.ID]BuyOrder
	Queues map[instrument.SeriesKey][]SeriesBid
}

func (c Changes) Empty() bool {
	return len(c.Sells) == 0 && len(c.Buys) == 0 && len(c.Queues) == 0
}

// Commit applies the batch to the Store. It cannot fail.
func (b *Batch) Commit() Changes {
	s := b.base
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := Changes{
		Sells:  make(map[instrument.ID]SellOrder, len(b.sells)),
		Buys:   make(map[instrument.ID]BuyOrder, len(b.buys)),
		Queues: make(map[instrument.SeriesKey][]SeriesBid),
	}
	for id, o := range b.sells {
		if o.IsOpen() {
			s.sells[id] = o
		} else {
			delete(s.sells, id)
		}
		ch.Sells[id] = o
	}
	for id, o := range b.buys {
		if o.IsOpen() {
			s.buys[id] = o
		} else {
			delete(s.buys, id)
		}
		ch.Buys[id] = o
	}
	for key, staged := range b.queues {
		if len(staged.ops) == 0 {
			continue
		}
		q, ok := s.queues[key]
		if !ok {
			q = new(deque.Deque[SeriesBid])
			s.queues[key] = q
		}
		for _, op := range staged.ops {
			switch op.kind {
			case opPush:
				q.PushBack(op.bid)
			case opPopFront:
				q.PopFront()
			case opRemove:
				q.Remove(op.index)
			}
		}
		if q.Len() == 0 {
			delete(s.queues, key)
		}
		ch.Queues[key] = append([]SeriesBid(nil), staged.bids...)
	}
	b.sells, b.buys, b.queues = nil, nil, nil
	return ch
}
