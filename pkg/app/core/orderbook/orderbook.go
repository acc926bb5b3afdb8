package orderbook

import (
	"errors"
	"sort"
	"sync"

	"github.com/gammazero/deque"

	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
)

var (
	ErrSlotTaken   = errors.New("order slot already open")
	ErrSlotEmpty   = errors.New("order slot empty")
	ErrNoSeriesBid = errors.New("no series bid for buyer")
)

// Store holds committed order state: one ask slot and one bid slot per
// instrument, plus a FIFO of series bids per series key. All mutation goes
// through a Batch.
type Store struct {
	mu     sync.RWMutex // readers are API goroutines, the writer is the sequencer
	sells  map[instrument.ID]SellOrder
	buys   map[instrument.ID]BuyOrder
	queues map[instrument.SeriesKey]*deque.Deque[SeriesBid]
}

// NewStore returns an empty order store.
func NewStore() *Store {
	return &Store{
		sells:  make(map[instrument.ID]SellOrder),
		buys:   make(map[instrument.ID]BuyOrder),
		queues: make(map[instrument.SeriesKey]*deque.Deque[SeriesBid]),
	}
}

// SellOrder returns the ask slot; an empty slot is the zero SellOrder.
func (s *Store) SellOrder(id instrument.ID) SellOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sells[id]
}

func (s *Store) BuyOrder(id instrument.ID) BuyOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buys[id]
}

// SeriesQueue returns a copy of the series FIFO, oldest first.
func (s *Store) SeriesQueue(key instrument.SeriesKey) []SeriesBid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queueSlice(key)
}

func (s *Store) queueSlice(key instrument.SeriesKey) []SeriesBid {
	q, ok := s.queues[key]
	if !ok {
		return nil
	}
	out := make([]SeriesBid, q.Len())
	for i := range out {
		out[i] = q.At(i)
	}
	return out
}

// Queues copies every non-empty series FIFO.
func (s *Store) Queues() map[instrument.SeriesKey][]SeriesBid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[instrument.SeriesKey][]SeriesBid, len(s.queues))
	for key := range s.queues {
		out[key] = s.queueSlice(key)
	}
	return out
}

// Series lists every series key with at least one waiting bid.
func (s *Store) Series() []instrument.SeriesKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]instrument.SeriesKey, 0, len(s.queues))
	for k := range s.queues {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Cmp(keys[j]) < 0 })
	return keys
}

// OpenSells returns all open ask slots ordered by instrument id.
func (s *Store) OpenSells() []SellOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SellOrder, 0, len(s.sells))
	for _, o := range s.sells {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}

func (s *Store) OpenBuys() []BuyOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BuyOrder, 0, len(s.buys))
	for _, o := range s.buys {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}

// Depth counts open asks, direct bids and waiting series bids.
type Depth struct {
	Sells      int
	Buys       int
	SeriesBids int
}

func (s *Store) Depth() Depth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := Depth{Sells: len(s.sells), Buys: len(s.buys)}
	for _, q := range s.queues {
		d.SeriesBids += q.Len()
	}
	return d
}

// Load replaces all state. Used when restoring from disk.
func (s *Store) Load(sells []SellOrder, buys []BuyOrder, queues map[instrument.SeriesKey][]SeriesBid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sells = make(map[instrument.ID]SellOrder, len(sells))
	for _, o := range sells {
		if o.IsOpen() {
			s.sells[o.InstrumentID] = o
		}
	}
	s.buys = make(map[instrument.ID]BuyOrder, len(buys))
	for _, o := range buys {
		if o.IsOpen() {
			s.buys[o.InstrumentID] = o
		}
	}
	s.queues = make(map[instrument.SeriesKey]*deque.Deque[SeriesBid], len(queues))
	for key, bids := range queues {
		if len(bids) == 0 {
			continue
		}
		q := new(deque.Deque[SeriesBid])
		for _, b := range bids {
			q.PushBack(b)
		}
		s.queues[key] = q
	}
}
