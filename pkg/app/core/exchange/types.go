package exchange

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
	"github.com/uhyunpark/optionbook/pkg/app/core/ledger"
	"github.com/uhyunpark/optionbook/pkg/app/core/orderbook"
)

// OpKind names a state-mutating operation.
type OpKind string

const (
	OpListSell        OpKind = "list_sell"
	OpListBuy         OpKind = "list_buy"
	OpListSeriesBid   OpKind = "list_series_bid"
	OpCancelSell      OpKind = "cancel_sell"
	OpCancelBuy       OpKind = "cancel_buy"
	OpCancelSeriesBid OpKind = "cancel_series_bid"
	OpWithdraw        OpKind = "withdraw"
	OpSetPaused       OpKind = "set_paused"
)

// pausable ops fail fast while the breaker is tripped. Cancels and
// withdrawals stay open so escrow is never frozen.
func (k OpKind) pausable() bool {
	switch k {
	case OpListSell, OpListBuy, OpListSeriesBid:
		return true
	}
	return false
}

// Op is one state-mutating request. Which fields are read depends on Kind.
type Op struct {
	Kind         OpKind
	Caller       common.Address
	InstrumentID instrument.ID
	Price        uint256.Int // ask for list_sell, bid for list_buy and list_series_bid
	Amount       uint256.Int // withdraw
	Terms        instrument.Terms
	SeriesKey    instrument.SeriesKey // cancel_series_bid
	Paused       bool                 // set_paused
	// Nonce must exceed the caller's last committed nonce. Zero skips the
	// check and leaves the stored nonce untouched.
	Nonce uint64
}

// EventType names an emitted exchange event.
type EventType string

const (
	EventSellOrder             EventType = "SellOrder"
	EventBuyOrder              EventType = "BuyOrder"
	EventBuyOrderUnfilled      EventType = "BuyOrderUnfilled"
	EventFillOrder             EventType = "FillOrder"
	EventFillUnfilledBuyOrder  EventType = "FillUnfilledBuyOrder"
	EventCloseOrder            EventType = "CloseOrder"
	EventCloseUnfilledBuyOrder EventType = "CloseUnfilledBuyOrder"
	EventWithdrawal            EventType = "Withdrawal"
	EventPaused                EventType = "Paused"
	EventUnpaused              EventType = "Unpaused"
)

// Event is emitted on commit. Price is the execution or listing price,
// Refund the surplus returned to the buyer on a fill.
type Event struct {
	Seq          uint64
	Type         EventType
	InstrumentID instrument.ID
	SeriesKey    instrument.SeriesKey
	Seller       common.Address
	Buyer        common.Address
	Account      common.Address // withdraw, pause
	Price        uint256.Int
	Refund       uint256.Int
	Amount       uint256.Int
	Timestamp    int64
}

// OwnerChange records an instrument custody move.
type OwnerChange struct {
	InstrumentID instrument.ID
	From, To     common.Address
}

// Changes is the full write set of a committed op.
type Changes struct {
	Orders orderbook.Changes
	Ledger ledger.Changes
	Owners []OwnerChange
	Paused *bool
}

// Receipt is the result of one committed op.
type Receipt struct {
	Seq     uint64
	Op      Op
	Events  []Event
	Changes Changes
}

// Snapshot is the persisted engine state used to restore a node.
type Snapshot struct {
	Seq      uint64
	Sells    []orderbook.SellOrder
	Buys     []orderbook.BuyOrder
	Queues   map[instrument.SeriesKey][]orderbook.SeriesBid
	Balances map[common.Address]uint256.Int
	Nonces   map[common.Address]uint64
	Paused   bool
}

// Stats is a point-in-time summary for status endpoints.
type Stats struct {
	Seq        uint64
	Paused     bool
	OpenSells  int
	OpenBuys   int
	SeriesBids int
	Accounts   int
	Credits    uint256.Int // sum of ledger balances
	Escrowed   uint256.Int // sum of open bids and series bids
}
