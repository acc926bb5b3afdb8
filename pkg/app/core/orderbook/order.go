package orderbook

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
)

// SellOrder is the single ask slot of an instrument. A zero AskPrice means
// the slot is empty.
type SellOrder struct {
	Seller       common.Address
	AskPrice     uint256.Int
	InstrumentID instrument.ID
}

func (o SellOrder) IsOpen() bool { return !o.AskPrice.IsZero() }

// BuyOrder is the single direct bid slot of an instrument. BidPrice is held
// in escrow while the slot is open.
type BuyOrder struct {
	Buyer        common.Address
	BidPrice     uint256.Int
	InstrumentID instrument.ID
}

func (o BuyOrder) IsOpen() bool { return !o.BidPrice.IsZero() }

// SeriesBid is an escrowed bid for any instrument of a series.
type SeriesBid struct {
	Buyer     common.Address
	BidPrice  uint256.Int
	SeriesKey instrument.SeriesKey
}
