package exchange

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
	"github.com/uhyunpark/optionbook/pkg/app/core/orderbook"
)

// fill is one match. escrow is what the buyer paid in and is never below
// price.
type fill struct {
	id     instrument.ID
	seller common.Address
	buyer  common.Address
	price  uint256.Int
	escrow uint256.Int
	clear  func() error
}

// settle credits the seller, hands the instrument to the buyer, clears the
// matched slots and refunds the surplus, in that order. It stages into tx
// only, so an error anywhere leaves committed state as it was.
func (e *Engine) settle(tx *txn, f fill) (uint256.Int, error) {
	var surplus uint256.Int
	if _, underflow := surplus.SubOverflow(&f.escrow, &f.price); underflow {
		return uint256.Int{}, ErrInsufficientBalance
	}
	if err := tx.credit(f.seller, &f.price); err != nil {
		return uint256.Int{}, err
	}
	tx.transfer(f.id, e.self, f.buyer)
	if err := f.clear(); err != nil {
		return uint256.Int{}, err
	}
	if err := tx.credit(f.buyer, &surplus); err != nil {
		return uint256.Int{}, err
	}
	return surplus, nil
}

func (e *Engine) cancelSell(tx *txn, id instrument.ID, caller common.Address) error {
	if id == 0 {
		return ErrInvalidToken
	}
	o := tx.book.SellOrder(id)
	if !o.IsOpen() || o.Seller != caller {
		return ErrNotSeller
	}
	if _, err := tx.book.ClearSell(id); err != nil {
		return ErrNotSeller
	}
	tx.transfer(id, e.self, caller)
	tx.emit(Event{Type: EventCloseOrder, InstrumentID: id, SeriesKey: e.seriesOf(id), Seller: caller, Price: o.AskPrice})
	return nil
}

func (e *Engine) cancelBuy(tx *txn, id instrument.ID, caller common.Address) error {
	if id == 0 {
		return ErrInvalidToken
	}
	o := tx.book.BuyOrder(id)
	if !o.IsOpen() || o.Buyer != caller {
		return ErrNotBuyer
	}
	if _, err := tx.book.ClearBuy(id); err != nil {
		return ErrNotBuyer
	}
	if err := tx.credit(caller, &o.BidPrice); err != nil {
		return err
	}
	tx.emit(Event{Type: EventCloseOrder, InstrumentID: id, SeriesKey: e.seriesOf(id), Buyer: caller, Price: o.BidPrice})
	return nil
}

func (e *Engine) cancelSeriesBid(tx *txn, key instrument.SeriesKey, caller common.Address) error {
	bid, err := tx.book.RemoveSeriesBid(key, caller)
	if errors.Is(err, orderbook.ErrNoSeriesBid) {
		return ErrNotBuyer
	}
	if err != nil {
		return err
	}
	if err := tx.credit(caller, &bid.BidPrice); err != nil {
		return err
	}
	tx.emit(Event{Type: EventCloseUnfilledBuyOrder, SeriesKey: key, Buyer: caller, Price: bid.BidPrice})
	return nil
}

// withdraw debits first; the vault is only called once the debit is
// committed.
func (e *Engine) withdraw(tx *txn, amount *uint256.Int, caller common.Address) error {
	if err := tx.ledger.Debit(caller, amount); err != nil {
		return ErrInsufficientBalance
	}
	tx.payout = &payout{to: caller, amount: *amount}
	tx.emit(Event{Type: EventWithdrawal, Account: caller, Amount: *amount})
	return nil
}

// seriesOf is best effort; events on cancelled orders still carry the series
// when the instrument is known.
func (e *Engine) seriesOf(id instrument.ID) instrument.SeriesKey {
	inst, err := e.dir.Lookup(id)
	if err != nil {
		return instrument.SeriesKey{}
	}
	return inst.SeriesKey
}
