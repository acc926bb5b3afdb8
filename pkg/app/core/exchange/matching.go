package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
	"github.com/uhyunpark/optionbook/pkg/app/core/orderbook"
)

// tradable resolves id and rejects unknown or expired instruments.
func (e *Engine) tradable(tx *txn, id instrument.ID) (instrument.Instrument, error) {
	inst, err := e.dir.Lookup(id)
	if err != nil {
		return instrument.Instrument{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if inst.Expired(tx.now) {
		return instrument.Instrument{}, fmt.Errorf("%w: %d at %s", ErrExpired, id, inst.ExpiresAt().UTC().Format(time.RFC3339))
	}
	return inst, nil
}

// listSell takes custody and matches, in priority order, the direct bid on
// this instrument, then the head of its series queue. Either match executes
// at the ask. Bids below the ask never match.
func (e *Engine) listSell(tx *txn, id instrument.ID, ask *uint256.Int, caller common.Address) error {
	if id == 0 {
		return ErrInvalidToken
	}
	if ask.IsZero() {
		return ErrAskNotPositive
	}
	inst, err := e.tradable(tx, id)
	if err != nil {
		return err
	}
	if tx.book.SellOrder(id).IsOpen() {
		return ErrAlreadyListed
	}
	owner, err := e.dir.OwnerOf(id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if owner != caller {
		return ErrNotOwner
	}
	tx.transfer(id, caller, e.self)

	if bid := tx.book.BuyOrder(id); bid.IsOpen() && !bid.BidPrice.Lt(ask) {
		refund, err := e.settle(tx, fill{
			id:     id,
			seller: caller,
			buyer:  bid.Buyer,
			price:  *ask,
			escrow: bid.BidPrice,
			clear:  func() error { _, err := tx.book.ClearBuy(id); return err },
		})
		if err != nil {
			return err
		}
		tx.emit(Event{Type: EventFillOrder, InstrumentID: id, SeriesKey: inst.SeriesKey, Seller: caller, Buyer: bid.Buyer, Price: *ask, Refund: refund})
		return nil
	}

	if head, ok := tx.book.PeekSeriesBid(inst.SeriesKey); ok && !head.BidPrice.Lt(ask) {
		refund, err := e.settle(tx, fill{
			id:     id,
			seller: caller,
			buyer:  head.Buyer,
			price:  *ask,
			escrow: head.BidPrice,
			clear: func() error {
				if _, ok := tx.book.PopSeriesBid(inst.SeriesKey); !ok {
					return errors.New("series queue drained mid-settlement")
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
		tx.emit(Event{Type: EventFillUnfilledBuyOrder, InstrumentID: id, SeriesKey: inst.SeriesKey, Seller: caller, Buyer: head.Buyer, Price: *ask, Refund: refund})
		return nil
	}

	if err := tx.book.PutSell(orderbook.SellOrder{Seller: caller, AskPrice: *ask, InstrumentID: id}); err != nil {
		return ErrAlreadyListed
	}
	tx.emit(Event{Type: EventSellOrder, InstrumentID: id, SeriesKey: inst.SeriesKey, Seller: caller, Price: *ask})
	return nil
}

// listBuy escrows the bid and fills against an open ask at the ask price.
// A bid below the ask rests.
func (e *Engine) listBuy(tx *txn, id instrument.ID, bid *uint256.Int, caller common.Address) error {
	if id == 0 {
		return ErrInvalidToken
	}
	if bid.IsZero() {
		return ErrBidNotPositive
	}
	inst, err := e.tradable(tx, id)
	if err != nil {
		return err
	}
	if tx.book.BuyOrder(id).IsOpen() {
		return ErrAlreadyListed
	}
	tx.escrow(caller, bid)

	if ask := tx.book.SellOrder(id); ask.IsOpen() && !bid.Lt(&ask.AskPrice) {
		refund, err := e.settle(tx, fill{
			id:     id,
			seller: ask.Seller,
			buyer:  caller,
			price:  ask.AskPrice,
			escrow: *bid,
			clear:  func() error { _, err := tx.book.ClearSell(id); return err },
		})
		if err != nil {
			return err
		}
		tx.emit(Event{Type: EventFillOrder, InstrumentID: id, SeriesKey: inst.SeriesKey, Seller: ask.Seller, Buyer: caller, Price: ask.AskPrice, Refund: refund})
		return nil
	}

	if err := tx.book.PutBuy(orderbook.BuyOrder{Buyer: caller, BidPrice: *bid, InstrumentID: id}); err != nil {
		return ErrAlreadyListed
	}
	tx.emit(Event{Type: EventBuyOrder, InstrumentID: id, SeriesKey: inst.SeriesKey, Buyer: caller, Price: *bid})
	return nil
}

// listSeriesBid escrows the bid and queues it behind earlier bids of the
// same series. It never matches open asks; only later listings consume it.
func (e *Engine) listSeriesBid(tx *txn, bid *uint256.Int, terms instrument.Terms, caller common.Address) error {
	if bid.IsZero() {
		return ErrBidNotPositive
	}
	key := instrument.SeriesKeyOf(terms)
	tx.escrow(caller, bid)
	tx.book.PushSeriesBid(orderbook.SeriesBid{Buyer: caller, BidPrice: *bid, SeriesKey: key})
	tx.emit(Event{Type: EventBuyOrderUnfilled, SeriesKey: key, Buyer: caller, Price: *bid})
	return nil
}
