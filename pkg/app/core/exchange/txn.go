package exchange

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
	"github.com/uhyunpark/optionbook/pkg/app/core/ledger"
	"github.com/uhyunpark/optionbook/pkg/app/core/orderbook"
)

type execKey struct{}

// InExecution reports whether ctx belongs to an op that is currently being
// applied. Collaborators called by the engine receive such a context.
func InExecution(ctx context.Context) bool {
	v, _ := ctx.Value(execKey{}).(bool)
	return v
}

type deposit struct {
	from   common.Address
	amount uint256.Int
}

type payout struct {
	to     common.Address
	amount uint256.Int
}

// txn is the working state of one op. Reads fall through to committed state;
// writes stay here until commit.
type txn struct {
	ctx       context.Context
	op        Op
	now       time.Time
	book      *orderbook.Batch
	ledger    *ledger.Batch
	deposits  []deposit
	transfers []OwnerChange
	payout    *payout
	paused    *bool
	events    []Event
}

func (tx *txn) escrow(from common.Address, amount *uint256.Int) {
	tx.deposits = append(tx.deposits, deposit{from: from, amount: *amount})
}

func (tx *txn) transfer(id instrument.ID, from, to common.Address) {
	tx.transfers = append(tx.transfers, OwnerChange{InstrumentID: id, From: from, To: to})
}

func (tx *txn) emit(ev Event) {
	tx.events = append(tx.events, ev)
}

func (tx *txn) credit(to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if err := tx.ledger.Credit(to, amount); err != nil {
		return ErrOverflow
	}
	return nil
}
