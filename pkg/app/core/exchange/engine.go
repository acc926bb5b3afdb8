// Package exchange is the custodial matching engine: order slots, series bid
// queues, escrow, settlement and the withdrawable balance ledger.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
	"github.com/uhyunpark/optionbook/pkg/app/core/ledger"
	"github.com/uhyunpark/optionbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/optionbook/pkg/app/core/vault"
	"github.com/uhyunpark/optionbook/pkg/util"
)

// Config wires the engine to its collaborators.
type Config struct {
	// Address holds instruments in custody while they are listed.
	Address   common.Address
	Directory instrument.Directory
	Vault     vault.Vault
	// Pause is optional. A Breaker additionally enables set_paused.
	Pause  PauseSwitch
	Clock  util.Clock
	Logger *zap.Logger
}

// Engine applies ops one at a time. Queries wait for an op in progress, so
// readers only ever see committed state.
type Engine struct {
	mu     sync.RWMutex // Apply writes, queries read
	self   common.Address
	dir    instrument.Directory
	vault  vault.Vault
	pause  PauseSwitch
	clock  util.Clock
	log    *zap.Logger
	book   *orderbook.Store
	ledger *ledger.Ledger
	seq    uint64
}

// New returns an empty engine. Pause, Clock and Logger are optional.
func New(cfg Config) *Engine {
	e := &Engine{
		self:   cfg.Address,
		dir:    cfg.Directory,
		vault:  cfg.Vault,
		pause:  cfg.Pause,
		clock:  cfg.Clock,
		log:    cfg.Logger,
		book:   orderbook.NewStore(),
		ledger: ledger.New(),
	}
	if e.pause == nil {
		e.pause = NewToggle(common.Address{}, false)
	}
	if e.clock == nil {
		e.clock = util.RealClock{}
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	return e
}

// Address is the custody address.
func (e *Engine) Address() common.Address { return e.self }

// Apply runs op as one all-or-nothing transaction. On error nothing changed:
// not the order store, not the ledger, not custody.
func (e *Engine) Apply(ctx context.Context, op Op) (*Receipt, error) {
	if InExecution(ctx) {
		return nil, fail(op.Kind, ErrReentrant)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx = context.WithValue(ctx, execKey{}, true)

	if op.Kind.pausable() && e.pause.Paused() {
		return nil, fail(op.Kind, ErrPaused)
	}
	if op.Nonce != 0 && op.Nonce <= e.ledger.Nonce(op.Caller) {
		return nil, fail(op.Kind, fmt.Errorf("%w: %d <= %d", ErrStaleNonce, op.Nonce, e.ledger.Nonce(op.Caller)))
	}

	tx := &txn{
		ctx:    ctx,
		op:     op,
		now:    e.clock.Now(),
		book:   e.book.NewBatch(),
		ledger: e.ledger.NewBatch(),
	}
	if err := e.run(tx); err != nil {
		return nil, fail(op.Kind, err)
	}
	if op.Nonce != 0 {
		tx.ledger.SetNonce(op.Caller, op.Nonce)
	}
	r, err := e.commit(tx)
	if err != nil {
		return nil, fail(op.Kind, err)
	}
	return r, nil
}

func (e *Engine) run(tx *txn) error {
	op := tx.op
	switch op.Kind {
	case OpListSell:
		return e.listSell(tx, op.InstrumentID, &op.Price, op.Caller)
	case OpListBuy:
		return e.listBuy(tx, op.InstrumentID, &op.Price, op.Caller)
	case OpListSeriesBid:
		return e.listSeriesBid(tx, &op.Price, op.Terms, op.Caller)
	case OpCancelSell:
		return e.cancelSell(tx, op.InstrumentID, op.Caller)
	case OpCancelBuy:
		return e.cancelBuy(tx, op.InstrumentID, op.Caller)
	case OpCancelSeriesBid:
		return e.cancelSeriesBid(tx, op.SeriesKey, op.Caller)
	case OpWithdraw:
		return e.withdraw(tx, &op.Amount, op.Caller)
	case OpSetPaused:
		return e.setPaused(tx, op.Paused, op.Caller)
	}
	return fmt.Errorf("%w: %q", ErrUnknownOp, op.Kind)
}

// commit performs the external effects, then publishes the staged state.
// Deposits and custody moves happen first and are compensated in reverse on
// failure. A payout happens last, after the debit is in the ledger, and is
// undone by reverting the ledger if the vault refuses it. Queries hold the
// read lock, so a reverted debit is never observed.
func (e *Engine) commit(tx *txn) (*Receipt, error) {
	if err := e.applyEffects(tx); err != nil {
		return nil, err
	}
	orders := tx.book.Commit()
	next, prev := tx.ledger.Commit()

	if tx.payout != nil {
		if err := e.vault.Withdraw(tx.ctx, tx.payout.to, &tx.payout.amount); err != nil {
			e.ledger.Revert(prev)
			return nil, fmt.Errorf("%w: %w", ErrTransfer, err)
		}
	}
	if tx.paused != nil {
		e.pause.(Breaker).SetPaused(*tx.paused)
	}

	e.seq++
	ts := tx.now.Unix()
	for i := range tx.events {
		tx.events[i].Seq = e.seq
		tx.events[i].Timestamp = ts
	}
	return &Receipt{
		Seq:    e.seq,
		Op:     tx.op,
		Events: tx.events,
		Changes: Changes{
			Orders: orders,
			Ledger: next,
			Owners: tx.transfers,
			Paused: tx.paused,
		},
	}, nil
}

func (e *Engine) applyEffects(tx *txn) error {
	var undo []func() error
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			if err := undo[i](); err != nil {
				e.log.Error("compensation failed", zap.String("op", string(tx.op.Kind)), zap.Error(err))
			}
		}
	}

	for _, d := range tx.deposits {
		if err := e.vault.Deposit(tx.ctx, d.from, &d.amount); err != nil {
			rollback()
			return fmt.Errorf("%w: %w", ErrDeposit, err)
		}
		undo = append(undo, func() error { return e.vault.Withdraw(tx.ctx, d.from, &d.amount) })
	}
	for _, t := range tx.transfers {
		if err := e.dir.Transfer(t.InstrumentID, t.From, t.To); err != nil {
			rollback()
			return fmt.Errorf("%w: %w", ErrCustody, err)
		}
		undo = append(undo, func() error { return e.dir.Transfer(t.InstrumentID, t.To, t.From) })
	}
	return nil
}

func (e *Engine) setPaused(tx *txn, paused bool, caller common.Address) error {
	b, ok := e.pause.(Breaker)
	if !ok || b.Admin() == (common.Address{}) || b.Admin() != caller {
		return ErrNotAdmin
	}
	tx.paused = &paused
	typ := EventUnpaused
	if paused {
		typ = EventPaused
	}
	tx.emit(Event{Type: typ, Account: caller})
	return nil
}

// ---- queries ----

// SellOrder returns the open ask for id or the zero sentinel.
func (e *Engine) SellOrder(id instrument.ID) orderbook.SellOrder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.SellOrder(id)
}

// BuyOrder returns the open direct bid for id or the zero sentinel.
func (e *Engine) BuyOrder(id instrument.ID) orderbook.BuyOrder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.BuyOrder(id)
}

// SeriesQueue returns the waiting bids of a series, oldest first.
func (e *Engine) SeriesQueue(key instrument.SeriesKey) []orderbook.SeriesBid {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.SeriesQueue(key)
}

// OpenSells lists every open ask by instrument id.
func (e *Engine) OpenSells() []orderbook.SellOrder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.OpenSells()
}

// OpenBuys lists every open direct bid by instrument id.
func (e *Engine) OpenBuys() []orderbook.BuyOrder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.OpenBuys()
}

// Balance is the withdrawable ledger balance of addr.
func (e *Engine) Balance(addr common.Address) uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Balance(addr)
}

// Nonce is the last committed nonce of addr.
func (e *Engine) Nonce(addr common.Address) uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Nonce(addr)
}

func (e *Engine) Paused() bool { return e.pause.Paused() }

// Seq is the sequence number of the last committed op.
func (e *Engine) Seq() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seq
}

// Escrowed sums every open direct bid and waiting series bid.
func (e *Engine) Escrowed() uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.escrowed()
}

func (e *Engine) escrowed() uint256.Int {
	var sum uint256.Int
	for _, o := range e.book.OpenBuys() {
		sum.Add(&sum, &o.BidPrice)
	}
	for _, q := range e.book.Queues() {
		for _, b := range q {
			sum.Add(&sum, &b.BidPrice)
		}
	}
	return sum
}

// Stats summarizes committed state for status reporting.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d := e.book.Depth()
	return Stats{
		Seq:        e.seq,
		Paused:     e.pause.Paused(),
		OpenSells:  d.Sells,
		OpenBuys:   d.Buys,
		SeriesBids: d.SeriesBids,
		Accounts:   len(e.ledger.Accounts()),
		Credits:    e.ledger.Total(),
		Escrowed:   e.escrowed(),
	}
}

// Snapshot captures the committed state.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	balances := make(map[common.Address]uint256.Int)
	nonces := make(map[common.Address]uint64)
	for _, addr := range e.ledger.Accounts() {
		balances[addr] = e.ledger.Balance(addr)
	}
	e.ledger.EachNonce(func(addr common.Address, n uint64) { nonces[addr] = n })
	return &Snapshot{
		Seq:      e.seq,
		Sells:    e.book.OpenSells(),
		Buys:     e.book.OpenBuys(),
		Queues:   e.book.Queues(),
		Balances: balances,
		Nonces:   nonces,
		Paused:   e.pause.Paused(),
	}
}

// Restore replaces all engine state. It must not race with Apply.
func (e *Engine) Restore(s *Snapshot) error {
	if s == nil {
		return errors.New("nil snapshot")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.book.Load(s.Sells, s.Buys, s.Queues)
	e.ledger.Load(s.Balances, s.Nonces)
	e.seq = s.Seq
	if b, ok := e.pause.(Breaker); ok {
		b.SetPaused(s.Paused)
	}
	return nil
}
