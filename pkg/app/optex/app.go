// Package optex runs the exchange engine behind a single-goroutine inbox,
// persisting every committed receipt before replying to the submitter.
package optex

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
	"github.com/uhyunpark/optionbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/optionbook/pkg/app/core/transaction"
	"github.com/uhyunpark/optionbook/pkg/app/core/vault"
	"github.com/uhyunpark/optionbook/pkg/crypto"
	"github.com/uhyunpark/optionbook/pkg/storage"
	"github.com/uhyunpark/optionbook/pkg/util"
)

var (
	// ErrHalted is returned for every submission after a commit could not be
	// persisted. The in-memory state is ahead of disk and must not advance.
	ErrHalted  = errors.New("sequencer halted")
	ErrStopped = errors.New("sequencer stopped")
)

// Bank is the settlement vault plus the operator functions the node needs
// to seed, inspect and restore it.
type Bank interface {
	vault.Vault
	BalanceOf(addr common.Address) uint256.Int
	Fund(addr common.Address, amount *uint256.Int)
	Restore(held uint256.Int, external map[common.Address]uint256.Int)
}

// Config wires an App. Registry, Bank and Store are required.
type Config struct {
	ChainID     int64
	Address     common.Address // exchange custody address and EIP-712 verifying contract
	Admin       common.Address
	StartPaused bool
	InboxSize   int

	Registry *instrument.Registry
	Bank     Bank
	Store    storage.Store
	Journal  storage.Journal
	Clock    util.Clock
	Logger   *zap.Logger
}

type request struct {
	ctx   context.Context
	run   func(ctx context.Context) (*exchange.Receipt, error)
	reply chan result
}

type result struct {
	receipt *exchange.Receipt
	err     error
}

// App is the sequencer. All state-changing calls funnel through Run's loop;
// queries read the engine directly.
type App struct {
	engine   *exchange.Engine
	breaker  *exchange.Toggle
	registry *instrument.Registry
	bank     Bank
	store    storage.Store
	journal  storage.Journal
	verifier *transaction.Verifier
	log      *zap.Logger

	inbox    chan request
	done     chan struct{}
	onCommit []func(*exchange.Receipt)

	mu     sync.RWMutex
	halted error
}

// New builds the sequencer and restores persisted state. Instruments in the
// registry are expected to be minted already (see ApplyGenesis).
func New(cfg Config) (*App, error) {
	if cfg.Registry == nil || cfg.Bank == nil || cfg.Store == nil {
		return nil, errors.New("optex: registry, bank and store are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Journal == nil {
		cfg.Journal = storage.NewNopJournal()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}

	domain := crypto.DefaultDomain(cfg.Address)
	if cfg.ChainID != 0 {
		domain.ChainID = big.NewInt(cfg.ChainID)
	}

	a := &App{
		breaker:  exchange.NewToggle(cfg.Admin, cfg.StartPaused),
		registry: cfg.Registry,
		bank:     cfg.Bank,
		store:    cfg.Store,
		journal:  cfg.Journal,
		verifier: transaction.NewVerifier(domain, cfg.Clock),
		log:      cfg.Logger,
		inbox:    make(chan request, cfg.InboxSize),
		done:     make(chan struct{}),
	}
	a.engine = exchange.New(exchange.Config{
		Address:   cfg.Address,
		Directory: cfg.Registry,
		Vault:     cfg.Bank,
		Pause:     a.breaker,
		Clock:     cfg.Clock,
		Logger:    cfg.Logger,
	})
	if err := a.restore(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) restore() error {
	st, err := a.store.Load()
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if missing := a.registry.Restore(st.Owners); len(missing) > 0 {
		a.log.Warn("persisted owners for unknown instruments", zap.Int("count", len(missing)))
	}
	if st.Fresh {
		// keep the configured breaker state, but still pick up seeded balances
		a.restoreBank(st.External)
		return nil
	}
	if err := a.engine.Restore(st.Engine); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	a.restoreBank(st.External)
	a.log.Info("state restored",
		zap.Uint64("seq", st.Engine.Seq),
		zap.Int("sells", len(st.Engine.Sells)),
		zap.Int("buys", len(st.Engine.Buys)),
		zap.Int("accounts", len(st.Engine.Balances)),
		zap.Bool("paused", st.Engine.Paused))
	return nil
}

// restoreBank sets the vault's custody total to what the exchange owes:
// ledger credits plus escrowed bids.
func (a *App) restoreBank(external map[common.Address]uint256.Int) {
	stats := a.engine.Stats()
	var held uint256.Int
	held.Add(&stats.Credits, &stats.Escrowed)
	a.bank.Restore(held, external)
}

// OnCommit registers fn to be called from the sequencer goroutine after each
// receipt is persisted. Register before Run.
func (a *App) OnCommit(fn func(*exchange.Receipt)) {
	a.onCommit = append(a.onCommit, fn)
}

// Run processes the inbox until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-a.inbox:
			r, err := a.handle(req)
			req.reply <- result{receipt: r, err: err}
		}
	}
}

func (a *App) handle(req request) (*exchange.Receipt, error) {
	if halted := a.haltErr(); halted != nil {
		return nil, fmt.Errorf("%w: %w", ErrHalted, halted)
	}
	if err := req.ctx.Err(); err != nil {
		return nil, err
	}
	r, err := req.run(req.ctx)
	if err != nil || r == nil {
		return nil, err
	}
	if err := a.store.Commit(r, a.external(r)); err != nil {
		a.mu.Lock()
		a.halted = err
		a.mu.Unlock()
		a.log.Error("persist failed, halting", zap.Uint64("seq", r.Seq), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrHalted, err)
	}
	if err := a.journal.Append(r); err != nil {
		a.log.Warn("journal append failed", zap.Uint64("seq", r.Seq), zap.Error(err))
	}
	a.log.Debug("tx committed",
		zap.Uint64("seq", r.Seq),
		zap.String("op", string(r.Op.Kind)),
		zap.Int("events", len(r.Events)))
	for _, fn := range a.onCommit {
		fn(r)
	}
	return r, nil
}

// external collects the vault balances an op may have moved. Only the
// caller deposits or receives payouts.
func (a *App) external(r *exchange.Receipt) map[common.Address]uint256.Int {
	return map[common.Address]uint256.Int{r.Op.Caller: a.bank.BalanceOf(r.Op.Caller)}
}

func (a *App) do(ctx context.Context, run func(ctx context.Context) (*exchange.Receipt, error)) (*exchange.Receipt, error) {
	req := request{ctx: ctx, run: run, reply: make(chan result, 1)}
	select {
	case a.inbox <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, ErrStopped
	}
	select {
	case res := <-req.reply:
		return res.receipt, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, ErrStopped
	}
}

// Submit verifies a signed transaction and sequences it.
func (a *App) Submit(ctx context.Context, tx *transaction.SignedTransaction) (*exchange.Receipt, error) {
	op, err := a.verifier.Verify(tx)
	if err != nil {
		a.log.Info("tx rejected", zap.String("type", string(tx.Type)), zap.String("reason", Reason(err)), zap.Error(err))
		return nil, err
	}
	return a.SubmitOp(ctx, op)
}

// SubmitOp sequences an already-authenticated op. Calls made from inside an
// executing op fail with ErrReentrant.
func (a *App) SubmitOp(ctx context.Context, op exchange.Op) (*exchange.Receipt, error) {
	if exchange.InExecution(ctx) {
		return nil, &exchange.Error{Op: op.Kind, Kind: exchange.KindInternal, Err: exchange.ErrReentrant}
	}
	r, err := a.do(ctx, func(ctx context.Context) (*exchange.Receipt, error) {
		return a.engine.Apply(ctx, op)
	})
	if err != nil {
		a.log.Info("tx rejected",
			zap.String("op", string(op.Kind)),
			zap.String("caller", op.Caller.Hex()),
			zap.String("reason", Reason(err)),
			zap.Error(err))
		return nil, err
	}
	return r, nil
}

// Reason names the rejection for clients and logs. Exchange failures use
// the engine taxonomy.
func Reason(err error) string {
	switch {
	case errors.Is(err, transaction.ErrBadSignature):
		return "BadSignature"
	case errors.Is(err, transaction.ErrDeadline):
		return "DeadlinePassed"
	case errors.Is(err, transaction.ErrMalformed):
		return "Malformed"
	case errors.Is(err, ErrHalted):
		return "Halted"
	case errors.Is(err, ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Unavailable"
	}
	return exchange.Reason(err)
}

// Fund credits an external vault balance. Development faucet only.
func (a *App) Fund(ctx context.Context, addr common.Address, amount *uint256.Int) error {
	_, err := a.do(ctx, func(context.Context) (*exchange.Receipt, error) {
		a.bank.Fund(addr, amount)
		ext := map[common.Address]uint256.Int{addr: a.bank.BalanceOf(addr)}
		if err := a.store.Seed(nil, ext); err != nil {
			return nil, fmt.Errorf("persist funding: %w", err)
		}
		a.log.Info("faucet funded", zap.String("address", addr.Hex()), zap.String("amount", amount.Dec()))
		return nil, nil
	})
	return err
}

// Queries. These read committed state and never block on the inbox.

func (a *App) Engine() *exchange.Engine { return a.engine }

func (a *App) Verifier() *transaction.Verifier { return a.verifier }

// TypedData renders the EIP-712 document a wallet signs for tx.
func (a *App) TypedData(tx *transaction.SignedTransaction) (string, error) {
	return a.verifier.TypedData(tx)
}

func (a *App) Instruments() []instrument.Instrument { return a.registry.List() }

// Instrument returns the instrument and its current owner. The owner is the
// exchange address while a sell order is open.
func (a *App) Instrument(id instrument.ID) (instrument.Instrument, common.Address, error) {
	inst, err := a.registry.Lookup(id)
	if err != nil {
		return instrument.Instrument{}, common.Address{}, err
	}
	owner, err := a.registry.OwnerOf(id)
	if err != nil {
		return instrument.Instrument{}, common.Address{}, err
	}
	return inst, owner, nil
}

func (a *App) Orders(id instrument.ID) (orderbook.SellOrder, orderbook.BuyOrder) {
	return a.engine.SellOrder(id), a.engine.BuyOrder(id)
}

func (a *App) SeriesBids(key instrument.SeriesKey) []orderbook.SeriesBid {
	return a.engine.SeriesQueue(key)
}

// Account is the view of one address across ledger and vault.
type Account struct {
	Address  common.Address
	Balance  uint256.Int // withdrawable ledger credit
	Nonce    uint64
	External uint256.Int // vault balance outside the exchange
}

// Account returns the committed balances and nonce of addr.
func (a *App) Account(addr common.Address) Account {
	return Account{
		Address:  addr,
		Balance:  a.engine.Balance(addr),
		Nonce:    a.engine.Nonce(addr),
		External: a.bank.BalanceOf(addr),
	}
}

func (a *App) Events(from uint64, limit int) ([]exchange.Event, error) {
	return a.store.Events(from, limit)
}

// Status summarizes the node for GET /status.
type Status struct {
	exchange.Stats
	Exchange    common.Address
	Instruments int
	StateRoot   common.Hash
	Halted      bool
}

// Status reports engine stats and the current state root.
func (a *App) Status() (Status, error) {
	root, err := a.store.StateRoot()
	if err != nil {
		return Status{}, err
	}
	return Status{
		Stats:       a.engine.Stats(),
		Exchange:    a.engine.Address(),
		Instruments: a.registry.Count(),
		StateRoot:   root,
		Halted:      a.haltErr() != nil,
	}, nil
}

func (a *App) haltErr() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.halted
}
