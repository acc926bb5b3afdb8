package optex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/optionbook/params"
	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
	"github.com/uhyunpark/optionbook/pkg/app/core/transaction"
	"github.com/uhyunpark/optionbook/pkg/app/core/vault"
	"github.com/uhyunpark/optionbook/pkg/crypto"
	"github.com/uhyunpark/optionbook/pkg/storage"
	"github.com/uhyunpark/optionbook/pkg/util"
)

var (
	custody = common.HexToAddress("0xe0c4")
	start   = time.Unix(1_700_000_000, 0)
)

type fixture struct {
	t      *testing.T
	app    *App
	store  *storage.MemoryStore
	bank   *vault.Memory
	seller *crypto.Signer
	buyer  *crypto.Signer
	admin  *crypto.Signer
	clock  *util.ManualClock
	cancel context.CancelFunc
}

func genesisFor(seller, buyer *crypto.Signer) *params.Genesis {
	g := &params.Genesis{
		Funding: []params.GenesisFunding{
			{Address: buyer.Address().Hex(), Amount: "1000"},
			{Address: seller.Address().Hex(), Amount: "10"},
		},
	}
	for id := uint64(1); id <= 2; id++ {
		g.Instruments = append(g.Instruments, params.GenesisInstrument{
			ID:               id,
			Owner:            seller.Address().Hex(),
			CollateralAsset:  "0x00000000000000000000000000000000000000c0",
			CollateralAmount: "1000000000000000000",
			StrikeAsset:      "0x00000000000000000000000000000000000000d0",
			StrikeAmount:     "2000000000",
			Expiration:       uint64(start.Add(24 * time.Hour).Unix()),
		})
	}
	return g
}

// u64 reads a non-addressable uint256 value as uint64.
func u64(v uint256.Int) uint64 { return v.Uint64() }

func mustSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.GenerateKey()
	require.NoError(t, err)
	return s
}

// boot starts an App over store, applying genesis first.
func (f *fixture) boot(bank Bank) {
	f.t.Helper()
	reg := instrument.NewRegistry()
	require.NoError(f.t, ApplyGenesis(genesisFor(f.seller, f.buyer), reg, f.store))
	app, err := New(Config{
		ChainID:  1337,
		Address:  custody,
		Admin:    f.admin.Address(),
		Registry: reg,
		Bank:     bank,
		Store:    f.store,
		Clock:    f.clock,
	})
	require.NoError(f.t, err)
	f.stop()
	ctx, cancel := context.WithCancel(context.Background())
	f.app, f.cancel = app, cancel
	go app.Run(ctx)
}

func (f *fixture) stop() {
	if f.cancel != nil {
		f.cancel()
		<-f.app.done
	}
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:      t,
		store:  storage.NewMemoryStore(),
		bank:   vault.NewMemory(),
		seller: mustSigner(t),
		buyer:  mustSigner(t),
		admin:  mustSigner(t),
		clock:  util.NewManualClock(start),
	}
	f.boot(f.bank)
	t.Cleanup(f.stop)
	return f
}

func (f *fixture) sign(s *crypto.Signer, typ transaction.TxType, nonce uint64, p transaction.Payload) *transaction.SignedTransaction {
	f.t.Helper()
	p.Owner = s.Address().Hex()
	p.Nonce = fmt.Sprint(nonce)
	tx := &transaction.SignedTransaction{Type: typ, Payload: p}
	require.NoError(f.t, f.app.Verifier().Sign(s, tx))
	return tx
}

func (f *fixture) submit(tx *transaction.SignedTransaction) (*exchange.Receipt, error) {
	return f.app.Submit(context.Background(), tx)
}

func TestGenesisSeedsBank(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, uint64(1000), u64(f.bank.BalanceOf(f.buyer.Address())))
	require.Equal(t, uint64(10), u64(f.bank.BalanceOf(f.seller.Address())))
	require.Len(t, f.app.Instruments(), 2)
	_, owner, err := f.app.Instrument(1)
	require.NoError(t, err)
	require.Equal(t, f.seller.Address(), owner)
}

func TestSubmitMatchesAndPersists(t *testing.T) {
	f := newFixture(t)
	var seen []uint64
	var mu sync.Mutex
	// registered before the first submit
	f.app.OnCommit(func(r *exchange.Receipt) {
		mu.Lock()
		seen = append(seen, r.Seq)
		mu.Unlock()
	})

	r, err := f.submit(f.sign(f.seller, exchange.OpListSell, 1, transaction.Payload{InstrumentID: "1", Price: "100"}))
	require.NoError(t, err)
	require.Equal(t, exchange.EventSellOrder, r.Events[0].Type)

	_, owner, err := f.app.Instrument(1)
	require.NoError(t, err)
	require.Equal(t, custody, owner)

	r, err = f.submit(f.sign(f.buyer, exchange.OpListBuy, 1, transaction.Payload{InstrumentID: "1", Price: "130"}))
	require.NoError(t, err)
	require.Equal(t, exchange.EventFillOrder, r.Events[0].Type)
	require.Equal(t, uint64(30), r.Events[0].Refund.Uint64())

	acct := f.app.Account(f.buyer.Address())
	require.Equal(t, uint64(30), acct.Balance.Uint64())
	require.Equal(t, uint64(870), acct.External.Uint64())
	require.Equal(t, uint64(1), acct.Nonce)
	require.Equal(t, uint64(100), u64(f.app.Account(f.seller.Address()).Balance))

	events, err := f.app.Events(0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	mu.Lock()
	require.Equal(t, []uint64{1, 2}, seen)
	mu.Unlock()

	status, err := f.app.Status()
	require.NoError(t, err)
	require.Equal(t, uint64(2), status.Seq)
	require.False(t, status.Halted)
	require.Equal(t, 2, status.Instruments)
}

func TestSubmitRejectsForgedSignature(t *testing.T) {
	f := newFixture(t)
	tx := f.sign(f.buyer, exchange.OpListSell, 1, transaction.Payload{InstrumentID: "1", Price: "100"})
	tx.Payload.Owner = f.seller.Address().Hex()
	_, err := f.submit(tx)
	require.ErrorIs(t, err, transaction.ErrBadSignature)
	require.Zero(t, f.app.Engine().Seq())
}

func TestSubmitReplayIsStale(t *testing.T) {
	f := newFixture(t)
	tx := f.sign(f.buyer, exchange.OpListBuy, 5, transaction.Payload{InstrumentID: "2", Price: "10"})
	_, err := f.submit(tx)
	require.NoError(t, err)
	_, err = f.submit(tx)
	require.ErrorIs(t, err, exchange.ErrStaleNonce)
	require.True(t, exchange.IsRetriable(err))
}

func TestPauseByAdminTransaction(t *testing.T) {
	f := newFixture(t)
	_, err := f.submit(f.sign(f.buyer, exchange.OpSetPaused, 1, transaction.Payload{Paused: true}))
	require.ErrorIs(t, err, exchange.ErrNotAdmin)

	_, err = f.submit(f.sign(f.admin, exchange.OpSetPaused, 1, transaction.Payload{Paused: true}))
	require.NoError(t, err)
	_, err = f.submit(f.sign(f.seller, exchange.OpListSell, 1, transaction.Payload{InstrumentID: "1", Price: "100"}))
	require.ErrorIs(t, err, exchange.ErrPaused)
	require.Equal(t, exchange.KindAvailability, exchange.KindOf(err))
}

// reentrantBank calls back into the sequencer from inside a deposit.
type reentrantBank struct {
	*vault.Memory
	app *App
	err error
}

func (b *reentrantBank) Deposit(ctx context.Context, from common.Address, amount *uint256.Int) error {
	_, b.err = b.app.SubmitOp(ctx, exchange.Op{Kind: exchange.OpWithdraw, Caller: from, Amount: *amount})
	return b.Memory.Deposit(ctx, from, amount)
}

func TestReentrantSubmitFails(t *testing.T) {
	f := newFixture(t)
	bank := &reentrantBank{Memory: f.bank}
	f.boot(bank)
	bank.app = f.app

	_, err := f.submit(f.sign(f.buyer, exchange.OpListBuy, 1, transaction.Payload{InstrumentID: "1", Price: "10"}))
	require.NoError(t, err)
	require.ErrorIs(t, bank.err, exchange.ErrReentrant)
	require.Equal(t, uint64(10), u64(f.app.Engine().Escrowed()))
}

func TestPersistFailureHalts(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("disk full")
	f.store.FailCommit = boom

	_, err := f.submit(f.sign(f.seller, exchange.OpListSell, 1, transaction.Payload{InstrumentID: "1", Price: "100"}))
	require.ErrorIs(t, err, ErrHalted)
	require.ErrorIs(t, err, boom)

	_, err = f.submit(f.sign(f.seller, exchange.OpListSell, 2, transaction.Payload{InstrumentID: "2", Price: "100"}))
	require.ErrorIs(t, err, ErrHalted)

	status, err := f.app.Status()
	require.NoError(t, err)
	require.True(t, status.Halted)
}

func TestRestartRestoresState(t *testing.T) {
	f := newFixture(t)
	_, err := f.submit(f.sign(f.seller, exchange.OpListSell, 1, transaction.Payload{InstrumentID: "1", Price: "100"}))
	require.NoError(t, err)
	_, err = f.submit(f.sign(f.buyer, exchange.OpListBuy, 1, transaction.Payload{InstrumentID: "2", Price: "40"}))
	require.NoError(t, err)
	_, err = f.submit(f.sign(f.buyer, exchange.OpListSeriesBid, 2, transaction.Payload{
		Price:            "25",
		CollateralAsset:  "0x00000000000000000000000000000000000000c0",
		CollateralAmount: "1000000000000000000",
		StrikeAsset:      "0x00000000000000000000000000000000000000d0",
		StrikeAmount:     "2000000000",
		Expiration:       fmt.Sprint(start.Add(24 * time.Hour).Unix()),
	}))
	require.NoError(t, err)
	before := f.app.Engine().Snapshot()

	bank := vault.NewMemory()
	f.boot(bank)
	require.Equal(t, before, f.app.Engine().Snapshot())
	_, owner, err := f.app.Instrument(1)
	require.NoError(t, err)
	require.Equal(t, custody, owner)
	require.Equal(t, uint64(935), u64(bank.BalanceOf(f.buyer.Address())))
	require.Equal(t, uint64(65), u64(bank.Held()))

	// nonces survive the restart
	_, err = f.submit(f.sign(f.buyer, exchange.OpCancelBuy, 2, transaction.Payload{InstrumentID: "2"}))
	require.ErrorIs(t, err, exchange.ErrStaleNonce)
	_, err = f.submit(f.sign(f.buyer, exchange.OpCancelBuy, 3, transaction.Payload{InstrumentID: "2"}))
	require.NoError(t, err)
	require.Equal(t, uint64(40), u64(f.app.Account(f.buyer.Address()).Balance))
}

func TestFaucetPersists(t *testing.T) {
	f := newFixture(t)
	addr := common.HexToAddress("0xf00d")
	require.NoError(t, f.app.Fund(context.Background(), addr, uint256.NewInt(77)))
	require.Equal(t, uint64(77), u64(f.bank.BalanceOf(addr)))

	st, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(77), u64(st.External[addr]))
}

func TestRestartKeepsFaucetFundingWithoutCommits(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.app.Fund(context.Background(), f.buyer.Address(), uint256.NewInt(500)))
	require.Equal(t, uint64(1500), u64(f.bank.BalanceOf(f.buyer.Address())))

	bank := vault.NewMemory()
	f.boot(bank)
	require.Equal(t, uint64(1500), u64(bank.BalanceOf(f.buyer.Address())))
	require.Equal(t, uint64(10), u64(bank.BalanceOf(f.seller.Address())))
}

func TestSubmitAfterStop(t *testing.T) {
	f := newFixture(t)
	f.stop()
	f.cancel = nil
	_, err := f.app.SubmitOp(context.Background(), exchange.Op{Kind: exchange.OpWithdraw, Caller: custody})
	require.ErrorIs(t, err, ErrStopped)
}
