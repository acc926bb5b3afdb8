package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
	"github.com/uhyunpark/optionbook/pkg/app/core/vault"
	"github.com/uhyunpark/optionbook/pkg/util"
)

var (
	custody = common.HexToAddress("0xe0c4")
	admin   = common.HexToAddress("0xad")
	seller  = common.HexToAddress("0x5e11")
	buyer   = common.HexToAddress("0xb0b")
	bidder  = common.HexToAddress("0xb1d")
	start   = time.Unix(1_700_000_000, 0)
)

func seriesS() instrument.Terms {
	return instrument.Terms{
		CollateralAsset:  common.HexToAddress("0xc0"),
		CollateralAmount: *uint256.NewInt(1e18),
		StrikeAsset:      common.HexToAddress("0xd0"),
		StrikeAmount:     *uint256.NewInt(2000e6),
		Expiration:       uint64(start.Add(30 * 24 * time.Hour).Unix()),
	}
}

func seriesT() instrument.Terms {
	t := seriesS()
	t.StrikeAmount = *uint256.NewInt(2500e6)
	return t
}

type harness struct {
	t       *testing.T
	eng     *Engine
	reg     *instrument.Registry
	vault   *vault.Memory
	clock   *util.ManualClock
	breaker *Toggle
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		reg:     instrument.NewRegistry(),
		vault:   vault.NewMemory(),
		clock:   util.NewManualClock(start),
		breaker: NewToggle(admin, false),
	}
	for _, who := range []common.Address{seller, buyer, bidder} {
		h.vault.Fund(who, uint256.NewInt(1_000))
	}
	cfg := Config{
		Address:   custody,
		Directory: h.reg,
		Vault:     h.vault,
		Pause:     h.breaker,
		Clock:     h.clock,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.eng = New(cfg)
	return h
}

func (h *harness) mint(id instrument.ID, terms instrument.Terms, owner common.Address) instrument.Instrument {
	h.t.Helper()
	inst, err := h.reg.Mint(id, terms, owner)
	require.NoError(h.t, err)
	return inst
}

func (h *harness) apply(op Op) *Receipt {
	h.t.Helper()
	r, err := h.eng.Apply(context.Background(), op)
	require.NoError(h.t, err, "apply %s", op.Kind)
	h.checkInvariants()
	return r
}

type frozen struct {
	engine   *Snapshot
	owners   map[instrument.ID]common.Address
	external map[common.Address]uint256.Int
	held     uint256.Int
}

func (h *harness) freeze() frozen {
	f := frozen{
		engine:   h.eng.Snapshot(),
		owners:   make(map[instrument.ID]common.Address),
		external: make(map[common.Address]uint256.Int),
		held:     h.vault.Held(),
	}
	for _, inst := range h.reg.List() {
		f.owners[inst.ID], _ = h.reg.OwnerOf(inst.ID)
	}
	for _, who := range []common.Address{seller, buyer, bidder} {
		f.external[who] = h.vault.BalanceOf(who)
	}
	return f
}

// reject applies op, expects want, and asserts that nothing moved.
func (h *harness) reject(op Op, want error) *Error {
	h.t.Helper()
	before := h.freeze()
	r, err := h.eng.Apply(context.Background(), op)
	require.Nil(h.t, r)
	require.ErrorIs(h.t, err, want, "apply %s", op.Kind)
	require.Equal(h.t, before, h.freeze(), "state changed by rejected %s", op.Kind)
	var e *Error
	require.True(h.t, errors.As(err, &e))
	require.Equal(h.t, op.Kind, e.Op)
	return e
}

// checkInvariants asserts conservation of value and custody exclusivity.
func (h *harness) checkInvariants() {
	h.t.Helper()
	held := h.vault.Held()
	credits := h.eng.ledger.Total()
	escrowed := h.eng.Escrowed()
	var sum uint256.Int
	sum.Add(&credits, &escrowed)
	require.True(h.t, held.Eq(&sum), "held %s != credits %s + escrowed %s", held.Dec(), credits.Dec(), escrowed.Dec())

	for _, inst := range h.reg.List() {
		owner, err := h.reg.OwnerOf(inst.ID)
		require.NoError(h.t, err)
		open := h.eng.SellOrder(inst.ID).IsOpen()
		require.Equal(h.t, open, owner == custody, "instrument %d: open sell %v, owner %s", inst.ID, open, owner.Hex())
	}
}

func (h *harness) balance(who common.Address) uint64 {
	b := h.eng.Balance(who)
	return b.Uint64()
}

func (h *harness) external(who common.Address) uint64 {
	b := h.vault.BalanceOf(who)
	return b.Uint64()
}

func (h *harness) owner(id instrument.ID) common.Address {
	owner, err := h.reg.OwnerOf(id)
	require.NoError(h.t, err)
	return owner
}

func amt(v uint64) uint256.Int { return *uint256.NewInt(v) }

func listSell(caller common.Address, id instrument.ID, ask uint64) Op {
	return Op{Kind: OpListSell, Caller: caller, InstrumentID: id, Price: amt(ask)}
}

func listBuy(caller common.Address, id instrument.ID, bid uint64) Op {
	return Op{Kind: OpListBuy, Caller: caller, InstrumentID: id, Price: amt(bid)}
}

func listSeriesBid(caller common.Address, terms instrument.Terms, bid uint64) Op {
	return Op{Kind: OpListSeriesBid, Caller: caller, Terms: terms, Price: amt(bid)}
}

func cancelSell(caller common.Address, id instrument.ID) Op {
	return Op{Kind: OpCancelSell, Caller: caller, InstrumentID: id}
}

func cancelBuy(caller common.Address, id instrument.ID) Op {
	return Op{Kind: OpCancelBuy, Caller: caller, InstrumentID: id}
}

func cancelSeriesBid(caller common.Address, key instrument.SeriesKey) Op {
	return Op{Kind: OpCancelSeriesBid, Caller: caller, SeriesKey: key}
}

func withdraw(caller common.Address, amount uint64) Op {
	return Op{Kind: OpWithdraw, Caller: caller, Amount: amt(amount)}
}

func onlyEvent(t *testing.T, r *Receipt) Event {
	t.Helper()
	require.Len(t, r.Events, 1)
	return r.Events[0]
}
