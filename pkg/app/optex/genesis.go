package optex

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/optionbook/params"
	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
	"github.com/uhyunpark/optionbook/pkg/storage"
)

// ApplyGenesis mints the genesis instruments into reg. On a store that was
// never committed to or seeded the initial owners and vault funding are
// seeded too; otherwise the persisted owners and balances win when New
// restores.
func ApplyGenesis(g *params.Genesis, reg *instrument.Registry, store storage.Store) error {
	owners := make(map[instrument.ID]common.Address, len(g.Instruments))
	for _, gi := range g.Instruments {
		terms, owner, err := genesisInstrument(gi)
		if err != nil {
			return fmt.Errorf("genesis instrument %d: %w", gi.ID, err)
		}
		id := instrument.ID(gi.ID)
		if _, err := reg.Mint(id, terms, owner); err != nil {
			return fmt.Errorf("genesis instrument %d: %w", gi.ID, err)
		}
		owners[id] = owner
	}

	st, err := store.Load()
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	if !st.Fresh || st.Seeded {
		return nil
	}
	external := make(map[common.Address]uint256.Int, len(g.Funding))
	for _, f := range g.Funding {
		if !common.IsHexAddress(f.Address) {
			return fmt.Errorf("genesis funding: bad address %q", f.Address)
		}
		amount, err := uint256.FromDecimal(f.Amount)
		if err != nil {
			return fmt.Errorf("genesis funding %s: %w", f.Address, err)
		}
		addr := common.HexToAddress(f.Address)
		bal := external[addr]
		bal.Add(&bal, amount)
		external[addr] = bal
	}
	return store.Seed(owners, external)
}

func genesisInstrument(gi params.GenesisInstrument) (instrument.Terms, common.Address, error) {
	var terms instrument.Terms
	for _, addr := range []string{gi.Owner, gi.CollateralAsset, gi.StrikeAsset} {
		if !common.IsHexAddress(addr) {
			return terms, common.Address{}, fmt.Errorf("bad address %q", addr)
		}
	}
	collateral, err := uint256.FromDecimal(gi.CollateralAmount)
	if err != nil {
		return terms, common.Address{}, fmt.Errorf("collateral amount: %w", err)
	}
	strike, err := uint256.FromDecimal(gi.StrikeAmount)
	if err != nil {
		return terms, common.Address{}, fmt.Errorf("strike amount: %w", err)
	}
	terms = instrument.Terms{
		CollateralAsset:  common.HexToAddress(gi.CollateralAsset),
		CollateralAmount: *collateral,
		StrikeAsset:      common.HexToAddress(gi.StrikeAsset),
		StrikeAmount:     *strike,
		Expiration:       gi.Expiration,
	}
	return terms, common.HexToAddress(gi.Owner), nil
}
