package storage

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
)

// State is everything a node needs to resume after a restart.
type State struct {
	Engine   *exchange.Snapshot
	Owners   map[instrument.ID]common.Address
	External map[common.Address]uint256.Int
	// Fresh is true when nothing has ever been committed.
	Fresh bool
	// Seeded is true once genesis or faucet state has been written.
	Seeded bool
}

// Store persists committed receipts. Both implementations write a receipt
// atomically: either every key lands or none does.
type Store interface {
	// Commit writes the receipt's changes, its events and the post-commit
	// external vault balances of the touched accounts.
	Commit(r *exchange.Receipt, external map[common.Address]uint256.Int) error
	// Seed records instrument owners and external balances that change
	// outside any receipt (genesis, faucet).
	Seed(owners map[instrument.ID]common.Address, external map[common.Address]uint256.Int) error
	Load() (*State, error)
	Events(from uint64, limit int) ([]exchange.Event, error)
	StateRoot() (common.Hash, error)
	Close() error
}
