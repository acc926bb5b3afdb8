// Package vault moves funds between an account's external balance and the
// exchange. The exchange only ever talks to the Vault interface.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInsufficientFunds = errors.New("insufficient external funds")

// Vault moves settlement currency between accounts and exchange custody.
type Vault interface {
	// Deposit pulls amount from the external balance of from into exchange custody.
	Deposit(ctx context.Context, from common.Address, amount *uint256.Int) error
	// Withdraw pays amount out of exchange custody to the external balance of to.
	Withdraw(ctx context.Context, to common.Address, amount *uint256.Int) error
}

// Memory is a simulated settlement asset for devnet and tests.
type Memory struct {
	mu       sync.Mutex
	external map[common.Address]uint256.Int
	held     uint256.Int
}

// NewMemory returns an empty in-memory vault.
func NewMemory() *Memory {
	return &Memory{external: make(map[common.Address]uint256.Int)}
}

// Fund credits an external balance out of thin air.
func (m *Memory) Fund(addr common.Address, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.external[addr]
	bal.Add(&bal, amount)
	m.external[addr] = bal
}

func (m *Memory) BalanceOf(addr common.Address) uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.external[addr]
}

// Held is the total currently in exchange custody.
func (m *Memory) Held() uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

func (m *Memory) Deposit(_ context.Context, from common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.external[from]
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from.Hex(), bal.Dec(), amount.Dec())
	}
	bal.Sub(&bal, amount)
	m.external[from] = bal
	m.held.Add(&m.held, amount)
	return nil
}

func (m *Memory) Withdraw(_ context.Context, to common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held.Lt(amount) {
		return fmt.Errorf("%w: custody holds %s, needs %s", ErrInsufficientFunds, m.held.Dec(), amount.Dec())
	}
	m.held.Sub(&m.held, amount)
	bal := m.external[to]
	bal.Add(&bal, amount)
	m.external[to] = bal
	return nil
}

// Restore sets custody holdings and external balances from persisted state.
func (m *Memory) Restore(held uint256.Int, external map[common.Address]uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = held
	m.external = make(map[common.Address]uint256.Int, len(external))
	for addr, bal := range external {
		m.external[addr] = bal
	}
}

var _ Vault = (*Memory)(nil)
