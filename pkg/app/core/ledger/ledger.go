// Package ledger tracks withdrawable exchange balances and account nonces.
package ledger

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficient = errors.New("insufficient balance")
	ErrOverflow     = errors.New("balance overflow")
)

// Ledger holds committed balances and nonces. Changes go through a Batch.
type Ledger struct {
	mu       sync.RWMutex
	balances map[common.Address]uint256.Int
	nonces   map[common.Address]uint64
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		balances: make(map[common.Address]uint256.Int),
		nonces:   make(map[common.Address]uint64),
	}
}

func (l *Ledger) Balance(addr common.Address) uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[addr]
}

func (l *Ledger) Nonce(addr common.Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nonces[addr]
}

// Total sums every balance.
func (l *Ledger) Total() uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var sum uint256.Int
	for _, bal := range l.balances {
		sum.Add(&sum, &bal)
	}
	return sum
}

// Accounts lists addresses with a non-zero balance, sorted.
func (l *Ledger) Accounts() []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]common.Address, 0, len(l.balances))
	for addr := range l.balances {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func (l *Ledger) EachNonce(fn func(addr common.Address, n uint64)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for addr, n := range l.nonces {
		fn(addr, n)
	}
}

// Load replaces all state.
func (l *Ledger) Load(balances map[common.Address]uint256.Int, nonces map[common.Address]uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = make(map[common.Address]uint256.Int, len(balances))
	for addr, bal := range balances {
		if !bal.IsZero() {
			l.balances[addr] = bal
		}
	}
	l.nonces = make(map[common.Address]uint64, len(nonces))
	for addr, n := range nonces {
		l.nonces[addr] = n
	}
}

// Changes holds the value of every touched key.
type Changes struct {
	Balances map[common.Address]uint256.Int
	Nonces   map[common.Address]uint64
}

// Revert writes back the pre-commit values returned by Batch.Commit.
func (l *Ledger) Revert(prev Changes) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apply(prev)
}

func (l *Ledger) apply(c Changes) {
	for addr, bal := range c.Balances {
		if bal.IsZero() {
			delete(l.balances, addr)
		} else {
			l.balances[addr] = bal
		}
	}
	for addr, n := range c.Nonces {
		if n == 0 {
			delete(l.nonces, addr)
		} else {
			l.nonces[addr] = n
		}
	}
}

// Batch stages credits, debits and nonce bumps.
type Batch struct {
	base     *Ledger
	balances map[common.Address]uint256.Int
	nonces   map[common.Address]uint64
}

// NewBatch starts a staged change set over l.
func (l *Ledger) NewBatch() *Batch {
	return &Batch{
		base:     l,
		balances: make(map[common.Address]uint256.Int),
		nonces:   make(map[common.Address]uint64),
	}
}

func (b *Batch) Balance(addr common.Address) uint256.Int {
	if bal, ok := b.balances[addr]; ok {
		return bal
	}
	return b.base.Balance(addr)
}

// Credit adds amount to addr, failing with ErrOverflow past 2^256-1.
func (b *Batch) Credit(addr common.Address, amount *uint256.Int) error {
	bal := b.Balance(addr)
	if _, overflow := bal.AddOverflow(&bal, amount); overflow {
		return ErrOverflow
	}
	b.balances[addr] = bal
	return nil
}

// Debit subtracts amount from addr, failing with ErrInsufficient when short.
func (b *Batch) Debit(addr common.Address, amount *uint256.Int) error {
	bal := b.Balance(addr)
	if bal.Lt(amount) {
		return ErrInsufficient
	}
	bal.Sub(&bal, amount)
	b.balances[addr] = bal
	return nil
}

func (b *Batch) Nonce(addr common.Address) uint64 {
	if n, ok := b.nonces[addr]; ok {
		return n
	}
	return b.base.Nonce(addr)
}

func (b *Batch) SetNonce(addr common.Address, n uint64) { b.nonces[addr] = n }

// Commit applies the batch and returns the new values and the values they
// replaced. A Batch must not be used after Commit.
func (b *Batch) Commit() (next, prev Changes) {
	l := b.base
	l.mu.Lock()
	defer l.mu.Unlock()

	next = Changes{Balances: b.balances, Nonces: b.nonces}
	prev = Changes{
		Balances: make(map[common.Address]uint256.Int, len(b.balances)),
		Nonces:   make(map[common.Address]uint64, len(b.nonces)),
	}
	for addr := range b.balances {
		prev.Balances[addr] = l.balances[addr]
	}
	for addr := range b.nonces {
		prev.Nonces[addr] = l.nonces[addr]
	}
	l.apply(next)
	b.balances, b.nonces = nil, nil
	return next, prev
}
