package exchange

import (
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// PauseSwitch is the circuit breaker the engine consults before every
// listing.
type PauseSwitch interface {
	Paused() bool
}

// Breaker is a PauseSwitch the engine can also flip on behalf of its admin.
type Breaker interface {
	PauseSwitch
	Admin() common.Address
	SetPaused(paused bool)
}

// Toggle is an in-process Breaker.
type Toggle struct {
	admin  common.Address
	paused atomic.Bool
}

// NewToggle returns a breaker that only admin may flip.
func NewToggle(admin common.Address, paused bool) *Toggle {
	t := &Toggle{admin: admin}
	t.paused.Store(paused)
	return t
}

func (t *Toggle) Paused() bool          { return t.paused.Load() }
func (t *Toggle) Admin() common.Address { return t.admin }
func (t *Toggle) SetPaused(paused bool) { t.paused.Store(paused) }

var _ Breaker = (*Toggle)(nil)
