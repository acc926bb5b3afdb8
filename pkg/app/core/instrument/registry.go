package instrument

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type entry struct {
	inst  Instrument
	owner common.Address
}

// Registry is an in-memory instrument directory.
type Registry struct {
	mu    sync.RWMutex
	items map[ID]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[ID]*entry)}
}

// Mint registers a new instrument owned by owner.
func (r *Registry) Mint(id ID, terms Terms, owner common.Address) (Instrument, error) {
	if id == 0 {
		return Instrument{}, fmt.Errorf("%w: 0", ErrBadID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[id]; exists {
		return Instrument{}, fmt.Errorf("%w: %d", ErrMinted, id)
	}
	inst := Instrument{ID: id, Terms: terms, SeriesKey: SeriesKeyOf(terms)}
	r.items[id] = &entry{inst: inst, owner: owner}
	return inst, nil
}

// Lookup returns the instrument minted under id.
func (r *Registry) Lookup(id ID) (Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[id]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %d", ErrUnknown, id)
	}
	return e.inst, nil
}

// OwnerOf returns the current holder of id.
func (r *Registry) OwnerOf(id ID) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[id]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %d", ErrUnknown, id)
	}
	return e.owner, nil
}

// Transfer moves ownership. from must be the current owner.
func (r *Registry) Transfer(id ID, from, to common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknown, id)
	}
	if e.owner != from {
		return fmt.Errorf("%w: %d owned by %s", ErrNotOwner, id, e.owner.Hex())
	}
	e.owner = to
	return nil
}

// Restore overwrites owners from a persisted snapshot. Unknown ids are skipped
// and returned so the caller can log them.
func (r *Registry) Restore(owners map[ID]common.Address) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var missing []ID
	for id, owner := range owners {
		e, ok := r.items[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		e.owner = owner
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// List returns all instruments ordered by id.
func (r *Registry) List() []Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instrument, 0, len(r.items))
	for _, e := range r.items {
		out = append(out, e.inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count is the number of minted instruments.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

var _ Directory = (*Registry)(nil)
