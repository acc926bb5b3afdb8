package storage

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
)

// MemoryStore keeps the same key layout as PebbleStore in a map. Used for
// DATA_DIR="" and in tests.
type MemoryStore struct {
	mu sync.RWMutex
	kv map[string][]byte
	// FailCommit, when set, is returned by the next Commit.
	FailCommit error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{kv: make(map[string][]byte)}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Commit(r *exchange.Receipt, external map[common.Address]uint256.Int) error {
	muts, err := receiptMutations(r, external)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailCommit; err != nil {
		s.FailCommit = nil
		return err
	}
	s.apply(muts)
	return nil
}

func (s *MemoryStore) Seed(owners map[instrument.ID]common.Address, external map[common.Address]uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(seedMutations(owners, external))
	return nil
}

func (s *MemoryStore) apply(muts []mutation) {
	for _, m := range muts {
		if m.value == nil {
			delete(s.kv, string(m.key))
		} else {
			s.kv[string(m.key)] = append([]byte(nil), m.value...)
		}
	}
}

func (s *MemoryStore) Load() (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadState(s)
}

func (s *MemoryStore) Events(from uint64, limit int) ([]exchange.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadEvents(s, from, limit)
}

func (s *MemoryStore) StateRoot() (common.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stateRoot(s)
}

// get and scan expect the caller to hold mu.
func (s *MemoryStore) get(key []byte) ([]byte, bool, error) {
	v, ok := s.kv[string(key)]
	return v, ok, nil
}

func (s *MemoryStore) scan(lower, upper []byte, fn func(key, value []byte) error) error {
	keys := make([]string, 0, len(s.kv))
	for k := range s.kv {
		if bytes.Compare([]byte(k), lower) >= 0 && bytes.Compare([]byte(k), upper) < 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), s.kv[k]); err != nil {
			return err
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
