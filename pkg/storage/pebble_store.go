package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
)

// PebbleStore keeps exchange state in a pebble database.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens or creates the database at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Commit(r *exchange.Receipt, external map[common.Address]uint256.Int) error {
	muts, err := receiptMutations(r, external)
	if err != nil {
		return err
	}
	if err := s.write(muts); err != nil {
		return fmt.Errorf("commit seq %d: %w", r.Seq, err)
	}
	return nil
}

func (s *PebbleStore) Seed(owners map[instrument.ID]common.Address, external map[common.Address]uint256.Int) error {
	if err := s.write(seedMutations(owners, external)); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	return nil
}

func (s *PebbleStore) write(muts []mutation) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, m := range muts {
		var err error
		if m.value == nil {
			err = batch.Delete(m.key, nil)
		} else {
			err = batch.Set(m.key, m.value, nil)
		}
		if err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) Load() (*State, error) {
	st, err := loadState(s)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return st, nil
}

func (s *PebbleStore) Events(from uint64, limit int) ([]exchange.Event, error) {
	return loadEvents(s, from, limit)
}

func (s *PebbleStore) StateRoot() (common.Hash, error) {
	return stateRoot(s)
}

func (s *PebbleStore) get(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}

func (s *PebbleStore) scan(lower, upper []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

var _ Store = (*PebbleStore)(nil)
