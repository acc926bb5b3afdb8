package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
)

// Key schema:
//
//	sell:<id>            → open SellOrder
//	buy:<id>             → open BuyOrder
//	q:<seriesKey>        → series FIFO, oldest first
//	bal:<address>        → ledger balance (decimal)
//	nonce:<address>      → last committed nonce (8-byte big endian)
//	own:<id>             → instrument owner (20 bytes)
//	ext:<address>        → external vault balance (decimal)
//	ev:<seq>:<index>     → event
//	meta:seq             → last committed sequence (8-byte big endian)
//	meta:paused          → breaker state (1 byte)
//	meta:seeded          → present once Seed has run
//
// Ids and sequences are zero-padded to 20 digits so keys sort numerically.
const (
	prefixSell     = "sell:"
	prefixBuy      = "buy:"
	prefixQueue    = "q:"
	prefixBalance  = "bal:"
	prefixNonce    = "nonce:"
	prefixOwner    = "own:"
	prefixExternal = "ext:"
	prefixEvent    = "ev:"
	prefixMeta     = "meta:"
)

var (
	keySeq    = []byte(prefixMeta + "seq")
	keyPaused = []byte(prefixMeta + "paused")
	keySeeded = []byte(prefixMeta + "seeded")
)

func idKey(prefix string, id instrument.ID) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefix, uint64(id)))
}

func sellKey(id instrument.ID) []byte  { return idKey(prefixSell, id) }
func buyKey(id instrument.ID) []byte   { return idKey(prefixBuy, id) }
func ownerKey(id instrument.ID) []byte { return idKey(prefixOwner, id) }

func queueKey(key instrument.SeriesKey) []byte {
	return []byte(prefixQueue + key.Hex())
}

func addrKey(prefix string, addr common.Address) []byte {
	return []byte(prefix + addr.Hex())
}

func balanceKey(addr common.Address) []byte  { return addrKey(prefixBalance, addr) }
func nonceKey(addr common.Address) []byte    { return addrKey(prefixNonce, addr) }
func externalKey(addr common.Address) []byte { return addrKey(prefixExternal, addr) }

func eventKey(seq uint64, index int) []byte {
	return []byte(fmt.Sprintf("%s%020d:%04d", prefixEvent, seq, index))
}

func parseIDKey(prefix string, key []byte) (instrument.ID, error) {
	return instrument.ParseID(string(key[len(prefix):]))
}

func parseAddrKey(prefix string, key []byte) (common.Address, error) {
	s := string(key[len(prefix):])
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("bad address key %q", key)
	}
	return common.HexToAddress(s), nil
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func readU64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("want 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
