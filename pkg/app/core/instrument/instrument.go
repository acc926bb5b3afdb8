package instrument

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// ID identifies an option NFT. Zero is never a valid instrument.
type ID uint64

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

var (
	ErrBadID    = errors.New("malformed instrument id")
	ErrUnknown  = errors.New("unknown instrument")
	ErrNotOwner = errors.New("not the instrument owner")
	ErrMinted   = errors.New("instrument already minted")
)

// ParseID parses a positive decimal instrument id.
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("%w: %q", ErrBadID, s)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadID, s)
	}
	return ID(n), nil
}

// SeriesKey groups every instrument written on identical terms.
type SeriesKey = common.Hash

// Terms are the economic parameters of an option. Expiration is unix seconds.
type Terms struct {
	CollateralAsset  common.Address
	CollateralAmount uint256.Int
	StrikeAsset      common.Address
	StrikeAmount     uint256.Int
	Expiration       uint64
}

// SeriesKeyOf hashes the ABI-packed terms (each field left padded to 32 bytes).
func SeriesKeyOf(t Terms) SeriesKey {
	expiration := uint256.NewInt(t.Expiration).Bytes32()
	collateral := t.CollateralAmount.Bytes32()
	strike := t.StrikeAmount.Bytes32()
	return crypto.Keccak256Hash(
		common.LeftPadBytes(t.CollateralAsset.Bytes(), 32),
		collateral[:],
		common.LeftPadBytes(t.StrikeAsset.Bytes(), 32),
		strike[:],
		expiration[:],
	)
}

// Instrument is an immutable minted option.
type Instrument struct {
	ID        ID
	Terms     Terms
	SeriesKey SeriesKey
}

func (i Instrument) ExpiresAt() time.Time { return time.Unix(int64(i.Terms.Expiration), 0) }

// Expired reports whether now is at or after expiration.
func (i Instrument) Expired(now time.Time) bool {
	return uint64(now.Unix()) >= i.Terms.Expiration
}

// Directory is what the exchange needs from the instrument registry.
type Directory interface {
	Lookup(id ID) (Instrument, error)
	OwnerOf(id ID) (common.Address, error)
	Transfer(id ID, from, to common.Address) error
}
