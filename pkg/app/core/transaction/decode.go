package transaction

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
)

// Decoded is a parsed transaction ready for signature checks.
type Decoded struct {
	Op       exchange.Op
	Deadline uint64
}

// Decode parses tx into an engine op. Malformed or negative numbers fail
// with the error the engine would give for that field.
func Decode(tx *SignedTransaction) (*Decoded, error) {
	p := tx.Payload
	if !common.IsHexAddress(p.Owner) {
		return nil, fmt.Errorf("%w: owner %q", ErrMalformed, p.Owner)
	}
	nonce, err := parseUint64(p.Nonce)
	if err != nil || nonce == 0 {
		return nil, fmt.Errorf("%w: nonce %q", ErrMalformed, p.Nonce)
	}
	deadline := uint64(0)
	if p.Deadline != "" {
		if deadline, err = parseUint64(p.Deadline); err != nil {
			return nil, fmt.Errorf("%w: deadline %q", ErrMalformed, p.Deadline)
		}
	}

	op := exchange.Op{Kind: tx.Type, Caller: common.HexToAddress(p.Owner), Nonce: nonce}
	switch tx.Type {
	case exchange.OpListSell:
		if op.InstrumentID, err = parseID(p.InstrumentID); err != nil {
			return nil, err
		}
		if op.Price, err = parseAmount(p.Price, exchange.ErrAskNotPositive); err != nil {
			return nil, err
		}
	case exchange.OpListBuy:
		if op.InstrumentID, err = parseID(p.InstrumentID); err != nil {
			return nil, err
		}
		if op.Price, err = parseAmount(p.Price, exchange.ErrBidNotPositive); err != nil {
			return nil, err
		}
	case exchange.OpListSeriesBid:
		if op.Price, err = parseAmount(p.Price, exchange.ErrBidNotPositive); err != nil {
			return nil, err
		}
		if op.Terms, err = parseTerms(p); err != nil {
			return nil, err
		}
	case exchange.OpCancelSell, exchange.OpCancelBuy:
		if op.InstrumentID, err = parseID(p.InstrumentID); err != nil {
			return nil, err
		}
	case exchange.OpCancelSeriesBid:
		raw, err := hexutil.Decode(p.SeriesKey)
		if err != nil || len(raw) != common.HashLength {
			return nil, fmt.Errorf("%w: series key %q", exchange.ErrInvalidTerms, p.SeriesKey)
		}
		op.SeriesKey = common.BytesToHash(raw)
	case exchange.OpWithdraw:
		if op.Amount, err = parseAmount(p.Amount, exchange.ErrInsufficientBalance); err != nil {
			return nil, err
		}
	case exchange.OpSetPaused:
		op.Paused = p.Paused
	default:
		return nil, fmt.Errorf("%w: %q", exchange.ErrUnknownOp, tx.Type)
	}
	return &Decoded{Op: op, Deadline: deadline}, nil
}

func parseUint64(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}

func parseID(s string) (instrument.ID, error) {
	id, err := instrument.ParseID(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", exchange.ErrInvalidToken, err)
	}
	return id, nil
}

// parseAmount accepts an unsigned decimal. Zero parses; the engine rejects
// it where a positive amount is required.
func parseAmount(s string, invalid error) (uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return uint256.Int{}, fmt.Errorf("%w: %q", invalid, s)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: %q", invalid, s)
	}
	return *v, nil
}

func parseTerms(p Payload) (instrument.Terms, error) {
	var t instrument.Terms
	if !common.IsHexAddress(p.CollateralAsset) || !common.IsHexAddress(p.StrikeAsset) {
		return t, fmt.Errorf("%w: asset address", exchange.ErrInvalidTerms)
	}
	var err error
	if t.CollateralAmount, err = parseAmount(p.CollateralAmount, exchange.ErrInvalidTerms); err != nil {
		return t, err
	}
	if t.StrikeAmount, err = parseAmount(p.StrikeAmount, exchange.ErrInvalidTerms); err != nil {
		return t, err
	}
	if t.Expiration, err = parseUint64(p.Expiration); err != nil {
		return t, fmt.Errorf("%w: expiration %q", exchange.ErrInvalidTerms, p.Expiration)
	}
	t.CollateralAsset = common.HexToAddress(p.CollateralAsset)
	t.StrikeAsset = common.HexToAddress(p.StrikeAsset)
	return t, nil
}
