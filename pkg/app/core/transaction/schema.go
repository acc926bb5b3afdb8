package transaction

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
	"github.com/uhyunpark/optionbook/pkg/crypto"
)

var tail = []apitypes.Type{
	{Name: "nonce", Type: "uint256"},
	{Name: "deadline", Type: "uint256"},
	{Name: "owner", Type: "address"},
}

func fields(head ...apitypes.Type) []apitypes.Type {
	return append(head, tail...)
}

var schemas = map[exchange.OpKind]struct {
	primary string
	fields  []apitypes.Type
}{
	exchange.OpListSell: {"ListSell", fields(
		apitypes.Type{Name: "instrumentId", Type: "uint256"},
		apitypes.Type{Name: "askPrice", Type: "uint256"},
	)},
	exchange.OpListBuy: {"ListBuy", fields(
		apitypes.Type{Name: "instrumentId", Type: "uint256"},
		apitypes.Type{Name: "bidPrice", Type: "uint256"},
	)},
	exchange.OpListSeriesBid: {"ListSeriesBid", fields(
		apitypes.Type{Name: "bidPrice", Type: "uint256"},
		apitypes.Type{Name: "collateralAmount", Type: "uint256"},
		apitypes.Type{Name: "collateralAsset", Type: "address"},
		apitypes.Type{Name: "strikeAmount", Type: "uint256"},
		apitypes.Type{Name: "strikeAsset", Type: "address"},
		apitypes.Type{Name: "expiration", Type: "uint256"},
	)},
	exchange.OpCancelSell: {"CancelSell", fields(
		apitypes.Type{Name: "instrumentId", Type: "uint256"},
	)},
	exchange.OpCancelBuy: {"CancelBuy", fields(
		apitypes.Type{Name: "instrumentId", Type: "uint256"},
	)},
	exchange.OpCancelSeriesBid: {"CancelSeriesBid", fields(
		apitypes.Type{Name: "seriesKey", Type: "bytes32"},
	)},
	exchange.OpWithdraw: {"Withdraw", fields(
		apitypes.Type{Name: "amount", Type: "uint256"},
	)},
	exchange.OpSetPaused: {"SetPaused", fields(
		apitypes.Type{Name: "paused", Type: "bool"},
	)},
}

// Message builds the typed struct a wallet signs for d. Values come from
// the parsed op so the digest covers canonical numbers only.
func Message(d *Decoded) (crypto.Message, error) {
	op := d.Op
	s, ok := schemas[op.Kind]
	if !ok {
		return crypto.Message{}, fmt.Errorf("%w: %q", exchange.ErrUnknownOp, op.Kind)
	}
	v := apitypes.TypedDataMessage{
		"nonce":    strconv.FormatUint(op.Nonce, 10),
		"deadline": strconv.FormatUint(d.Deadline, 10),
		"owner":    op.Caller.Hex(),
	}
	switch op.Kind {
	case exchange.OpListSell:
		v["instrumentId"] = op.InstrumentID.String()
		v["askPrice"] = op.Price.Dec()
	case exchange.OpListBuy:
		v["instrumentId"] = op.InstrumentID.String()
		v["bidPrice"] = op.Price.Dec()
	case exchange.OpListSeriesBid:
		v["bidPrice"] = op.Price.Dec()
		v["collateralAmount"] = op.Terms.CollateralAmount.Dec()
		v["collateralAsset"] = op.Terms.CollateralAsset.Hex()
		v["strikeAmount"] = op.Terms.StrikeAmount.Dec()
		v["strikeAsset"] = op.Terms.StrikeAsset.Hex()
		v["expiration"] = strconv.FormatUint(op.Terms.Expiration, 10)
	case exchange.OpCancelSell, exchange.OpCancelBuy:
		v["instrumentId"] = op.InstrumentID.String()
	case exchange.OpCancelSeriesBid:
		v["seriesKey"] = op.SeriesKey.Hex()
	case exchange.OpWithdraw:
		v["amount"] = op.Amount.Dec()
	case exchange.OpSetPaused:
		v["paused"] = op.Paused
	}
	return crypto.Message{PrimaryType: s.primary, Fields: s.fields, Values: v}, nil
}
