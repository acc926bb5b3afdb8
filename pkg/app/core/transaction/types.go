package transaction

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
)

// TxType represents the type of transaction
type TxType = exchange.OpKind

var ErrMalformed = errors.New("malformed transaction")

// SignedTransaction is the wire form of every state-mutating request.
type SignedTransaction struct {
	Type      TxType  `json:"type"`
	Payload   Payload `json:"payload"`
	Signature string  `json:"signature"` // Hex-encoded signature (0x...)
}

// Payload carries the union of action fields. All numbers are decimal
// strings; which fields are read depends on Type.
type Payload struct {
	Owner    string `json:"owner"`              // Ethereum address (0x...)
	Nonce    string `json:"nonce"`              // must exceed the last committed nonce
	Deadline string `json:"deadline,omitempty"` // Unix seconds, empty or 0 = no expiry

	InstrumentID string `json:"instrument_id,omitempty"`
	Price        string `json:"price,omitempty"`
	Amount       string `json:"amount,omitempty"`

	CollateralAsset  string `json:"collateral_asset,omitempty"`
	CollateralAmount string `json:"collateral_amount,omitempty"`
	StrikeAsset      string `json:"strike_asset,omitempty"`
	StrikeAmount     string `json:"strike_amount,omitempty"`
	Expiration       string `json:"expiration,omitempty"`

	SeriesKey string `json:"series_key,omitempty"`
	Paused    bool   `json:"paused,omitempty"`
}

// Serialize converts SignedTransaction to JSON bytes
func (tx *SignedTransaction) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

// Deserialize parses JSON bytes into SignedTransaction
func Deserialize(data []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &tx, nil
}

// Example:
//   {
//     "type": "list_sell",
//     "payload": {
//       "owner": "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//       "nonce": "7",
//       "instrument_id": "5",
//       "price": "100"
//     },
//     "signature": "0x1234567890abcdef..."
//   }
