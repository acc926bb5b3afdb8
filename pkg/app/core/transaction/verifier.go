package transaction

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
	"github.com/uhyunpark/optionbook/pkg/crypto"
	"github.com/uhyunpark/optionbook/pkg/util"
)

var (
	ErrBadSignature = errors.New("signature does not match owner")
	ErrDeadline     = errors.New("transaction deadline passed")
)

// Verifier handles transaction signature verification
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
	clock        util.Clock
}

// NewVerifier checks signatures against domain and deadlines against clock.
func NewVerifier(domain crypto.EIP712Domain, clock util.Clock) *Verifier {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Verifier{eip712Signer: crypto.NewEIP712Signer(domain), clock: clock}
}

// Verify decodes tx, checks its deadline and that payload.owner signed it.
func (v *Verifier) Verify(tx *SignedTransaction) (exchange.Op, error) {
	d, err := Decode(tx)
	if err != nil {
		return exchange.Op{}, err
	}
	if d.Deadline != 0 && uint64(v.clock.Now().Unix()) > d.Deadline {
		return exchange.Op{}, fmt.Errorf("%w: %d", ErrDeadline, d.Deadline)
	}

	sigBytes, err := decodeSignature(tx.Signature)
	if err != nil {
		return exchange.Op{}, err
	}
	msg, err := Message(d)
	if err != nil {
		return exchange.Op{}, err
	}
	signer, err := v.eip712Signer.Recover(msg, sigBytes)
	if err != nil {
		return exchange.Op{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != d.Op.Caller {
		return exchange.Op{}, fmt.Errorf("%w: signed by %s", ErrBadSignature, signer.Hex())
	}
	return d.Op, nil
}

// Sign fills tx.Signature with s's signature over tx. The payload owner must
// be s's address.
func (v *Verifier) Sign(s *crypto.Signer, tx *SignedTransaction) error {
	d, err := Decode(tx)
	if err != nil {
		return err
	}
	if d.Op.Caller != s.Address() {
		return fmt.Errorf("%w: owner %s, key %s", ErrBadSignature, d.Op.Caller.Hex(), s.Address().Hex())
	}
	msg, err := Message(d)
	if err != nil {
		return err
	}
	sig, err := v.eip712Signer.Sign(s, msg)
	if err != nil {
		return err
	}
	tx.Signature = hexutil.Encode(sig)
	return nil
}

// TypedData renders the wallet payload for tx (eth_signTypedData_v4).
func (v *Verifier) TypedData(tx *SignedTransaction) (string, error) {
	d, err := Decode(tx)
	if err != nil {
		return "", err
	}
	msg, err := Message(d)
	if err != nil {
		return "", err
	}
	return v.eip712Signer.ToJSON(msg)
}

// decodeSignature decodes hex-encoded signature (with 0x prefix)
func decodeSignature(sig string) ([]byte, error) {
	sigBytes, err := hexutil.Decode(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex signature: %v", ErrBadSignature, err)
	}
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrBadSignature, len(sigBytes))
	}
	return sigBytes, nil
}
