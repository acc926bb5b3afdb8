package exchange

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrAskNotPositive      = errors.New("ask price must be positive")
	ErrBidNotPositive      = errors.New("bid price must be positive")
	ErrExpired             = errors.New("instrument expired")
	ErrInvalidTerms        = errors.New("invalid series terms")
	ErrNotOwner            = errors.New("caller does not own instrument")
	ErrAlreadyListed       = errors.New("already listed")
	ErrNotSeller           = errors.New("caller is not the seller")
	ErrNotBuyer            = errors.New("caller is not the buyer")
	ErrStaleNonce          = errors.New("nonce already used")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDeposit             = errors.New("escrow deposit failed")
	ErrPaused              = errors.New("exchange paused")
	ErrNotAdmin            = errors.New("caller is not the admin")
	ErrOverflow            = errors.New("amount overflow")
	ErrReentrant           = errors.New("reentrant call")
	ErrCustody             = errors.New("instrument custody transfer failed")
	ErrTransfer            = errors.New("value transfer failed")
	ErrUnknownOp           = errors.New("unknown operation")
)

// Kind classifies failures by what the caller can do about them.
type Kind uint8

const (
	KindInternal     Kind = iota
	KindValidation        // fix the input and resubmit
	KindConflict          // re-query state, then retry
	KindFunds             // top up, then retry
	KindAvailability      // wait for unpause
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindFunds:
		return "funds"
	case KindAvailability:
		return "availability"
	default:
		return "internal"
	}
}

type classified struct {
	kind   Kind
	reason string
}

var taxonomy = map[error]classified{
	ErrInvalidToken:        {KindValidation, "InvalidToken"},
	ErrAskNotPositive:      {KindValidation, "AskNotPositive"},
	ErrBidNotPositive:      {KindValidation, "BidNotPositive"},
	ErrExpired:             {KindValidation, "Expired"},
	ErrInvalidTerms:        {KindValidation, "InvalidTerms"},
	ErrUnknownOp:           {KindValidation, "UnknownOperation"},
	ErrNotOwner:            {KindConflict, "NotOwner"},
	ErrAlreadyListed:       {KindConflict, "AlreadyListed"},
	ErrNotSeller:           {KindConflict, "NotSeller"},
	ErrNotBuyer:            {KindConflict, "NotBuyer"},
	ErrStaleNonce:          {KindConflict, "StaleNonce"},
	ErrNotAdmin:            {KindValidation, "NotAdmin"},
	ErrInsufficientBalance: {KindFunds, "InsufficientBalance"},
	ErrDeposit:             {KindFunds, "DepositFailed"},
	ErrPaused:              {KindAvailability, "Paused"},
	ErrOverflow:            {KindInternal, "Overflow"},
	ErrReentrant:           {KindInternal, "Reentrant"},
	ErrCustody:             {KindInternal, "CustodyFailed"},
	ErrTransfer:            {KindInternal, "TransferFailed"},
}

// Error carries the operation that failed and the violated precondition.
type Error struct {
	Op   OpKind
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Reason is the stable client-facing name of the violated precondition.
func (e *Error) Reason() string { return Reason(e.Err) }

func fail(op OpKind, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return &Error{Op: op, Kind: KindOf(err), Err: err}
}

func lookup(err error) (classified, bool) {
	for sentinel, c := range taxonomy {
		if errors.Is(err, sentinel) {
			return c, true
		}
	}
	return classified{}, false
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if c, ok := lookup(err); ok {
		return c.kind
	}
	return KindInternal
}

// Reason returns the taxonomy name of err, or "Internal".
func Reason(err error) string {
	if c, ok := lookup(err); ok {
		return c.reason
	}
	return "Internal"
}

// IsRetriable reports whether resubmitting can succeed without changing the
// input: after re-querying state (conflict) or after unpause (availability).
func IsRetriable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindAvailability:
		return true
	}
	return false
}
