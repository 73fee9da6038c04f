package ledger

import "errors"

// Error kinds raised by verify_transaction. These are surfaced to callers
// as 4xx responses by the HTTP surface.
var (
	ErrInputUnavailable   = errors.New("ledger: input unavailable")
	ErrUnknownSource      = errors.New("ledger: unknown source transaction")
	ErrAddressMismatch    = errors.New("ledger: public key does not match source address")
	ErrBadSignature       = errors.New("ledger: signature verification failed")
	ErrInsufficientInputs = errors.New("ledger: insufficient input value")
)

// Error kinds raised by block and lookup operations.
var (
	ErrInvalidBlock        = errors.New("ledger: invalid block")
	ErrBlockNotInMainChain = errors.New("ledger: block not in main chain")
	ErrNoNextBlock         = errors.New("ledger: caller is already at the tip")
)
