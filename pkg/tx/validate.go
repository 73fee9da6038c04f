package tx

import "errors"

// Structural validation errors. These check shape only; ledger-level
// validation (output availability, signature binding, fee accounting) lives
// in the ledger package, which has access to chain state.
var (
	ErrNoOutputs      = errors.New("tx: transaction has no outputs")
	ErrDuplicateInput = errors.New("tx: duplicate input within transaction")
	ErrMissingPubKey  = errors.New("tx: non-coinbase transaction missing public key")
	ErrMissingSig     = errors.New("tx: non-coinbase transaction missing signature")
	ErrOutputOverflow = errors.New("tx: output amounts overflow")
)

// Validate checks t's shape independent of chain state: coinbase
// transactions carry no signature; non-coinbase transactions must carry a
// public key and signature and must not reference the same source output
// twice.
func (t *Transaction) Validate() error {
	if len(t.Outputs) == 0 {
		return ErrNoOutputs
	}
	if _, err := t.TotalOutputValue(); err != nil {
		return ErrOutputOverflow
	}

	if t.IsCoinbase() {
		return nil
	}

	seen := make(map[Input]bool, len(t.Inputs))
	for _, in := range t.Inputs {
		if seen[in] {
			return ErrDuplicateInput
		}
		seen[in] = true
	}

	if len(t.PublicKey) == 0 {
		return ErrMissingPubKey
	}
	if len(t.Signature) == 0 {
		return ErrMissingSig
	}
	return nil
}
