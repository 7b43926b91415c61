package escrow

import (
	"fmt"
	"math/big"

	"escrowd/crypto"
)

// Disposition is the lifecycle state of an escrow ledger.
type Disposition uint8

const (
	// DispositionOpen is the initial state: funds locked, no dispute raised.
	DispositionOpen Disposition = iota
	// DispositionDisputed marks a buyer-raised dispute awaiting arbitration.
	DispositionDisputed
	// DispositionResolved is terminal: funds left the ledger exactly once and
	// no further state change is possible.
	DispositionResolved
)

// Valid reports whether the disposition value is within the supported range.
func (d Disposition) Valid() bool {
	switch d {
	case DispositionOpen, DispositionDisputed, DispositionResolved:
		return true
	default:
		return false
	}
}

func (d Disposition) String() string {
	switch d {
	case DispositionOpen:
		return "open"
	case DispositionDisputed:
		return "disputed"
	case DispositionResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Ledger captures the roles, the locked amount and the runtime disposition of
// a single escrow agreement. Roles and amount are fixed at creation; only the
// disposition and the approved audit flag change afterwards. The identifier is
// the keccak256 hash of buyer, seller and the buyer's account nonce at
// creation, ensuring deterministic IDs without a separate sequence store.
type Ledger struct {
	ID          [32]byte
	Buyer       crypto.Address
	Seller      crypto.Address
	Arbiter     crypto.Address
	Amount      *big.Int
	Disposition Disposition
	// Approved records that the terminal transition was reached through
	// buyer approval. Purely an audit flag once resolved.
	Approved  bool
	CreatedAt int64
}

// Disputed reports whether a dispute is currently open.
func (l *Ledger) Disputed() bool {
	return l != nil && l.Disposition == DispositionDisputed
}

// Resolved reports whether the ledger reached its terminal state.
func (l *Ledger) Resolved() bool {
	return l != nil && l.Disposition == DispositionResolved
}

// Clone returns a deep copy of the ledger so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Amount != nil {
		clone.Amount = new(big.Int).Set(l.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// SanitizeLedger validates the supplied ledger definition and returns a cloned
// instance with a non-nil amount. The original value is not mutated.
func SanitizeLedger(l *Ledger) (*Ledger, error) {
	if l == nil {
		return nil, fmt.Errorf("nil ledger")
	}
	clone := l.Clone()
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("ledger amount must be non-negative")
	}
	if !clone.Disposition.Valid() {
		return nil, fmt.Errorf("invalid ledger disposition: %d", clone.Disposition)
	}
	return clone, nil
}
