package escrow

import "errors"

// The engine surfaces every rejected precondition as one of these sentinel
// errors so callers can map failures without string matching. Wrapped causes
// stay available through errors.Is / errors.As.
var (
	// ErrInvalidAddress rejects creation with a zero seller or arbiter.
	ErrInvalidAddress = errors.New("escrow: invalid address")
	// ErrInvalidAmount rejects creation with a non-positive amount.
	ErrInvalidAmount = errors.New("escrow: amount must be positive")
	// ErrUnauthorized rejects a caller that does not hold the required role.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")
	// ErrAlreadyResolved rejects any operation on a terminally resolved escrow.
	ErrAlreadyResolved = errors.New("escrow: already resolved")
	// ErrNoActiveDispute rejects arbitration while no dispute is open.
	ErrNoActiveDispute = errors.New("escrow: no active dispute")
	// ErrInvalidRecipient rejects an arbitration recipient that is neither
	// buyer nor seller.
	ErrInvalidRecipient = errors.New("escrow: recipient must be buyer or seller")
	// ErrAlreadyApproved rejects a refund after the buyer has approved.
	ErrAlreadyApproved = errors.New("escrow: already approved")
	// ErrTransferFailed reports that the outbound value transfer could not
	// complete. The operation rolls back; no state change is observable.
	ErrTransferFailed = errors.New("escrow: transfer failed")
	// ErrNotFound reports an unknown escrow identifier.
	ErrNotFound = errors.New("escrow: not found")
)
