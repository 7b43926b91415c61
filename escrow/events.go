package escrow

import (
	"encoding/hex"

	"escrowd/core/types"
	"escrowd/crypto"
)

const (
	EventTypeDeposited = "escrow.deposited"
	EventTypeApproved  = "escrow.approved"
	EventTypeDisputed  = "escrow.disputed"
	EventTypeResolved  = "escrow.resolved"
	EventTypeRefunded  = "escrow.refunded"
)

// NewDepositedEvent returns the canonical payload emitted when a newly created
// ledger locks the buyer's funds.
func NewDepositedEvent(l *Ledger) *types.Event {
	evt := newLedgerEvent(EventTypeDeposited, l)
	if l != nil {
		evt.Attributes["buyer"] = l.Buyer.String()
	}
	return evt
}

// NewApprovedEvent returns the canonical payload emitted when the buyer
// releases the locked amount to the seller.
func NewApprovedEvent(l *Ledger) *types.Event {
	evt := newLedgerEvent(EventTypeApproved, l)
	if l != nil {
		evt.Attributes["buyer"] = l.Buyer.String()
		evt.Attributes["seller"] = l.Seller.String()
	}
	return evt
}

// NewDisputedEvent returns the canonical payload emitted when the buyer raises
// (or re-raises) a dispute.
func NewDisputedEvent(l *Ledger) *types.Event {
	evt := newLedgerEvent(EventTypeDisputed, l)
	if l != nil {
		evt.Attributes["buyer"] = l.Buyer.String()
		evt.Attributes["seller"] = l.Seller.String()
	}
	return evt
}

// NewResolvedEvent returns the canonical payload emitted when the arbiter
// settles a dispute in favour of the recipient.
func NewResolvedEvent(l *Ledger, recipient crypto.Address) *types.Event {
	evt := newLedgerEvent(EventTypeResolved, l)
	if l != nil {
		evt.Attributes["arbiter"] = l.Arbiter.String()
		evt.Attributes["recipient"] = recipient.String()
	}
	return evt
}

// NewRefundedEvent returns the canonical payload emitted when the locked
// amount returns to the buyer.
func NewRefundedEvent(l *Ledger) *types.Event {
	evt := newLedgerEvent(EventTypeRefunded, l)
	if l != nil {
		evt.Attributes["buyer"] = l.Buyer.String()
	}
	return evt
}

func newLedgerEvent(eventType string, l *Ledger) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeLedger(l)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(sanitized.ID[:])
	attrs["amount"] = sanitized.Amount.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}
