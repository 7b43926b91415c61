package escrow

import (
	"encoding/hex"
	"math/big"
	"testing"
)

func testLedger() *Ledger {
	return &Ledger{
		ID:      LedgerID(newTestAddress(0x01), newTestAddress(0x02), 0),
		Buyer:   newTestAddress(0x01),
		Seller:  newTestAddress(0x02),
		Arbiter: newTestAddress(0x03),
		Amount:  big.NewInt(25),
	}
}

func TestDepositedEventAttributes(t *testing.T) {
	l := testLedger()
	evt := NewDepositedEvent(l)
	if evt.Type != EventTypeDeposited {
		t.Fatalf("unexpected type %q", evt.Type)
	}
	if evt.Attributes["id"] != hex.EncodeToString(l.ID[:]) {
		t.Fatalf("unexpected id attribute %q", evt.Attributes["id"])
	}
	if evt.Attributes["buyer"] != l.Buyer.String() {
		t.Fatalf("unexpected buyer attribute %q", evt.Attributes["buyer"])
	}
	if evt.Attributes["amount"] != "25" {
		t.Fatalf("unexpected amount attribute %q", evt.Attributes["amount"])
	}
	if _, ok := evt.Attributes["seller"]; ok {
		t.Fatal("deposited event must not carry a seller attribute")
	}
}

func TestApprovedAndDisputedEventsCarryBothParties(t *testing.T) {
	l := testLedger()
	for _, evt := range []struct {
		typ     string
		payload map[string]string
	}{
		{EventTypeApproved, NewApprovedEvent(l).Attributes},
		{EventTypeDisputed, NewDisputedEvent(l).Attributes},
	} {
		if evt.payload["buyer"] != l.Buyer.String() || evt.payload["seller"] != l.Seller.String() {
			t.Fatalf("%s: missing party attributes %v", evt.typ, evt.payload)
		}
		if evt.payload["amount"] != "25" {
			t.Fatalf("%s: unexpected amount %q", evt.typ, evt.payload["amount"])
		}
	}
}

func TestResolvedEventNamesRecipient(t *testing.T) {
	l := testLedger()
	evt := NewResolvedEvent(l, l.Buyer)
	if evt.Type != EventTypeResolved {
		t.Fatalf("unexpected type %q", evt.Type)
	}
	if evt.Attributes["arbiter"] != l.Arbiter.String() {
		t.Fatalf("unexpected arbiter %q", evt.Attributes["arbiter"])
	}
	if evt.Attributes["recipient"] != l.Buyer.String() {
		t.Fatalf("unexpected recipient %q", evt.Attributes["recipient"])
	}
}

func TestRefundedEventAttributes(t *testing.T) {
	l := testLedger()
	evt := NewRefundedEvent(l)
	if evt.Attributes["buyer"] != l.Buyer.String() || evt.Attributes["amount"] != "25" {
		t.Fatalf("unexpected attributes %v", evt.Attributes)
	}
}

func TestEventConstructorsHandleNilLedger(t *testing.T) {
	for _, evt := range []*struct {
		typ     string
		payload map[string]string
	}{
		{EventTypeDeposited, NewDepositedEvent(nil).Attributes},
		{EventTypeApproved, NewApprovedEvent(nil).Attributes},
		{EventTypeDisputed, NewDisputedEvent(nil).Attributes},
		{EventTypeRefunded, NewRefundedEvent(nil).Attributes},
	} {
		if evt.payload == nil {
			t.Fatalf("%s: attributes map must be non-nil", evt.typ)
		}
	}
}
