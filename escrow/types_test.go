package escrow

import (
	"math/big"
	"testing"
)

func TestDispositionValid(t *testing.T) {
	for _, d := range []Disposition{DispositionOpen, DispositionDisputed, DispositionResolved} {
		if !d.Valid() {
			t.Fatalf("disposition %s must be valid", d)
		}
	}
	if Disposition(9).Valid() {
		t.Fatal("out of range disposition must be invalid")
	}
}

func TestDispositionString(t *testing.T) {
	cases := map[Disposition]string{
		DispositionOpen:     "open",
		DispositionDisputed: "disputed",
		DispositionResolved: "resolved",
		Disposition(42):     "unknown",
	}
	for d, want := range cases {
		if got := d.String(); got != want {
			t.Fatalf("disposition %d: expected %q, got %q", d, want, got)
		}
	}
}

func TestLedgerClone(t *testing.T) {
	original := &Ledger{
		Buyer:       newTestAddress(0x01),
		Seller:      newTestAddress(0x02),
		Arbiter:     newTestAddress(0x03),
		Amount:      big.NewInt(10),
		Disposition: DispositionOpen,
	}
	clone := original.Clone()
	clone.Amount.SetInt64(99)
	clone.Disposition = DispositionResolved

	if original.Amount.Int64() != 10 {
		t.Fatal("mutating the clone must not touch the original amount")
	}
	if original.Disposition != DispositionOpen {
		t.Fatal("mutating the clone must not touch the original disposition")
	}
}

func TestLedgerCloneNilAmount(t *testing.T) {
	clone := (&Ledger{}).Clone()
	if clone.Amount == nil || clone.Amount.Sign() != 0 {
		t.Fatal("clone must normalise a nil amount to zero")
	}
}

func TestSanitizeLedger(t *testing.T) {
	if _, err := SanitizeLedger(nil); err == nil {
		t.Fatal("nil ledger must be rejected")
	}
	if _, err := SanitizeLedger(&Ledger{Amount: big.NewInt(-1)}); err == nil {
		t.Fatal("negative amount must be rejected")
	}
	if _, err := SanitizeLedger(&Ledger{Amount: big.NewInt(1), Disposition: Disposition(7)}); err == nil {
		t.Fatal("invalid disposition must be rejected")
	}
	out, err := SanitizeLedger(&Ledger{Amount: big.NewInt(1)})
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if out.Disposition != DispositionOpen {
		t.Fatalf("unexpected disposition %s", out.Disposition)
	}
}

func TestLedgerStateAccessors(t *testing.T) {
	l := &Ledger{Disposition: DispositionDisputed}
	if !l.Disputed() || l.Resolved() {
		t.Fatal("disputed ledger misreported")
	}
	l.Disposition = DispositionResolved
	if l.Disputed() || !l.Resolved() {
		t.Fatal("resolved ledger misreported")
	}
	var nilLedger *Ledger
	if nilLedger.Disputed() || nilLedger.Resolved() {
		t.Fatal("nil ledger must report false")
	}
}
