package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	if addr.IsZero() {
		t.Fatal("derived address must not be zero")
	}
	encoded := addr.String()
	if !strings.HasPrefix(encoded, Bech32Prefix+"1") {
		t.Fatalf("unexpected encoding %q", encoded)
	}
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	if decoded != addr {
		t.Fatalf("round trip mismatch: %s != %s", decoded, addr)
	}
}

func TestDecodeAddressRejectsForeignPrefix(t *testing.T) {
	if _, err := DecodeAddress("nhb1qqqsyqcyq5rqwzqfpg9scrgwpugpzysn3tn9gv"); err == nil {
		t.Fatal("expected prefix rejection")
	}
}

func TestAddressFromBytesLength(t *testing.T) {
	if _, err := AddressFromBytes(make([]byte, 19)); err == nil {
		t.Fatal("expected length error")
	}
	raw := bytes.Repeat([]byte{0x11}, AddressLength)
	addr, err := AddressFromBytes(raw)
	if err != nil {
		t.Fatalf("address from bytes: %v", err)
	}
	if !bytes.Equal(addr.Bytes(), raw) {
		t.Fatal("bytes round trip mismatch")
	}
}

func TestPrivateKeySerialization(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore key: %v", err)
	}
	if restored.PubKey().Address() != key.PubKey().Address() {
		t.Fatal("restored key derives a different address")
	}
}

func TestZeroAddress(t *testing.T) {
	var addr Address
	if !addr.IsZero() {
		t.Fatal("zero value must report IsZero")
	}
}
