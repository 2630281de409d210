package mesh

import (
	"errors"
	"fmt"
	"testing"
)

func TestAddressType(t *testing.T) {
	tests := []struct {
		addr Address
		want AddressType
	}{
		{0x0000, AddressTypeUnassigned},
		{0x0001, AddressTypeUnicast},
		{0x7FFF, AddressTypeUnicast},
		{0x8000, AddressTypeVirtual},
		{0xBFFF, AddressTypeVirtual},
		{0xC000, AddressTypeGroup},
		{0xFEFF, AddressTypeGroup},
		{AllNodes, AddressTypeGroup},
	}

	for _, tt := range tests {
		t.Run(tt.addr.String(), func(t *testing.T) {
			if got := tt.addr.Type(); got != tt.want {
				t.Errorf("Type() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddressFixedGroup(t *testing.T) {
	for _, a := range []Address{AllProxies, AllFriends, AllRelays, AllNodes, 0xFF00} {
		if !a.IsFixedGroup() {
			t.Errorf("%v should be a fixed group", a)
		}
	}
	if Address(0xC001).IsFixedGroup() {
		t.Error("c001 is not a fixed group")
	}
}

func TestUnicastRange(t *testing.T) {
	r := UnicastRange{Primary: 0x0100, Count: 3}

	if !r.Valid() {
		t.Fatal("range should be valid")
	}
	if !r.Contains(0x0102) {
		t.Error("range should contain 0102")
	}
	if r.Contains(0x0103) {
		t.Error("range should not contain 0103")
	}
	if r.Element(2) != 0x0102 {
		t.Errorf("Element(2) = %v, want 0102", r.Element(2))
	}

	if (UnicastRange{Primary: 0x7FFF, Count: 2}).Valid() {
		t.Error("range past 7fff should be invalid")
	}
	if (UnicastRange{Primary: 0x0001}).Valid() {
		t.Error("empty range should be invalid")
	}
}

func TestSeqAuth(t *testing.T) {
	sa := NewSeqAuth(0x12345678, 0x3129AB)

	if sa.IVIndex() != 0x12345678 {
		t.Errorf("IVIndex() = %x", sa.IVIndex())
	}
	if sa.Sequence() != 0x3129AB {
		t.Errorf("Sequence() = %x", sa.Sequence())
	}
	if sa.SeqZero() != 0x09AB {
		t.Errorf("SeqZero() = %x, want 09ab", sa.SeqZero())
	}
	if NewSeqAuth(1, 0) <= NewSeqAuth(0, MaxSequence) {
		t.Error("a higher IV index must order after any sequence of a lower one")
	}
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("7dd7364cd842ad18c17c2b820c84c3d6")
	if err != nil {
		t.Fatalf("ParseKey failed: %v", err)
	}
	if k.String() != "7dd7364cd842ad18c17c2b820c84c3d6" {
		t.Errorf("String() = %s", k)
	}

	if _, err := ParseKey("0011"); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("short key error = %v, want ErrInvalidKeyLength", err)
	}
	if _, err := ParseKey("zz"); err == nil {
		t.Error("expected hex error")
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want DropReason
	}{
		{nil, DropNone},
		{ErrReplay, DropReplay},
		{fmt.Errorf("decode: %w", ErrAuthenticationFailure), DropAuthentication},
		{ErrSequenceExhausted, DropSequenceExhausted},
		{fmt.Errorf("sar: %w", ErrDuplicate), DropDuplicate},
		{errors.New("other"), DropOther},
	}
	for _, tt := range tests {
		if got := Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestKeyText(t *testing.T) {
	const hexKey = "7dd7364cd842ad18c17c2b820c84c3d6"
	k, err := ParseKey(hexKey)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	text, err := k.MarshalText()
	if err != nil || string(text) != hexKey {
		t.Fatalf("MarshalText = %q, %v", text, err)
	}

	var back Key
	if err := back.UnmarshalText(text); err != nil || back != k {
		t.Fatalf("UnmarshalText = %v, %v", back, err)
	}
	if err := back.UnmarshalText([]byte("abcd")); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("short key: got %v, want ErrInvalidKeyLength", err)
	}
}
