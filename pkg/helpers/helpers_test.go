package helpers

import (
	"encoding/json"
	"math/big"
	"testing"
)

func TestBigIntJSONRoundTrip(t *testing.T) {
	tests := []string{
		"0",
		"1",
		"100000000",
		"1022830000000000",
		"115792089237316195423570985008687907853269984665640564039457584007913129639935",
	}

	for _, want := range tests {
		b, err := NewBigIntFromString(want)
		if err != nil {
			t.Fatalf("NewBigIntFromString(%s) error = %v", want, err)
		}

		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("Marshal error = %v", err)
		}

		var got BigInt
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", data, err)
		}
		if got.String() != want {
			t.Errorf("round trip = %s, want %s", got.String(), want)
		}
	}
}

func TestBigIntUnmarshalBareNumber(t *testing.T) {
	var b BigInt
	if err := json.Unmarshal([]byte("12345"), &b); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if b.Int64() != 12345 {
		t.Errorf("value = %d, want 12345", b.Int64())
	}
}

func TestMulDiv(t *testing.T) {
	a := big.NewInt(7)
	bv := big.NewInt(3)
	c := big.NewInt(2)

	if got := MulDiv(a, bv, c); got.Int64() != 10 {
		t.Errorf("MulDiv(7,3,2) = %d, want 10", got.Int64())
	}
	if got := MulDivCeil(a, bv, c); got.Int64() != 11 {
		t.Errorf("MulDivCeil(7,3,2) = %d, want 11", got.Int64())
	}
	// Arguments must not be mutated.
	if a.Int64() != 7 || bv.Int64() != 3 || c.Int64() != 2 {
		t.Error("MulDiv mutated its arguments")
	}
}

func TestReverse(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	out := Reverse(in)
	if out[0] != 4 || out[3] != 1 {
		t.Errorf("Reverse = %v", out)
	}
	if in[0] != 1 {
		t.Error("Reverse mutated its input")
	}
}

func TestAmountLE8(t *testing.T) {
	out := AmountLE8(0x0102030405060708)
	want := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("AmountLE8 = %x, want %x", out, want)
		}
	}
}

func TestIsHex(t *testing.T) {
	if !IsHex("deadBEEF01") {
		t.Error("deadBEEF01 should be hex")
	}
	if IsHex("") || IsHex("xyz") {
		t.Error("non-hex accepted")
	}
}
