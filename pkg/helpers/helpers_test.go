package helpers

import (
	"math/big"
	"strings"
	"testing"
)

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   *big.Int
		decimals uint8
		want     string
	}{
		{big.NewInt(100000000), 8, "1"},
		{big.NewInt(150000000), 8, "1.5"},
		{big.NewInt(1), 8, "0.00000001"},
		{big.NewInt(1000), 0, "1000"},
		{big.NewInt(-2500), 3, "-2.5"},
		{nil, 8, "0"},
	}

	for _, tt := range tests {
		if got := FormatAmount(tt.amount, tt.decimals); got != tt.want {
			t.Errorf("FormatAmount(%v, %d) = %q, want %q", tt.amount, tt.decimals, got, tt.want)
		}
	}
}

func TestFormatAmountLargeValues(t *testing.T) {
	// 10^30 base units with 18 decimals exceeds uint64.
	v, _ := new(big.Int).SetString("1000000000000000000000000000000", 10)
	if got := FormatAmount(v, 18); got != "1000000000000" {
		t.Errorf("FormatAmount = %q, want 1000000000000", got)
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in       string
		decimals uint8
		want     string
		wantErr  bool
	}{
		{"1", 8, "100000000", false},
		{"0.5", 8, "50000000", false},
		{".25", 2, "25", false},
		{"1.50", 1, "15", false},
		{"1.234", 2, "", true},
		{"abc", 8, "", true},
		{"", 8, "", true},
		{"-1", 8, "", true},
	}

	for _, tt := range tests {
		got, err := ParseAmount(tt.in, tt.decimals)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAmount(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got.String() != tt.want {
			t.Errorf("ParseAmount(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFormatParseRoundtrip(t *testing.T) {
	for _, s := range []string{"0", "1", "0.00000001", "21000000", "123.456"} {
		v, err := ParseAmount(s, 8)
		if err != nil {
			t.Fatalf("ParseAmount(%q): %v", s, err)
		}
		if got := FormatAmount(v, 8); got != s {
			t.Errorf("roundtrip %q -> %q", s, got)
		}
	}
}

func TestSatoshisBTCConversion(t *testing.T) {
	if got := SatoshisToBTC(1000); got != "0.00001" {
		t.Errorf("SatoshisToBTC(1000) = %q", got)
	}
	sats, err := BTCToSatoshis("0.0001")
	if err != nil || sats != 10000 {
		t.Errorf("BTCToSatoshis(0.0001) = %d, %v", sats, err)
	}
}

func TestParseBigInt(t *testing.T) {
	v, err := ParseBigInt("340282366920938463463374607431768211456")
	if err != nil {
		t.Fatalf("ParseBigInt: %v", err)
	}
	if BigIntString(v) != "340282366920938463463374607431768211456" {
		t.Errorf("BigIntString lost precision: %s", v)
	}
	if v, err := ParseBigInt(""); v != nil || err != nil {
		t.Errorf("ParseBigInt(\"\") = %v, %v", v, err)
	}
	if _, err := ParseBigInt("12x"); err == nil {
		t.Error("expected error for malformed integer")
	}
}

func TestHex32(t *testing.T) {
	h, err := Hex32("0xab" + strings.Repeat("00", 31))
	if err != nil {
		t.Fatalf("Hex32: %v", err)
	}
	if h[0] != 0xab || IsZero32(h) {
		t.Errorf("unexpected decode: %x", h)
	}
	if _, err := Hex32("abcd"); err == nil {
		t.Error("expected length error")
	}
	if !IsZero32([32]byte{}) {
		t.Error("IsZero32 on zero value returned false")
	}
}

func TestSecureClear(t *testing.T) {
	b := []byte{1, 2, 3}
	SecureClear(b)
	if !ConstantTimeCompare(b, []byte{0, 0, 0}) {
		t.Errorf("SecureClear left %v", b)
	}
}
