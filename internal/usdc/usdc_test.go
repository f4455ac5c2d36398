package usdc

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "0"},
		{"0", "0"},
		{"0.000000", "0"},
		{"1", "1000000"},
		{"1.50", "1500000"},
		{".50", "500000"},
		{"0.000001", "1"},
		{"10", "10000000"},
		{"1.1234567890", "1123456"},
		{"007.50", "7500000"},
		{"99999999999999.999999", "99999999999999999999"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.String() != tt.want {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"-1.00", "-0", "+1", "1e6", "abc", "1.2.3", "12abc", "$1"} {
		if _, ok := Parse(in); ok {
			t.Errorf("Parse(%q) should return ok=false", in)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		amount *big.Int
		want   string
		human  string
	}{
		{nil, "0.000000", "0"},
		{big.NewInt(0), "0.000000", "0"},
		{big.NewInt(1), "0.000001", "0.000001"},
		{big.NewInt(1_500_000), "1.500000", "1.5"},
		{big.NewInt(10_000_000), "10.000000", "10"},
		{big.NewInt(-2_500_000), "-2.500000", "-2.5"},
	}
	for _, tt := range tests {
		if got := Format(tt.amount); got != tt.want {
			t.Errorf("Format(%v) = %q, want %q", tt.amount, got, tt.want)
		}
		if got := Human(tt.amount); got != tt.human {
			t.Errorf("Human(%v) = %q, want %q", tt.amount, got, tt.human)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0.000001", "1.500000", "123456.789012"} {
		parsed, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(parsed); got != s {
			t.Errorf("Format(Parse(%q)) = %q", s, got)
		}
	}
}

func TestDecimalConversions(t *testing.T) {
	d := decimal.RequireFromString("50")
	if got := FromDecimal(d); got.Int64() != 50_000_000 {
		t.Errorf("FromDecimal(50) = %s", got)
	}
	if got := ToDecimal(big.NewInt(250_000)); !got.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("ToDecimal(250000) = %s", got)
	}
}
