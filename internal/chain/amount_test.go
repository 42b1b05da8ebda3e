package chain

import (
	"math/big"
	"testing"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"0", "0"},
		{"1", "1000000000000000000"},
		{"0.001", "1000000000000000"},
		{"0.0045", "4500000000000000"},
		{"2.5", "2500000000000000000"},
		{".5", "500000000000000000"},
		{"0.000000000000000001", "1"},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.input)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.input, err)
		}
		if got.String() != tc.want {
			t.Fatalf("parse %q: expected %s wei, got %s", tc.input, tc.want, got)
		}
	}
}

func TestParseAmountRejectsInvalidInput(t *testing.T) {
	for _, input := range []string{"", "-1", "0.0000000000000000001", "abc", "1.2.3"} {
		if _, err := ParseAmount(input); err == nil {
			t.Fatalf("expected error for %q", input)
		}
	}
}

func TestFormatAmountRoundTrip(t *testing.T) {
	for _, input := range []string{"0", "1", "0.001", "0.0045", "2.5"} {
		wei, err := ParseAmount(input)
		if err != nil {
			t.Fatalf("parse %q: %v", input, err)
		}
		if got := FormatAmount(wei); got != input {
			t.Fatalf("format %q: got %q", input, got)
		}
	}
	if got := FormatAmount(big.NewInt(1)); got != "0.000000000000000001" {
		t.Fatalf("unexpected smallest unit formatting: %q", got)
	}
}
