package util

import "testing"

func TestParseNumber(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  float64
	}{
		{name: "plain int", input: "12", want: 12},
		{name: "decimal comma", input: "12,5", want: 12.5},
		{name: "decimal dot", input: "12.5", want: 12.5},
		{name: "latin grouping", input: "1.234,56", want: 1234.56},
		{name: "us grouping", input: "1,234.56", want: 1234.56},
		{name: "thousand dot only", input: "1.234", want: 1234},
		{name: "currency prefix", input: "$ 1.234,56", want: 1234.56},
		{name: "negative", input: "-3", want: -3},
		{name: "nbsp grouping", input: "1 000", want: 1000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseNumber(tc.input)
			if got == nil {
				t.Fatalf("got nil")
			}
			if *got != tc.want {
				t.Fatalf("got %v want %v", *got, tc.want)
			}
		})
	}

	if got := ParseNumber("sin stock"); got != nil {
		t.Fatalf("expected nil for non numeric cell, got %v", *got)
	}
}

func TestParsePrice(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "latin money", input: "$ 12.345,67", want: "12345.67"},
		{name: "plain", input: "99.90", want: "99.9"},
		{name: "comma decimal", input: "99,90", want: "99.9"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParsePrice(tc.input)
			if got == nil {
				t.Fatalf("got nil")
			}
			if got.String() != tc.want {
				t.Fatalf("got %s want %s", got.String(), tc.want)
			}
		})
	}

	if got := ParsePrice("consultar"); got != nil {
		t.Fatalf("expected nil, got %s", got.String())
	}
}
