package util

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	reNumber      = regexp.MustCompile(`-?\d{1,3}(?:[\s.,]\d{3})+(?:[.,]\d+)?|-?\d+(?:[.,]\d+)?`)
	reDotGroups   = regexp.MustCompile(`^-?\d{1,3}(?:\.\d{3})+$`)
	reCommaGroups = regexp.MustCompile(`^-?\d{1,3}(?:,\d{3})+$`)
)

// ParseNumber extracts the last numeric token from a cell and parses it,
// accepting both 1.234,56 and 1,234.56 grouping conventions. Returns nil when
// the cell holds no number.
func ParseNumber(input string) *float64 {
	token := lastNumericToken(input)
	if token == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(normalizeNumericToken(token), 64)
	if err != nil {
		return nil
	}
	return FloatPtr(parsed)
}

// ParsePrice parses a money cell into a decimal, tolerating currency symbols
// and digit grouping. Returns nil when no amount is present.
func ParsePrice(input string) *decimal.Decimal {
	token := lastNumericToken(input)
	if token == "" {
		return nil
	}
	d, err := decimal.NewFromString(normalizeNumericToken(token))
	if err != nil {
		return nil
	}
	return &d
}

func lastNumericToken(input string) string {
	line := strings.ReplaceAll(input, " ", " ")
	matches := reNumber.FindAllString(line, -1)
	if len(matches) == 0 {
		return ""
	}
	return strings.TrimSpace(matches[len(matches)-1])
}

// normalizeNumericToken rewrites a grouped numeric token into strconv form.
// When both separators appear the rightmost one is the decimal mark; a lone
// comma is a decimal mark unless it groups exactly three digits.
func normalizeNumericToken(token string) string {
	compact := strings.ReplaceAll(token, " ", "")
	switch {
	case strings.Contains(compact, ",") && strings.Contains(compact, "."):
		if strings.LastIndex(compact, ",") > strings.LastIndex(compact, ".") {
			compact = strings.ReplaceAll(compact, ".", "")
			return strings.ReplaceAll(compact, ",", ".")
		}
		return strings.ReplaceAll(compact, ",", "")
	case reDotGroups.MatchString(compact):
		return strings.ReplaceAll(compact, ".", "")
	case reCommaGroups.MatchString(compact):
		return strings.ReplaceAll(compact, ",", "")
	case strings.Contains(compact, ","):
		return strings.ReplaceAll(compact, ",", ".")
	}
	return compact
}

func FloatPtr(v float64) *float64 { return &v }

func StrPtr(v string) *string { return &v }
