// Package money converts between display amounts and integer minor units.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrNonPositive    = errors.New("amount must be positive")
	ErrTooManyDecimal = errors.New("amount has more than two decimal places")
)

var hundred = decimal.NewFromInt(100)

var currencyReplacer = strings.NewReplacer("₱", "", "PHP", "", "Php", "", "php", "", ",", "", " ", "")

// ParseMinor parses "1,000.50", "₱1000" or "PHP 250.00" into minor units.
func ParseMinor(s string) (int64, error) {
	cleaned := currencyReplacer.Replace(strings.TrimSpace(s))
	cleaned = strings.TrimPrefix(strings.TrimPrefix(cleaned, "P"), "p")
	if cleaned == "" {
		return 0, ErrInvalidAmount
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.Exponent() < -2 && !d.Equal(d.Round(2)) {
		return 0, ErrTooManyDecimal
	}
	if !d.IsPositive() {
		return 0, ErrNonPositive
	}

	return d.Mul(hundred).Round(0).IntPart(), nil
}

// FormatMinor renders minor units with two decimals, e.g. 100050 -> "1000.50".
func FormatMinor(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
