package decimal

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when an amount is built without one
const DefaultCurrency = "USD"

// Money represents a monetary amount with fixed precision
type Money struct {
	amount   decimal.Decimal
	currency string
}

// NewMoney creates Money from a string amount
func NewMoney(s, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount: %w", err)
	}
	return Money{amount: d, currency: currencyOrDefault(currency)}, nil
}

// NewMoneyFromFloat creates Money from float64
func NewMoneyFromFloat(f float64, currency string) Money {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Money{currency: currencyOrDefault(currency)}
	}
	return Money{amount: decimal.NewFromFloat(f), currency: currencyOrDefault(currency)}
}

// ParseMoney parses money from string like "100.50 USD"
func ParseMoney(s string) (Money, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return Money{}, fmt.Errorf("invalid money format: %q", s)
	}
	return NewMoney(parts[0], parts[1])
}

// Currency returns the currency code
func (m Money) Currency() string {
	return currencyOrDefault(m.currency)
}

// Add adds two money amounts
func (m Money) Add(other Money) Money {
	return Money{amount: m.amount.Add(other.amount), currency: m.Currency()}
}

// Sub subtracts money amounts
func (m Money) Sub(other Money) Money {
	return Money{amount: m.amount.Sub(other.amount), currency: m.Currency()}
}

// Round rounds money to cents
func (m Money) Round() Money {
	return Money{amount: m.amount.Round(2), currency: m.Currency()}
}

// IsZero checks if the amount is zero
func (m Money) IsZero() bool {
	return m.amount.IsZero()
}

// IsPositive checks if the amount is greater than zero
func (m Money) IsPositive() bool {
	return m.amount.IsPositive()
}

// Cmp compares two amounts
func (m Money) Cmp(other Money) int {
	return m.amount.Cmp(other.amount)
}

// Float64 returns float64 representation (loses precision)
func (m Money) Float64() float64 {
	return m.amount.InexactFloat64()
}

// String formats money for display
func (m Money) String() string {
	return m.amount.StringFixed(2) + " " + m.Currency()
}

// MarshalJSON encodes the amount as a fixed two-place string
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.amount.StringFixed(2) + `"`), nil
}

// PercentOf converts a percentage of base into a dollar amount rounded to cents.
// A loss expressed as 5 (percent) of 200000 returns 10000.00.
func PercentOf(percent float64, base Money) Money {
	if math.IsNaN(percent) || math.IsInf(percent, 0) {
		return Money{currency: base.Currency()}
	}
	pct := decimal.NewFromFloat(percent)
	return Money{
		amount:   base.amount.Mul(pct).Div(decimal.NewFromInt(100)).Round(2),
		currency: base.Currency(),
	}
}

// AsPercentOf expresses amount as a percentage of base.
// The second return is false when base is zero.
func AsPercentOf(amount, base Money) (float64, bool) {
	if base.amount.IsZero() {
		return 0, false
	}
	return amount.amount.Mul(decimal.NewFromInt(100)).Div(base.amount).InexactFloat64(), true
}

func currencyOrDefault(c string) string {
	if c == "" {
		return DefaultCurrency
	}
	return strings.ToUpper(c)
}
