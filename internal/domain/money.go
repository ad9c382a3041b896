package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of decimal places accepted for monetary values.
const MoneyPlaces = 2

// ValidatePrecision returns an error if d carries more than places decimal
// places. Trailing zeros are not significant: 1.10 and 1.1 are both valid
// with two places.
func ValidatePrecision(d decimal.Decimal, places int32) error {
	if !d.Equal(d.Truncate(places)) {
		return fmt.Errorf("monetary values must have at most %d decimal places", places)
	}
	return nil
}

// Notional returns price × quantity.
func Notional(price decimal.Decimal, quantity int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(quantity))
}

// Deviation returns |expected - current| / current. It returns zero when the
// current price is zero so that callers never divide by zero; prices are
// validated to be positive before they reach this point.
func Deviation(expected, current decimal.Decimal) decimal.Decimal {
	if current.IsZero() {
		return decimal.Zero
	}
	return expected.Sub(current).Abs().Div(current)
}
