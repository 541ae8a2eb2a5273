package protocol

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 code. The set is closed: a request in any
// other currency is a protocol error, not a business rejection.
type Currency string

const (
	SEK Currency = "SEK"
	EUR Currency = "EUR"
	USD Currency = "USD"
	GBP Currency = "GBP"
	DKK Currency = "DKK"
	NOK Currency = "NOK"
)

var currencyDecimals = map[Currency]int32{
	SEK: 2,
	EUR: 2,
	USD: 2,
	GBP: 2,
	DKK: 2,
	NOK: 2,
}

func (c Currency) Valid() bool {
	_, ok := currencyDecimals[c]
	return ok
}

// Decimals returns the fixed scale amounts in this currency carry.
func (c Currency) Decimals() int32 {
	return currencyDecimals[c]
}

// CheckAmount validates an amount against the currency: non-negative
// and at most the currency's scale. Amounts are compared with exact
// decimal arithmetic everywhere; floats never enter the picture.
func CheckAmount(amount decimal.Decimal, currency Currency) error {
	if !currency.Valid() {
		return fmt.Errorf("unknown currency %q", currency)
	}
	if amount.IsNegative() {
		return fmt.Errorf("negative amount %s", amount)
	}
	if amount.Exponent() < -currency.Decimals() {
		return fmt.Errorf("amount %s exceeds %s scale", amount, currency)
	}
	return nil
}

// FormatAmount renders an amount at the currency's full scale, the form
// used on the wire.
func FormatAmount(amount decimal.Decimal, currency Currency) string {
	return amount.StringFixed(currency.Decimals())
}
