package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeRate is the price of one bitcoin in a fiat currency.
type ExchangeRate struct {
	Currency  string
	Rate      decimal.Decimal
	FetchedAt time.Time
}

type ExchangeRateService interface {
	Rate(currency string) (*ExchangeRate, error)
	// FiatToSatoshi converts an amount in the smallest fiat unit (cents).
	FiatToSatoshi(currency string, cents int64) (int64, error)
	SatoshiToFiat(currency string, satoshi int64) (decimal.Decimal, error)
}
