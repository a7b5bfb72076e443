package models

import (
	"context"

	"github.com/shopspring/decimal"
)

// TreasuryI is the application core used by the HTTP API.
type TreasuryI interface {
	// Start restores tracking state and processes chain events until ctx ends.
	Start(ctx context.Context) error

	ChainHeight() int64

	// CreateInvoice assigns a fresh address and fixes the required satoshi amount.
	CreateInvoice(ctx context.Context, invoice *Invoice) error
	GetInvoice(identifier string) (*Invoice, error)
	GetInvoiceByOrderID(orderID string) (*Invoice, error)
	InvoiceSnapshot(invoice *Invoice) (*InvoiceSnapshot, error)

	// CreateWatchingAddress stores the address and starts watching it.
	CreateWatchingAddress(ctx context.Context, address *WatchingAddress) error
	GetWatchingAddress(identifier string) (*WatchingAddress, error)
	WatchingAddressSnapshot(address *WatchingAddress) (*WatchingAddressSnapshot, error)

	// Price converts satoshi to the given fiat currency.
	Price(currency string, satoshi int64) (*Price, error)
}

// Price is a satoshi amount expressed in fiat.
type Price struct {
	Satoshi  int64
	Currency string
	Value    decimal.Decimal
}

type APIServer interface {
	Start()
	Shutdown() error
}
