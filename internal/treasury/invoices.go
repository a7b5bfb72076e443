package treasury

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pfennig/pfennig/internal/models"
	"github.com/pfennig/pfennig/pkg/validation"
)

// ErrAddressInUse is returned when an address already belongs to an invoice
// or a watched address.
var ErrAddressInUse = errors.New("address already tracked")

// CurrencyBTC prices are already in satoshi.
const CurrencyBTC = "BTC"

// CreateInvoice fixes the satoshi amount at the current rate, assigns a fresh
// receive address and stores the invoice.
func (t *Treasury) CreateInvoice(ctx context.Context, invoice *models.Invoice) error {
	invoice.Currency = strings.ToUpper(strings.TrimSpace(invoice.Currency))
	if invoice.Price <= 0 {
		return &models.ValidationError{Entity: "invoice", Field: "price", Reason: "must be positive"}
	}
	if invoice.Currency == "" {
		return &models.ValidationError{Entity: "invoice", Field: "currency", Reason: "is required"}
	}

	if invoice.Currency == CurrencyBTC {
		invoice.SatoshiValue = invoice.Price
	} else {
		satoshi, err := t.rates.FiatToSatoshi(invoice.Currency, invoice.Price)
		if err != nil {
			return fmt.Errorf("failed to convert price: %w", err)
		}
		invoice.SatoshiValue = satoshi
	}

	address, err := t.chain.FreshReceiveAddress(ctx)
	if err != nil {
		return fmt.Errorf("failed to get receive address: %w", err)
	}
	invoice.AddressHash = address

	if err := t.repo.SaveInvoice(invoice); err != nil {
		return err
	}

	t.logger.Info("Invoice created",
		"invoice", invoice.Identifier,
		"address", invoice.AddressHash,
		"price", invoice.Price,
		"currency", invoice.Currency,
		"satoshi", invoice.SatoshiValue)
	return nil
}

func (t *Treasury) GetInvoice(identifier string) (*models.Invoice, error) {
	return t.repo.FindInvoiceByIdentifier(identifier)
}

func (t *Treasury) GetInvoiceByOrderID(orderID string) (*models.Invoice, error) {
	return t.repo.FindInvoiceByOrderID(orderID)
}

// InvoiceSnapshot derives the current invoice state from its payments.
func (t *Treasury) InvoiceSnapshot(invoice *models.Invoice) (*models.InvoiceSnapshot, error) {
	payments, err := t.repo.FindPaymentsByAddressHash(invoice.AddressHash)
	if err != nil {
		return nil, err
	}
	return models.NewInvoiceSnapshot(invoice, payments, t.chain.ChainHeight()), nil
}

// CreateWatchingAddress stores a merchant address and starts watching it.
func (t *Treasury) CreateWatchingAddress(ctx context.Context, address *models.WatchingAddress) error {
	normalized, err := validation.ValidateAndNormalizeAddress(address.AddressHash, t.config.ChainParams())
	if err != nil {
		return err
	}
	address.AddressHash = normalized

	invoice, err := t.repo.FindInvoiceByAddressHash(normalized)
	if err != nil {
		return err
	}
	existing, err := t.repo.FindWatchingAddressByAddressHash(normalized)
	if err != nil {
		return err
	}
	if invoice != nil || existing != nil {
		return fmt.Errorf("%w: %s", ErrAddressInUse, normalized)
	}

	if err := t.repo.SaveWatchingAddress(address); err != nil {
		return err
	}
	if err := t.chain.WatchAddresses(ctx, []string{normalized}); err != nil {
		return fmt.Errorf("failed to watch address: %w", err)
	}

	t.logger.Info("Watching address", "identifier", address.Identifier, "address", normalized)
	return nil
}

func (t *Treasury) GetWatchingAddress(identifier string) (*models.WatchingAddress, error) {
	return t.repo.FindWatchingAddressByIdentifier(identifier)
}

// WatchingAddressSnapshot derives the current state of a watched address.
func (t *Treasury) WatchingAddressSnapshot(address *models.WatchingAddress) (*models.WatchingAddressSnapshot, error) {
	payments, err := t.repo.FindPaymentsByAddressHash(address.AddressHash)
	if err != nil {
		return nil, err
	}
	return models.NewWatchingAddressSnapshot(address, payments, t.chain.ChainHeight()), nil
}

// Price converts satoshi into the currency actually used for the rate, which
// is the default currency for unsupported codes.
func (t *Treasury) Price(currency string, satoshi int64) (*models.Price, error) {
	if satoshi < 0 {
		return nil, &models.ValidationError{Entity: "price", Field: "satoshi", Reason: "must not be negative"}
	}
	rate, err := t.rates.Rate(currency)
	if err != nil {
		return nil, err
	}
	value, err := t.rates.SatoshiToFiat(rate.Currency, satoshi)
	if err != nil {
		return nil, err
	}
	return &models.Price{Satoshi: satoshi, Currency: rate.Currency, Value: value}, nil
}
