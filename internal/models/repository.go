package models

import "time"

// Repository is the ledger store. Finders return (nil, nil) when nothing matches.
type Repository interface {
	FindInvoiceByAddressHash(addressHash string) (*Invoice, error)
	FindInvoiceByIdentifier(identifier string) (*Invoice, error)
	FindInvoiceByOrderID(orderID string) (*Invoice, error)
	SaveInvoice(*Invoice) error

	FindWatchingAddressByAddressHash(addressHash string) (*WatchingAddress, error)
	FindWatchingAddressByIdentifier(identifier string) (*WatchingAddress, error)
	SaveWatchingAddress(*WatchingAddress) error
	ListTrackedAddressHashes() ([]string, error)

	// FindPaymentsByAddressHash returns payments newest first.
	FindPaymentsByAddressHash(addressHash string) ([]*Payment, error)
	FindPaymentByTransactionHash(transactionHash string) (*Payment, error)
	FindUnconfirmedPayments() ([]*Payment, error)
	// CreatePayment stores a new payment unless one exists for the transaction hash,
	// in which case the stored payment is returned with created=false.
	CreatePayment(*Payment) (payment *Payment, created bool, err error)
	SavePayment(*Payment) error
	// MarkPaymentConfirmed sets confirmed-at once; it returns false when the
	// payment was already confirmed or does not exist.
	MarkPaymentConfirmed(transactionHash string, appearedAtChainHeight int64, confirmedAt time.Time) (bool, error)

	SaveNotificationLog(*NotificationLog) error
	NextAddressIndex(chain string) (uint32, error)
}
