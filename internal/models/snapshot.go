package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceSnapshot is the JSON body describing the current state of an invoice.
// It is sent to the merchant's notification URL and returned by the read API.
type InvoiceSnapshot struct {
	Identifier          string           `json:"identifier"`
	AddressHash         string           `json:"addressHash"`
	Satoshi             int64            `json:"satoshi"`
	PriceInBtc          string           `json:"priceInBtc"`
	Price               int64            `json:"price"`
	Currency            string           `json:"currency"`
	ReceivedSatoshi     int64            `json:"receivedSatoshi"`
	SatoshiMissing      int64            `json:"satoshiMissing"`
	BtcMissing          string           `json:"btcMissing"`
	Label               string           `json:"label"`
	Description         string           `json:"description"`
	OrderID             string           `json:"orderId"`
	Confirmations       *int64           `json:"confirmations"`
	AppearedAt          *int64           `json:"appearedAt"`
	Transactions        map[string]int64 `json:"transactions"`
	LastTransactionHash *string          `json:"lastTransactionHash"`
	PaidAt              *time.Time       `json:"paidAt"`
	ConfirmedAt         *time.Time       `json:"confirmedAt"`
	Status              Status           `json:"status"`
	Paid                bool             `json:"paid"`
	CreatedAt           time.Time        `json:"createdAt"`
}

// WatchingAddressSnapshot is the JSON body describing a watched address.
type WatchingAddressSnapshot struct {
	Identifier          string           `json:"identifier"`
	AddressHash         string           `json:"addressHash"`
	Label               string           `json:"label"`
	ReceivedSatoshi     int64            `json:"receivedSatoshi"`
	Confirmations       *int64           `json:"confirmations"`
	AppearedAt          *int64           `json:"appearedAt"`
	Transactions        map[string]int64 `json:"transactions"`
	LastTransactionHash *string          `json:"lastTransactionHash"`
	PaidAt              *time.Time       `json:"paidAt"`
	ConfirmedAt         *time.Time       `json:"confirmedAt"`
	Status              Status           `json:"status"`
	CreatedAt           time.Time        `json:"createdAt"`
}

// lastPayment carries the fields surfaced from the most recent payment.
type lastPayment struct {
	confirmations *int64
	appearedAt    *int64
	hash          *string
	paidAt        *time.Time
	confirmedAt   *time.Time
}

func summarizeLatest(payments []*Payment, chainHeight int64) lastPayment {
	latest := LatestPayment(payments)
	if latest == nil {
		return lastPayment{}
	}
	confidence := latest.Confidence(chainHeight)
	hash := latest.TransactionHash
	return lastPayment{
		confirmations: &confidence,
		appearedAt:    latest.AppearedAtChainHeight,
		hash:          &hash,
		paidAt:        latest.PaidAt,
		confirmedAt:   latest.ConfirmedAt,
	}
}

func transactionConfidences(payments []*Payment, chainHeight int64) map[string]int64 {
	hashes := make(map[string]int64, len(payments))
	for _, payment := range payments {
		hashes[payment.TransactionHash] = payment.Confidence(chainHeight)
	}
	return hashes
}

// SatoshiToBtc renders a satoshi amount as a plain BTC string, e.g. 150000000 -> "1.5".
func SatoshiToBtc(satoshi int64) string {
	return decimal.New(satoshi, -8).String()
}

// NewInvoiceSnapshot derives the invoice state from its newest-first payments.
// SatoshiMissing is signed: an overpaid invoice reports a negative amount.
func NewInvoiceSnapshot(invoice *Invoice, payments []*Payment, chainHeight int64) *InvoiceSnapshot {
	received := SumReceived(payments)
	missing := invoice.SatoshiValue - received
	status := InvoiceStatus(invoice.SatoshiValue, received)
	latest := summarizeLatest(payments, chainHeight)

	return &InvoiceSnapshot{
		Identifier:          invoice.Identifier,
		AddressHash:         invoice.AddressHash,
		Satoshi:             invoice.SatoshiValue,
		PriceInBtc:          SatoshiToBtc(invoice.SatoshiValue),
		Price:               invoice.Price,
		Currency:            invoice.Currency,
		ReceivedSatoshi:     received,
		SatoshiMissing:      missing,
		BtcMissing:          SatoshiToBtc(missing),
		Label:               invoice.Label,
		Description:         invoice.Description,
		OrderID:             invoice.OrderID,
		Confirmations:       latest.confirmations,
		AppearedAt:          latest.appearedAt,
		Transactions:        transactionConfidences(payments, chainHeight),
		LastTransactionHash: latest.hash,
		PaidAt:              latest.paidAt,
		ConfirmedAt:         latest.confirmedAt,
		Status:              status,
		Paid:                status.IsPaid(),
		CreatedAt:           invoice.CreatedAt,
	}
}

func NewWatchingAddressSnapshot(address *WatchingAddress, payments []*Payment, chainHeight int64) *WatchingAddressSnapshot {
	received := SumReceived(payments)
	latest := summarizeLatest(payments, chainHeight)

	return &WatchingAddressSnapshot{
		Identifier:          address.Identifier,
		AddressHash:         address.AddressHash,
		Label:               address.Label,
		ReceivedSatoshi:     received,
		Confirmations:       latest.confirmations,
		AppearedAt:          latest.appearedAt,
		Transactions:        transactionConfidences(payments, chainHeight),
		LastTransactionHash: latest.hash,
		PaidAt:              latest.paidAt,
		ConfirmedAt:         latest.confirmedAt,
		Status:              WatchingAddressStatus(received),
		CreatedAt:           address.CreatedAt,
	}
}
