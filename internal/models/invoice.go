package models

import (
	"strings"
	"time"
)

// Invoice is a merchant-issued request for a fixed amount.
type Invoice struct {
	// ID is the internal row id.
	ID int64 `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	// Identifier is the public, globally unique id of the invoice.
	Identifier string `json:"identifier" gorm:"column:identifier;uniqueIndex;not null"`
	// Price is the amount in the smallest fiat unit (cents).
	Price int64 `json:"price" gorm:"column:price;not null"`
	// Currency is the ISO code of Price, or BTC when Price is already in satoshi.
	Currency string `json:"currency" gorm:"column:currency;size:8;not null"`
	// SatoshiValue is the required amount, fixed once at creation.
	SatoshiValue int64 `json:"satoshi" gorm:"column:satoshi_value;not null"`
	// AddressHash is the receiving address assigned from the wallet.
	AddressHash string `json:"address_hash" gorm:"column:address_hash;uniqueIndex;not null"`
	// OrderID is the merchant's own reference.
	OrderID string `json:"order_id" gorm:"column:order_id;index"`
	// Description is free text shown to the payer.
	Description string `json:"description" gorm:"column:description;type:text"`
	// Label is the label for the receiving address.
	Label string `json:"label" gorm:"column:label"`
	// NotificationURL receives the webhook on every state change.
	NotificationURL string `json:"notification_url" gorm:"column:notification_url"`
	// CreatedAt is the creation time.
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (Invoice) TableName() string {
	return "invoices"
}

// Validate checks the fields required before the invoice can be stored.
func (i *Invoice) Validate() error {
	if strings.TrimSpace(i.Identifier) == "" {
		return invalid("invoice", "identifier", "is required")
	}
	if i.Price <= 0 {
		return invalid("invoice", "price", "must be positive")
	}
	if strings.TrimSpace(i.Currency) == "" {
		return invalid("invoice", "currency", "is required")
	}
	if i.SatoshiValue <= 0 {
		return invalid("invoice", "satoshi", "must be positive")
	}
	if strings.TrimSpace(i.AddressHash) == "" {
		return invalid("invoice", "address_hash", "is required")
	}
	return nil
}
