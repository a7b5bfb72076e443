package models

import (
	"strings"
	"time"
)

// WatchingAddress is a merchant-registered address monitored without a fixed amount.
// Totals are always derived from its payments, never stored on the record.
type WatchingAddress struct {
	// ID is the internal row id.
	ID int64 `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	// Identifier is the public, globally unique id of the watched address.
	Identifier string `json:"identifier" gorm:"column:identifier;uniqueIndex;not null"`
	// AddressHash is the watched bitcoin address.
	AddressHash string `json:"address_hash" gorm:"column:address_hash;uniqueIndex;not null"`
	// NotificationURL receives the webhook on every state change.
	NotificationURL string `json:"notification_url" gorm:"column:notification_url;not null"`
	// Label is a merchant-chosen name.
	Label string `json:"label" gorm:"column:label"`
	// CreatedAt is the creation time.
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (WatchingAddress) TableName() string {
	return "watching_addresses"
}

func (w *WatchingAddress) Validate() error {
	if strings.TrimSpace(w.Identifier) == "" {
		return invalid("watching address", "identifier", "is required")
	}
	if strings.TrimSpace(w.AddressHash) == "" {
		return invalid("watching address", "address_hash", "is required")
	}
	if strings.TrimSpace(w.NotificationURL) == "" {
		return invalid("watching address", "notification_url", "is required")
	}
	return nil
}
