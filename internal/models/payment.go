package models

import (
	"strings"
	"time"
)

// Payment is one received transaction attributed to one address.
// The owner (Invoice or WatchingAddress) is resolved by AddressHash lookup.
type Payment struct {
	// ID is the internal row id. Higher ids are more recent.
	ID int64 `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	// AddressHash is the address the transaction paid.
	AddressHash string `json:"address_hash" gorm:"column:address_hash;index;not null"`
	// TransactionHash is the natural dedup key.
	TransactionHash string `json:"transaction_hash" gorm:"column:transaction_hash;uniqueIndex;not null"`
	// ReceivedSatoshi is the amount received by AddressHash.
	ReceivedSatoshi int64 `json:"received_satoshi" gorm:"column:received_satoshi;not null"`
	// AppearedAtChainHeight is the height of the including block, nil while unmined.
	AppearedAtChainHeight *int64 `json:"appeared_at_chain_height" gorm:"column:appeared_at_chain_height"`
	// CreatedAt is the creation time.
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	// PaidAt is when the transaction was first seen.
	PaidAt *time.Time `json:"paid_at" gorm:"column:paid_at"`
	// ConfirmedAt is when the confirmation threshold was reached.
	ConfirmedAt *time.Time `json:"confirmed_at" gorm:"column:confirmed_at;index"`
}

func (Payment) TableName() string {
	return "payments"
}

func (p *Payment) Validate() error {
	if strings.TrimSpace(p.AddressHash) == "" {
		return invalid("payment", "address_hash", "is required")
	}
	if strings.TrimSpace(p.TransactionHash) == "" {
		return invalid("payment", "transaction_hash", "is required")
	}
	if p.ReceivedSatoshi < 0 {
		return invalid("payment", "received_satoshi", "must not be negative")
	}
	return nil
}

// Confidence is the number of blocks including and following the block that
// first included the transaction. It is 0 while the transaction is unmined.
func (p *Payment) Confidence(chainHeight int64) int64 {
	if p.AppearedAtChainHeight == nil {
		return 0
	}
	confidence := chainHeight - *p.AppearedAtChainHeight + 1
	if confidence < 0 {
		return 0
	}
	return confidence
}

func (p *Payment) IsConfirmed() bool {
	return p.ConfirmedAt != nil
}
