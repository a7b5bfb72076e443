package models

import (
	"context"
	"time"

	"gorm.io/datatypes"
)

// NotificationEvent names the transition that triggered a webhook.
type NotificationEvent string

const (
	EventPaid      NotificationEvent = "paid"
	EventConfirmed NotificationEvent = "confirmed"
)

// Notification is one webhook delivery request.
type Notification struct {
	// Subject is "invoice" or "address".
	Subject string `json:"subject"`
	// Identifier is the public id of the subject.
	Identifier string `json:"identifier"`
	// Event is the transition that triggered the notification.
	Event NotificationEvent `json:"event"`
	// URL is the merchant endpoint; blank means nothing is sent.
	URL string `json:"url"`
	// Body is the JSON snapshot of the subject.
	Body []byte `json:"-"`
}

type NotificationService interface {
	// SendNotification delivers once and reports whether the merchant accepted it.
	SendNotification(ctx context.Context, notification *Notification) bool
}

// NotificationLog records one webhook delivery attempt.
type NotificationLog struct {
	ID         int64             `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	Subject    string            `json:"subject" gorm:"column:subject;size:16;not null"`
	Identifier string            `json:"identifier" gorm:"column:identifier;index;not null"`
	Event      NotificationEvent `json:"event" gorm:"column:event;size:16;not null"`
	URL        string            `json:"url" gorm:"column:url;not null"`
	Body       datatypes.JSON    `json:"body" gorm:"column:body"`
	Signed     bool              `json:"signed" gorm:"column:signed"`
	StatusCode int               `json:"status_code" gorm:"column:status_code"`
	Delivered  bool              `json:"delivered" gorm:"column:delivered;index"`
	Error      string            `json:"error" gorm:"column:error;type:text"`
	CreatedAt  time.Time         `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (NotificationLog) TableName() string {
	return "notification_logs"
}

func (l *NotificationLog) Validate() error {
	if l.Identifier == "" {
		return invalid("notification log", "identifier", "is required")
	}
	if l.URL == "" {
		return invalid("notification log", "url", "is required")
	}
	return nil
}
