package notificator

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"gorm.io/datatypes"

	"github.com/pfennig/pfennig/internal/models"
	"github.com/pfennig/pfennig/pkg/logger"
)

// Alerter reaches the operator when a merchant webhook fails.
type Alerter interface {
	SendAlert(ctx context.Context, message string)
}

// Notificator delivers merchant webhooks, records every attempt and alerts
// the operator about failures. It never retries.
type Notificator struct {
	logger *logger.Logger
	db     models.Repository

	Webhook *Webhook
	Alerter Alerter
}

// NewNotificator wires the webhook sender. db and alerter may be nil.
func NewNotificator(logger *logger.Logger, db models.Repository, webhook *Webhook, alerter Alerter) *Notificator {
	return &Notificator{logger: logger, db: db, Webhook: webhook, Alerter: alerter}
}

// safeCall runs a function with panic recovery (synchronous, no goroutine spawning)
func (n *Notificator) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (n *Notificator) SendNotification(ctx context.Context, notification *models.Notification) bool {
	url := strings.TrimSpace(notification.URL)
	if url == "" {
		n.logger.Debug("No notification URL, skipping", "subject", notification.Subject, "identifier", notification.Identifier)
		return true
	}

	status, err := n.Webhook.Send(ctx, url, notification.Body)
	delivered := err == nil

	n.record(notification, url, status, err)

	if delivered {
		n.logger.Info("Notification delivered",
			"subject", notification.Subject,
			"identifier", notification.Identifier,
			"event", notification.Event,
			"url", url)
		return true
	}

	n.logger.Error("Failed to deliver notification",
		"subject", notification.Subject,
		"identifier", notification.Identifier,
		"event", notification.Event,
		"url", url,
		"status", status,
		"error", err)

	if n.Alerter != nil {
		message := fmt.Sprintf("Webhook for %s %s (%s) failed: %v", notification.Subject, notification.Identifier, notification.Event, err)
		// alerts run on the event worker; bound them like the webhook itself
		alertCtx, cancel := context.WithTimeout(ctx, n.Webhook.Timeout())
		defer cancel()
		n.safeCall(func() { n.Alerter.SendAlert(alertCtx, message) }, "operatorAlert")
	}
	return false
}

func (n *Notificator) record(notification *models.Notification, url string, status int, sendErr error) {
	if n.db == nil {
		return
	}
	entry := &models.NotificationLog{
		Subject:    notification.Subject,
		Identifier: notification.Identifier,
		Event:      notification.Event,
		URL:        url,
		Body:       datatypes.JSON(notification.Body),
		Signed:     n.Webhook.Signed(),
		StatusCode: status,
		Delivered:  sendErr == nil,
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	n.safeCall(func() {
		if err := n.db.SaveNotificationLog(entry); err != nil {
			n.logger.Error("Failed to record notification", "identifier", notification.Identifier, "error", err)
		}
	}, "notificationLog")
}
