package treasury

import (
	"context"
	"encoding/json"

	"github.com/pfennig/pfennig/internal/models"
)

// Ingest records a transaction paying a tracked address. A transaction hash is
// stored once; redeliveries return the stored payment and notify nobody.
func (t *Treasury) Ingest(ctx context.Context, addressHash, transactionHash string, receivedSatoshi int64, appearedAt *int64) (*models.Payment, error) {
	paidAt := t.now()
	payment, created, err := t.repo.CreatePayment(&models.Payment{
		AddressHash:           addressHash,
		TransactionHash:       transactionHash,
		ReceivedSatoshi:       receivedSatoshi,
		AppearedAtChainHeight: appearedAt,
		PaidAt:                &paidAt,
	})
	if err != nil {
		return nil, err
	}

	if !created {
		// a mempool sighting redelivered from a block: keep the inclusion height
		if payment.AppearedAtChainHeight == nil && appearedAt != nil && !payment.IsConfirmed() {
			payment.AppearedAtChainHeight = appearedAt
			if err := t.repo.SavePayment(payment); err != nil {
				return nil, err
			}
			t.logger.Debug("Payment mined", "tx", transactionHash, "height", *appearedAt)
		}
		return payment, nil
	}

	t.logger.Info("Payment received",
		"tx", transactionHash,
		"address", addressHash,
		"satoshi", receivedSatoshi)
	t.notifyOwner(ctx, addressHash, models.EventPaid)
	return payment, nil
}

// Confirm marks a payment confirmed once its transaction reached the
// confirmation threshold. appearedAt may be nil, in which case a missing
// inclusion height is derived from chainHeight and the threshold.
func (t *Treasury) Confirm(ctx context.Context, transactionHash string, chainHeight int64, appearedAt *int64) error {
	payment, err := t.repo.FindPaymentByTransactionHash(transactionHash)
	if err != nil {
		return err
	}
	if payment == nil {
		t.logger.Warn("Confirmation for unknown transaction, dropping", "tx", transactionHash, "height", chainHeight)
		return nil
	}
	if payment.IsConfirmed() {
		t.logger.Debug("Payment already confirmed", "tx", transactionHash)
		return nil
	}

	var appeared int64
	switch {
	case payment.AppearedAtChainHeight != nil:
		appeared = *payment.AppearedAtChainHeight
	case appearedAt != nil:
		appeared = *appearedAt
	default:
		appeared = chainHeight - t.config.ConfirmationThreshold + 1
	}

	confirmed, err := t.repo.MarkPaymentConfirmed(transactionHash, appeared, t.now())
	if err != nil {
		return err
	}
	if !confirmed {
		return nil
	}

	t.logger.Info("Payment confirmed",
		"tx", transactionHash,
		"address", payment.AddressHash,
		"appeared_at", appeared)
	t.notifyOwner(ctx, payment.AddressHash, models.EventConfirmed)
	return nil
}

// notifyOwner sends the current snapshot of whichever invoice or watched
// address owns addressHash. Failures are logged; the state change stands.
func (t *Treasury) notifyOwner(ctx context.Context, addressHash string, event models.NotificationEvent) {
	invoice, err := t.repo.FindInvoiceByAddressHash(addressHash)
	if err != nil {
		t.logger.Error("Failed to look up invoice", "address", addressHash, "error", err)
		return
	}
	if invoice != nil {
		snapshot, err := t.InvoiceSnapshot(invoice)
		if err != nil {
			t.logger.Error("Failed to build invoice snapshot", "invoice", invoice.Identifier, "error", err)
			return
		}
		t.send(ctx, "invoice", invoice.Identifier, invoice.NotificationURL, event, snapshot)
		return
	}

	address, err := t.repo.FindWatchingAddressByAddressHash(addressHash)
	if err != nil {
		t.logger.Error("Failed to look up watching address", "address", addressHash, "error", err)
		return
	}
	if address != nil {
		snapshot, err := t.WatchingAddressSnapshot(address)
		if err != nil {
			t.logger.Error("Failed to build address snapshot", "address", address.Identifier, "error", err)
			return
		}
		t.send(ctx, "address", address.Identifier, address.NotificationURL, event, snapshot)
		return
	}

	t.logger.Warn("Payment for untracked address, no one to notify", "address", addressHash)
}

func (t *Treasury) send(ctx context.Context, subject, identifier, url string, event models.NotificationEvent, snapshot interface{}) {
	body, err := json.Marshal(snapshot)
	if err != nil {
		t.logger.Error("Failed to marshal notification", "subject", subject, "identifier", identifier, "error", err)
		return
	}
	t.notificator.SendNotification(ctx, &models.Notification{
		Subject:    subject,
		Identifier: identifier,
		Event:      event,
		URL:        url,
		Body:       body,
	})
}
