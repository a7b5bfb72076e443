package models

// Status is the payment state derived from the payments of an address.
type Status string

const (
	StatusPending     Status = "pending"
	StatusPaid        Status = "paid"
	StatusPaidPartial Status = "paidPartial"
	StatusPaidOver    Status = "paidOver"
)

// IsPaid reports whether the required amount was reached. Overpaying counts as paid.
func (s Status) IsPaid() bool {
	return s == StatusPaid || s == StatusPaidOver
}

// InvoiceStatus compares the received sum against the fixed required amount.
func InvoiceStatus(required, received int64) Status {
	switch {
	case received == 0:
		return StatusPending
	case received == required:
		return StatusPaid
	case received > required:
		return StatusPaidOver
	default:
		return StatusPaidPartial
	}
}

// WatchingAddressStatus has no required amount: anything received is paid.
func WatchingAddressStatus(received int64) Status {
	if received == 0 {
		return StatusPending
	}
	return StatusPaid
}

// SumReceived adds up the received amounts of all payments.
func SumReceived(payments []*Payment) int64 {
	var sum int64
	for _, payment := range payments {
		sum += payment.ReceivedSatoshi
	}
	return sum
}

// LatestPayment returns the most recently created payment of a newest-first list.
func LatestPayment(payments []*Payment) *Payment {
	if len(payments) == 0 {
		return nil
	}
	return payments[0]
}
