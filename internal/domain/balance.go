package domain

import (
	"errors"
	"fmt"
)

// ErrBalanceInvariant signals that applying a movement would leave order or
// invoice balances inconsistent. It always indicates a bug or corrupt data and
// must abort the enclosing unit of work.
var ErrBalanceInvariant = errors.New("ledger: balance invariant violated")

// CheckOrderBalances verifies the core ledger invariant on an order.
func CheckOrderBalances(order Order) error {
	if order.AmountPaid < 0 || order.RemainingBalance < 0 {
		return fmt.Errorf("%w: order %s has negative balance fields", ErrBalanceInvariant, order.ID)
	}
	if order.AmountPaid+order.RemainingBalance != order.TotalAmount {
		return fmt.Errorf("%w: order %s paid %d + remaining %d != total %d",
			ErrBalanceInvariant, order.ID, order.AmountPaid, order.RemainingBalance, order.TotalAmount)
	}
	return nil
}

// ApplyPayment applies a completed payment amount to invoice and order
// together, recomputing remaining balances (clamped at zero) and statuses.
// The caller persists both records in one unit of work.
func ApplyPayment(order *Order, invoice *Invoice, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: payment amount %d must be positive", ErrBalanceInvariant, amount)
	}

	invoice.AmountPaid += amount
	invoice.RemainingAmount = invoice.TotalAmount - invoice.AmountPaid
	if invoice.RemainingAmount < 0 {
		invoice.RemainingAmount = 0
	}
	invoice.Status = derivedInvoiceStatus(*invoice)

	order.AmountPaid += amount
	order.RemainingBalance = order.TotalAmount - order.AmountPaid
	if order.RemainingBalance < 0 {
		return fmt.Errorf("%w: order %s overpaid by %d", ErrBalanceInvariant, order.ID, -order.RemainingBalance)
	}
	order.PaymentStatus = derivedPaymentStatus(*order)

	return CheckOrderBalances(*order)
}

// ApplyRefund reverses a prior completed payment. The refund may not exceed
// what has actually been paid on the invoice.
func ApplyRefund(order *Order, invoice *Invoice, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: refund amount %d must be positive", ErrBalanceInvariant, amount)
	}
	if amount > invoice.AmountPaid {
		return fmt.Errorf("%w: refund %d exceeds paid %d on invoice %s",
			ErrBalanceInvariant, amount, invoice.AmountPaid, invoice.ID)
	}
	if amount > order.AmountPaid {
		return fmt.Errorf("%w: refund %d exceeds paid %d on order %s",
			ErrBalanceInvariant, amount, order.AmountPaid, order.ID)
	}

	invoice.AmountPaid -= amount
	invoice.RemainingAmount = invoice.TotalAmount - invoice.AmountPaid
	if invoice.RemainingAmount < 0 {
		invoice.RemainingAmount = 0
	}
	invoice.Status = derivedInvoiceStatus(*invoice)

	order.AmountPaid -= amount
	order.RemainingBalance = order.TotalAmount - order.AmountPaid
	if order.AmountPaid == 0 {
		order.PaymentStatus = PaymentStatusRefunded
	} else {
		order.PaymentStatus = derivedPaymentStatus(*order)
	}

	return CheckOrderBalances(*order)
}

func derivedInvoiceStatus(inv Invoice) InvoiceStatus {
	switch {
	case inv.AmountPaid >= inv.TotalAmount && inv.TotalAmount > 0:
		return InvoiceStatusPaid
	case inv.AmountPaid > 0:
		return InvoiceStatusPartiallyPaid
	case inv.Status == InvoiceStatusDraft || inv.Status == InvoiceStatusOverdue || inv.Status == InvoiceStatusCancelled:
		return inv.Status
	default:
		return InvoiceStatusSent
	}
}

func derivedPaymentStatus(order Order) PaymentStatus {
	switch {
	case order.AmountPaid >= order.TotalAmount && order.TotalAmount > 0:
		return PaymentStatusCompleted
	case order.AmountPaid > 0:
		return PaymentStatusPartPayment
	default:
		return PaymentStatusPending
	}
}

// PaymentEventFor derives the lifecycle event a freshly applied payment
// justifies, if any.
func PaymentEventFor(order Order) (OrderEvent, bool) {
	switch {
	case order.RemainingBalance == 0 && order.AmountPaid == order.TotalAmount:
		return EventFinalPaid, true
	case order.AmountPaid > 0 && (order.RequiredDeposit <= 0 || order.AmountPaid >= order.RequiredDeposit):
		return EventPartPaymentMade, true
	}
	return "", false
}
