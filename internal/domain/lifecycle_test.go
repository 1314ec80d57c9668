package domain

import "testing"

func TestNextStatusTable(t *testing.T) {
	cases := []struct {
		current OrderStatus
		event   OrderEvent
		want    OrderStatus
		ok      bool
	}{
		{OrderStatusPending, EventReceiveOrder, OrderStatusOrderReceived, true},
		{OrderStatusOrderReceived, EventFilesUploaded, OrderStatusFilesUploaded, true},
		{OrderStatusFilesUploaded, EventInvoiceSent, OrderStatusInvoiceSent, true},
		{OrderStatusInvoiceSent, EventDesignUploaded, OrderStatusDesignUploaded, true},
		{OrderStatusDesignUploaded, EventSubmitForReview, OrderStatusUnderReview, true},
		{OrderStatusUnderReview, EventApprove, OrderStatusApproved, true},
		{OrderStatusAwaitingPartPayment, EventPartPaymentMade, OrderStatusPartPaymentMade, true},
		{OrderStatusAwaitingPartPayment, EventFinalPaid, OrderStatusFinalPaid, true},
		{OrderStatusPartPaymentMade, EventFinalPaid, OrderStatusFinalPaid, true},
		{OrderStatusAwaitingFinalPay, EventFinalPaid, OrderStatusFinalPaid, true},
		{OrderStatusFinalPaid, EventStartProduction, OrderStatusInProduction, true},
		{OrderStatusInProduction, EventCompleteProduction, OrderStatusCompleted, true},
		{OrderStatusCompleted, EventReadyForShipping, OrderStatusReadyForShipping, true},
		{OrderStatusReadyForShipping, EventShip, OrderStatusShipped, true},
		{OrderStatusShipped, EventDeliver, OrderStatusDelivered, true},

		// Undefined pairs are rejected, never defaulted.
		{OrderStatusPending, EventShip, "", false},
		{OrderStatusPending, EventFinalPaid, "", false},
		{OrderStatusFinalPaid, EventFinalPaid, "", false},
		{OrderStatusShipped, EventStartProduction, "", false},
		{OrderStatusDelivered, EventDeliver, "", false},
	}

	for _, tc := range cases {
		got, ok := NextStatus(tc.current, tc.event)
		if ok != tc.ok || got != tc.want {
			t.Errorf("NextStatus(%s, %s) = (%s, %v), want (%s, %v)",
				tc.current, tc.event, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNextStatusCancelFromAnyNonTerminal(t *testing.T) {
	for _, status := range []OrderStatus{
		OrderStatusPending, OrderStatusApproved, OrderStatusAwaitingFinalPay,
		OrderStatusInProduction, OrderStatusShipped,
	} {
		got, ok := NextStatus(status, EventCancel)
		if !ok || got != OrderStatusCancelled {
			t.Errorf("cancel from %s = (%s, %v), want cancelled", status, got, ok)
		}
	}

	for _, status := range []OrderStatus{OrderStatusDelivered, OrderStatusCancelled} {
		if _, ok := NextStatus(status, EventCancel); ok {
			t.Errorf("cancel from terminal %s must be rejected", status)
		}
	}
}

func TestNextStatusForAwaitBranchesByPlan(t *testing.T) {
	deposit := Order{Status: OrderStatusApproved, RequiredPaymentType: PaymentPlanDeposit}
	got, ok := NextStatusFor(deposit, EventAwaitPayment)
	if !ok || got != OrderStatusAwaitingPartPayment {
		t.Fatalf("deposit plan await = (%s, %v), want awaiting_part_payment", got, ok)
	}

	full := Order{Status: OrderStatusApproved, RequiredPaymentType: PaymentPlanFull}
	got, ok = NextStatusFor(full, EventAwaitPayment)
	if !ok || got != OrderStatusAwaitingFinalPay {
		t.Fatalf("full plan await = (%s, %v), want awaiting_final_payment", got, ok)
	}

	// The branch only exists out of approved.
	if _, ok := NextStatusFor(Order{Status: OrderStatusPending}, EventAwaitPayment); ok {
		t.Fatalf("await_payment must be rejected outside approved")
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(OrderStatusDelivered) || !IsTerminal(OrderStatusCancelled) {
		t.Fatalf("delivered and cancelled are terminal")
	}
	if IsTerminal(OrderStatusCompleted) || IsTerminal(OrderStatusPending) {
		t.Fatalf("non-terminal status reported terminal")
	}
}

func TestPaymentSatisfied(t *testing.T) {
	satisfied := []OrderStatus{
		OrderStatusFinalPaid, OrderStatusInProduction,
		OrderStatusCompleted, OrderStatusReadyForShipping,
	}
	for _, status := range satisfied {
		if !PaymentSatisfied(status) {
			t.Errorf("%s should satisfy payment", status)
		}
	}
	for _, status := range []OrderStatus{OrderStatusPending, OrderStatusAwaitingFinalPay, OrderStatusPartPaymentMade} {
		if PaymentSatisfied(status) {
			t.Errorf("%s should not satisfy payment", status)
		}
	}
}

func TestPaymentEventConsistent(t *testing.T) {
	fullyPaid := Order{TotalAmount: 8000, AmountPaid: 8000, RemainingBalance: 0}
	if !PaymentEventConsistent(fullyPaid, EventFinalPaid) {
		t.Fatalf("fully paid order must back final_paid")
	}

	unpaid := Order{TotalAmount: 8000, RemainingBalance: 8000}
	if PaymentEventConsistent(unpaid, EventFinalPaid) {
		t.Fatalf("unpaid order must not back final_paid")
	}
	if PaymentEventConsistent(unpaid, EventPartPaymentMade) {
		t.Fatalf("unpaid order must not back part_payment_made")
	}

	deposited := Order{TotalAmount: 8000, AmountPaid: 3000, RemainingBalance: 5000, RequiredDeposit: 3000}
	if !PaymentEventConsistent(deposited, EventPartPaymentMade) {
		t.Fatalf("deposit-covering payment must back part_payment_made")
	}

	short := Order{TotalAmount: 8000, AmountPaid: 1000, RemainingBalance: 7000, RequiredDeposit: 3000}
	if PaymentEventConsistent(short, EventPartPaymentMade) {
		t.Fatalf("payment below the required deposit must not back part_payment_made")
	}

	// Non-payment events are never gated on balances.
	if !PaymentEventConsistent(unpaid, EventApprove) {
		t.Fatalf("non-payment events must pass")
	}
}
