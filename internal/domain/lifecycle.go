package domain

// OrderStatus enumerates the order lifecycle states.
type OrderStatus string

const (
	OrderStatusPending             OrderStatus = "pending"
	OrderStatusOrderReceived       OrderStatus = "order_received"
	OrderStatusFilesUploaded       OrderStatus = "files_uploaded"
	OrderStatusInvoiceSent         OrderStatus = "invoice_sent"
	OrderStatusDesignUploaded      OrderStatus = "design_uploaded"
	OrderStatusUnderReview         OrderStatus = "under_review"
	OrderStatusApproved            OrderStatus = "approved"
	OrderStatusAwaitingPartPayment OrderStatus = "awaiting_part_payment"
	OrderStatusPartPaymentMade     OrderStatus = "part_payment_made"
	OrderStatusAwaitingFinalPay    OrderStatus = "awaiting_final_payment"
	OrderStatusFinalPaid           OrderStatus = "final_paid"
	OrderStatusInProduction        OrderStatus = "in_production"
	OrderStatusCompleted           OrderStatus = "completed"
	OrderStatusReadyForShipping    OrderStatus = "ready_for_shipping"
	OrderStatusShipped             OrderStatus = "shipped"
	OrderStatusDelivered           OrderStatus = "delivered"
	OrderStatusCancelled           OrderStatus = "cancelled"
)

// OrderEvent names the triggers the lifecycle controller accepts.
type OrderEvent string

const (
	EventReceiveOrder       OrderEvent = "receive_order"
	EventFilesUploaded      OrderEvent = "files_uploaded"
	EventInvoiceSent        OrderEvent = "invoice_sent"
	EventDesignUploaded     OrderEvent = "design_uploaded"
	EventSubmitForReview    OrderEvent = "submit_for_review"
	EventApprove            OrderEvent = "approve"
	EventAwaitPayment       OrderEvent = "await_payment"
	EventPartPaymentMade    OrderEvent = "part_payment_made"
	EventFinalPaid          OrderEvent = "final_paid"
	EventStartProduction    OrderEvent = "start_production"
	EventCompleteProduction OrderEvent = "complete_production"
	EventReadyForShipping   OrderEvent = "ready_for_shipping"
	EventShip               OrderEvent = "ship"
	EventDeliver            OrderEvent = "deliver"
	EventCancel             OrderEvent = "cancel"
)

// orderTransitions is the single allowed-transition table; callers never
// re-derive transitions locally. The approved state branches by payment plan,
// so EventApprove resolves its target via ApproveTarget rather than this map.
var orderTransitions = map[OrderStatus]map[OrderEvent]OrderStatus{
	OrderStatusPending: {
		EventReceiveOrder: OrderStatusOrderReceived,
	},
	OrderStatusOrderReceived: {
		EventFilesUploaded: OrderStatusFilesUploaded,
	},
	OrderStatusFilesUploaded: {
		EventInvoiceSent: OrderStatusInvoiceSent,
	},
	OrderStatusInvoiceSent: {
		EventDesignUploaded: OrderStatusDesignUploaded,
	},
	OrderStatusDesignUploaded: {
		EventSubmitForReview: OrderStatusUnderReview,
	},
	OrderStatusUnderReview: {
		EventApprove: OrderStatusApproved,
	},
	OrderStatusApproved: {
		// EventAwaitPayment branches by payment plan; NextStatusFor resolves
		// it through ApproveTarget. Payment events arriving before the
		// awaiting hop are accepted directly.
		EventPartPaymentMade: OrderStatusPartPaymentMade,
		EventFinalPaid:       OrderStatusFinalPaid,
	},
	OrderStatusAwaitingPartPayment: {
		EventPartPaymentMade: OrderStatusPartPaymentMade,
		EventFinalPaid:       OrderStatusFinalPaid,
	},
	OrderStatusPartPaymentMade: {
		EventFinalPaid: OrderStatusFinalPaid,
	},
	OrderStatusAwaitingFinalPay: {
		EventFinalPaid: OrderStatusFinalPaid,
	},
	OrderStatusFinalPaid: {
		EventStartProduction: OrderStatusInProduction,
	},
	OrderStatusInProduction: {
		EventCompleteProduction: OrderStatusCompleted,
	},
	OrderStatusCompleted: {
		EventReadyForShipping: OrderStatusReadyForShipping,
	},
	OrderStatusReadyForShipping: {
		EventShip: OrderStatusShipped,
	},
	OrderStatusShipped: {
		EventDeliver: OrderStatusDelivered,
	},
}

// terminalStatuses cannot be cancelled or transitioned out of.
var terminalStatuses = map[OrderStatus]bool{
	OrderStatusDelivered: true,
	OrderStatusCancelled: true,
}

// NextStatus resolves the target state for an event from the transition table.
// Cancel is allowed from every non-terminal state.
func NextStatus(current OrderStatus, event OrderEvent) (OrderStatus, bool) {
	if event == EventCancel {
		if terminalStatuses[current] {
			return "", false
		}
		return OrderStatusCancelled, true
	}
	next, ok := orderTransitions[current][event]
	return next, ok
}

// NextStatusFor resolves an event against a concrete order, covering the
// plan-dependent await branch that the static table cannot express.
func NextStatusFor(order Order, event OrderEvent) (OrderStatus, bool) {
	if event == EventAwaitPayment {
		if order.Status != OrderStatusApproved {
			return "", false
		}
		return ApproveTarget(order.RequiredPaymentType), true
	}
	return NextStatus(order.Status, event)
}

// ApproveTarget is the state an approved order waits in, decided by the
// required payment plan.
func ApproveTarget(plan PaymentPlan) OrderStatus {
	if plan == PaymentPlanDeposit {
		return OrderStatusAwaitingPartPayment
	}
	return OrderStatusAwaitingFinalPay
}

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(status OrderStatus) bool {
	return terminalStatuses[status]
}

// PaymentSatisfied reports whether the order has reached a state where the
// balance is settled and fulfilment may begin.
func PaymentSatisfied(status OrderStatus) bool {
	switch status {
	case OrderStatusFinalPaid, OrderStatusInProduction, OrderStatusCompleted,
		OrderStatusReadyForShipping:
		return true
	}
	return false
}

// PaymentEventConsistent checks a payment-triggered event against the recorded
// balances. The controller is a derived-state machine: it never accepts a
// money event the reconciler has not already backed with a balance update.
func PaymentEventConsistent(order Order, event OrderEvent) bool {
	switch event {
	case EventPartPaymentMade:
		if order.AmountPaid <= 0 || order.RemainingBalance <= 0 {
			return false
		}
		return order.RequiredDeposit <= 0 || order.AmountPaid >= order.RequiredDeposit
	case EventFinalPaid:
		return order.RemainingBalance == 0 && order.AmountPaid == order.TotalAmount
	}
	return true
}
