package services

import (
	"context"
	"time"

	domain "github.com/printloft/api/internal/domain"
	"github.com/printloft/api/internal/repositories"
)

// OrderService is the lifecycle controller. All status changes flow through
// Transition so the allowed-transition table stays the single authority.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	GetByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	ListOrders(ctx context.Context, query OrderListQuery) (domain.CursorPage[domain.Order], error)
	Transition(ctx context.Context, cmd TransitionOrderCommand) (domain.Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error)
}

// InvoiceService raises and issues billing documents against orders.
type InvoiceService interface {
	CreateInvoice(ctx context.Context, cmd CreateInvoiceCommand) (domain.Invoice, error)
	Issue(ctx context.Context, cmd IssueInvoiceCommand) (domain.Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (domain.Invoice, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Invoice, error)
	MarkOverdue(ctx context.Context, cmd MarkOverdueCommand) (int, error)
}

// PaymentService reconciles money movements against invoices and orders.
type PaymentService interface {
	RecordGatewayTransaction(ctx context.Context, cmd GatewayTransactionCommand) (PaymentResult, error)
	RecordManualTransfer(ctx context.Context, cmd ManualTransferCommand) (PaymentResult, error)
	VerifyManualTransfer(ctx context.Context, cmd VerifyTransferCommand) (PaymentResult, error)
	RecordRefund(ctx context.Context, cmd RefundCommand) (PaymentResult, error)
	GetTransaction(ctx context.Context, transactionID string) (domain.Transaction, error)
}

// ShippingService attaches and advances the fulfilment record for paid orders.
type ShippingService interface {
	AttachShipping(ctx context.Context, cmd AttachShippingCommand) (domain.Shipping, error)
	UpdateStatus(ctx context.Context, cmd UpdateShippingCommand) (domain.Shipping, error)
	GetShipping(ctx context.Context, shippingID string) (domain.Shipping, error)
	GetByOrder(ctx context.Context, orderID string) (domain.Shipping, bool, error)
}

// CreateOrderCommand captures a checkout submission.
type CreateOrderCommand struct {
	UserID          string
	Items           []domain.OrderLineItem
	Currency        string
	PaymentPlan     domain.PaymentPlan
	RequiredDeposit int64
	Notes           string
	Metadata        map[string]any
	ActorID         string
}

// TransitionOrderCommand drives one lifecycle event against an order.
type TransitionOrderCommand struct {
	OrderID  string
	Event    domain.OrderEvent
	ActorID  string
	Reason   string
	Metadata map[string]any
}

// CancelOrderCommand soft-cancels a non-terminal order.
type CancelOrderCommand struct {
	OrderID string
	Reason  string
	ActorID string
}

// OrderListQuery narrows order listings.
type OrderListQuery struct {
	UserID     string
	Status     []domain.OrderStatus
	From       *time.Time
	To         *time.Time
	Pagination domain.Pagination
}

// CreateInvoiceCommand raises a draft invoice from the order snapshot. Deposit
// plans carry an explicit staff-supplied deposit amount.
type CreateInvoiceCommand struct {
	OrderID       string
	Type          domain.InvoiceType
	Discount      int64
	DepositAmount int64
	DueAt         *time.Time
	ActorID       string
}

// IssueInvoiceCommand moves a draft invoice to sent, locking its numbers.
type IssueInvoiceCommand struct {
	InvoiceID string
	DueAt     *time.Time
	ActorID   string
}

// MarkOverdueCommand sweeps unpaid invoices past their due date.
type MarkOverdueCommand struct {
	Cutoff   time.Time
	PageSize int
}

// GatewayTransactionCommand carries a gateway webhook payload. TransactionID is
// the gateway charge reference and doubles as the idempotency key.
type GatewayTransactionCommand struct {
	TransactionID string
	OrderID       string
	InvoiceID     string
	Amount        int64
	Currency      string
	Provider      string
	Metadata      map[string]string
}

// ManualTransferCommand records a customer-reported bank transfer with its
// uploaded receipt. The transaction stays pending until staff verify it.
type ManualTransferCommand struct {
	OrderID     string
	InvoiceID   string
	Amount      int64
	Currency    string
	ReceiptPath string
	ActorID     string
}

// VerifyTransferCommand is the staff decision on a pending manual transfer.
type VerifyTransferCommand struct {
	TransactionID string
	Approve       bool
	Reason        string
	VerifiedBy    string
}

// RefundCommand reverses a prior completed transaction. A nil Amount refunds
// the full original amount.
type RefundCommand struct {
	TransactionID string
	Amount        *int64
	Reason        string
	ActorID       string
}

// PaymentResult returns the reconciled records. Duplicate marks an idempotent
// replay whose balances were already applied by an earlier request.
type PaymentResult struct {
	Transaction domain.Transaction
	Invoice     domain.Invoice
	Order       domain.Order
	Duplicate   bool
}

// AttachShippingCommand creates the fulfilment record for a paid order.
type AttachShippingCommand struct {
	OrderID string
	Method  domain.ShippingMethod
	Address *domain.Address
	ActorID string
}

// UpdateShippingCommand advances the shipping status. Tracking number is
// required when moving to shipped.
type UpdateShippingCommand struct {
	ShippingID     string
	Target         domain.ShippingStatus
	TrackingNumber string
	ActorID        string
}

// EventPublisher delivers order events to downstream consumers. Publishing is
// best effort after commit; callers log failures and move on.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error)
}

// OrderEventMessage is the notification payload emitted after durable commits.
type OrderEventMessage struct {
	EventID        string    `json:"eventId"`
	Type           string    `json:"type"`
	OrderID        string    `json:"orderId"`
	OrderNumber    string    `json:"orderNumber"`
	TransactionID  string    `json:"transactionId,omitempty"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	CurrentStatus  string    `json:"currentStatus,omitempty"`
	AmountDisplay  string    `json:"amountDisplay,omitempty"`
	ActorID        string    `json:"actorId,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Logger is the structured logging hook services receive from the container.
type Logger func(ctx context.Context, event string, fields map[string]any)

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

var _ repositories.UnitOfWork = noopUnitOfWork{}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}

func ensureMap(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	return src
}
