package domain

import "time"

// PaymentPlan selects how much of an order total must be settled before
// production starts.
type PaymentPlan string

const (
	// PaymentPlanFull requires the entire order total upfront.
	PaymentPlanFull PaymentPlan = "full"
	// PaymentPlanDeposit requires a staff-supplied deposit upfront with the
	// balance collected before production completes.
	PaymentPlanDeposit PaymentPlan = "deposit"
)

// PaymentStatus is the rolled-up payment position of an order.
type PaymentStatus string

const (
	PaymentStatusPending     PaymentStatus = "pending"
	PaymentStatusPartPayment PaymentStatus = "part_payment"
	PaymentStatusCompleted   PaymentStatus = "completed"
	PaymentStatusFailed      PaymentStatus = "failed"
	PaymentStatusRefunded    PaymentStatus = "refunded"
)

// Order is the aggregate root tracking a commission from checkout through
// production, payment, and delivery. All monetary fields are minor units.
type Order struct {
	ID                  string
	OrderNumber         string
	UserID              string
	Items               []OrderLineItem
	Currency            string
	TotalAmount         int64
	AmountPaid          int64
	RemainingBalance    int64
	RequiredPaymentType PaymentPlan
	RequiredDeposit     int64
	Status              OrderStatus
	PaymentStatus       PaymentStatus
	InvoiceRef          *string
	ShippingRef         *string
	Notes               string
	Version             int64
	Audit               OrderAudit
	Metadata            map[string]any
	CreatedAt           time.Time
	UpdatedAt           time.Time
	PlacedAt            *time.Time
	ApprovedAt          *time.Time
	PaidAt              *time.Time
	ProductionAt        *time.Time
	ShippedAt           *time.Time
	DeliveredAt         *time.Time
	CancelledAt         *time.Time
	CancelReason        *string
}

// OrderLineItem is the immutable product snapshot captured at checkout.
type OrderLineItem struct {
	ProductRef string
	Name       string
	Options    map[string]any
	Quantity   int
	UnitPrice  int64
	Total      int64
}

// OrderAudit records the actors responsible for creating/updating the order.
type OrderAudit struct {
	CreatedBy *string
	UpdatedBy *string
}

// InvoiceType distinguishes the billing documents an order can carry.
type InvoiceType string

const (
	InvoiceTypeMain     InvoiceType = "main"
	InvoiceTypeShipping InvoiceType = "shipping"
	InvoiceTypeDeposit  InvoiceType = "deposit"
)

// InvoiceStatus tracks the billing document lifecycle.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusSent          InvoiceStatus = "sent"
	InvoiceStatusPartiallyPaid InvoiceStatus = "partially_paid"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusOverdue       InvoiceStatus = "overdue"
	InvoiceStatusCancelled     InvoiceStatus = "cancelled"
)

// OpenInvoiceStatuses are the main-invoice states that block issuing another
// main invoice for the same order.
var OpenInvoiceStatuses = []InvoiceStatus{
	InvoiceStatusDraft,
	InvoiceStatusSent,
	InvoiceStatusPartiallyPaid,
	InvoiceStatusOverdue,
}

// Invoice is a billing document derived from an order snapshot. Amount fields
// and numbering are immutable once the invoice leaves draft.
type Invoice struct {
	ID              string
	InvoiceNumber   string
	OrderRef        string
	OrderNumber     string
	Type            InvoiceType
	Lines           []InvoiceLine
	Currency        string
	Subtotal        int64
	Discount        int64
	TotalAmount     int64
	DepositAmount   int64
	AmountPaid      int64
	RemainingAmount int64
	Status          InvoiceStatus
	TransactionRefs []string
	IssuedAt        *time.Time
	DueAt           *time.Time
	PaidAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// InvoiceLine is an itemised billing row with its computed total.
type InvoiceLine struct {
	Description string
	ProductRef  string
	Quantity    int
	UnitPrice   int64
	Total       int64
}

// TransactionStatus tracks one payment or refund event. A transaction moves
// out of pending exactly once.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusRefunded  TransactionStatus = "refunded"
)

// TransactionType classifies the direction and intent of money movement.
type TransactionType string

const (
	TransactionTypeFinal  TransactionType = "final"
	TransactionTypePart   TransactionType = "part"
	TransactionTypeRefund TransactionType = "refund"
)

// PaymentMethod names the channel the money arrived through.
type PaymentMethod string

const (
	PaymentMethodGateway      PaymentMethod = "gateway"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

// Transaction is the immutable record of one payment or refund event. Its ID
// doubles as the global idempotency key: gateway webhooks reuse the gateway
// reference, manual transfers get a generated id. Transactions are never
// deleted; refunds reference the completed transaction they reverse.
type Transaction struct {
	ID            string
	OrderRef      string
	InvoiceRef    string
	Amount        int64
	Currency      string
	Status        TransactionStatus
	Type          TransactionType
	Method        PaymentMethod
	Gateway       map[string]any
	ReceiptPath   string
	RefundOf      *string
	VerifiedBy    *string
	VerifiedAt    *time.Time
	FailureReason string
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ShippingMethod selects how the finished order reaches the customer.
type ShippingMethod string

const (
	ShippingMethodPickup   ShippingMethod = "pickup"
	ShippingMethodDelivery ShippingMethod = "delivery"
)

// ShippingStatus advances monotonically; delivered is terminal.
type ShippingStatus string

const (
	ShippingStatusPending   ShippingStatus = "pending"
	ShippingStatusShipped   ShippingStatus = "shipped"
	ShippingStatusDelivered ShippingStatus = "delivered"
)

// Shipping is the 1:1 fulfilment record attached once an order is
// payment-satisfied.
type Shipping struct {
	ID             string
	OrderRef       string
	Method         ShippingMethod
	Address        *Address
	TrackingNumber string
	Status         ShippingStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ShippedAt      *time.Time
	DeliveredAt    *time.Time
}

// Address is the delivery destination snapshot stored on the shipping record.
type Address struct {
	Line1      string
	Line2      string
	City       string
	Region     string
	PostalCode string
	Country    string
	Phone      string
}

// Pagination carries cursor-based page controls through repository filters.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage wraps a page of results with the continuation token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// RangeQuery expresses an inclusive lower / exclusive upper bound filter.
type RangeQuery[T any] struct {
	From *T
	To   *T
}
