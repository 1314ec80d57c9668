package repositories

import (
	"context"
	"time"

	domain "github.com/printloft/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for
// dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Invoices() InvoiceRepository
	Transactions() TransactionRepository
	Shipping() ShippingRepository
	Counters() CounterRepository
	Ledger() LedgerRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation
// used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary
// when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order headers. Update is guarded by the order's
// version field; a stale version surfaces as a conflict.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// InvoiceRepository persists billing documents for orders.
type InvoiceRepository interface {
	Insert(ctx context.Context, invoice domain.Invoice) error
	Update(ctx context.Context, invoice domain.Invoice) error
	FindByID(ctx context.Context, invoiceID string) (domain.Invoice, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Invoice, error)
	// FindOpenMain returns the open main invoice for the order, if any.
	FindOpenMain(ctx context.Context, orderID string) (domain.Invoice, bool, error)
	ListDueBefore(ctx context.Context, cutoff time.Time, pager domain.Pagination) (domain.CursorPage[domain.Invoice], error)
}

// TransactionRepository stores immutable payment/refund records keyed by the
// idempotent transaction id. Create fails with a conflict when the id already
// exists, which is how first-writer-wins is enforced.
type TransactionRepository interface {
	Create(ctx context.Context, txn domain.Transaction) error
	FindByID(ctx context.Context, transactionID string) (domain.Transaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Transaction, error)
	ListByInvoice(ctx context.Context, invoiceID string) ([]domain.Transaction, error)
}

// ShippingRepository stores the 1:1 fulfilment record for orders.
type ShippingRepository interface {
	Insert(ctx context.Context, shipping domain.Shipping) error
	Update(ctx context.Context, shipping domain.Shipping) error
	FindByID(ctx context.Context, shippingID string) (domain.Shipping, error)
	FindByOrder(ctx context.Context, orderID string) (domain.Shipping, bool, error)
}

// CounterRepository provides transaction-safe sequence numbers for order and
// invoice numbering.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// LedgerRepository applies a verified money movement to the transaction, its
// invoice, and its order as one atomic commit. Partial application of the
// three records is the failure mode this interface exists to rule out.
type LedgerRepository interface {
	ApplyCompletedTransaction(ctx context.Context, req LedgerApplyRequest) (LedgerApplyResult, error)
	ApplyRefundTransaction(ctx context.Context, req LedgerRefundRequest) (LedgerApplyResult, error)
	MarkTransactionFailed(ctx context.Context, req LedgerFailRequest) (domain.Transaction, error)
}

// LedgerApplyRequest finalises a pending transaction as completed and rolls
// its amount into invoice and order balances.
type LedgerApplyRequest struct {
	TransactionID string
	VerifiedBy    *string
	Gateway       map[string]any
	Now           time.Time
}

// LedgerRefundRequest finalises a pending refund transaction against the
// completed transaction it reverses.
type LedgerRefundRequest struct {
	TransactionID string
	VerifiedBy    *string
	Now           time.Time
}

// LedgerFailRequest records a terminal verification failure. No balances move.
type LedgerFailRequest struct {
	TransactionID string
	Reason        string
	Now           time.Time
}

// LedgerApplyResult returns the three records as committed.
type LedgerApplyResult struct {
	Transaction domain.Transaction
	Invoice     domain.Invoice
	Order       domain.Order
}

// OrderListFilter narrows order listings for users and staff.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
