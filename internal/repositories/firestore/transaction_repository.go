package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/printloft/api/internal/domain"
	pfirestore "github.com/printloft/api/internal/platform/firestore"
)

const transactionsCollection = "transactions"

// TransactionRepository stores immutable payment and refund records. The
// document id is the idempotency key; Create surfaces AlreadyExists as a
// conflict so replays can return the prior result instead of double-applying.
type TransactionRepository struct {
	provider     *pfirestore.Provider
	transactions *pfirestore.BaseRepository[transactionDocument]
}

// NewTransactionRepository constructs a Firestore-backed transaction
// repository.
func NewTransactionRepository(provider *pfirestore.Provider) (*TransactionRepository, error) {
	if provider == nil {
		return nil, errors.New("transaction repository requires firestore provider")
	}
	return &TransactionRepository{
		provider:     provider,
		transactions: pfirestore.NewBaseRepository[transactionDocument](provider, transactionsCollection),
	}, nil
}

// Create inserts the transaction, failing with a conflict when the id exists.
func (r *TransactionRepository) Create(ctx context.Context, txn domain.Transaction) error {
	if r == nil || r.transactions == nil {
		return errors.New("transaction repository not initialised")
	}
	if strings.TrimSpace(txn.ID) == "" {
		return errors.New("transaction create: id is required")
	}
	return r.transactions.Create(ctx, txn.ID, newTransactionDocument(txn))
}

// FindByID returns the transaction or a not-found categorised error.
func (r *TransactionRepository) FindByID(ctx context.Context, transactionID string) (domain.Transaction, error) {
	if r == nil || r.transactions == nil {
		return domain.Transaction{}, errors.New("transaction repository not initialised")
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return domain.Transaction{}, errors.New("transaction find: id is required")
	}
	doc, err := r.transactions.Get(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListByOrder returns all transactions recorded against the order, oldest
// first.
func (r *TransactionRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Transaction, error) {
	return r.list(ctx, "orderRef", orderID)
}

// ListByInvoice returns all transactions recorded against the invoice, oldest
// first.
func (r *TransactionRepository) ListByInvoice(ctx context.Context, invoiceID string) ([]domain.Transaction, error) {
	return r.list(ctx, "invoiceRef", invoiceID)
}

func (r *TransactionRepository) list(ctx context.Context, field, value string) ([]domain.Transaction, error) {
	if r == nil || r.transactions == nil {
		return nil, errors.New("transaction repository not initialised")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("transaction list: reference id is required")
	}

	docs, err := r.transactions.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where(field, "==", value).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	txns := make([]domain.Transaction, len(docs))
	for i, doc := range docs {
		txns[i] = doc.Data.toDomain(doc.ID)
	}
	return txns, nil
}

// Document mapping -----------------------------------------------------------

type transactionDocument struct {
	OrderRef      string         `firestore:"orderRef"`
	InvoiceRef    string         `firestore:"invoiceRef"`
	Amount        int64          `firestore:"amount"`
	Currency      string         `firestore:"currency"`
	Status        string         `firestore:"status"`
	Type          string         `firestore:"type"`
	Method        string         `firestore:"method"`
	Gateway       map[string]any `firestore:"gateway,omitempty"`
	ReceiptPath   string         `firestore:"receiptPath,omitempty"`
	RefundOf      *string        `firestore:"refundOf,omitempty"`
	VerifiedBy    *string        `firestore:"verifiedBy,omitempty"`
	VerifiedAt    *time.Time     `firestore:"verifiedAt,omitempty"`
	FailureReason string         `firestore:"failureReason,omitempty"`
	PaidAt        *time.Time     `firestore:"paidAt,omitempty"`
	CreatedAt     time.Time      `firestore:"createdAt"`
	UpdatedAt     time.Time      `firestore:"updatedAt"`
}

func newTransactionDocument(txn domain.Transaction) transactionDocument {
	return transactionDocument{
		OrderRef:      strings.TrimSpace(txn.OrderRef),
		InvoiceRef:    strings.TrimSpace(txn.InvoiceRef),
		Amount:        txn.Amount,
		Currency:      strings.ToUpper(strings.TrimSpace(txn.Currency)),
		Status:        string(txn.Status),
		Type:          string(txn.Type),
		Method:        string(txn.Method),
		Gateway:       txn.Gateway,
		ReceiptPath:   strings.TrimSpace(txn.ReceiptPath),
		RefundOf:      txn.RefundOf,
		VerifiedBy:    txn.VerifiedBy,
		VerifiedAt:    txn.VerifiedAt,
		FailureReason: txn.FailureReason,
		PaidAt:        txn.PaidAt,
		CreatedAt:     txn.CreatedAt.UTC(),
		UpdatedAt:     txn.UpdatedAt.UTC(),
	}
}

func (d transactionDocument) toDomain(id string) domain.Transaction {
	return domain.Transaction{
		ID:            id,
		OrderRef:      d.OrderRef,
		InvoiceRef:    d.InvoiceRef,
		Amount:        d.Amount,
		Currency:      d.Currency,
		Status:        domain.TransactionStatus(d.Status),
		Type:          domain.TransactionType(d.Type),
		Method:        domain.PaymentMethod(d.Method),
		Gateway:       d.Gateway,
		ReceiptPath:   d.ReceiptPath,
		RefundOf:      d.RefundOf,
		VerifiedBy:    d.VerifiedBy,
		VerifiedAt:    d.VerifiedAt,
		FailureReason: d.FailureReason,
		PaidAt:        d.PaidAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}
