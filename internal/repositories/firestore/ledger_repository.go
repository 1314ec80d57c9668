package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/printloft/api/internal/domain"
	pfirestore "github.com/printloft/api/internal/platform/firestore"
	"github.com/printloft/api/internal/repositories"
)

// LedgerRepository finalises pending transactions against their invoice and
// order inside one Firestore transaction. Either all three records commit or
// none do. Firestore requires all reads before the first write, so each method
// reads transaction, invoice, and order up front and mutates copies.
type LedgerRepository struct {
	provider     *pfirestore.Provider
	orders       *OrderRepository
	invoices     *InvoiceRepository
	transactions *TransactionRepository
}

// NewLedgerRepository constructs the ledger over the shared provider and the
// repositories owning the three collections.
func NewLedgerRepository(
	provider *pfirestore.Provider,
	orders *OrderRepository,
	invoices *InvoiceRepository,
	transactions *TransactionRepository,
) (*LedgerRepository, error) {
	if provider == nil {
		return nil, errors.New("ledger repository requires firestore provider")
	}
	if orders == nil || invoices == nil || transactions == nil {
		return nil, errors.New("ledger repository requires order, invoice, and transaction repositories")
	}
	return &LedgerRepository{
		provider:     provider,
		orders:       orders,
		invoices:     invoices,
		transactions: transactions,
	}, nil
}

// ApplyCompletedTransaction marks the pending transaction completed and rolls
// its amount into the invoice and order balances atomically. A transaction
// that already left pending surfaces as a conflict so the caller can treat the
// call as a replay.
func (r *LedgerRepository) ApplyCompletedTransaction(ctx context.Context, req repositories.LedgerApplyRequest) (repositories.LedgerApplyResult, error) {
	if r == nil || r.provider == nil {
		return repositories.LedgerApplyResult{}, errors.New("ledger repository not initialised")
	}
	transactionID := strings.TrimSpace(req.TransactionID)
	if transactionID == "" {
		return repositories.LedgerApplyResult{}, errors.New("ledger apply: transaction id is required")
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	var result repositories.LedgerApplyResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		txn, txnRef, err := r.readTransaction(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if txn.Status != domain.TransactionStatusPending {
			return pfirestore.NewConflictError("ledger.apply",
				fmt.Errorf("transaction %s is %s, not pending", transactionID, txn.Status))
		}
		if txn.Type == domain.TransactionTypeRefund {
			return fmt.Errorf("ledger apply: transaction %s is a refund, use ApplyRefundTransaction", transactionID)
		}

		invoice, invoiceRef, err := r.readInvoice(ctx, tx, txn.InvoiceRef)
		if err != nil {
			return err
		}
		order, orderRef, err := r.readOrder(ctx, tx, txn.OrderRef)
		if err != nil {
			return err
		}

		if err := domain.ApplyPayment(&order, &invoice, txn.Amount); err != nil {
			return err
		}

		txn.Status = domain.TransactionStatusCompleted
		txn.PaidAt = &now
		txn.UpdatedAt = now
		if req.VerifiedBy != nil {
			txn.VerifiedBy = req.VerifiedBy
			txn.VerifiedAt = &now
		}
		if len(req.Gateway) > 0 {
			if txn.Gateway == nil {
				txn.Gateway = make(map[string]any, len(req.Gateway))
			}
			for k, v := range req.Gateway {
				txn.Gateway[k] = v
			}
		}

		invoice.TransactionRefs = appendUnique(invoice.TransactionRefs, txn.ID)
		invoice.UpdatedAt = now
		if invoice.Status == domain.InvoiceStatusPaid && invoice.PaidAt == nil {
			invoice.PaidAt = &now
		}

		order.UpdatedAt = now
		if order.PaymentStatus == domain.PaymentStatusCompleted && order.PaidAt == nil {
			order.PaidAt = &now
		}
		order.Version++

		if err := tx.Set(txnRef, newTransactionDocument(txn)); err != nil {
			return err
		}
		if err := tx.Set(invoiceRef, newInvoiceDocument(invoice)); err != nil {
			return err
		}
		if err := tx.Set(orderRef, newOrderDocument(order)); err != nil {
			return err
		}

		result = repositories.LedgerApplyResult{Transaction: txn, Invoice: invoice, Order: order}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrBalanceInvariant) {
			return repositories.LedgerApplyResult{}, err
		}
		return repositories.LedgerApplyResult{}, pfirestore.WrapError("ledger.apply", err)
	}
	return result, nil
}

// ApplyRefundTransaction finalises a pending refund against the completed
// transaction it reverses. When the refund fully reverses the original, the
// original transaction flips to refunded in the same commit.
func (r *LedgerRepository) ApplyRefundTransaction(ctx context.Context, req repositories.LedgerRefundRequest) (repositories.LedgerApplyResult, error) {
	if r == nil || r.provider == nil {
		return repositories.LedgerApplyResult{}, errors.New("ledger repository not initialised")
	}
	transactionID := strings.TrimSpace(req.TransactionID)
	if transactionID == "" {
		return repositories.LedgerApplyResult{}, errors.New("ledger refund: transaction id is required")
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	var result repositories.LedgerApplyResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		txn, txnRef, err := r.readTransaction(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if txn.Status != domain.TransactionStatusPending {
			return pfirestore.NewConflictError("ledger.refund",
				fmt.Errorf("refund %s is %s, not pending", transactionID, txn.Status))
		}
		if txn.Type != domain.TransactionTypeRefund || txn.RefundOf == nil {
			return fmt.Errorf("ledger refund: transaction %s does not reference an original transaction", transactionID)
		}

		original, originalRef, err := r.readTransaction(ctx, tx, *txn.RefundOf)
		if err != nil {
			return err
		}
		if original.Status != domain.TransactionStatusCompleted {
			return pfirestore.NewConflictError("ledger.refund",
				fmt.Errorf("original transaction %s is %s, only completed payments can be refunded", original.ID, original.Status))
		}
		if original.Type == domain.TransactionTypeRefund {
			return fmt.Errorf("ledger refund: transaction %s is itself a refund and cannot be reversed", original.ID)
		}
		if txn.Amount > original.Amount {
			return fmt.Errorf("%w: refund %d exceeds original amount %d on transaction %s",
				domain.ErrBalanceInvariant, txn.Amount, original.Amount, original.ID)
		}

		invoice, invoiceRef, err := r.readInvoice(ctx, tx, txn.InvoiceRef)
		if err != nil {
			return err
		}
		order, orderRef, err := r.readOrder(ctx, tx, txn.OrderRef)
		if err != nil {
			return err
		}

		if err := domain.ApplyRefund(&order, &invoice, txn.Amount); err != nil {
			return err
		}

		txn.Status = domain.TransactionStatusCompleted
		txn.PaidAt = &now
		txn.UpdatedAt = now
		if req.VerifiedBy != nil {
			txn.VerifiedBy = req.VerifiedBy
			txn.VerifiedAt = &now
		}

		fullyReversed := txn.Amount == original.Amount
		if fullyReversed {
			original.Status = domain.TransactionStatusRefunded
			original.UpdatedAt = now
		}

		invoice.TransactionRefs = appendUnique(invoice.TransactionRefs, txn.ID)
		invoice.UpdatedAt = now
		order.UpdatedAt = now
		order.Version++

		if err := tx.Set(txnRef, newTransactionDocument(txn)); err != nil {
			return err
		}
		if fullyReversed {
			if err := tx.Set(originalRef, newTransactionDocument(original)); err != nil {
				return err
			}
		}
		if err := tx.Set(invoiceRef, newInvoiceDocument(invoice)); err != nil {
			return err
		}
		if err := tx.Set(orderRef, newOrderDocument(order)); err != nil {
			return err
		}

		result = repositories.LedgerApplyResult{Transaction: txn, Invoice: invoice, Order: order}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrBalanceInvariant) {
			return repositories.LedgerApplyResult{}, err
		}
		return repositories.LedgerApplyResult{}, pfirestore.WrapError("ledger.refund", err)
	}
	return result, nil
}

// MarkTransactionFailed flips a pending transaction to failed with the given
// reason. No balances move.
func (r *LedgerRepository) MarkTransactionFailed(ctx context.Context, req repositories.LedgerFailRequest) (domain.Transaction, error) {
	if r == nil || r.provider == nil {
		return domain.Transaction{}, errors.New("ledger repository not initialised")
	}
	transactionID := strings.TrimSpace(req.TransactionID)
	if transactionID == "" {
		return domain.Transaction{}, errors.New("ledger fail: transaction id is required")
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	var failed domain.Transaction
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		txn, txnRef, err := r.readTransaction(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if txn.Status != domain.TransactionStatusPending {
			return pfirestore.NewConflictError("ledger.fail",
				fmt.Errorf("transaction %s is %s, not pending", transactionID, txn.Status))
		}

		txn.Status = domain.TransactionStatusFailed
		txn.FailureReason = strings.TrimSpace(req.Reason)
		txn.UpdatedAt = now
		if err := tx.Set(txnRef, newTransactionDocument(txn)); err != nil {
			return err
		}
		failed = txn
		return nil
	})
	if err != nil {
		return domain.Transaction{}, pfirestore.WrapError("ledger.fail", err)
	}
	return failed, nil
}

func (r *LedgerRepository) readTransaction(ctx context.Context, tx *firestore.Transaction, id string) (domain.Transaction, *firestore.DocumentRef, error) {
	ref, err := r.transactions.transactions.DocumentRef(ctx, id)
	if err != nil {
		return domain.Transaction{}, nil, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return domain.Transaction{}, nil, pfirestore.NewNotFoundError("ledger.read",
				fmt.Errorf("transaction %s not found", id))
		}
		return domain.Transaction{}, nil, err
	}
	var doc transactionDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Transaction{}, nil, fmt.Errorf("decode transaction %s: %w", id, err)
	}
	return doc.toDomain(snap.Ref.ID), ref, nil
}

func (r *LedgerRepository) readInvoice(ctx context.Context, tx *firestore.Transaction, id string) (domain.Invoice, *firestore.DocumentRef, error) {
	ref, err := r.invoices.invoices.DocumentRef(ctx, id)
	if err != nil {
		return domain.Invoice{}, nil, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return domain.Invoice{}, nil, pfirestore.NewNotFoundError("ledger.read",
				fmt.Errorf("invoice %s not found", id))
		}
		return domain.Invoice{}, nil, err
	}
	var doc invoiceDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Invoice{}, nil, fmt.Errorf("decode invoice %s: %w", id, err)
	}
	return doc.toDomain(snap.Ref.ID), ref, nil
}

func (r *LedgerRepository) readOrder(ctx context.Context, tx *firestore.Transaction, id string) (domain.Order, *firestore.DocumentRef, error) {
	ref, err := r.orders.orders.DocumentRef(ctx, id)
	if err != nil {
		return domain.Order{}, nil, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return domain.Order{}, nil, pfirestore.NewNotFoundError("ledger.read",
				fmt.Errorf("order %s not found", id))
		}
		return domain.Order{}, nil, err
	}
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, nil, fmt.Errorf("decode order %s: %w", id, err)
	}
	return doc.toDomain(snap.Ref.ID), ref, nil
}

func appendUnique(refs []string, id string) []string {
	for _, existing := range refs {
		if existing == id {
			return refs
		}
	}
	return append(refs, id)
}
