package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/printloft/api/internal/platform/firestore"
	"github.com/printloft/api/internal/repositories"
)

// Registry wires the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	orders       *OrderRepository
	invoices     *InvoiceRepository
	transactions *TransactionRepository
	shipping     *ShippingRepository
	counters     *CounterRepository
	ledger       *LedgerRepository
}

// NewRegistry constructs all repositories over a shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	invoices, err := NewInvoiceRepository(provider)
	if err != nil {
		return nil, err
	}
	transactions, err := NewTransactionRepository(provider)
	if err != nil {
		return nil, err
	}
	shipping, err := NewShippingRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}
	ledger, err := NewLedgerRepository(provider, orders, invoices, transactions)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:     provider,
		orders:       orders,
		invoices:     invoices,
		transactions: transactions,
		shipping:     shipping,
		counters:     counters,
		ledger:       ledger,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// RunInTx executes fn inside a Firestore transaction boundary.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}

func (r *Registry) Orders() repositories.OrderRepository             { return r.orders }
func (r *Registry) Invoices() repositories.InvoiceRepository         { return r.invoices }
func (r *Registry) Transactions() repositories.TransactionRepository { return r.transactions }
func (r *Registry) Shipping() repositories.ShippingRepository        { return r.shipping }
func (r *Registry) Counters() repositories.CounterRepository         { return r.counters }
func (r *Registry) Ledger() repositories.LedgerRepository            { return r.ledger }
