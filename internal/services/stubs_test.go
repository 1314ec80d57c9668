package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	domain "github.com/printloft/api/internal/domain"
	"github.com/printloft/api/internal/gateway"
	"github.com/printloft/api/internal/repositories"
)

// categorisedError is the test stand-in for repository error categorisation.
type categorisedError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *categorisedError) Error() string      { return e.msg }
func (e *categorisedError) IsNotFound() bool   { return e.notFound }
func (e *categorisedError) IsConflict() bool   { return e.conflict }
func (e *categorisedError) IsUnavailable() bool { return e.unavailable }

func notFoundErr(msg string) error { return &categorisedError{msg: msg, notFound: true} }
func conflictErr(msg string) error { return &categorisedError{msg: msg, conflict: true} }

type stubOrderRepo struct {
	insertFn       func(ctx context.Context, order domain.Order) error
	updateFn       func(ctx context.Context, order domain.Order) (domain.Order, error)
	findFn         func(ctx context.Context, orderID string) (domain.Order, error)
	findByNumberFn func(ctx context.Context, orderNumber string) (domain.Order, error)
	listFn         func(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, order)
	}
	order.Version++
	return order, nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, notFoundErr("order " + orderID + " not found")
}

func (s *stubOrderRepo) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if s.findByNumberFn != nil {
		return s.findByNumberFn(ctx, orderNumber)
	}
	return domain.Order{}, notFoundErr("order " + orderNumber + " not found")
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

type stubInvoiceRepo struct {
	insertFn        func(ctx context.Context, invoice domain.Invoice) error
	updateFn        func(ctx context.Context, invoice domain.Invoice) error
	findFn          func(ctx context.Context, invoiceID string) (domain.Invoice, error)
	listByOrderFn   func(ctx context.Context, orderID string) ([]domain.Invoice, error)
	findOpenMainFn  func(ctx context.Context, orderID string) (domain.Invoice, bool, error)
	listDueBeforeFn func(ctx context.Context, cutoff time.Time, pager domain.Pagination) (domain.CursorPage[domain.Invoice], error)
}

func (s *stubInvoiceRepo) Insert(ctx context.Context, invoice domain.Invoice) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, invoice)
	}
	return nil
}

func (s *stubInvoiceRepo) Update(ctx context.Context, invoice domain.Invoice) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, invoice)
	}
	return nil
}

func (s *stubInvoiceRepo) FindByID(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	if s.findFn != nil {
		return s.findFn(ctx, invoiceID)
	}
	return domain.Invoice{}, notFoundErr("invoice " + invoiceID + " not found")
}

func (s *stubInvoiceRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.Invoice, error) {
	if s.listByOrderFn != nil {
		return s.listByOrderFn(ctx, orderID)
	}
	return nil, nil
}

func (s *stubInvoiceRepo) FindOpenMain(ctx context.Context, orderID string) (domain.Invoice, bool, error) {
	if s.findOpenMainFn != nil {
		return s.findOpenMainFn(ctx, orderID)
	}
	return domain.Invoice{}, false, nil
}

func (s *stubInvoiceRepo) ListDueBefore(ctx context.Context, cutoff time.Time, pager domain.Pagination) (domain.CursorPage[domain.Invoice], error) {
	if s.listDueBeforeFn != nil {
		return s.listDueBeforeFn(ctx, cutoff, pager)
	}
	return domain.CursorPage[domain.Invoice]{}, nil
}

type stubTransactionRepo struct {
	createFn        func(ctx context.Context, txn domain.Transaction) error
	findFn          func(ctx context.Context, transactionID string) (domain.Transaction, error)
	listByOrderFn   func(ctx context.Context, orderID string) ([]domain.Transaction, error)
	listByInvoiceFn func(ctx context.Context, invoiceID string) ([]domain.Transaction, error)
}

func (s *stubTransactionRepo) Create(ctx context.Context, txn domain.Transaction) error {
	if s.createFn != nil {
		return s.createFn(ctx, txn)
	}
	return nil
}

func (s *stubTransactionRepo) FindByID(ctx context.Context, transactionID string) (domain.Transaction, error) {
	if s.findFn != nil {
		return s.findFn(ctx, transactionID)
	}
	return domain.Transaction{}, notFoundErr("transaction " + transactionID + " not found")
}

func (s *stubTransactionRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.Transaction, error) {
	if s.listByOrderFn != nil {
		return s.listByOrderFn(ctx, orderID)
	}
	return nil, nil
}

func (s *stubTransactionRepo) ListByInvoice(ctx context.Context, invoiceID string) ([]domain.Transaction, error) {
	if s.listByInvoiceFn != nil {
		return s.listByInvoiceFn(ctx, invoiceID)
	}
	return nil, nil
}

type stubShippingRepo struct {
	insertFn      func(ctx context.Context, shipping domain.Shipping) error
	updateFn      func(ctx context.Context, shipping domain.Shipping) error
	findFn        func(ctx context.Context, shippingID string) (domain.Shipping, error)
	findByOrderFn func(ctx context.Context, orderID string) (domain.Shipping, bool, error)
}

func (s *stubShippingRepo) Insert(ctx context.Context, shipping domain.Shipping) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, shipping)
	}
	return nil
}

func (s *stubShippingRepo) Update(ctx context.Context, shipping domain.Shipping) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, shipping)
	}
	return nil
}

func (s *stubShippingRepo) FindByID(ctx context.Context, shippingID string) (domain.Shipping, error) {
	if s.findFn != nil {
		return s.findFn(ctx, shippingID)
	}
	return domain.Shipping{}, notFoundErr("shipping " + shippingID + " not found")
}

func (s *stubShippingRepo) FindByOrder(ctx context.Context, orderID string) (domain.Shipping, bool, error) {
	if s.findByOrderFn != nil {
		return s.findByOrderFn(ctx, orderID)
	}
	return domain.Shipping{}, false, nil
}

type stubCounterRepo struct {
	mu    sync.Mutex
	value int64
	err   error
}

func (s *stubCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if step <= 0 {
		step = 1
	}
	s.value += step
	return s.value, nil
}

func (s *stubCounterRepo) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	return s.err
}

// recordingUnitOfWork runs the function inline and tracks whether callers
// group their writes inside the boundary.
type recordingUnitOfWork struct {
	calls  int
	active bool
}

func (u *recordingUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	u.calls++
	u.active = true
	defer func() { u.active = false }()
	return fn(ctx)
}

type stubLedger struct {
	applyFn  func(ctx context.Context, req repositories.LedgerApplyRequest) (repositories.LedgerApplyResult, error)
	refundFn func(ctx context.Context, req repositories.LedgerRefundRequest) (repositories.LedgerApplyResult, error)
	failFn   func(ctx context.Context, req repositories.LedgerFailRequest) (domain.Transaction, error)
}

func (s *stubLedger) ApplyCompletedTransaction(ctx context.Context, req repositories.LedgerApplyRequest) (repositories.LedgerApplyResult, error) {
	if s.applyFn != nil {
		return s.applyFn(ctx, req)
	}
	return repositories.LedgerApplyResult{}, errors.New("apply not stubbed")
}

func (s *stubLedger) ApplyRefundTransaction(ctx context.Context, req repositories.LedgerRefundRequest) (repositories.LedgerApplyResult, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, req)
	}
	return repositories.LedgerApplyResult{}, errors.New("refund not stubbed")
}

func (s *stubLedger) MarkTransactionFailed(ctx context.Context, req repositories.LedgerFailRequest) (domain.Transaction, error) {
	if s.failFn != nil {
		return s.failFn(ctx, req)
	}
	return domain.Transaction{}, errors.New("fail not stubbed")
}

type stubGateway struct {
	verifyFn func(ctx context.Context, chargeCtx gateway.ChargeContext, req gateway.VerifyRequest) (gateway.ChargeDetails, error)
	refundFn func(ctx context.Context, chargeCtx gateway.ChargeContext, req gateway.RefundRequest) (gateway.ChargeDetails, error)
}

func (s *stubGateway) VerifyCharge(ctx context.Context, chargeCtx gateway.ChargeContext, req gateway.VerifyRequest) (gateway.ChargeDetails, error) {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, chargeCtx, req)
	}
	return gateway.ChargeDetails{}, errors.New("verify not stubbed")
}

func (s *stubGateway) Refund(ctx context.Context, chargeCtx gateway.ChargeContext, req gateway.RefundRequest) (gateway.ChargeDetails, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, chargeCtx, req)
	}
	return gateway.ChargeDetails{}, errors.New("refund not stubbed")
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []OrderEventMessage
	err      error
}

func (p *recordingPublisher) PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, message)
	return fmt.Sprintf("msg-%d", len(p.messages)), nil
}

func (p *recordingPublisher) published() []OrderEventMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderEventMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

type stubController struct {
	transitionFn func(ctx context.Context, cmd TransitionOrderCommand) (domain.Order, error)
	calls        []TransitionOrderCommand
}

func (s *stubController) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubController) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubController) GetByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubController) ListOrders(ctx context.Context, query OrderListQuery) (domain.CursorPage[domain.Order], error) {
	return domain.CursorPage[domain.Order]{}, errors.New("not implemented")
}

func (s *stubController) Transition(ctx context.Context, cmd TransitionOrderCommand) (domain.Order, error) {
	s.calls = append(s.calls, cmd)
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return domain.Order{ID: cmd.OrderID}, nil
}

func (s *stubController) Cancel(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error) {
	return domain.Order{}, errors.New("not implemented")
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sequenceIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%04d", prefix, n)
	}
}
