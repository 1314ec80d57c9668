package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/printloft/api/internal/domain"
)

func testOrderForInvoice() domain.Order {
	return domain.Order{
		ID:          "ord_1",
		OrderNumber: "PL-2026-000001",
		UserID:      "user-1",
		Currency:    "USD",
		Status:      domain.OrderStatusFilesUploaded,
		Items: []domain.OrderLineItem{
			{ProductRef: "prod-1", Name: "Business cards", Quantity: 2, UnitPrice: 1500, Total: 3000},
			{ProductRef: "prod-2", Name: "Posters", Quantity: 1, UnitPrice: 5000, Total: 5000},
		},
		TotalAmount:         8000,
		RemainingBalance:    8000,
		RequiredPaymentType: domain.PaymentPlanFull,
	}
}

func newTestInvoiceService(t *testing.T, invoices *stubInvoiceRepo, orders *stubOrderRepo, controller OrderService) InvoiceService {
	t.Helper()
	svc, err := NewInvoiceService(InvoiceServiceDeps{
		Invoices:    invoices,
		Orders:      orders,
		Counters:    &stubCounterRepo{},
		Controller:  controller,
		Clock:       fixedClock(time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)),
		IDGenerator: sequenceIDs("01TEST"),
	})
	if err != nil {
		t.Fatalf("NewInvoiceService: %v", err)
	}
	return svc
}

func TestCreateInvoiceComputesTotals(t *testing.T) {
	var inserted domain.Invoice
	invoices := &stubInvoiceRepo{
		insertFn: func(ctx context.Context, invoice domain.Invoice) error {
			inserted = invoice
			return nil
		},
	}
	var linkedOrder domain.Order
	orders := &stubOrderRepo{
		findFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return testOrderForInvoice(), nil
		},
		updateFn: func(ctx context.Context, order domain.Order) (domain.Order, error) {
			linkedOrder = order
			return order, nil
		},
	}
	svc := newTestInvoiceService(t, invoices, orders, nil)

	invoice, err := svc.CreateInvoice(context.Background(), CreateInvoiceCommand{
		OrderID:  "ord_1",
		Discount: 500,
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	if invoice.Subtotal != 8000 || invoice.TotalAmount != 7500 || invoice.RemainingAmount != 7500 {
		t.Fatalf("unexpected totals: subtotal %d total %d remaining %d",
			invoice.Subtotal, invoice.TotalAmount, invoice.RemainingAmount)
	}
	if invoice.InvoiceNumber != "INV-2026-000001" {
		t.Fatalf("unexpected invoice number %q", invoice.InvoiceNumber)
	}
	if invoice.Status != domain.InvoiceStatusDraft {
		t.Fatalf("expected draft status, got %q", invoice.Status)
	}
	if len(invoice.Lines) != 2 || invoice.Lines[0].Total != 3000 {
		t.Fatalf("unexpected lines %#v", invoice.Lines)
	}
	if inserted.ID != invoice.ID {
		t.Fatalf("expected persisted invoice to match returned invoice")
	}
	if linkedOrder.InvoiceRef == nil || *linkedOrder.InvoiceRef != invoice.ID {
		t.Fatalf("expected order to link the new invoice")
	}
}

func TestCreateInvoiceRejectsOpenMain(t *testing.T) {
	invoices := &stubInvoiceRepo{
		findOpenMainFn: func(ctx context.Context, orderID string) (domain.Invoice, bool, error) {
			return domain.Invoice{ID: "inv_existing", Status: domain.InvoiceStatusSent}, true, nil
		},
	}
	orders := &stubOrderRepo{
		findFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return testOrderForInvoice(), nil
		},
	}
	svc := newTestInvoiceService(t, invoices, orders, nil)

	_, err := svc.CreateInvoice(context.Background(), CreateInvoiceCommand{OrderID: "ord_1"})
	if !errors.Is(err, ErrInvoiceInvalidOrderState) {
		t.Fatalf("expected ErrInvoiceInvalidOrderState, got %v", err)
	}
}

func TestCreateInvoiceRejectsNegativeTotal(t *testing.T) {
	orders := &stubOrderRepo{
		findFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return testOrderForInvoice(), nil
		},
	}
	svc := newTestInvoiceService(t, &stubInvoiceRepo{}, orders, nil)

	_, err := svc.CreateInvoice(context.Background(), CreateInvoiceCommand{
		OrderID:  "ord_1",
		Discount: 9000,
	})
	if !errors.Is(err, ErrInvoiceInvalidAmount) {
		t.Fatalf("expected ErrInvoiceInvalidAmount, got %v", err)
	}
}

func TestCreateInvoiceDepositPlan(t *testing.T) {
	orders := &stubOrderRepo{
		findFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			order := testOrderForInvoice()
			order.RequiredPaymentType = domain.PaymentPlanDeposit
			order.RequiredDeposit = 3000
			return order, nil
		},
		updateFn: func(ctx context.Context, order domain.Order) (domain.Order, error) {
			return order, nil
		},
	}
	svc := newTestInvoiceService(t, &stubInvoiceRepo{}, orders, nil)

	invoice, err := svc.CreateInvoice(context.Background(), CreateInvoiceCommand{
		OrderID:       "ord_1",
		DepositAmount: 2500,
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if invoice.DepositAmount != 2500 {
		t.Fatalf("expected explicit deposit to win, got %d", invoice.DepositAmount)
	}

	_, err = svc.CreateInvoice(context.Background(), CreateInvoiceCommand{
		OrderID:       "ord_1",
		DepositAmount: 9000,
	})
	if !errors.Is(err, ErrInvoiceInvalidAmount) {
		t.Fatalf("expected deposit above total to be rejected, got %v", err)
	}
}

func TestIssueLocksDraftAndFeedsController(t *testing.T) {
	invoices := &stubInvoiceRepo{
		findFn: func(ctx context.Context, invoiceID string) (domain.Invoice, error) {
			return domain.Invoice{
				ID:       invoiceID,
				OrderRef: "ord_1",
				Type:     domain.InvoiceTypeMain,
				Status:   domain.InvoiceStatusDraft,
			}, nil
		},
	}
	controller := &stubController{}
	svc := newTestInvoiceService(t, invoices, &stubOrderRepo{}, controller)

	invoice, err := svc.Issue(context.Background(), IssueInvoiceCommand{InvoiceID: "inv_1", ActorID: "staff-1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if invoice.Status != domain.InvoiceStatusSent || invoice.IssuedAt == nil {
		t.Fatalf("expected issued invoice, got %#v", invoice)
	}
	if len(controller.calls) != 1 || controller.calls[0].Event != domain.EventInvoiceSent {
		t.Fatalf("expected invoice_sent lifecycle event, got %#v", controller.calls)
	}
}

func TestIssueRejectsNonDraft(t *testing.T) {
	invoices := &stubInvoiceRepo{
		findFn: func(ctx context.Context, invoiceID string) (domain.Invoice, error) {
			return domain.Invoice{ID: invoiceID, Status: domain.InvoiceStatusSent}, nil
		},
	}
	svc := newTestInvoiceService(t, invoices, &stubOrderRepo{}, nil)

	_, err := svc.Issue(context.Background(), IssueInvoiceCommand{InvoiceID: "inv_1"})
	if !errors.Is(err, ErrInvoiceNotDraft) {
		t.Fatalf("expected ErrInvoiceNotDraft, got %v", err)
	}
}

func TestMarkOverdueSweepsSentInvoices(t *testing.T) {
	updated := map[string]domain.InvoiceStatus{}
	invoices := &stubInvoiceRepo{
		listDueBeforeFn: func(ctx context.Context, cutoff time.Time, pager domain.Pagination) (domain.CursorPage[domain.Invoice], error) {
			if pager.PageToken != "" {
				return domain.CursorPage[domain.Invoice]{}, nil
			}
			return domain.CursorPage[domain.Invoice]{
				Items: []domain.Invoice{
					{ID: "inv_1", Status: domain.InvoiceStatusSent},
					{ID: "inv_2", Status: domain.InvoiceStatusPartiallyPaid},
					{ID: "inv_3", Status: domain.InvoiceStatusPaid},
				},
				NextPageToken: "next",
			}, nil
		},
		updateFn: func(ctx context.Context, invoice domain.Invoice) error {
			updated[invoice.ID] = invoice.Status
			return nil
		},
	}
	svc := newTestInvoiceService(t, invoices, &stubOrderRepo{}, nil)

	count, err := svc.MarkOverdue(context.Background(), MarkOverdueCommand{
		Cutoff: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("MarkOverdue: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 invoices marked, got %d", count)
	}
	if updated["inv_1"] != domain.InvoiceStatusOverdue || updated["inv_2"] != domain.InvoiceStatusOverdue {
		t.Fatalf("expected overdue statuses, got %#v", updated)
	}
	if _, touched := updated["inv_3"]; touched {
		t.Fatalf("paid invoice must not be touched")
	}
}
