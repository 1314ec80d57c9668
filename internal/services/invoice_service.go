package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/printloft/api/internal/domain"
	"github.com/printloft/api/internal/repositories"
)

const invoiceIDPrefix = "inv_"

var (
	// ErrInvoiceInvalidInput signals the caller provided invalid data.
	ErrInvoiceInvalidInput = errors.New("invoice: invalid input")
	// ErrInvoiceNotFound indicates the invoice could not be located.
	ErrInvoiceNotFound = errors.New("invoice: not found")
	// ErrInvoiceInvalidOrderState indicates the order cannot take a new main
	// invoice, typically because an open one already exists.
	ErrInvoiceInvalidOrderState = errors.New("invoice: order state does not allow invoicing")
	// ErrInvoiceInvalidAmount indicates a computed total went negative or a
	// deposit exceeds the invoice total.
	ErrInvoiceInvalidAmount = errors.New("invoice: invalid amount")
	// ErrInvoiceConflict indicates concurrent modification or duplicates.
	ErrInvoiceConflict = errors.New("invoice: conflict")
	// ErrInvoiceNotDraft indicates an operation that only applies to drafts.
	ErrInvoiceNotDraft = errors.New("invoice: not in draft")
)

// InvoiceServiceDeps bundles collaborators required to construct the invoice
// service.
type InvoiceServiceDeps struct {
	Invoices    repositories.InvoiceRepository
	Orders      repositories.OrderRepository
	Counters    repositories.CounterRepository
	UnitOfWork  repositories.UnitOfWork
	Controller  OrderService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
}

type invoiceService struct {
	invoices   repositories.InvoiceRepository
	orders     repositories.OrderRepository
	counters   repositories.CounterRepository
	unitOfWork repositories.UnitOfWork
	controller OrderService
	clock      func() time.Time
	newID      func() string
	logger     Logger
}

// NewInvoiceService wires dependencies into a concrete InvoiceService
// implementation.
func NewInvoiceService(deps InvoiceServiceDeps) (InvoiceService, error) {
	if deps.Invoices == nil {
		return nil, errors.New("invoice service: invoice repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("invoice service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("invoice service: counter repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &invoiceService{
		invoices:   deps.Invoices,
		orders:     deps.Orders,
		counters:   deps.Counters,
		unitOfWork: unit,
		controller: deps.Controller,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *invoiceService) CreateInvoice(ctx context.Context, cmd CreateInvoiceCommand) (domain.Invoice, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Invoice{}, fmt.Errorf("%w: order id is required", ErrInvoiceInvalidInput)
	}
	if cmd.Discount < 0 {
		return domain.Invoice{}, fmt.Errorf("%w: discount must not be negative", ErrInvoiceInvalidAmount)
	}
	if cmd.DepositAmount < 0 {
		return domain.Invoice{}, fmt.Errorf("%w: deposit must not be negative", ErrInvoiceInvalidAmount)
	}

	invoiceType := cmd.Type
	if invoiceType == "" {
		invoiceType = domain.InvoiceTypeMain
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Invoice{}, s.mapRepositoryError(err)
	}
	if domain.IsTerminal(order.Status) {
		return domain.Invoice{}, fmt.Errorf("%w: order %s is %s", ErrInvoiceInvalidOrderState, order.ID, order.Status)
	}

	if invoiceType == domain.InvoiceTypeMain {
		_, exists, err := s.invoices.FindOpenMain(ctx, orderID)
		if err != nil {
			return domain.Invoice{}, s.mapRepositoryError(err)
		}
		if exists {
			return domain.Invoice{}, fmt.Errorf("%w: order %s already has an open main invoice", ErrInvoiceInvalidOrderState, order.ID)
		}
	}

	lines := make([]domain.InvoiceLine, len(order.Items))
	var subtotal int64
	for i, item := range order.Items {
		lines[i] = domain.InvoiceLine{
			Description: item.Name,
			ProductRef:  item.ProductRef,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Total:       item.Total,
		}
		subtotal += item.Total
	}

	total := subtotal - cmd.Discount
	if total < 0 {
		return domain.Invoice{}, fmt.Errorf("%w: discount %d exceeds subtotal %d", ErrInvoiceInvalidAmount, cmd.Discount, subtotal)
	}

	deposit := cmd.DepositAmount
	if order.RequiredPaymentType == domain.PaymentPlanDeposit && invoiceType == domain.InvoiceTypeMain {
		if deposit == 0 {
			deposit = order.RequiredDeposit
		}
		if deposit <= 0 || deposit > total {
			return domain.Invoice{}, fmt.Errorf("%w: deposit %d must be positive and within total %d", ErrInvoiceInvalidAmount, deposit, total)
		}
	} else if deposit != 0 {
		return domain.Invoice{}, fmt.Errorf("%w: deposit only applies to the main invoice of a deposit-plan order", ErrInvoiceInvalidAmount)
	}

	now := s.now()
	number, err := s.generateInvoiceNumber(ctx, now)
	if err != nil {
		return domain.Invoice{}, err
	}

	invoice := domain.Invoice{
		ID:              invoiceIDPrefix + s.newID(),
		InvoiceNumber:   number,
		OrderRef:        order.ID,
		OrderNumber:     order.OrderNumber,
		Type:            invoiceType,
		Lines:           lines,
		Currency:        order.Currency,
		Subtotal:        subtotal,
		Discount:        cmd.Discount,
		TotalAmount:     total,
		DepositAmount:   deposit,
		AmountPaid:      0,
		RemainingAmount: total,
		Status:          domain.InvoiceStatusDraft,
		DueAt:           cmd.DueAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.invoices.Insert(txCtx, invoice); err != nil {
			return s.mapRepositoryError(err)
		}
		if invoiceType == domain.InvoiceTypeMain {
			order.InvoiceRef = valuePtr(invoice.ID)
			order.UpdatedAt = now
			if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
				order.Audit.UpdatedBy = valuePtr(actor)
			}
			if _, err := s.orders.Update(txCtx, order); err != nil {
				return s.mapRepositoryError(err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Invoice{}, err
	}

	return invoice, nil
}

func (s *invoiceService) Issue(ctx context.Context, cmd IssueInvoiceCommand) (domain.Invoice, error) {
	invoiceID := strings.TrimSpace(cmd.InvoiceID)
	if invoiceID == "" {
		return domain.Invoice{}, fmt.Errorf("%w: invoice id is required", ErrInvoiceInvalidInput)
	}

	invoice, err := s.invoices.FindByID(ctx, invoiceID)
	if err != nil {
		return domain.Invoice{}, s.mapRepositoryError(err)
	}
	if invoice.Status != domain.InvoiceStatusDraft {
		return domain.Invoice{}, fmt.Errorf("%w: invoice %s is %s", ErrInvoiceNotDraft, invoice.ID, invoice.Status)
	}

	now := s.now()
	invoice.Status = domain.InvoiceStatusSent
	invoice.IssuedAt = &now
	if cmd.DueAt != nil {
		invoice.DueAt = cmd.DueAt
	}
	invoice.UpdatedAt = now

	if err := s.invoices.Update(ctx, invoice); err != nil {
		return domain.Invoice{}, s.mapRepositoryError(err)
	}

	// The lifecycle hop is driven after the durable write. A controller
	// rejection means the order is not at the invoicing step; the invoice
	// itself stays issued.
	if s.controller != nil && invoice.Type == domain.InvoiceTypeMain {
		if _, err := s.controller.Transition(ctx, TransitionOrderCommand{
			OrderID: invoice.OrderRef,
			Event:   domain.EventInvoiceSent,
			ActorID: cmd.ActorID,
		}); err != nil {
			s.logger(ctx, "invoice.lifecycle.skip", map[string]any{
				"invoice": invoice.ID,
				"order":   invoice.OrderRef,
				"error":   err.Error(),
			})
		}
	}

	return invoice, nil
}

func (s *invoiceService) GetInvoice(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return domain.Invoice{}, fmt.Errorf("%w: invoice id is required", ErrInvoiceInvalidInput)
	}
	invoice, err := s.invoices.FindByID(ctx, invoiceID)
	if err != nil {
		return domain.Invoice{}, s.mapRepositoryError(err)
	}
	return invoice, nil
}

func (s *invoiceService) ListByOrder(ctx context.Context, orderID string) ([]domain.Invoice, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvoiceInvalidInput)
	}
	invoices, err := s.invoices.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return invoices, nil
}

func (s *invoiceService) MarkOverdue(ctx context.Context, cmd MarkOverdueCommand) (int, error) {
	cutoff := cmd.Cutoff
	if cutoff.IsZero() {
		cutoff = s.now()
	}

	pager := domain.Pagination{PageSize: cmd.PageSize}
	marked := 0
	for {
		page, err := s.invoices.ListDueBefore(ctx, cutoff, pager)
		if err != nil {
			return marked, s.mapRepositoryError(err)
		}
		for _, invoice := range page.Items {
			if invoice.Status != domain.InvoiceStatusSent && invoice.Status != domain.InvoiceStatusPartiallyPaid {
				continue
			}
			invoice.Status = domain.InvoiceStatusOverdue
			invoice.UpdatedAt = s.now()
			if err := s.invoices.Update(ctx, invoice); err != nil {
				return marked, s.mapRepositoryError(err)
			}
			marked++
		}
		if page.NextPageToken == "" {
			break
		}
		pager.PageToken = page.NextPageToken
	}

	if marked > 0 {
		s.logger(ctx, "invoice.overdue.swept", map[string]any{
			"count":  marked,
			"cutoff": cutoff.Format(time.RFC3339),
		})
	}
	return marked, nil
}

func (s *invoiceService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrInvoiceNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrInvoiceConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("invoice: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *invoiceService) generateInvoiceNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, "invoices", 1)
	if err != nil {
		return "", s.mapRepositoryError(err)
	}
	return fmt.Sprintf("INV-%04d-%06d", now.Year(), seq), nil
}

func (s *invoiceService) now() time.Time {
	return s.clock()
}
