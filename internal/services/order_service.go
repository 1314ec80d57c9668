package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/printloft/api/internal/domain"
	"github.com/printloft/api/internal/platform/textutil"
	"github.com/printloft/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventCancelled     = "order.cancelled"

	orderIDPrefix = "ord_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates the event is not defined for the
	// order's current state, or a payment event is not backed by balances.
	ErrOrderInvalidTransition = errors.New("order: invalid transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
)

// OrderServiceDeps bundles collaborators required to construct the order
// service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Counters    repositories.CounterRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      EventPublisher
	Logger      Logger
}

type orderService struct {
	orders     repositories.OrderRepository
	counters   repositories.CounterRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	events     EventPublisher
	logger     Logger
}

// NewOrderService wires dependencies into a concrete OrderService
// implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
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

	return &orderService{
		orders:     deps.Orders,
		counters:   deps.Counters,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return domain.Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		return domain.Order{}, fmt.Errorf("%w: currency is required", ErrOrderInvalidInput)
	}

	plan := cmd.PaymentPlan
	if plan == "" {
		plan = domain.PaymentPlanFull
	}
	if plan != domain.PaymentPlanFull && plan != domain.PaymentPlanDeposit {
		return domain.Order{}, fmt.Errorf("%w: unknown payment plan %q", ErrOrderInvalidInput, plan)
	}

	items := make([]domain.OrderLineItem, len(cmd.Items))
	var total int64
	for i, item := range cmd.Items {
		ref := strings.TrimSpace(item.ProductRef)
		if ref == "" {
			return domain.Order{}, fmt.Errorf("%w: item %d is missing a product reference", ErrOrderInvalidInput, i)
		}
		if item.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("%w: item %d quantity must be positive", ErrOrderInvalidInput, i)
		}
		if item.UnitPrice < 0 {
			return domain.Order{}, fmt.Errorf("%w: item %d unit price must not be negative", ErrOrderInvalidInput, i)
		}
		line := domain.OrderLineItem{
			ProductRef: ref,
			Name:       strings.TrimSpace(item.Name),
			Options:    maps.Clone(item.Options),
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.UnitPrice * int64(item.Quantity),
		}
		items[i] = line
		total += line.Total
	}

	if plan == domain.PaymentPlanDeposit {
		if cmd.RequiredDeposit <= 0 {
			return domain.Order{}, fmt.Errorf("%w: deposit plan requires a positive deposit amount", ErrOrderInvalidInput)
		}
		if cmd.RequiredDeposit > total {
			return domain.Order{}, fmt.Errorf("%w: deposit %d exceeds order total %d", ErrOrderInvalidInput, cmd.RequiredDeposit, total)
		}
	} else if cmd.RequiredDeposit != 0 {
		return domain.Order{}, fmt.Errorf("%w: full payment plan does not take a deposit", ErrOrderInvalidInput)
	}

	now := s.now()

	// The counter increment and the insert commit together; a failed insert
	// must not burn a sequence number.
	var order domain.Order
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		number, err := s.generateOrderNumber(txCtx, now)
		if err != nil {
			return err
		}

		order = domain.Order{
			ID:                  orderIDPrefix + s.newID(),
			OrderNumber:         number,
			UserID:              userID,
			Items:               items,
			Currency:            currency,
			TotalAmount:         total,
			AmountPaid:          0,
			RemainingBalance:    total,
			RequiredPaymentType: plan,
			RequiredDeposit:     cmd.RequiredDeposit,
			Status:              domain.OrderStatusPending,
			PaymentStatus:       domain.PaymentStatusPending,
			Notes:               textutil.SanitizeNote(cmd.Notes),
			Metadata:            maps.Clone(cmd.Metadata),
			CreatedAt:           now,
			UpdatedAt:           now,
			PlacedAt:            &now,
		}
		if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
			order.Audit.CreatedBy = valuePtr(actor)
			order.Audit.UpdatedBy = valuePtr(actor)
		}

		if err := domain.CheckOrderBalances(order); err != nil {
			return err
		}
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.publishEvent(ctx, OrderEventMessage{
		EventID:       "evt_" + s.newID(),
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CurrentStatus: string(order.Status),
		AmountDisplay: textutil.FormatAmount("", order.Currency, order.TotalAmount),
		ActorID:       strings.TrimSpace(cmd.ActorID),
		OccurredAt:    now,
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) GetByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return domain.Order{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByNumber(ctx, orderNumber)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, query OrderListQuery) (domain.CursorPage[domain.Order], error) {
	filter := repositories.OrderListFilter{
		UserID:     strings.TrimSpace(query.UserID),
		Status:     query.Status,
		DateRange:  domain.RangeQuery[time.Time]{From: query.From, To: query.To},
		Pagination: query.Pagination,
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) Transition(ctx context.Context, cmd TransitionOrderCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.Event == "" {
		return domain.Order{}, fmt.Errorf("%w: event is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	next, ok := domain.NextStatusFor(order, cmd.Event)
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: event %q is not defined for state %q",
			ErrOrderInvalidTransition, cmd.Event, order.Status)
	}
	if !domain.PaymentEventConsistent(order, cmd.Event) {
		return domain.Order{}, fmt.Errorf("%w: event %q is not backed by recorded balances on order %s",
			ErrOrderInvalidTransition, cmd.Event, order.ID)
	}

	now := s.now()
	prev := order.Status
	order.Status = next
	order.UpdatedAt = now
	s.stampStatus(&order, next, now)
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		order.Audit.UpdatedBy = valuePtr(actor)
	}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" && next == domain.OrderStatusCancelled {
		order.CancelReason = optionalString(reason)
	}

	updated, err := s.orders.Update(ctx, order)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEventMessage{
		EventID:        "evt_" + s.newID(),
		Type:           orderEventStatusChanged,
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		PreviousStatus: string(prev),
		CurrentStatus:  string(updated.Status),
		ActorID:        strings.TrimSpace(cmd.ActorID),
		OccurredAt:     now,
	})

	return updated, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if domain.IsTerminal(order.Status) {
		return domain.Order{}, fmt.Errorf("%w: order %s is already %s", ErrOrderInvalidTransition, order.ID, order.Status)
	}

	now := s.now()
	prev := order.Status
	order.Status = domain.OrderStatusCancelled
	order.CancelledAt = &now
	order.CancelReason = optionalString(strings.TrimSpace(cmd.Reason))
	order.UpdatedAt = now
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		order.Audit.UpdatedBy = valuePtr(actor)
	}

	updated, err := s.orders.Update(ctx, order)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEventMessage{
		EventID:        "evt_" + s.newID(),
		Type:           orderEventCancelled,
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		PreviousStatus: string(prev),
		CurrentStatus:  string(updated.Status),
		ActorID:        strings.TrimSpace(cmd.ActorID),
		OccurredAt:     now,
	})

	return updated, nil
}

func (s *orderService) stampStatus(order *domain.Order, status domain.OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusOrderReceived:
		if order.PlacedAt == nil {
			order.PlacedAt = &now
		}
	case domain.OrderStatusApproved:
		order.ApprovedAt = &now
	case domain.OrderStatusFinalPaid:
		if order.PaidAt == nil {
			order.PaidAt = &now
		}
	case domain.OrderStatusInProduction:
		order.ProductionAt = &now
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = &now
		}
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, "orders", 1)
	if err != nil {
		return "", s.mapRepositoryError(err)
	}
	return fmt.Sprintf("PL-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, message OrderEventMessage) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, message); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  message.Type,
			"order": message.OrderID,
			"error": err.Error(),
		})
	}
}
