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

const shippingIDPrefix = "shp_"

var (
	// ErrShippingInvalidInput signals the caller provided invalid data.
	ErrShippingInvalidInput = errors.New("shipping: invalid input")
	// ErrShippingNotFound indicates the shipping record could not be located.
	ErrShippingNotFound = errors.New("shipping: not found")
	// ErrShippingNotPayable indicates the order has not settled its balance
	// yet, so fulfilment cannot start.
	ErrShippingNotPayable = errors.New("shipping: order balance not settled")
	// ErrShippingConflict indicates the order already carries a shipping record
	// or a concurrent update won.
	ErrShippingConflict = errors.New("shipping: conflict")
	// ErrShippingInvalidTransition indicates a non-monotone status change.
	ErrShippingInvalidTransition = errors.New("shipping: invalid status change")
)

// shippingAdvance is the monotone status order; reverse moves are rejected.
var shippingAdvance = map[domain.ShippingStatus]int{
	domain.ShippingStatusPending:   0,
	domain.ShippingStatusShipped:   1,
	domain.ShippingStatusDelivered: 2,
}

// ShippingServiceDeps bundles collaborators required to construct the shipping
// service.
type ShippingServiceDeps struct {
	Shipping    repositories.ShippingRepository
	Orders      repositories.OrderRepository
	Controller  OrderService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
}

type shippingService struct {
	shipping   repositories.ShippingRepository
	orders     repositories.OrderRepository
	controller OrderService
	clock      func() time.Time
	newID      func() string
	logger     Logger
}

// NewShippingService wires dependencies into a concrete ShippingService
// implementation.
func NewShippingService(deps ShippingServiceDeps) (ShippingService, error) {
	if deps.Shipping == nil {
		return nil, errors.New("shipping service: shipping repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("shipping service: order repository is required")
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

	return &shippingService{
		shipping:   deps.Shipping,
		orders:     deps.Orders,
		controller: deps.Controller,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *shippingService) AttachShipping(ctx context.Context, cmd AttachShippingCommand) (domain.Shipping, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Shipping{}, fmt.Errorf("%w: order id is required", ErrShippingInvalidInput)
	}
	method := cmd.Method
	if method != domain.ShippingMethodPickup && method != domain.ShippingMethodDelivery {
		return domain.Shipping{}, fmt.Errorf("%w: unknown shipping method %q", ErrShippingInvalidInput, method)
	}
	if method == domain.ShippingMethodDelivery {
		if cmd.Address == nil || strings.TrimSpace(cmd.Address.Line1) == "" || strings.TrimSpace(cmd.Address.Country) == "" {
			return domain.Shipping{}, fmt.Errorf("%w: delivery requires an address with line1 and country", ErrShippingInvalidInput)
		}
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Shipping{}, s.mapRepositoryError(err)
	}
	if !domain.PaymentSatisfied(order.Status) {
		return domain.Shipping{}, fmt.Errorf("%w: order %s is %s", ErrShippingNotPayable, order.ID, order.Status)
	}

	if _, exists, err := s.shipping.FindByOrder(ctx, orderID); err != nil {
		return domain.Shipping{}, s.mapRepositoryError(err)
	} else if exists {
		return domain.Shipping{}, fmt.Errorf("%w: order %s already has a shipping record", ErrShippingConflict, order.ID)
	}

	now := s.now()
	shipping := domain.Shipping{
		ID:        shippingIDPrefix + s.newID(),
		OrderRef:  order.ID,
		Method:    method,
		Address:   cloneAddress(cmd.Address),
		Status:    domain.ShippingStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.shipping.Insert(ctx, shipping); err != nil {
		return domain.Shipping{}, s.mapRepositoryError(err)
	}

	order.ShippingRef = valuePtr(shipping.ID)
	order.UpdatedAt = now
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		order.Audit.UpdatedBy = valuePtr(actor)
	}
	if _, err := s.orders.Update(ctx, order); err != nil {
		return domain.Shipping{}, s.mapRepositoryError(err)
	}

	// Orders that finished production move to the shipping queue once the
	// record exists.
	if order.Status == domain.OrderStatusCompleted {
		s.feedController(ctx, order.ID, domain.EventReadyForShipping, cmd.ActorID)
	}

	return shipping, nil
}

func (s *shippingService) UpdateStatus(ctx context.Context, cmd UpdateShippingCommand) (domain.Shipping, error) {
	shippingID := strings.TrimSpace(cmd.ShippingID)
	if shippingID == "" {
		return domain.Shipping{}, fmt.Errorf("%w: shipping id is required", ErrShippingInvalidInput)
	}
	targetRank, known := shippingAdvance[cmd.Target]
	if !known {
		return domain.Shipping{}, fmt.Errorf("%w: unknown shipping status %q", ErrShippingInvalidInput, cmd.Target)
	}

	shipping, err := s.shipping.FindByID(ctx, shippingID)
	if err != nil {
		return domain.Shipping{}, s.mapRepositoryError(err)
	}

	currentRank := shippingAdvance[shipping.Status]
	if targetRank <= currentRank {
		return domain.Shipping{}, fmt.Errorf("%w: %s cannot move to %s",
			ErrShippingInvalidTransition, shipping.Status, cmd.Target)
	}
	if targetRank-currentRank > 1 {
		return domain.Shipping{}, fmt.Errorf("%w: %s cannot skip to %s",
			ErrShippingInvalidTransition, shipping.Status, cmd.Target)
	}

	now := s.now()
	switch cmd.Target {
	case domain.ShippingStatusShipped:
		tracking := strings.TrimSpace(cmd.TrackingNumber)
		if shipping.Method == domain.ShippingMethodDelivery && tracking == "" {
			return domain.Shipping{}, fmt.Errorf("%w: tracking number is required to ship", ErrShippingInvalidInput)
		}
		shipping.TrackingNumber = tracking
		shipping.ShippedAt = &now
	case domain.ShippingStatusDelivered:
		shipping.DeliveredAt = &now
	}
	shipping.Status = cmd.Target
	shipping.UpdatedAt = now

	if err := s.shipping.Update(ctx, shipping); err != nil {
		return domain.Shipping{}, s.mapRepositoryError(err)
	}

	switch cmd.Target {
	case domain.ShippingStatusShipped:
		s.feedController(ctx, shipping.OrderRef, domain.EventShip, cmd.ActorID)
	case domain.ShippingStatusDelivered:
		s.feedController(ctx, shipping.OrderRef, domain.EventDeliver, cmd.ActorID)
	}

	return shipping, nil
}

func (s *shippingService) GetShipping(ctx context.Context, shippingID string) (domain.Shipping, error) {
	shippingID = strings.TrimSpace(shippingID)
	if shippingID == "" {
		return domain.Shipping{}, fmt.Errorf("%w: shipping id is required", ErrShippingInvalidInput)
	}
	shipping, err := s.shipping.FindByID(ctx, shippingID)
	if err != nil {
		return domain.Shipping{}, s.mapRepositoryError(err)
	}
	return shipping, nil
}

func (s *shippingService) GetByOrder(ctx context.Context, orderID string) (domain.Shipping, bool, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Shipping{}, false, fmt.Errorf("%w: order id is required", ErrShippingInvalidInput)
	}
	shipping, found, err := s.shipping.FindByOrder(ctx, orderID)
	if err != nil {
		return domain.Shipping{}, false, s.mapRepositoryError(err)
	}
	return shipping, found, nil
}

// feedController advances the order after the durable shipping write. A
// rejection means the order is not at the matching step; the shipping record
// keeps its state either way.
func (s *shippingService) feedController(ctx context.Context, orderID string, event domain.OrderEvent, actor string) {
	if s.controller == nil {
		return
	}
	if _, err := s.controller.Transition(ctx, TransitionOrderCommand{
		OrderID: orderID,
		Event:   event,
		ActorID: actor,
	}); err != nil {
		s.logger(ctx, "shipping.lifecycle.skip", map[string]any{
			"order": orderID,
			"event": string(event),
			"error": err.Error(),
		})
	}
}

func (s *shippingService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrShippingNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrShippingConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("shipping: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *shippingService) now() time.Time {
	return s.clock()
}

func cloneAddress(addr *domain.Address) *domain.Address {
	if addr == nil {
		return nil
	}
	cloned := *addr
	return &cloned
}
