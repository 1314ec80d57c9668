package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/printloft/api/internal/domain"
)

func newTestShippingService(t *testing.T, orders *stubOrderRepo, shipping *stubShippingRepo, controller *stubController) ShippingService {
	t.Helper()
	deps := ShippingServiceDeps{
		Shipping:    shipping,
		Orders:      orders,
		Clock:       fixedClock(time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)),
		IDGenerator: sequenceIDs("01SHIP"),
	}
	if controller != nil {
		deps.Controller = controller
	}
	svc, err := NewShippingService(deps)
	if err != nil {
		t.Fatalf("NewShippingService: %v", err)
	}
	return svc
}

func paidOrder(status domain.OrderStatus) domain.Order {
	return domain.Order{
		ID:               "ord_1",
		OrderNumber:      "PL-2026-000001",
		Status:           status,
		Currency:         "USD",
		TotalAmount:      8000,
		AmountPaid:       8000,
		RemainingBalance: 0,
	}
}

func TestAttachShippingCreatesRecordAndLinksOrder(t *testing.T) {
	var updated domain.Order
	orders := &stubOrderRepo{
		findFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return paidOrder(domain.OrderStatusCompleted), nil
		},
		updateFn: func(ctx context.Context, order domain.Order) (domain.Order, error) {
			updated = order
			order.Version++
			return order, nil
		},
	}
	var inserted domain.Shipping
	shipping := &stubShippingRepo{
		insertFn: func(ctx context.Context, s domain.Shipping) error {
			inserted = s
			return nil
		},
	}
	controller := &stubController{}
	svc := newTestShippingService(t, orders, shipping, controller)

	record, err := svc.AttachShipping(context.Background(), AttachShippingCommand{
		OrderID: "ord_1",
		Method:  domain.ShippingMethodDelivery,
		Address: &domain.Address{Line1: "1 Print Way", City: "Austin", Country: "US"},
		ActorID: "staff-1",
	})
	if err != nil {
		t.Fatalf("AttachShipping: %v", err)
	}

	if record.ID != "shp_01SHIP0001" {
		t.Fatalf("unexpected shipping id %q", record.ID)
	}
	if record.Status != domain.ShippingStatusPending {
		t.Fatalf("expected pending shipping, got %q", record.Status)
	}
	if inserted.ID != record.ID {
		t.Fatalf("record was not persisted")
	}
	if updated.ShippingRef == nil || *updated.ShippingRef != record.ID {
		t.Fatalf("order was not linked to the shipping record")
	}
	if len(controller.calls) != 1 || controller.calls[0].Event != domain.EventReadyForShipping {
		t.Fatalf("expected ready_for_shipping feed, got %#v", controller.calls)
	}
}

func TestAttachShippingSkipsFeedWhenAlreadyQueued(t *testing.T) {
	orders := &stubOrderRepo{
		findFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return paidOrder(domain.OrderStatusReadyForShipping), nil
		},
	}
	controller := &stubController{}
	svc := newTestShippingService(t, orders, &stubShippingRepo{}, controller)

	_, err := svc.AttachShipping(context.Background(), AttachShippingCommand{
		OrderID: "ord_1",
		Method:  domain.ShippingMethodPickup,
	})
	if err != nil {
		t.Fatalf("AttachShipping: %v", err)
	}
	if len(controller.calls) != 0 {
		t.Fatalf("order already queued must not be re-fed, got %#v", controller.calls)
	}
}

func TestAttachShippingRejectsUnsettledOrder(t *testing.T) {
	orders := &stubOrderRepo{
		findFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			order := paidOrder(domain.OrderStatusAwaitingFinalPay)
			order.AmountPaid = 0
			order.RemainingBalance = 8000
			return order, nil
		},
	}
	inserted := false
	shipping := &stubShippingRepo{
		insertFn: func(ctx context.Context, s domain.Shipping) error {
			inserted = true
			return nil
		},
	}
	svc := newTestShippingService(t, orders, shipping, nil)

	_, err := svc.AttachShipping(context.Background(), AttachShippingCommand{
		OrderID: "ord_1",
		Method:  domain.ShippingMethodPickup,
	})
	if !errors.Is(err, ErrShippingNotPayable) {
		t.Fatalf("expected ErrShippingNotPayable, got %v", err)
	}
	if inserted {
		t.Fatalf("shipping must not be created before the balance settles")
	}
}

func TestAttachShippingRejectsDuplicate(t *testing.T) {
	orders := &stubOrderRepo{
		findFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return paidOrder(domain.OrderStatusCompleted), nil
		},
	}
	shipping := &stubShippingRepo{
		findByOrderFn: func(ctx context.Context, orderID string) (domain.Shipping, bool, error) {
			return domain.Shipping{ID: "shp_existing", OrderRef: orderID}, true, nil
		},
	}
	svc := newTestShippingService(t, orders, shipping, nil)

	_, err := svc.AttachShipping(context.Background(), AttachShippingCommand{
		OrderID: "ord_1",
		Method:  domain.ShippingMethodPickup,
	})
	if !errors.Is(err, ErrShippingConflict) {
		t.Fatalf("expected ErrShippingConflict, got %v", err)
	}
}

func TestAttachShippingRequiresDeliveryAddress(t *testing.T) {
	svc := newTestShippingService(t, &stubOrderRepo{}, &stubShippingRepo{}, nil)

	cases := []*domain.Address{
		nil,
		{City: "Austin", Country: "US"},
		{Line1: "1 Print Way"},
	}
	for _, addr := range cases {
		_, err := svc.AttachShipping(context.Background(), AttachShippingCommand{
			OrderID: "ord_1",
			Method:  domain.ShippingMethodDelivery,
			Address: addr,
		})
		if !errors.Is(err, ErrShippingInvalidInput) {
			t.Fatalf("address %#v: expected ErrShippingInvalidInput, got %v", addr, err)
		}
	}
}

func TestUpdateStatusMonotoneAdvance(t *testing.T) {
	stored := domain.Shipping{
		ID:       "shp_1",
		OrderRef: "ord_1",
		Method:   domain.ShippingMethodDelivery,
		Status:   domain.ShippingStatusPending,
	}
	shipping := &stubShippingRepo{
		findFn: func(ctx context.Context, shippingID string) (domain.Shipping, error) {
			return stored, nil
		},
		updateFn: func(ctx context.Context, s domain.Shipping) error {
			stored = s
			return nil
		},
	}
	controller := &stubController{}
	svc := newTestShippingService(t, &stubOrderRepo{}, shipping, controller)

	record, err := svc.UpdateStatus(context.Background(), UpdateShippingCommand{
		ShippingID:     "shp_1",
		Target:         domain.ShippingStatusShipped,
		TrackingNumber: "1Z999",
		ActorID:        "staff-1",
	})
	if err != nil {
		t.Fatalf("ship: %v", err)
	}
	if record.TrackingNumber != "1Z999" || record.ShippedAt == nil {
		t.Fatalf("expected tracking and shipped timestamp, got %#v", record)
	}

	record, err = svc.UpdateStatus(context.Background(), UpdateShippingCommand{
		ShippingID: "shp_1",
		Target:     domain.ShippingStatusDelivered,
		ActorID:    "staff-1",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if record.DeliveredAt == nil {
		t.Fatalf("expected delivered timestamp")
	}

	if len(controller.calls) != 2 ||
		controller.calls[0].Event != domain.EventShip ||
		controller.calls[1].Event != domain.EventDeliver {
		t.Fatalf("expected ship then deliver feeds, got %#v", controller.calls)
	}
}

func TestUpdateStatusRejectsReverseAndSkip(t *testing.T) {
	shipping := &stubShippingRepo{
		findFn: func(ctx context.Context, shippingID string) (domain.Shipping, error) {
			switch shippingID {
			case "shp_shipped":
				return domain.Shipping{ID: shippingID, Status: domain.ShippingStatusShipped}, nil
			default:
				return domain.Shipping{ID: shippingID, Status: domain.ShippingStatusPending}, nil
			}
		},
	}
	svc := newTestShippingService(t, &stubOrderRepo{}, shipping, nil)

	// Reverse move.
	_, err := svc.UpdateStatus(context.Background(), UpdateShippingCommand{
		ShippingID: "shp_shipped",
		Target:     domain.ShippingStatusPending,
	})
	if !errors.Is(err, ErrShippingInvalidTransition) {
		t.Fatalf("expected ErrShippingInvalidTransition for reverse, got %v", err)
	}

	// Skipping the shipped step.
	_, err = svc.UpdateStatus(context.Background(), UpdateShippingCommand{
		ShippingID: "shp_pending",
		Target:     domain.ShippingStatusDelivered,
	})
	if !errors.Is(err, ErrShippingInvalidTransition) {
		t.Fatalf("expected ErrShippingInvalidTransition for skip, got %v", err)
	}
}

func TestUpdateStatusRequiresTrackingForDelivery(t *testing.T) {
	shipping := &stubShippingRepo{
		findFn: func(ctx context.Context, shippingID string) (domain.Shipping, error) {
			return domain.Shipping{
				ID:     shippingID,
				Method: domain.ShippingMethodDelivery,
				Status: domain.ShippingStatusPending,
			}, nil
		},
	}
	svc := newTestShippingService(t, &stubOrderRepo{}, shipping, nil)

	_, err := svc.UpdateStatus(context.Background(), UpdateShippingCommand{
		ShippingID: "shp_1",
		Target:     domain.ShippingStatusShipped,
	})
	if !errors.Is(err, ErrShippingInvalidInput) {
		t.Fatalf("expected ErrShippingInvalidInput, got %v", err)
	}
}

func TestUpdateStatusAllowsPickupWithoutTracking(t *testing.T) {
	var stored domain.Shipping
	shipping := &stubShippingRepo{
		findFn: func(ctx context.Context, shippingID string) (domain.Shipping, error) {
			return domain.Shipping{
				ID:       shippingID,
				OrderRef: "ord_1",
				Method:   domain.ShippingMethodPickup,
				Status:   domain.ShippingStatusPending,
			}, nil
		},
		updateFn: func(ctx context.Context, s domain.Shipping) error {
			stored = s
			return nil
		},
	}
	svc := newTestShippingService(t, &stubOrderRepo{}, shipping, nil)

	record, err := svc.UpdateStatus(context.Background(), UpdateShippingCommand{
		ShippingID: "shp_1",
		Target:     domain.ShippingStatusShipped,
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if record.Status != domain.ShippingStatusShipped || stored.Status != domain.ShippingStatusShipped {
		t.Fatalf("expected shipped pickup record, got %q", record.Status)
	}
}

func TestUpdateStatusFeedFailureKeepsRecord(t *testing.T) {
	stored := domain.Shipping{ID: "shp_1", OrderRef: "ord_1", Method: domain.ShippingMethodPickup, Status: domain.ShippingStatusPending}
	shipping := &stubShippingRepo{
		findFn: func(ctx context.Context, shippingID string) (domain.Shipping, error) {
			return stored, nil
		},
		updateFn: func(ctx context.Context, s domain.Shipping) error {
			stored = s
			return nil
		},
	}
	controller := &stubController{
		transitionFn: func(ctx context.Context, cmd TransitionOrderCommand) (domain.Order, error) {
			return domain.Order{}, ErrOrderInvalidTransition
		},
	}
	svc := newTestShippingService(t, &stubOrderRepo{}, shipping, controller)

	record, err := svc.UpdateStatus(context.Background(), UpdateShippingCommand{
		ShippingID: "shp_1",
		Target:     domain.ShippingStatusShipped,
	})
	if err != nil {
		t.Fatalf("controller rejection must not fail the update: %v", err)
	}
	if record.Status != domain.ShippingStatusShipped || stored.Status != domain.ShippingStatusShipped {
		t.Fatalf("shipping record must keep its state, got %q", record.Status)
	}
}

func TestGetByOrderNotFound(t *testing.T) {
	svc := newTestShippingService(t, &stubOrderRepo{}, &stubShippingRepo{}, nil)

	_, found, err := svc.GetByOrder(context.Background(), "ord_missing")
	if err != nil {
		t.Fatalf("GetByOrder: %v", err)
	}
	if found {
		t.Fatalf("expected no shipping record")
	}
}
