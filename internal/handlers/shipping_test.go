package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/printloft/api/internal/domain"
	"github.com/printloft/api/internal/platform/auth"
	"github.com/printloft/api/internal/services"
)

type stubShippingService struct {
	attachFn  func(ctx context.Context, cmd services.AttachShippingCommand) (domain.Shipping, error)
	updateFn  func(ctx context.Context, cmd services.UpdateShippingCommand) (domain.Shipping, error)
	getFn     func(ctx context.Context, shippingID string) (domain.Shipping, error)
	byOrderFn func(ctx context.Context, orderID string) (domain.Shipping, bool, error)
}

func (s *stubShippingService) AttachShipping(ctx context.Context, cmd services.AttachShippingCommand) (domain.Shipping, error) {
	if s.attachFn != nil {
		return s.attachFn(ctx, cmd)
	}
	return domain.Shipping{}, errors.New("attachFn not configured")
}

func (s *stubShippingService) UpdateStatus(ctx context.Context, cmd services.UpdateShippingCommand) (domain.Shipping, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return domain.Shipping{}, errors.New("updateFn not configured")
}

func (s *stubShippingService) GetShipping(ctx context.Context, shippingID string) (domain.Shipping, error) {
	if s.getFn != nil {
		return s.getFn(ctx, shippingID)
	}
	return domain.Shipping{}, services.ErrShippingNotFound
}

func (s *stubShippingService) GetByOrder(ctx context.Context, orderID string) (domain.Shipping, bool, error) {
	if s.byOrderFn != nil {
		return s.byOrderFn(ctx, orderID)
	}
	return domain.Shipping{}, false, nil
}

func sampleShipping(orderRef string) domain.Shipping {
	created := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	return domain.Shipping{
		ID:        "shp_01TEST0001",
		OrderRef:  orderRef,
		Method:    domain.ShippingMethodDelivery,
		Status:    domain.ShippingStatusPending,
		Address:   &domain.Address{Line1: "1 Print Way", Country: "US"},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func newShippingTestRouter(shipping services.ShippingService, orders services.OrderService, identity *auth.Identity) http.Handler {
	r := chi.NewRouter()
	r.Use(injectIdentity(identity))
	NewShippingHandlers(nil, shipping, orders).Routes(r)
	return r
}

func TestGetShippingByOrder(t *testing.T) {
	shipping := &stubShippingService{
		byOrderFn: func(_ context.Context, orderID string) (domain.Shipping, bool, error) {
			return sampleShipping(orderID), true, nil
		},
	}
	orders := &stubOrderService{
		getFn: func(_ context.Context, orderID string) (domain.Order, error) {
			return sampleOrder("user-1"), nil
		},
	}
	router := newShippingTestRouter(shipping, orders, customerIdentity())

	req := httptest.NewRequest(http.MethodGet, "/orders/ord_01TEST0001/shipping", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Shipping struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"shipping"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Shipping.ID != "shp_01TEST0001" || payload.Shipping.Status != "pending" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestGetShippingByOrderMissingRecord(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(_ context.Context, orderID string) (domain.Order, error) {
			return sampleOrder("user-1"), nil
		},
	}
	router := newShippingTestRouter(&stubShippingService{}, orders, customerIdentity())

	req := httptest.NewRequest(http.MethodGet, "/orders/ord_01TEST0001/shipping", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body); code != "shipping_not_found" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestAttachShippingBuildsCommand(t *testing.T) {
	var captured services.AttachShippingCommand
	shipping := &stubShippingService{
		attachFn: func(_ context.Context, cmd services.AttachShippingCommand) (domain.Shipping, error) {
			captured = cmd
			return sampleShipping(cmd.OrderID), nil
		},
	}
	router := newShippingTestRouter(shipping, &stubOrderService{}, staffIdentity())

	body := `{"method":"delivery","address":{"line1":"1 Print Way","city":"Portland","country":"US"}}`
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_01TEST0001/shipping", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.Method != domain.ShippingMethodDelivery {
		t.Fatalf("unexpected method %q", captured.Method)
	}
	if captured.Address == nil || captured.Address.Line1 != "1 Print Way" || captured.Address.Country != "US" {
		t.Fatalf("unexpected address: %+v", captured.Address)
	}
	if captured.ActorID != "staff-1" {
		t.Fatalf("unexpected actor %q", captured.ActorID)
	}
}

func TestAttachShippingMapsUnsettledBalance(t *testing.T) {
	shipping := &stubShippingService{
		attachFn: func(_ context.Context, cmd services.AttachShippingCommand) (domain.Shipping, error) {
			return domain.Shipping{}, services.ErrShippingNotPayable
		},
	}
	router := newShippingTestRouter(shipping, &stubOrderService{}, staffIdentity())

	body := `{"method":"pickup"}`
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_01TEST0001/shipping", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body); code != "shipping_not_payable" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestUpdateShippingStatusShips(t *testing.T) {
	var captured services.UpdateShippingCommand
	shipping := &stubShippingService{
		updateFn: func(_ context.Context, cmd services.UpdateShippingCommand) (domain.Shipping, error) {
			captured = cmd
			record := sampleShipping("ord_01TEST0001")
			record.Status = domain.ShippingStatusShipped
			record.TrackingNumber = cmd.TrackingNumber
			return record, nil
		},
	}
	router := newShippingTestRouter(shipping, &stubOrderService{}, staffIdentity())

	body := `{"status":"shipped","tracking_number":"1Z999"}`
	req := httptest.NewRequest(http.MethodPatch, "/shipping/shp_01TEST0001", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.Target != domain.ShippingStatusShipped || captured.TrackingNumber != "1Z999" {
		t.Fatalf("unexpected command: %+v", captured)
	}
}

func TestUpdateShippingStatusRejectsSkip(t *testing.T) {
	shipping := &stubShippingService{
		updateFn: func(_ context.Context, cmd services.UpdateShippingCommand) (domain.Shipping, error) {
			return domain.Shipping{}, services.ErrShippingInvalidTransition
		},
	}
	router := newShippingTestRouter(shipping, &stubOrderService{}, staffIdentity())

	body := `{"status":"delivered"}`
	req := httptest.NewRequest(http.MethodPatch, "/shipping/shp_01TEST0001", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body); code != "shipping_invalid_transition" {
		t.Fatalf("unexpected error code %q", code)
	}
}
