package handlers

import (
	"bytes"
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

type stubOrderService struct {
	createFn     func(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error)
	getFn        func(ctx context.Context, orderID string) (domain.Order, error)
	getByNumber  func(ctx context.Context, orderNumber string) (domain.Order, error)
	listFn       func(ctx context.Context, query services.OrderListQuery) (domain.CursorPage[domain.Order], error)
	transitionFn func(ctx context.Context, cmd services.TransitionOrderCommand) (domain.Order, error)
	cancelFn     func(ctx context.Context, cmd services.CancelOrderCommand) (domain.Order, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("createFn not configured")
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return domain.Order{}, services.ErrOrderNotFound
}

func (s *stubOrderService) GetByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if s.getByNumber != nil {
		return s.getByNumber(ctx, orderNumber)
	}
	return domain.Order{}, services.ErrOrderNotFound
}

func (s *stubOrderService) ListOrders(ctx context.Context, query services.OrderListQuery) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, query)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderService) Transition(ctx context.Context, cmd services.TransitionOrderCommand) (domain.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("transitionFn not configured")
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (domain.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("cancelFn not configured")
}

// injectIdentity simulates the Firebase middleware for handler tests.
func injectIdentity(identity *auth.Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if identity != nil {
				r = r.WithContext(auth.WithIdentity(r.Context(), identity))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func customerIdentity() *auth.Identity {
	return &auth.Identity{UID: "user-1", Email: "user@example.com", Roles: []string{"customer"}}
}

func staffIdentity() *auth.Identity {
	return &auth.Identity{UID: "staff-1", Email: "staff@example.com", Roles: []string{"staff"}}
}

func newOrderTestRouter(svc services.OrderService, identity *auth.Identity) http.Handler {
	r := chi.NewRouter()
	r.Use(injectIdentity(identity))
	NewOrderHandlers(nil, svc).Routes(r)
	return r
}

func decodeErrorCode(t *testing.T, body *bytes.Buffer) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload.Error
}

func sampleOrder(userID string) domain.Order {
	created := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:                  "ord_01TEST0001",
		OrderNumber:         "PL-2026-000001",
		UserID:              userID,
		Currency:            "USD",
		TotalAmount:         8000,
		RemainingBalance:    8000,
		RequiredPaymentType: domain.PaymentPlanFull,
		Status:              domain.OrderStatusPending,
		PaymentStatus:       domain.PaymentStatusPending,
		Version:             1,
		CreatedAt:           created,
		UpdatedAt:           created,
	}
}

func TestCreateOrderReturnsCreated(t *testing.T) {
	var captured services.CreateOrderCommand
	svc := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
			captured = cmd
			return sampleOrder(cmd.UserID), nil
		},
	}
	router := newOrderTestRouter(svc, customerIdentity())

	body := `{"items":[{"product_ref":"prod_tee","name":"Tee","quantity":2,"unit_price":4000}],"currency":"usd"}`
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.UserID != "user-1" {
		t.Fatalf("expected user from identity, got %q", captured.UserID)
	}
	if captured.PaymentPlan != domain.PaymentPlanFull {
		t.Fatalf("expected the full plan default, got %q", captured.PaymentPlan)
	}
	if len(captured.Items) != 1 || captured.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items: %+v", captured.Items)
	}

	var payload struct {
		Order struct {
			ID          string `json:"id"`
			OrderNumber string `json:"order_number"`
		} `json:"order"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Order.OrderNumber != "PL-2026-000001" {
		t.Fatalf("unexpected order number %q", payload.Order.OrderNumber)
	}
}

func TestCreateOrderRequiresAuthentication(t *testing.T) {
	router := newOrderTestRouter(&stubOrderService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body); code != "unauthenticated" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestListOrdersParsesFilters(t *testing.T) {
	var captured services.OrderListQuery
	svc := &stubOrderService{
		listFn: func(_ context.Context, query services.OrderListQuery) (domain.CursorPage[domain.Order], error) {
			captured = query
			return domain.CursorPage[domain.Order]{
				Items:         []domain.Order{sampleOrder("user-1")},
				NextPageToken: "tok-next",
			}, nil
		},
	}
	router := newOrderTestRouter(svc, customerIdentity())

	req := httptest.NewRequest(http.MethodGet, "/orders?pageSize=5&status=approved&status=completed&created_after=2026-08-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.UserID != "user-1" {
		t.Fatalf("listing must be scoped to the caller, got %q", captured.UserID)
	}
	if captured.Pagination.PageSize != 5 {
		t.Fatalf("expected page size 5, got %d", captured.Pagination.PageSize)
	}
	if len(captured.Status) != 2 || captured.Status[0] != domain.OrderStatusApproved {
		t.Fatalf("unexpected status filters: %v", captured.Status)
	}
	if captured.From == nil || !captured.From.Equal(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected created_after bound: %v", captured.From)
	}

	var payload struct {
		Items         []map[string]any `json:"items"`
		NextPageToken string           `json:"next_page_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.NextPageToken != "tok-next" {
		t.Fatalf("unexpected page payload: %+v", payload)
	}
}

func TestListOrdersRejectsUnknownStatus(t *testing.T) {
	router := newOrderTestRouter(&stubOrderService{}, customerIdentity())

	req := httptest.NewRequest(http.MethodGet, "/orders?status=bogus", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetOrderHidesForeignOrder(t *testing.T) {
	svc := &stubOrderService{
		getFn: func(_ context.Context, orderID string) (domain.Order, error) {
			return sampleOrder("someone-else"), nil
		},
	}
	router := newOrderTestRouter(svc, customerIdentity())

	req := httptest.NewRequest(http.MethodGet, "/orders/ord_01TEST0001", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign order, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body); code != "order_not_found" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestGetOrderAllowsStaff(t *testing.T) {
	svc := &stubOrderService{
		getFn: func(_ context.Context, orderID string) (domain.Order, error) {
			return sampleOrder("someone-else"), nil
		},
	}
	router := newOrderTestRouter(svc, staffIdentity())

	req := httptest.NewRequest(http.MethodGet, "/orders/ord_01TEST0001", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for staff read, got %d", rec.Code)
	}
}

func TestLookupOrderRequiresNumber(t *testing.T) {
	router := newOrderTestRouter(&stubOrderService{}, customerIdentity())

	req := httptest.NewRequest(http.MethodGet, "/orders:lookup", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCancelOrderAllowsEmptyBody(t *testing.T) {
	order := sampleOrder("user-1")
	var captured services.CancelOrderCommand
	svc := &stubOrderService{
		getFn: func(_ context.Context, orderID string) (domain.Order, error) {
			return order, nil
		},
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (domain.Order, error) {
			captured = cmd
			cancelled := order
			cancelled.Status = domain.OrderStatusCancelled
			return cancelled, nil
		},
	}
	router := newOrderTestRouter(svc, customerIdentity())

	req := httptest.NewRequest(http.MethodPost, "/orders/ord_01TEST0001:cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.OrderID != "ord_01TEST0001" || captured.ActorID != "user-1" {
		t.Fatalf("unexpected cancel command: %+v", captured)
	}
}

func TestTransitionOrderMapsInvalidTransition(t *testing.T) {
	svc := &stubOrderService{
		transitionFn: func(_ context.Context, cmd services.TransitionOrderCommand) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderInvalidTransition
		},
	}
	r := chi.NewRouter()
	r.Use(injectIdentity(staffIdentity()))
	NewOrderHandlers(nil, svc).AdminRoutes(r)

	body := `{"event":"ship"}`
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_01TEST0001:transition", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body); code != "order_invalid_transition" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestTransitionOrderUsesServiceIdentityActor(t *testing.T) {
	var captured services.TransitionOrderCommand
	svc := &stubOrderService{
		transitionFn: func(_ context.Context, cmd services.TransitionOrderCommand) (domain.Order, error) {
			captured = cmd
			return sampleOrder("user-1"), nil
		},
	}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := auth.WithServiceIdentity(req.Context(), &auth.ServiceIdentity{
				Subject: "svc-123",
				Email:   "ops@printloft.dev",
			})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	NewOrderHandlers(nil, svc).AdminRoutes(r)

	body := `{"event":"approve","reason":"design signed off"}`
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_01TEST0001:transition", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.ActorID != "ops@printloft.dev" {
		t.Fatalf("expected actor from service identity, got %q", captured.ActorID)
	}
	if captured.Event != domain.EventApprove {
		t.Fatalf("unexpected event %q", captured.Event)
	}
}

func TestCreateOrderRejectsOversizedBody(t *testing.T) {
	router := newOrderTestRouter(&stubOrderService{}, customerIdentity())

	big := strings.Repeat("x", maxOrderBodySize+1)
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(big))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}
