package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/printloft/api/internal/domain"
	"github.com/printloft/api/internal/platform/auth"
	"github.com/printloft/api/internal/platform/httpx"
	"github.com/printloft/api/internal/platform/pagination"
	"github.com/printloft/api/internal/platform/textutil"
	"github.com/printloft/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 64 * 1024
	maxCancelBodySize    = 4 * 1024
)

var validOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPending:             {},
	domain.OrderStatusOrderReceived:       {},
	domain.OrderStatusFilesUploaded:       {},
	domain.OrderStatusInvoiceSent:         {},
	domain.OrderStatusDesignUploaded:      {},
	domain.OrderStatusUnderReview:         {},
	domain.OrderStatusApproved:            {},
	domain.OrderStatusAwaitingPartPayment: {},
	domain.OrderStatusPartPaymentMade:     {},
	domain.OrderStatusAwaitingFinalPay:    {},
	domain.OrderStatusFinalPaid:           {},
	domain.OrderStatusInProduction:        {},
	domain.OrderStatusCompleted:           {},
	domain.OrderStatusReadyForShipping:    {},
	domain.OrderStatusShipped:             {},
	domain.OrderStatusDelivered:           {},
	domain.OrderStatusCancelled:           {},
}

type createOrderRequest struct {
	Items           []orderItemRequest `json:"items"`
	Currency        string             `json:"currency"`
	PaymentPlan     string             `json:"payment_plan"`
	RequiredDeposit int64              `json:"required_deposit,omitempty"`
	Notes           string             `json:"notes,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}

type orderItemRequest struct {
	ProductRef string         `json:"product_ref"`
	Name       string         `json:"name"`
	Options    map[string]any `json:"options,omitempty"`
	Quantity   int            `json:"quantity"`
	UnitPrice  int64          `json:"unit_price"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type transitionOrderRequest struct {
	Event    string         `json:"event"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OrderHandlers exposes order endpoints for authenticated users plus the staff
// transition endpoint.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the user-facing order endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(g chi.Router) {
		if h.authn != nil {
			g.Use(h.authn.RequireFirebaseAuth())
		}
		g.Post("/orders", h.createOrder)
		g.Get("/orders", h.listOrders)
		g.Get("/orders:lookup", h.lookupOrder)
		g.Get("/orders/{orderID}", h.getOrder)
		g.Post("/orders/{orderID}:cancel", h.cancelOrder)
	})
}

// AdminRoutes registers the staff transition endpoint. Authentication comes
// from the surrounding /admin group.
func (h *OrderHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderID}:transition", h.transitionOrder)
	r.Get("/orders/{orderID}", h.adminGetOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	items := make([]domain.OrderLineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.OrderLineItem{
			ProductRef: strings.TrimSpace(item.ProductRef),
			Name:       strings.TrimSpace(item.Name),
			Options:    cloneMap(item.Options),
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
		})
	}

	plan := domain.PaymentPlan(strings.TrimSpace(strings.ToLower(req.PaymentPlan)))
	if plan == "" {
		plan = domain.PaymentPlanFull
	}

	metadata := cloneMap(req.Metadata)
	if locale, err := textutil.NormalizeLanguageTag(identity.Locale); err == nil && locale != "" {
		if metadata == nil {
			metadata = make(map[string]any, 1)
		}
		if _, ok := metadata["locale"]; !ok {
			metadata["locale"] = locale
		}
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		UserID:          identity.UID,
		Items:           items,
		Currency:        req.Currency,
		PaymentPlan:     plan,
		RequiredDeposit: req.RequiredDeposit,
		Notes:           req.Notes,
		Metadata:        metadata,
		ActorID:         identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	query := services.OrderListQuery{
		UserID: identity.UID,
		Pagination: domain.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	}

	for _, raw := range r.URL.Query()["status"] {
		status := domain.OrderStatus(strings.TrimSpace(strings.ToLower(raw)))
		if status == "" {
			continue
		}
		if _, known := validOrderStatuses[status]; !known {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown order status filter", http.StatusBadRequest))
			return
		}
		query.Status = append(query.Status, status)
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		query.From = &ts
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		query.To = &ts
	}

	page, err := h.orders.ListOrders(ctx, query)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if !canReadOrder(identity, order) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) lookupOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	number := strings.TrimSpace(r.URL.Query().Get("number"))
	if number == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "number query parameter is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetByOrderNumber(ctx, number)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if !canReadOrder(identity, order) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxCancelBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if !canReadOrder(identity, order) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	cancelled, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(cancelled)})
}

func (h *OrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req transitionOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}
	event := domain.OrderEvent(strings.TrimSpace(strings.ToLower(req.Event)))
	if event == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "event is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Transition(ctx, services.TransitionOrderCommand{
		OrderID:  orderID,
		Event:    event,
		ActorID:  adminActor(ctx),
		Reason:   strings.TrimSpace(req.Reason),
		Metadata: cloneMap(req.Metadata),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) adminGetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func canReadOrder(identity *auth.Identity, order domain.Order) bool {
	if identity.HasAnyRole("staff", "admin") {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(order.UserID), strings.TrimSpace(identity.UID))
}

// adminActor resolves the acting principal for OIDC-authenticated staff calls.
func adminActor(ctx context.Context) string {
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil {
		if svc.Email != "" {
			return svc.Email
		}
		return svc.Subject
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		return identity.UID
	}
	return ""
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order changed concurrently; retry", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID               string `json:"id"`
	OrderNumber      string `json:"order_number"`
	Status           string `json:"status"`
	PaymentStatus    string `json:"payment_status"`
	Currency         string `json:"currency"`
	Total            int64  `json:"total"`
	AmountPaid       int64  `json:"amount_paid"`
	RemainingBalance int64  `json:"remaining_balance"`
	CreatedAt        string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID               string             `json:"id"`
	OrderNumber      string             `json:"order_number"`
	UserID           string             `json:"user_id"`
	Items            []orderItemPayload `json:"items"`
	Currency         string             `json:"currency"`
	TotalAmount      int64              `json:"total_amount"`
	AmountPaid       int64              `json:"amount_paid"`
	RemainingBalance int64              `json:"remaining_balance"`
	PaymentPlan      string             `json:"payment_plan"`
	RequiredDeposit  int64              `json:"required_deposit,omitempty"`
	Status           string             `json:"status"`
	PaymentStatus    string             `json:"payment_status"`
	InvoiceRef       *string            `json:"invoice_ref,omitempty"`
	ShippingRef      *string            `json:"shipping_ref,omitempty"`
	Notes            string             `json:"notes,omitempty"`
	Version          int64              `json:"version"`
	Metadata         map[string]any     `json:"metadata,omitempty"`
	CreatedAt        string             `json:"created_at"`
	UpdatedAt        string             `json:"updated_at,omitempty"`
	PlacedAt         string             `json:"placed_at,omitempty"`
	ApprovedAt       string             `json:"approved_at,omitempty"`
	PaidAt           string             `json:"paid_at,omitempty"`
	ProductionAt     string             `json:"production_at,omitempty"`
	ShippedAt        string             `json:"shipped_at,omitempty"`
	DeliveredAt      string             `json:"delivered_at,omitempty"`
	CancelledAt      string             `json:"cancelled_at,omitempty"`
	CancelReason     *string            `json:"cancel_reason,omitempty"`
}

type orderItemPayload struct {
	ProductRef string         `json:"product_ref"`
	Name       string         `json:"name,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
	Quantity   int            `json:"quantity"`
	UnitPrice  int64          `json:"unit_price"`
	Total      int64          `json:"total"`
}

func buildOrderSummary(order domain.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:               order.ID,
		OrderNumber:      order.OrderNumber,
		Status:           string(order.Status),
		PaymentStatus:    string(order.PaymentStatus),
		Currency:         order.Currency,
		Total:            order.TotalAmount,
		AmountPaid:       order.AmountPaid,
		RemainingBalance: order.RemainingBalance,
		CreatedAt:        formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductRef: item.ProductRef,
			Name:       item.Name,
			Options:    cloneMap(item.Options),
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.Total,
		})
	}

	return orderPayload{
		ID:               order.ID,
		OrderNumber:      order.OrderNumber,
		UserID:           order.UserID,
		Items:            items,
		Currency:         order.Currency,
		TotalAmount:      order.TotalAmount,
		AmountPaid:       order.AmountPaid,
		RemainingBalance: order.RemainingBalance,
		PaymentPlan:      string(order.RequiredPaymentType),
		RequiredDeposit:  order.RequiredDeposit,
		Status:           string(order.Status),
		PaymentStatus:    string(order.PaymentStatus),
		InvoiceRef:       cloneStringPointer(order.InvoiceRef),
		ShippingRef:      cloneStringPointer(order.ShippingRef),
		Notes:            order.Notes,
		Version:          order.Version,
		Metadata:         cloneMap(order.Metadata),
		CreatedAt:        formatTime(order.CreatedAt),
		UpdatedAt:        formatTime(order.UpdatedAt),
		PlacedAt:         formatTimePtr(order.PlacedAt),
		ApprovedAt:       formatTimePtr(order.ApprovedAt),
		PaidAt:           formatTimePtr(order.PaidAt),
		ProductionAt:     formatTimePtr(order.ProductionAt),
		ShippedAt:        formatTimePtr(order.ShippedAt),
		DeliveredAt:      formatTimePtr(order.DeliveredAt),
		CancelledAt:      formatTimePtr(order.CancelledAt),
		CancelReason:     cloneStringPointer(order.CancelReason),
	}
}
