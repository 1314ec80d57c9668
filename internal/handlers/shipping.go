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
	"github.com/printloft/api/internal/services"
)

const maxShippingBodySize = 16 * 1024

type attachShippingRequest struct {
	Method  string          `json:"method"`
	Address *addressPayload `json:"address,omitempty"`
}

type updateShippingRequest struct {
	Status         string `json:"status"`
	TrackingNumber string `json:"tracking_number,omitempty"`
}

// ShippingHandlers exposes the fulfilment record. Customers can read the
// shipping state of their own orders; attaching and advancing records is
// staff work.
type ShippingHandlers struct {
	authn    *auth.Authenticator
	shipping services.ShippingService
	orders   services.OrderService
}

// NewShippingHandlers constructs a new ShippingHandlers instance.
func NewShippingHandlers(authn *auth.Authenticator, shipping services.ShippingService, orders services.OrderService) *ShippingHandlers {
	return &ShippingHandlers{
		authn:    authn,
		shipping: shipping,
		orders:   orders,
	}
}

// Routes registers the shipping endpoints.
func (h *ShippingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	r.Group(func(g chi.Router) {
		if h.authn != nil {
			g.Use(h.authn.RequireFirebaseAuth())
		}
		g.Get("/orders/{orderID}/shipping", h.getByOrder)
	})

	r.Group(func(g chi.Router) {
		if h.authn != nil {
			g.Use(h.authn.RequireFirebaseAuth("staff", "admin"))
		}
		g.Post("/orders/{orderID}/shipping", h.attachShipping)
		g.Patch("/shipping/{shippingID}", h.updateStatus)
	})
}

func (h *ShippingHandlers) getByOrder(w http.ResponseWriter, r *http.Request) {
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

	record, found, err := h.shipping.GetByOrder(ctx, orderID)
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	if !found {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_not_found", "no shipping record for order", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, shippingResponse{Shipping: buildShippingPayload(record)})
}

func (h *ShippingHandlers) attachShipping(w http.ResponseWriter, r *http.Request) {
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

	body, err := readLimitedBody(r, maxShippingBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req attachShippingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	record, err := h.shipping.AttachShipping(ctx, services.AttachShippingCommand{
		OrderID: orderID,
		Method:  domain.ShippingMethod(strings.TrimSpace(strings.ToLower(req.Method))),
		Address: addressFromPayload(req.Address),
		ActorID: identity.UID,
	})
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, shippingResponse{Shipping: buildShippingPayload(record)})
}

func (h *ShippingHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	shippingID := strings.TrimSpace(chi.URLParam(r, "shippingID"))
	if shippingID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shipping id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxShippingBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req updateShippingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	record, err := h.shipping.UpdateStatus(ctx, services.UpdateShippingCommand{
		ShippingID:     shippingID,
		Target:         domain.ShippingStatus(strings.TrimSpace(strings.ToLower(req.Status))),
		TrackingNumber: strings.TrimSpace(req.TrackingNumber),
		ActorID:        identity.UID,
	})
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, shippingResponse{Shipping: buildShippingPayload(record)})
}

func writeShippingError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, services.ErrShippingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrShippingNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_not_found", "shipping record not found", http.StatusNotFound))
	case errors.Is(err, services.ErrShippingNotPayable):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_not_payable", "order balance is not settled", http.StatusConflict))
	case errors.Is(err, services.ErrShippingInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrShippingConflict):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_conflict", "shipping record already exists", http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}

type shippingResponse struct {
	Shipping shippingPayload `json:"shipping"`
}

type shippingPayload struct {
	ID             string          `json:"id"`
	OrderRef       string          `json:"order_ref"`
	Method         string          `json:"method"`
	Address        *addressPayload `json:"address,omitempty"`
	TrackingNumber string          `json:"tracking_number,omitempty"`
	Status         string          `json:"status"`
	ShippedAt      string          `json:"shipped_at,omitempty"`
	DeliveredAt    string          `json:"delivered_at,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at,omitempty"`
}

type addressPayload struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func addressFromPayload(payload *addressPayload) *domain.Address {
	if payload == nil {
		return nil
	}
	return &domain.Address{
		Line1:      strings.TrimSpace(payload.Line1),
		Line2:      strings.TrimSpace(payload.Line2),
		City:       strings.TrimSpace(payload.City),
		Region:     strings.TrimSpace(payload.Region),
		PostalCode: strings.TrimSpace(payload.PostalCode),
		Country:    strings.TrimSpace(payload.Country),
		Phone:      strings.TrimSpace(payload.Phone),
	}
}

func buildShippingPayload(record domain.Shipping) shippingPayload {
	payload := shippingPayload{
		ID:             record.ID,
		OrderRef:       record.OrderRef,
		Method:         string(record.Method),
		TrackingNumber: record.TrackingNumber,
		Status:         string(record.Status),
		ShippedAt:      formatTimePtr(record.ShippedAt),
		DeliveredAt:    formatTimePtr(record.DeliveredAt),
		CreatedAt:      formatTime(record.CreatedAt),
		UpdatedAt:      formatTime(record.UpdatedAt),
	}
	if record.Address != nil {
		payload.Address = &addressPayload{
			Line1:      record.Address.Line1,
			Line2:      record.Address.Line2,
			City:       record.Address.City,
			Region:     record.Address.Region,
			PostalCode: record.Address.PostalCode,
			Country:    record.Address.Country,
			Phone:      record.Address.Phone,
		}
	}
	return payload
}
