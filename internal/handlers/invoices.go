package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/printloft/api/internal/domain"
	"github.com/printloft/api/internal/platform/auth"
	"github.com/printloft/api/internal/platform/httpx"
	"github.com/printloft/api/internal/services"
)

const (
	maxInvoiceBodySize     = 16 * 1024
	defaultOverdueSweepMax = 100
)

type createInvoiceRequest struct {
	Type          string `json:"type,omitempty"`
	Discount      int64  `json:"discount,omitempty"`
	DepositAmount int64  `json:"deposit_amount,omitempty"`
	DueAt         string `json:"due_at,omitempty"`
}

type issueInvoiceRequest struct {
	DueAt string `json:"due_at,omitempty"`
}

type sweepOverdueRequest struct {
	Cutoff   string `json:"cutoff,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
}

// InvoiceHandlers exposes invoice reads for customers and the billing
// operations for staff.
type InvoiceHandlers struct {
	authn    *auth.Authenticator
	invoices services.InvoiceService
	orders   services.OrderService
}

// NewInvoiceHandlers constructs a new InvoiceHandlers instance.
func NewInvoiceHandlers(authn *auth.Authenticator, invoices services.InvoiceService, orders services.OrderService) *InvoiceHandlers {
	return &InvoiceHandlers{
		authn:    authn,
		invoices: invoices,
		orders:   orders,
	}
}

// Routes registers the user-facing invoice endpoints.
func (h *InvoiceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(g chi.Router) {
		if h.authn != nil {
			g.Use(h.authn.RequireFirebaseAuth())
		}
		g.Get("/invoices/{invoiceID}", h.getInvoice)
		g.Get("/orders/{orderID}/invoices", h.listByOrder)
	})
}

// AdminRoutes registers the staff billing endpoints.
func (h *InvoiceHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderID}/invoices", h.createInvoice)
	r.Post("/invoices/{invoiceID}:issue", h.issueInvoice)
}

// InternalRoutes registers the scheduled billing jobs.
func (h *InvoiceHandlers) InternalRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/invoices:sweep-overdue", h.sweepOverdue)
}

func (h *InvoiceHandlers) getInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	invoiceID := strings.TrimSpace(chi.URLParam(r, "invoiceID"))
	if invoiceID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invoice id is required", http.StatusBadRequest))
		return
	}

	invoice, err := h.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}
	if !h.canReadInvoice(ctx, identity, invoice) {
		httpx.WriteError(ctx, w, httpx.NewError("invoice_not_found", "invoice not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) listByOrder(w http.ResponseWriter, r *http.Request) {
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

	invoices, err := h.invoices.ListByOrder(ctx, orderID)
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}

	items := make([]invoicePayload, 0, len(invoices))
	for _, invoice := range invoices {
		items = append(items, buildInvoicePayload(invoice))
	}
	writeJSONResponse(w, http.StatusOK, invoiceListResponse{Items: items})
}

func (h *InvoiceHandlers) createInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req createInvoiceRequest
	body, err := readLimitedBody(r, maxInvoiceBodySize)
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

	dueAt, ok := parseOptionalDue(ctx, w, req.DueAt)
	if !ok {
		return
	}

	invoice, err := h.invoices.CreateInvoice(ctx, services.CreateInvoiceCommand{
		OrderID:       orderID,
		Type:          domain.InvoiceType(strings.TrimSpace(strings.ToLower(req.Type))),
		Discount:      req.Discount,
		DepositAmount: req.DepositAmount,
		DueAt:         dueAt,
		ActorID:       adminActor(ctx),
	})
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) issueInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	invoiceID := strings.TrimSpace(chi.URLParam(r, "invoiceID"))
	if invoiceID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invoice id is required", http.StatusBadRequest))
		return
	}

	var req issueInvoiceRequest
	body, err := readLimitedBody(r, maxInvoiceBodySize)
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

	dueAt, ok := parseOptionalDue(ctx, w, req.DueAt)
	if !ok {
		return
	}

	invoice, err := h.invoices.Issue(ctx, services.IssueInvoiceCommand{
		InvoiceID: invoiceID,
		DueAt:     dueAt,
		ActorID:   adminActor(ctx),
	})
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) sweepOverdue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req sweepOverdueRequest
	body, err := readLimitedBody(r, maxInvoiceBodySize)
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

	cutoff := time.Now().UTC()
	if raw := strings.TrimSpace(req.Cutoff); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "cutoff must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cutoff = ts
	}
	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > defaultOverdueSweepMax {
		pageSize = defaultOverdueSweepMax
	}

	marked, err := h.invoices.MarkOverdue(ctx, services.MarkOverdueCommand{
		Cutoff:   cutoff,
		PageSize: pageSize,
	})
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"marked_overdue": marked,
		"cutoff":         formatTime(cutoff),
	})
}

func (h *InvoiceHandlers) canReadInvoice(ctx context.Context, identity *auth.Identity, invoice domain.Invoice) bool {
	if identity.HasAnyRole("staff", "admin") {
		return true
	}
	order, err := h.orders.GetOrder(ctx, invoice.OrderRef)
	if err != nil {
		return false
	}
	return canReadOrder(identity, order)
}

func parseOptionalDue(ctx context.Context, w http.ResponseWriter, raw string) (*time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	ts, err := parseTimeParam(raw)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "due_at must be a valid RFC3339 timestamp", http.StatusBadRequest))
		return nil, false
	}
	return &ts, true
}

func writeInvoiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, services.ErrInvoiceInvalidInput), errors.Is(err, services.ErrInvoiceInvalidAmount):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvoiceNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("invoice_not_found", "invoice not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInvoiceInvalidOrderState):
		httpx.WriteError(ctx, w, httpx.NewError("invoice_invalid_order_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInvoiceNotDraft):
		httpx.WriteError(ctx, w, httpx.NewError("invoice_not_draft", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInvoiceConflict):
		httpx.WriteError(ctx, w, httpx.NewError("invoice_conflict", "invoice changed concurrently; retry", http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}

type invoiceListResponse struct {
	Items []invoicePayload `json:"items"`
}

type invoiceResponse struct {
	Invoice invoicePayload `json:"invoice"`
}

type invoicePayload struct {
	ID              string               `json:"id"`
	InvoiceNumber   string               `json:"invoice_number"`
	OrderRef        string               `json:"order_ref"`
	OrderNumber     string               `json:"order_number,omitempty"`
	Type            string               `json:"type"`
	Lines           []invoiceLinePayload `json:"lines"`
	Currency        string               `json:"currency"`
	Subtotal        int64                `json:"subtotal"`
	Discount        int64                `json:"discount,omitempty"`
	TotalAmount     int64                `json:"total_amount"`
	DepositAmount   int64                `json:"deposit_amount,omitempty"`
	AmountPaid      int64                `json:"amount_paid"`
	RemainingAmount int64                `json:"remaining_amount"`
	Status          string               `json:"status"`
	TransactionRefs []string             `json:"transaction_refs,omitempty"`
	IssuedAt        string               `json:"issued_at,omitempty"`
	DueAt           string               `json:"due_at,omitempty"`
	PaidAt          string               `json:"paid_at,omitempty"`
	CreatedAt       string               `json:"created_at"`
	UpdatedAt       string               `json:"updated_at,omitempty"`
}

type invoiceLinePayload struct {
	Description string `json:"description"`
	ProductRef  string `json:"product_ref,omitempty"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Total       int64  `json:"total"`
}

func buildInvoicePayload(invoice domain.Invoice) invoicePayload {
	lines := make([]invoiceLinePayload, 0, len(invoice.Lines))
	for _, line := range invoice.Lines {
		lines = append(lines, invoiceLinePayload{
			Description: line.Description,
			ProductRef:  line.ProductRef,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Total:       line.Total,
		})
	}

	return invoicePayload{
		ID:              invoice.ID,
		InvoiceNumber:   invoice.InvoiceNumber,
		OrderRef:        invoice.OrderRef,
		OrderNumber:     invoice.OrderNumber,
		Type:            string(invoice.Type),
		Lines:           lines,
		Currency:        invoice.Currency,
		Subtotal:        invoice.Subtotal,
		Discount:        invoice.Discount,
		TotalAmount:     invoice.TotalAmount,
		DepositAmount:   invoice.DepositAmount,
		AmountPaid:      invoice.AmountPaid,
		RemainingAmount: invoice.RemainingAmount,
		Status:          string(invoice.Status),
		TransactionRefs: append([]string(nil), invoice.TransactionRefs...),
		IssuedAt:        formatTimePtr(invoice.IssuedAt),
		DueAt:           formatTimePtr(invoice.DueAt),
		PaidAt:          formatTimePtr(invoice.PaidAt),
		CreatedAt:       formatTime(invoice.CreatedAt),
		UpdatedAt:       formatTime(invoice.UpdatedAt),
	}
}
