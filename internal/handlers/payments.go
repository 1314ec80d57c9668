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

const maxPaymentBodySize = 32 * 1024

type gatewayWebhookRequest struct {
	TransactionID string            `json:"transaction_id"`
	OrderID       string            `json:"order_id"`
	InvoiceID     string            `json:"invoice_id"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Provider      string            `json:"provider"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type manualTransferRequest struct {
	OrderID     string `json:"order_id"`
	InvoiceID   string `json:"invoice_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	ReceiptPath string `json:"receipt_path"`
}

type verifyTransferRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

type refundRequest struct {
	Amount *int64 `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// PaymentHandlers exposes the payment reconciliation surface: the gateway
// webhook, customer-reported bank transfers, and the staff verify/refund
// operations. The webhook and transfer middlewares are injected so the
// handler owns its own request gating, matching how auth is carried.
type PaymentHandlers struct {
	authn         *auth.Authenticator
	payments      services.PaymentService
	orders        services.OrderService
	webhookMW     func(http.Handler) http.Handler
	idempotencyMW func(http.Handler) http.Handler
}

// PaymentHandlerOption customises PaymentHandlers construction.
type PaymentHandlerOption func(*PaymentHandlers)

// WithWebhookMiddleware gates the gateway webhook route, typically with HMAC
// signature validation.
func WithWebhookMiddleware(mw func(http.Handler) http.Handler) PaymentHandlerOption {
	return func(h *PaymentHandlers) {
		h.webhookMW = mw
	}
}

// WithTransferIdempotency wraps the manual transfer route with replay
// protection keyed on the Idempotency-Key header.
func WithTransferIdempotency(mw func(http.Handler) http.Handler) PaymentHandlerOption {
	return func(h *PaymentHandlers) {
		h.idempotencyMW = mw
	}
}

// NewPaymentHandlers constructs a new PaymentHandlers instance.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService, orders services.OrderService, opts ...PaymentHandlerOption) *PaymentHandlers {
	h := &PaymentHandlers{
		authn:    authn,
		payments: payments,
		orders:   orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the public payment endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	r.Group(func(g chi.Router) {
		if h.webhookMW != nil {
			g.Use(h.webhookMW)
		}
		g.Post("/payments/webhook", h.gatewayWebhook)
	})

	r.Group(func(g chi.Router) {
		if h.authn != nil {
			g.Use(h.authn.RequireFirebaseAuth())
		}
		if h.idempotencyMW != nil {
			g.With(h.idempotencyMW).Post("/payments/transfers", h.recordTransfer)
		} else {
			g.Post("/payments/transfers", h.recordTransfer)
		}
		g.Get("/payments/{transactionID}", h.getTransaction)
	})
}

// AdminRoutes registers the staff payment operations.
func (h *PaymentHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/transfers/{transactionID}:verify", h.verifyTransfer)
	r.Post("/payments/{transactionID}:refund", h.recordRefund)
}

func (h *PaymentHandlers) gatewayWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req gatewayWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	result, err := h.payments.RecordGatewayTransaction(ctx, services.GatewayTransactionCommand{
		TransactionID: strings.TrimSpace(req.TransactionID),
		OrderID:       strings.TrimSpace(req.OrderID),
		InvoiceID:     strings.TrimSpace(req.InvoiceID),
		Amount:        req.Amount,
		Currency:      strings.ToUpper(strings.TrimSpace(req.Currency)),
		Provider:      strings.TrimSpace(req.Provider),
		Metadata:      req.Metadata,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildPaymentResultPayload(result))
}

func (h *PaymentHandlers) recordTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req manualTransferRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	result, err := h.payments.RecordManualTransfer(ctx, services.ManualTransferCommand{
		OrderID:     strings.TrimSpace(req.OrderID),
		InvoiceID:   strings.TrimSpace(req.InvoiceID),
		Amount:      req.Amount,
		Currency:    strings.ToUpper(strings.TrimSpace(req.Currency)),
		ReceiptPath: strings.TrimSpace(req.ReceiptPath),
		ActorID:     identity.UID,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSONResponse(w, status, buildPaymentResultPayload(result))
}

func (h *PaymentHandlers) getTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	transactionID := strings.TrimSpace(chi.URLParam(r, "transactionID"))
	if transactionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "transaction id is required", http.StatusBadRequest))
		return
	}

	txn, err := h.payments.GetTransaction(ctx, transactionID)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	if !h.canReadTransaction(ctx, identity, txn) {
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "transaction not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, transactionResponse{Transaction: buildTransactionPayload(txn)})
}

func (h *PaymentHandlers) verifyTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	transactionID := strings.TrimSpace(chi.URLParam(r, "transactionID"))
	if transactionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "transaction id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req verifyTransferRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	result, err := h.payments.VerifyManualTransfer(ctx, services.VerifyTransferCommand{
		TransactionID: transactionID,
		Approve:       req.Approve,
		Reason:        strings.TrimSpace(req.Reason),
		VerifiedBy:    adminActor(ctx),
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildPaymentResultPayload(result))
}

func (h *PaymentHandlers) recordRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	transactionID := strings.TrimSpace(chi.URLParam(r, "transactionID"))
	if transactionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "transaction id is required", http.StatusBadRequest))
		return
	}

	var req refundRequest
	body, err := readLimitedBody(r, maxPaymentBodySize)
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

	result, err := h.payments.RecordRefund(ctx, services.RefundCommand{
		TransactionID: transactionID,
		Amount:        req.Amount,
		Reason:        strings.TrimSpace(req.Reason),
		ActorID:       adminActor(ctx),
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, buildPaymentResultPayload(result))
}

func (h *PaymentHandlers) canReadTransaction(ctx context.Context, identity *auth.Identity, txn domain.Transaction) bool {
	if identity.HasAnyRole("staff", "admin") {
		return true
	}
	if h.orders == nil {
		return false
	}
	order, err := h.orders.GetOrder(ctx, txn.OrderRef)
	if err != nil {
		return false
	}
	return canReadOrder(identity, order)
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "transaction not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentVerificationFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_verification_failed", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPaymentPending):
		httpx.WriteError(ctx, w, httpx.NewError("payment_pending", "charge is still processing at the gateway; retry later", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentConflict):
		httpx.WriteError(ctx, w, httpx.NewError("payment_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentInvariant):
		httpx.WriteError(ctx, w, httpx.NewError("payment_invariant_violated", "balances could not be reconciled", http.StatusInternalServerError))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment gateway did not respond; retry later", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}

type transactionResponse struct {
	Transaction transactionPayload `json:"transaction"`
}

type paymentResultPayload struct {
	Transaction transactionPayload `json:"transaction"`
	Invoice     *invoicePayload    `json:"invoice,omitempty"`
	Order       *orderPayload      `json:"order,omitempty"`
	Duplicate   bool               `json:"duplicate,omitempty"`
}

type transactionPayload struct {
	ID            string         `json:"id"`
	OrderRef      string         `json:"order_ref"`
	InvoiceRef    string         `json:"invoice_ref"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	Status        string         `json:"status"`
	Type          string         `json:"type"`
	Method        string         `json:"method"`
	Gateway       map[string]any `json:"gateway,omitempty"`
	ReceiptPath   string         `json:"receipt_path,omitempty"`
	RefundOf      *string        `json:"refund_of,omitempty"`
	VerifiedBy    *string        `json:"verified_by,omitempty"`
	VerifiedAt    string         `json:"verified_at,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	PaidAt        string         `json:"paid_at,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at,omitempty"`
}

func buildPaymentResultPayload(result services.PaymentResult) paymentResultPayload {
	payload := paymentResultPayload{
		Transaction: buildTransactionPayload(result.Transaction),
		Duplicate:   result.Duplicate,
	}
	if result.Invoice.ID != "" {
		invoice := buildInvoicePayload(result.Invoice)
		payload.Invoice = &invoice
	}
	if result.Order.ID != "" {
		order := buildOrderPayload(result.Order)
		payload.Order = &order
	}
	return payload
}

func buildTransactionPayload(txn domain.Transaction) transactionPayload {
	return transactionPayload{
		ID:            txn.ID,
		OrderRef:      txn.OrderRef,
		InvoiceRef:    txn.InvoiceRef,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Status:        string(txn.Status),
		Type:          string(txn.Type),
		Method:        string(txn.Method),
		Gateway:       cloneMap(txn.Gateway),
		ReceiptPath:   txn.ReceiptPath,
		RefundOf:      cloneStringPointer(txn.RefundOf),
		VerifiedBy:    cloneStringPointer(txn.VerifiedBy),
		VerifiedAt:    formatTimePtr(txn.VerifiedAt),
		FailureReason: txn.FailureReason,
		PaidAt:        formatTimePtr(txn.PaidAt),
		CreatedAt:     formatTime(txn.CreatedAt),
		UpdatedAt:     formatTime(txn.UpdatedAt),
	}
}
