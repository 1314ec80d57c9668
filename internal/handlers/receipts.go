package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/printloft/api/internal/platform/auth"
	"github.com/printloft/api/internal/platform/httpx"
	platformstorage "github.com/printloft/api/internal/platform/storage"
	"github.com/printloft/api/internal/services"
)

const maxReceiptBodySize = 8 * 1024

var receiptContentTypes = []string{"application/pdf", "image/jpeg", "image/png"}

type receiptUploadRequest struct {
	OrderID     string `json:"order_id"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	ContentMD5  string `json:"content_md5,omitempty"`
}

type signedURLPayload struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	ObjectPath string            `json:"object_path,omitempty"`
	ExpiresAt  string            `json:"expires_at"`
}

// ReceiptHandlers issues signed URLs for bank transfer receipts. Customers
// upload the slip before reporting the transfer and can fetch their own
// receipts back; staff reads pass the same download authorisation.
type ReceiptHandlers struct {
	authn    *auth.Authenticator
	payments services.PaymentService
	orders   services.OrderService
	signer   *platformstorage.Client
	bucket   string
	ttl      time.Duration
}

// NewReceiptHandlers constructs handlers for receipt upload and download URLs.
// The ttl bounds download URL lifetime; uploads use the signer defaults.
func NewReceiptHandlers(authn *auth.Authenticator, payments services.PaymentService, orders services.OrderService, signer *platformstorage.Client, bucket string, ttl time.Duration) *ReceiptHandlers {
	return &ReceiptHandlers{
		authn:    authn,
		payments: payments,
		orders:   orders,
		signer:   signer,
		bucket:   strings.TrimSpace(bucket),
		ttl:      ttl,
	}
}

// Routes registers the receipt URL endpoints.
func (h *ReceiptHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(g chi.Router) {
		if h.authn != nil {
			g.Use(h.authn.RequireFirebaseAuth())
		}
		g.Post("/payments/transfers:receipt-upload-url", h.uploadURL)
		g.Get("/payments/{transactionID}/receipt", h.downloadURL)
	})
}

func (h *ReceiptHandlers) uploadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.signer == nil || h.bucket == "" {
		writeReceiptsUnavailable(ctx, w)
		return
	}

	body, err := readLimitedBody(r, maxReceiptBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req receiptUploadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id is required", http.StatusBadRequest))
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

	objectPath, err := platformstorage.BuildObjectPath(platformstorage.PurposeReceipt, platformstorage.PathParams{
		OrderID:  orderID,
		FileName: req.FileName,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.signer.SignedURL(ctx, h.bucket, objectPath, platformstorage.SignedURLOptions{
		Upload: &platformstorage.UploadOptions{
			Method:              http.MethodPut,
			ContentType:         strings.TrimSpace(req.ContentType),
			ContentMD5:          strings.TrimSpace(req.ContentMD5),
			AllowedContentTypes: receiptContentTypes,
		},
	})
	if err != nil {
		writeSignedURLError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, signedURLPayload{
		URL:        result.URL,
		Method:     result.Method,
		Headers:    result.Headers,
		ObjectPath: objectPath,
		ExpiresAt:  formatTime(result.ExpiresAt),
	})
}

func (h *ReceiptHandlers) downloadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.signer == nil || h.bucket == "" {
		writeReceiptsUnavailable(ctx, w)
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

	order, err := h.orders.GetOrder(ctx, txn.OrderRef)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if !canReadOrder(identity, order) {
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "transaction not found", http.StatusNotFound))
		return
	}
	if strings.TrimSpace(txn.ReceiptPath) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("receipt_not_found", "transaction has no receipt", http.StatusNotFound))
		return
	}

	result, err := h.signer.SignedURL(ctx, h.bucket, txn.ReceiptPath, platformstorage.SignedURLOptions{
		Download: &platformstorage.DownloadOptions{
			Method:    http.MethodGet,
			ExpiresIn: h.ttl,
			OwnerID:   order.UserID,
			Identity:  identity,
		},
	})
	if err != nil {
		writeSignedURLError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, signedURLPayload{
		URL:       result.URL,
		Method:    result.Method,
		ExpiresAt: formatTime(result.ExpiresAt),
	})
}

func writeReceiptsUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("receipts_unavailable", "receipt storage is not configured", http.StatusServiceUnavailable))
}

func writeSignedURLError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, platformstorage.ErrPermissionDenied) {
		httpx.WriteError(ctx, w, httpx.NewError("receipt_forbidden", "not allowed to access this receipt", http.StatusForbidden))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
}
