package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/printloft/api/internal/domain"
	pfirestore "github.com/printloft/api/internal/platform/firestore"
)

const invoicesCollection = "invoices"

// InvoiceRepository implements repositories.InvoiceRepository backed by
// Firestore.
type InvoiceRepository struct {
	provider *pfirestore.Provider
	invoices *pfirestore.BaseRepository[invoiceDocument]
}

// NewInvoiceRepository constructs a Firestore-backed invoice repository.
func NewInvoiceRepository(provider *pfirestore.Provider) (*InvoiceRepository, error) {
	if provider == nil {
		return nil, errors.New("invoice repository requires firestore provider")
	}
	return &InvoiceRepository{
		provider: provider,
		invoices: pfirestore.NewBaseRepository[invoiceDocument](provider, invoicesCollection),
	}, nil
}

// Insert stores a new invoice, failing with a conflict when the id exists.
func (r *InvoiceRepository) Insert(ctx context.Context, invoice domain.Invoice) error {
	if r == nil || r.invoices == nil {
		return errors.New("invoice repository not initialised")
	}
	if strings.TrimSpace(invoice.ID) == "" {
		return errors.New("invoice insert: id is required")
	}
	return r.invoices.Create(ctx, invoice.ID, newInvoiceDocument(invoice))
}

// Update overwrites the stored invoice.
func (r *InvoiceRepository) Update(ctx context.Context, invoice domain.Invoice) error {
	if r == nil || r.invoices == nil {
		return errors.New("invoice repository not initialised")
	}
	if strings.TrimSpace(invoice.ID) == "" {
		return errors.New("invoice update: id is required")
	}
	invoice.UpdatedAt = time.Now().UTC()
	return r.invoices.Set(ctx, invoice.ID, newInvoiceDocument(invoice))
}

// FindByID returns the invoice or a not-found categorised error.
func (r *InvoiceRepository) FindByID(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	if r == nil || r.invoices == nil {
		return domain.Invoice{}, errors.New("invoice repository not initialised")
	}
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return domain.Invoice{}, errors.New("invoice find: id is required")
	}
	doc, err := r.invoices.Get(ctx, invoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListByOrder returns all invoices raised against the order, oldest first.
func (r *InvoiceRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Invoice, error) {
	if r == nil || r.invoices == nil {
		return nil, errors.New("invoice repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("invoice list: order id is required")
	}

	docs, err := r.invoices.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderRef", "==", orderID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	invoices := make([]domain.Invoice, len(docs))
	for i, doc := range docs {
		invoices[i] = doc.Data.toDomain(doc.ID)
	}
	return invoices, nil
}

// FindOpenMain returns the open main invoice for the order, if one exists.
// Open means any status that still accepts payment against it.
func (r *InvoiceRepository) FindOpenMain(ctx context.Context, orderID string) (domain.Invoice, bool, error) {
	if r == nil || r.invoices == nil {
		return domain.Invoice{}, false, errors.New("invoice repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Invoice{}, false, errors.New("invoice find: order id is required")
	}

	statuses := make([]string, len(domain.OpenInvoiceStatuses))
	for i, s := range domain.OpenInvoiceStatuses {
		statuses[i] = string(s)
	}
	docs, err := r.invoices.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderRef", "==", orderID).
			Where("type", "==", string(domain.InvoiceTypeMain)).
			Where("status", "in", statuses).
			Limit(1)
	})
	if err != nil {
		return domain.Invoice{}, false, err
	}
	if len(docs) == 0 {
		return domain.Invoice{}, false, nil
	}
	return docs[0].Data.toDomain(docs[0].ID), true, nil
}

// ListDueBefore pages through unpaid invoices whose due date passed before the
// cutoff, oldest due date first. The overdue sweep consumes this.
func (r *InvoiceRepository) ListDueBefore(ctx context.Context, cutoff time.Time, pager domain.Pagination) (domain.CursorPage[domain.Invoice], error) {
	if r == nil || r.invoices == nil {
		return domain.CursorPage[domain.Invoice]{}, errors.New("invoice repository not initialised")
	}

	pageSize := pager.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	coll, err := r.invoices.CollectionRef(ctx)
	if err != nil {
		return domain.CursorPage[domain.Invoice]{}, err
	}

	query := coll.Query.
		Where("status", "in", []string{
			string(domain.InvoiceStatusSent),
			string(domain.InvoiceStatusPartiallyPaid),
		}).
		Where("dueAt", "<", cutoff.UTC()).
		OrderBy("dueAt", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(pager.PageToken); token != "" {
		decoded, err := decodeInvoicePageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Invoice]{}, pfirestore.WrapError("invoices.listDueBefore", err)
		}
		query = query.StartAfter(decoded.DueAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var invoices []domain.Invoice
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Invoice]{}, pfirestore.WrapError("invoices.listDueBefore", err)
		}
		var doc invoiceDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Invoice]{}, fmt.Errorf("decode invoice %s: %w", snap.Ref.ID, err)
		}
		invoices = append(invoices, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(invoices) > pageSize
	if hasMore {
		invoices = invoices[:pageSize]
	}
	var nextToken string
	if hasMore && len(invoices) > 0 {
		last := invoices[len(invoices)-1]
		due := time.Time{}
		if last.DueAt != nil {
			due = *last.DueAt
		}
		encoded, err := encodeInvoicePageToken(invoicePageToken{ID: last.ID, DueAt: due})
		if err != nil {
			return domain.CursorPage[domain.Invoice]{}, pfirestore.WrapError("invoices.listDueBefore", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Invoice]{
		Items:         invoices,
		NextPageToken: nextToken,
	}, nil
}

// Document mapping -----------------------------------------------------------

type invoiceDocument struct {
	InvoiceNumber   string                `firestore:"invoiceNumber"`
	OrderRef        string                `firestore:"orderRef"`
	OrderNumber     string                `firestore:"orderNumber"`
	Type            string                `firestore:"type"`
	Lines           []invoiceLineDocument `firestore:"lines"`
	Currency        string                `firestore:"currency"`
	Subtotal        int64                 `firestore:"subtotal"`
	Discount        int64                 `firestore:"discount"`
	TotalAmount     int64                 `firestore:"totalAmount"`
	DepositAmount   int64                 `firestore:"depositAmount"`
	AmountPaid      int64                 `firestore:"amountPaid"`
	RemainingAmount int64                 `firestore:"remainingAmount"`
	Status          string                `firestore:"status"`
	TransactionRefs []string              `firestore:"transactionRefs,omitempty"`
	IssuedAt        *time.Time            `firestore:"issuedAt,omitempty"`
	DueAt           *time.Time            `firestore:"dueAt,omitempty"`
	PaidAt          *time.Time            `firestore:"paidAt,omitempty"`
	CreatedAt       time.Time             `firestore:"createdAt"`
	UpdatedAt       time.Time             `firestore:"updatedAt"`
}

type invoiceLineDocument struct {
	Description string `firestore:"description"`
	ProductRef  string `firestore:"productRef,omitempty"`
	Quantity    int    `firestore:"qty"`
	UnitPrice   int64  `firestore:"unitPrice"`
	Total       int64  `firestore:"total"`
}

func newInvoiceDocument(invoice domain.Invoice) invoiceDocument {
	lines := make([]invoiceLineDocument, len(invoice.Lines))
	for i, line := range invoice.Lines {
		lines[i] = invoiceLineDocument{
			Description: strings.TrimSpace(line.Description),
			ProductRef:  strings.TrimSpace(line.ProductRef),
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Total:       line.Total,
		}
	}
	return invoiceDocument{
		InvoiceNumber:   strings.TrimSpace(invoice.InvoiceNumber),
		OrderRef:        strings.TrimSpace(invoice.OrderRef),
		OrderNumber:     strings.TrimSpace(invoice.OrderNumber),
		Type:            string(invoice.Type),
		Lines:           lines,
		Currency:        strings.ToUpper(strings.TrimSpace(invoice.Currency)),
		Subtotal:        invoice.Subtotal,
		Discount:        invoice.Discount,
		TotalAmount:     invoice.TotalAmount,
		DepositAmount:   invoice.DepositAmount,
		AmountPaid:      invoice.AmountPaid,
		RemainingAmount: invoice.RemainingAmount,
		Status:          string(invoice.Status),
		TransactionRefs: invoice.TransactionRefs,
		IssuedAt:        invoice.IssuedAt,
		DueAt:           invoice.DueAt,
		PaidAt:          invoice.PaidAt,
		CreatedAt:       invoice.CreatedAt.UTC(),
		UpdatedAt:       invoice.UpdatedAt.UTC(),
	}
}

func (d invoiceDocument) toDomain(id string) domain.Invoice {
	lines := make([]domain.InvoiceLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.InvoiceLine{
			Description: line.Description,
			ProductRef:  line.ProductRef,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Total:       line.Total,
		}
	}
	return domain.Invoice{
		ID:              id,
		InvoiceNumber:   d.InvoiceNumber,
		OrderRef:        d.OrderRef,
		OrderNumber:     d.OrderNumber,
		Type:            domain.InvoiceType(d.Type),
		Lines:           lines,
		Currency:        d.Currency,
		Subtotal:        d.Subtotal,
		Discount:        d.Discount,
		TotalAmount:     d.TotalAmount,
		DepositAmount:   d.DepositAmount,
		AmountPaid:      d.AmountPaid,
		RemainingAmount: d.RemainingAmount,
		Status:          domain.InvoiceStatus(d.Status),
		TransactionRefs: d.TransactionRefs,
		IssuedAt:        d.IssuedAt,
		DueAt:           d.DueAt,
		PaidAt:          d.PaidAt,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

type invoicePageToken struct {
	ID    string
	DueAt time.Time
}

func encodeInvoicePageToken(token invoicePageToken) (string, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(token); err != nil {
		return "", fmt.Errorf("encode invoice page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeInvoicePageToken(encoded string) (*invoicePageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode invoice page token: %w", err)
	}
	var token invoicePageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode invoice page token json: %w", err)
	}
	return &token, nil
}
