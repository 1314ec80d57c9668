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
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/printloft/api/internal/domain"
	pfirestore "github.com/printloft/api/internal/platform/firestore"
	"github.com/printloft/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository implements repositories.OrderRepository backed by Firestore.
// Updates are guarded by the order version field; a stale version surfaces as
// a conflict so the caller can re-read and retry.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
	}, nil
}

// Insert stores a new order, failing with a conflict when the id exists.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order insert: id is required")
	}
	return r.orders.Create(ctx, order.ID, newOrderDocument(order))
}

// Update persists the order guarded by its version. The stored version must
// match order.Version; the written record carries order.Version+1.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, errors.New("order update: id is required")
	}

	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return pfirestore.NewNotFoundError("orders.update", fmt.Errorf("order %s not found", order.ID))
			}
			return err
		}
		var current orderDocument
		if err := snap.DataTo(&current); err != nil {
			return fmt.Errorf("decode order %s: %w", order.ID, err)
		}
		if current.Version != order.Version {
			return pfirestore.NewConflictError("orders.update",
				fmt.Errorf("order %s version %d is stale (stored %d)", order.ID, order.Version, current.Version))
		}

		next := order
		next.Version = order.Version + 1
		next.UpdatedAt = time.Now().UTC()
		if err := tx.Set(ref, newOrderDocument(next)); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update", err)
	}
	return updated, nil
}

// FindByID returns the order or a not-found categorised error.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: id is required")
	}
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByNumber resolves an order by its human-facing number.
func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return domain.Order{}, errors.New("order find: order number is required")
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderNumber", "==", orderNumber).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.NewNotFoundError("orders.findByNumber",
			fmt.Errorf("order %s not found", orderNumber))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// List returns a page of orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.orders == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	coll, err := r.orders.CollectionRef(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	query := coll.Query
	if uid := strings.TrimSpace(filter.UserID); uid != "" {
		query = query.Where("userId", "==", uid)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		query = query.Where("status", "in", statuses)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeOrderPageToken(orderPageToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{
		Items:         orders,
		NextPageToken: nextToken,
	}, nil
}

// Document mapping -----------------------------------------------------------

type orderDocument struct {
	OrderNumber         string              `firestore:"orderNumber"`
	UserID              string              `firestore:"userId"`
	Items               []orderItemDocument `firestore:"items"`
	Currency            string              `firestore:"currency"`
	TotalAmount         int64               `firestore:"totalAmount"`
	AmountPaid          int64               `firestore:"amountPaid"`
	RemainingBalance    int64               `firestore:"remainingBalance"`
	RequiredPaymentType string              `firestore:"requiredPaymentType"`
	RequiredDeposit     int64               `firestore:"requiredDeposit"`
	Status              string              `firestore:"status"`
	PaymentStatus       string              `firestore:"paymentStatus"`
	InvoiceRef          *string             `firestore:"invoiceRef,omitempty"`
	ShippingRef         *string             `firestore:"shippingRef,omitempty"`
	Notes               string              `firestore:"notes,omitempty"`
	Version             int64               `firestore:"version"`
	CreatedBy           *string             `firestore:"createdBy,omitempty"`
	UpdatedBy           *string             `firestore:"updatedBy,omitempty"`
	Metadata            map[string]any      `firestore:"metadata,omitempty"`
	CreatedAt           time.Time           `firestore:"createdAt"`
	UpdatedAt           time.Time           `firestore:"updatedAt"`
	PlacedAt            *time.Time          `firestore:"placedAt,omitempty"`
	ApprovedAt          *time.Time          `firestore:"approvedAt,omitempty"`
	PaidAt              *time.Time          `firestore:"paidAt,omitempty"`
	ProductionAt        *time.Time          `firestore:"productionAt,omitempty"`
	ShippedAt           *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt         *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt         *time.Time          `firestore:"cancelledAt,omitempty"`
	CancelReason        *string             `firestore:"cancelReason,omitempty"`
}

type orderItemDocument struct {
	ProductRef string         `firestore:"productRef"`
	Name       string         `firestore:"name"`
	Options    map[string]any `firestore:"options,omitempty"`
	Quantity   int            `firestore:"qty"`
	UnitPrice  int64          `firestore:"unitPrice"`
	Total      int64          `firestore:"total"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductRef: strings.TrimSpace(item.ProductRef),
			Name:       strings.TrimSpace(item.Name),
			Options:    item.Options,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.Total,
		}
	}
	return orderDocument{
		OrderNumber:         strings.TrimSpace(order.OrderNumber),
		UserID:              strings.TrimSpace(order.UserID),
		Items:               items,
		Currency:            strings.ToUpper(strings.TrimSpace(order.Currency)),
		TotalAmount:         order.TotalAmount,
		AmountPaid:          order.AmountPaid,
		RemainingBalance:    order.RemainingBalance,
		RequiredPaymentType: string(order.RequiredPaymentType),
		RequiredDeposit:     order.RequiredDeposit,
		Status:              string(order.Status),
		PaymentStatus:       string(order.PaymentStatus),
		InvoiceRef:          order.InvoiceRef,
		ShippingRef:         order.ShippingRef,
		Notes:               order.Notes,
		Version:             order.Version,
		CreatedBy:           order.Audit.CreatedBy,
		UpdatedBy:           order.Audit.UpdatedBy,
		Metadata:            order.Metadata,
		CreatedAt:           order.CreatedAt.UTC(),
		UpdatedAt:           order.UpdatedAt.UTC(),
		PlacedAt:            order.PlacedAt,
		ApprovedAt:          order.ApprovedAt,
		PaidAt:              order.PaidAt,
		ProductionAt:        order.ProductionAt,
		ShippedAt:           order.ShippedAt,
		DeliveredAt:         order.DeliveredAt,
		CancelledAt:         order.CancelledAt,
		CancelReason:        order.CancelReason,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderLineItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderLineItem{
			ProductRef: item.ProductRef,
			Name:       item.Name,
			Options:    item.Options,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.Total,
		}
	}
	return domain.Order{
		ID:                  id,
		OrderNumber:         d.OrderNumber,
		UserID:              d.UserID,
		Items:               items,
		Currency:            d.Currency,
		TotalAmount:         d.TotalAmount,
		AmountPaid:          d.AmountPaid,
		RemainingBalance:    d.RemainingBalance,
		RequiredPaymentType: domain.PaymentPlan(d.RequiredPaymentType),
		RequiredDeposit:     d.RequiredDeposit,
		Status:              domain.OrderStatus(d.Status),
		PaymentStatus:       domain.PaymentStatus(d.PaymentStatus),
		InvoiceRef:          d.InvoiceRef,
		ShippingRef:         d.ShippingRef,
		Notes:               d.Notes,
		Version:             d.Version,
		Audit:               domain.OrderAudit{CreatedBy: d.CreatedBy, UpdatedBy: d.UpdatedBy},
		Metadata:            d.Metadata,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
		PlacedAt:            d.PlacedAt,
		ApprovedAt:          d.ApprovedAt,
		PaidAt:              d.PaidAt,
		ProductionAt:        d.ProductionAt,
		ShippedAt:           d.ShippedAt,
		DeliveredAt:         d.DeliveredAt,
		CancelledAt:         d.CancelledAt,
		CancelReason:        d.CancelReason,
	}
}

type orderPageToken struct {
	ID        string
	CreatedAt time.Time
}

func encodeOrderPageToken(token orderPageToken) (string, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(token); err != nil {
		return "", fmt.Errorf("encode order page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeOrderPageToken(encoded string) (*orderPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode order page token: %w", err)
	}
	var token orderPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode order page token json: %w", err)
	}
	return &token, nil
}
