package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/printloft/api/internal/domain"
	pfirestore "github.com/printloft/api/internal/platform/firestore"
)

const shippingCollection = "shipping"

// ShippingRepository stores the single fulfilment record per order.
type ShippingRepository struct {
	provider *pfirestore.Provider
	shipping *pfirestore.BaseRepository[shippingDocument]
}

// NewShippingRepository constructs a Firestore-backed shipping repository.
func NewShippingRepository(provider *pfirestore.Provider) (*ShippingRepository, error) {
	if provider == nil {
		return nil, errors.New("shipping repository requires firestore provider")
	}
	return &ShippingRepository{
		provider: provider,
		shipping: pfirestore.NewBaseRepository[shippingDocument](provider, shippingCollection),
	}, nil
}

// Insert stores a new shipping record, failing with a conflict when the id
// exists.
func (r *ShippingRepository) Insert(ctx context.Context, shipping domain.Shipping) error {
	if r == nil || r.shipping == nil {
		return errors.New("shipping repository not initialised")
	}
	if strings.TrimSpace(shipping.ID) == "" {
		return errors.New("shipping insert: id is required")
	}
	return r.shipping.Create(ctx, shipping.ID, newShippingDocument(shipping))
}

// Update overwrites the stored shipping record.
func (r *ShippingRepository) Update(ctx context.Context, shipping domain.Shipping) error {
	if r == nil || r.shipping == nil {
		return errors.New("shipping repository not initialised")
	}
	if strings.TrimSpace(shipping.ID) == "" {
		return errors.New("shipping update: id is required")
	}
	shipping.UpdatedAt = time.Now().UTC()
	return r.shipping.Set(ctx, shipping.ID, newShippingDocument(shipping))
}

// FindByID returns the shipping record or a not-found categorised error.
func (r *ShippingRepository) FindByID(ctx context.Context, shippingID string) (domain.Shipping, error) {
	if r == nil || r.shipping == nil {
		return domain.Shipping{}, errors.New("shipping repository not initialised")
	}
	shippingID = strings.TrimSpace(shippingID)
	if shippingID == "" {
		return domain.Shipping{}, errors.New("shipping find: id is required")
	}
	doc, err := r.shipping.Get(ctx, shippingID)
	if err != nil {
		return domain.Shipping{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByOrder returns the shipping record attached to the order, if any.
func (r *ShippingRepository) FindByOrder(ctx context.Context, orderID string) (domain.Shipping, bool, error) {
	if r == nil || r.shipping == nil {
		return domain.Shipping{}, false, errors.New("shipping repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Shipping{}, false, errors.New("shipping find: order id is required")
	}

	docs, err := r.shipping.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderRef", "==", orderID).Limit(1)
	})
	if err != nil {
		return domain.Shipping{}, false, err
	}
	if len(docs) == 0 {
		return domain.Shipping{}, false, nil
	}
	return docs[0].Data.toDomain(docs[0].ID), true, nil
}

// Document mapping -----------------------------------------------------------

type shippingDocument struct {
	OrderRef       string           `firestore:"orderRef"`
	Method         string           `firestore:"method"`
	Address        *addressDocument `firestore:"address,omitempty"`
	TrackingNumber string           `firestore:"trackingNumber,omitempty"`
	Status         string           `firestore:"status"`
	CreatedAt      time.Time        `firestore:"createdAt"`
	UpdatedAt      time.Time        `firestore:"updatedAt"`
	ShippedAt      *time.Time       `firestore:"shippedAt,omitempty"`
	DeliveredAt    *time.Time       `firestore:"deliveredAt,omitempty"`
}

type addressDocument struct {
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	Region     string `firestore:"region,omitempty"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
	Phone      string `firestore:"phone,omitempty"`
}

func newShippingDocument(shipping domain.Shipping) shippingDocument {
	doc := shippingDocument{
		OrderRef:       strings.TrimSpace(shipping.OrderRef),
		Method:         string(shipping.Method),
		TrackingNumber: strings.TrimSpace(shipping.TrackingNumber),
		Status:         string(shipping.Status),
		CreatedAt:      shipping.CreatedAt.UTC(),
		UpdatedAt:      shipping.UpdatedAt.UTC(),
		ShippedAt:      shipping.ShippedAt,
		DeliveredAt:    shipping.DeliveredAt,
	}
	if shipping.Address != nil {
		doc.Address = &addressDocument{
			Line1:      strings.TrimSpace(shipping.Address.Line1),
			Line2:      strings.TrimSpace(shipping.Address.Line2),
			City:       strings.TrimSpace(shipping.Address.City),
			Region:     strings.TrimSpace(shipping.Address.Region),
			PostalCode: strings.TrimSpace(shipping.Address.PostalCode),
			Country:    strings.ToUpper(strings.TrimSpace(shipping.Address.Country)),
			Phone:      strings.TrimSpace(shipping.Address.Phone),
		}
	}
	return doc
}

func (d shippingDocument) toDomain(id string) domain.Shipping {
	shipping := domain.Shipping{
		ID:             id,
		OrderRef:       d.OrderRef,
		Method:         domain.ShippingMethod(d.Method),
		TrackingNumber: d.TrackingNumber,
		Status:         domain.ShippingStatus(d.Status),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		ShippedAt:      d.ShippedAt,
		DeliveredAt:    d.DeliveredAt,
	}
	if d.Address != nil {
		shipping.Address = &domain.Address{
			Line1:      d.Address.Line1,
			Line2:      d.Address.Line2,
			City:       d.Address.City,
			Region:     d.Address.Region,
			PostalCode: d.Address.PostalCode,
			Country:    d.Address.Country,
			Phone:      d.Address.Phone,
		}
	}
	return shipping
}
