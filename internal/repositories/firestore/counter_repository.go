package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/printloft/api/internal/platform/firestore"
	"github.com/printloft/api/internal/repositories"
)

const countersCollection = "counters"

// CounterRepository hands out monotonically increasing sequence numbers inside
// Firestore transactions. Order and invoice numbering depend on it.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.BaseRepository[counterDocument]
}

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewBaseRepository[counterDocument](provider, countersCollection),
	}, nil
}

// Next atomically advances the counter and returns the new value. A missing
// counter document starts from zero with the default step.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("counter repository not initialised")
	}
	counterID = strings.TrimSpace(counterID)
	if counterID == "" {
		return 0, errors.New("counter next: id is required")
	}

	var next int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.DocumentRef(ctx, counterID)
		if err != nil {
			return err
		}

		doc := counterDocument{Step: 1}
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode counter %s: %w", counterID, err)
			}
		case status.Code(err) == codes.NotFound:
			// First use seeds the document.
		default:
			return err
		}

		effectiveStep := step
		if effectiveStep <= 0 {
			effectiveStep = doc.Step
		}
		if effectiveStep <= 0 {
			effectiveStep = 1
		}

		candidate := doc.Value + effectiveStep
		if doc.MaxValue != nil && candidate > *doc.MaxValue {
			return pfirestore.NewConflictError("counters.next",
				fmt.Errorf("counter %s exhausted at %d (max %d)", counterID, doc.Value, *doc.MaxValue))
		}

		doc.Value = candidate
		doc.UpdatedAt = time.Now().UTC()
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		next = candidate
		return nil
	})
	if err != nil {
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return next, nil
}

// Configure sets increment behaviour and bounds for a counter. The initial
// value only applies when the counter document does not exist yet.
func (r *CounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	if r == nil || r.provider == nil {
		return errors.New("counter repository not initialised")
	}
	counterID = strings.TrimSpace(counterID)
	if counterID == "" {
		return errors.New("counter configure: id is required")
	}
	if cfg.Step < 0 {
		return errors.New("counter configure: step must not be negative")
	}
	if cfg.MaxValue != nil && cfg.InitialValue != nil && *cfg.InitialValue > *cfg.MaxValue {
		return errors.New("counter configure: initial value exceeds max value")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.DocumentRef(ctx, counterID)
		if err != nil {
			return err
		}

		doc := counterDocument{Step: 1}
		exists := true
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode counter %s: %w", counterID, err)
			}
		case status.Code(err) == codes.NotFound:
			exists = false
		default:
			return err
		}

		if cfg.Step > 0 {
			doc.Step = cfg.Step
		}
		doc.MaxValue = cfg.MaxValue
		if !exists && cfg.InitialValue != nil {
			doc.Value = *cfg.InitialValue
		}
		if doc.MaxValue != nil && doc.Value > *doc.MaxValue {
			return pfirestore.NewConflictError("counters.configure",
				fmt.Errorf("counter %s value %d already exceeds max %d", counterID, doc.Value, *doc.MaxValue))
		}
		doc.UpdatedAt = time.Now().UTC()
		return tx.Set(ref, doc)
	})
	if err != nil {
		return pfirestore.WrapError("counters.configure", err)
	}
	return nil
}

type counterDocument struct {
	Value     int64     `firestore:"value"`
	Step      int64     `firestore:"step"`
	MaxValue  *int64    `firestore:"maxValue,omitempty"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}
