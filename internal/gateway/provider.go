package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised charge states shared across providers.
type Status string

const (
	// StatusPending indicates the charge is awaiting customer action or gateway confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway reports the charge as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the charge has been refunded in full.
	StatusRefunded Status = "refunded"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("gateway: unsupported provider")

// VerifyRequest asks a provider to confirm a charge reference against its records.
type VerifyRequest struct {
	ChargeID string
}

// RefundRequest asks a provider to reverse a charge, optionally for a partial amount.
type RefundRequest struct {
	ChargeID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// ChargeDetails normalises gateway specific fields for reconciliation.
type ChargeDetails struct {
	Provider   string
	ChargeID   string
	Status     Status
	Amount     int64
	Currency   string
	Captured   bool
	CapturedAt *time.Time
	RefundedAt *time.Time
	Raw        map[string]any
}

// Provider defines the contract gateway adapters implement.
type Provider interface {
	VerifyCharge(ctx context.Context, req VerifyRequest) (ChargeDetails, error)
	Refund(ctx context.Context, req RefundRequest) (ChargeDetails, error)
}

// Manager coordinates provider selection and bounds verification calls.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	verifyTimeout   time.Duration
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider key.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithVerifyTimeout bounds every provider call with a deadline.
func WithVerifyTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.verifyTimeout = d
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("gateway: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("gateway: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ChargeContext defines the hints available when selecting a provider.
type ChargeContext struct {
	PreferredProvider string
	Metadata          map[string]string
}

func (m *Manager) resolveProvider(ctx ChargeContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("gateway: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("gateway: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

func (m *Manager) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.verifyTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.verifyTimeout)
}

// VerifyCharge delegates to the resolved provider under the configured deadline.
func (m *Manager) VerifyCharge(ctx context.Context, chargeCtx ChargeContext, req VerifyRequest) (ChargeDetails, error) {
	key, provider, err := m.resolveProvider(chargeCtx)
	if err != nil {
		return ChargeDetails{}, err
	}
	callCtx, cancel := m.boundedContext(ctx)
	defer cancel()
	details, err := provider.VerifyCharge(callCtx, req)
	if err != nil {
		return ChargeDetails{}, err
	}
	if details.Provider == "" {
		details.Provider = key
	}
	return details, nil
}

// Refund delegates to the resolved provider under the configured deadline.
func (m *Manager) Refund(ctx context.Context, chargeCtx ChargeContext, req RefundRequest) (ChargeDetails, error) {
	key, provider, err := m.resolveProvider(chargeCtx)
	if err != nil {
		return ChargeDetails{}, err
	}
	callCtx, cancel := m.boundedContext(ctx)
	defer cancel()
	details, err := provider.Refund(callCtx, req)
	if err != nil {
		return ChargeDetails{}, err
	}
	if details.Provider == "" {
		details.Provider = key
	}
	return details, nil
}
