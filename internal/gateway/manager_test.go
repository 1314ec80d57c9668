package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeProvider struct {
	lastOp      string
	details     ChargeDetails
	err         error
	sawDeadline bool
}

func (f *fakeProvider) VerifyCharge(ctx context.Context, req VerifyRequest) (ChargeDetails, error) {
	f.lastOp = "verify"
	_, f.sawDeadline = ctx.Deadline()
	return f.details, f.err
}

func (f *fakeProvider) Refund(ctx context.Context, req RefundRequest) (ChargeDetails, error) {
	f.lastOp = "refund"
	_, f.sawDeadline = ctx.Deadline()
	return f.details, f.err
}

func TestManagerVerifyUsesPreferredProvider(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{details: ChargeDetails{ChargeID: "pi_stripe"}}
	transfer := &fakeProvider{details: ChargeDetails{ChargeID: "pi_transfer"}}

	mgr, err := NewManager(map[string]Provider{
		"stripe":   stripe,
		"transfer": transfer,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	details, err := mgr.VerifyCharge(ctx, ChargeContext{PreferredProvider: "transfer"}, VerifyRequest{ChargeID: "pi_transfer"})
	if err != nil {
		t.Fatalf("verify charge: %v", err)
	}

	if details.Provider != "transfer" {
		t.Fatalf("expected provider 'transfer', got %q", details.Provider)
	}
	if transfer.lastOp != "verify" {
		t.Fatalf("expected transfer provider to handle call")
	}
	if stripe.lastOp != "" {
		t.Fatalf("expected stripe provider to remain unused")
	}
}

func TestManagerFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{details: ChargeDetails{Provider: "stripe"}}

	mgr, err := NewManager(map[string]Provider{"stripe": stripe})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	details, err := mgr.Refund(ctx, ChargeContext{}, RefundRequest{ChargeID: "pi_123"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if stripe.lastOp != "refund" {
		t.Fatalf("expected refund to invoke default provider")
	}
	if details.Provider != "stripe" {
		t.Fatalf("unexpected provider in details: %q", details.Provider)
	}
}

func TestManagerBoundsVerificationCalls(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{}

	mgr, err := NewManager(map[string]Provider{"stripe": stripe}, WithVerifyTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := mgr.VerifyCharge(ctx, ChargeContext{}, VerifyRequest{ChargeID: "pi_1"}); err != nil {
		t.Fatalf("verify charge: %v", err)
	}
	if !stripe.sawDeadline {
		t.Fatalf("expected provider context to carry a deadline")
	}
}

func TestManagerUnsupportedProvider(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(map[string]Provider{"stripe": &fakeProvider{}, "transfer": &fakeProvider{}}, WithDefaultProvider(""))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = mgr.VerifyCharge(ctx, ChargeContext{PreferredProvider: "unknown"}, VerifyRequest{ChargeID: "pi_1"})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager(map[string]Provider{"bad": nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
}
