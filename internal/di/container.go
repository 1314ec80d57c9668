package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/printloft/api/internal/platform/config"
	"github.com/printloft/api/internal/repositories"
	"github.com/printloft/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
// Concrete implementations are assembled in NewContainer.
type Services struct {
	Orders   services.OrderService
	Invoices services.InvoiceService
	Payments services.PaymentService
	Shipping services.ShippingService
}

// Dependencies carries the external collaborators that cannot be derived from
// the repository registry: the charge gateway, the event publisher, and the
// structured logger hook. Events and Logger may be nil; services degrade to
// best-effort logging and no-op publishing.
type Dependencies struct {
	Gateway services.ChargeGateway
	Events  services.EventPublisher
	Logger  services.Logger
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory
// registries and stub gateways.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients and any other held resources.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, deps Dependencies) (Services, error) {
	var svc Services

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Counters:   reg.Counters(),
		UnitOfWork: reg,
		Clock:      time.Now,
		Events:     deps.Events,
		Logger:     deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	invoiceSvc, err := services.NewInvoiceService(services.InvoiceServiceDeps{
		Invoices:   reg.Invoices(),
		Orders:     reg.Orders(),
		Counters:   reg.Counters(),
		UnitOfWork: reg,
		Controller: orderSvc,
		Clock:      time.Now,
		Logger:     deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build invoice service: %w", err)
	}
	svc.Invoices = invoiceSvc

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Transactions:    reg.Transactions(),
		Invoices:        reg.Invoices(),
		Orders:          reg.Orders(),
		Ledger:          reg.Ledger(),
		Gateway:         deps.Gateway,
		Controller:      orderSvc,
		Events:          deps.Events,
		Clock:           time.Now,
		ConflictRetries: cfg.Gateway.ConflictRetries,
		Logger:          deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	shippingSvc, err := services.NewShippingService(services.ShippingServiceDeps{
		Shipping:   reg.Shipping(),
		Orders:     reg.Orders(),
		Controller: orderSvc,
		Clock:      time.Now,
		Logger:     deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build shipping service: %w", err)
	}
	svc.Shipping = shippingSvc

	return svc, nil
}
