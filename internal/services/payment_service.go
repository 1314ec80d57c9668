package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/printloft/api/internal/domain"
	"github.com/printloft/api/internal/gateway"
	"github.com/printloft/api/internal/platform/textutil"
	"github.com/printloft/api/internal/repositories"
)

const (
	transactionIDPrefix = "txn_"

	paymentEventRecorded = "payment.recorded"
	paymentEventRefunded = "payment.refunded"
	paymentEventFailed   = "payment.failed"

	defaultConflictRetries = 3
)

var (
	// ErrPaymentInvalidInput signals the caller provided invalid data.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotFound indicates the transaction, invoice, or order could not
	// be located.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrPaymentConflict indicates contention that outlived the bounded retry.
	ErrPaymentConflict = errors.New("payment: conflict")
	// ErrPaymentVerificationFailed indicates the gateway or verifier rejected
	// the charge. The transaction is recorded as failed; no balances moved.
	ErrPaymentVerificationFailed = errors.New("payment: verification failed")
	// ErrPaymentPending indicates the gateway has not finished processing the
	// charge. The transaction stays pending; a later retry settles it.
	ErrPaymentPending = errors.New("payment: charge pending at gateway")
	// ErrPaymentInvariant indicates applying the movement would corrupt
	// balances. The unit of work is aborted.
	ErrPaymentInvariant = errors.New("payment: invariant violated")
)

// ChargeGateway is the slice of gateway.Manager the reconciler uses.
type ChargeGateway interface {
	VerifyCharge(ctx context.Context, chargeCtx gateway.ChargeContext, req gateway.VerifyRequest) (gateway.ChargeDetails, error)
	Refund(ctx context.Context, chargeCtx gateway.ChargeContext, req gateway.RefundRequest) (gateway.ChargeDetails, error)
}

// PaymentServiceDeps bundles collaborators required to construct the payment
// service.
type PaymentServiceDeps struct {
	Transactions    repositories.TransactionRepository
	Invoices        repositories.InvoiceRepository
	Orders          repositories.OrderRepository
	Ledger          repositories.LedgerRepository
	Gateway         ChargeGateway
	Controller      OrderService
	Events          EventPublisher
	Clock           func() time.Time
	IDGenerator     func() string
	ConflictRetries int
	Logger          Logger
}

type paymentService struct {
	transactions repositories.TransactionRepository
	invoices     repositories.InvoiceRepository
	orders       repositories.OrderRepository
	ledger       repositories.LedgerRepository
	gateway      ChargeGateway
	controller   OrderService
	events       EventPublisher
	clock        func() time.Time
	newID        func() string
	retries      int
	logger       Logger
}

// NewPaymentService wires dependencies into a concrete PaymentService
// implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Transactions == nil {
		return nil, errors.New("payment service: transaction repository is required")
	}
	if deps.Invoices == nil {
		return nil, errors.New("payment service: invoice repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("payment service: ledger repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	retries := deps.ConflictRetries
	if retries <= 0 {
		retries = defaultConflictRetries
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		transactions: deps.Transactions,
		invoices:     deps.Invoices,
		orders:       deps.Orders,
		ledger:       deps.Ledger,
		gateway:      deps.Gateway,
		controller:   deps.Controller,
		events:       deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:   idGen,
		retries: retries,
		logger:  logger,
	}, nil
}

func (s *paymentService) RecordGatewayTransaction(ctx context.Context, cmd GatewayTransactionCommand) (PaymentResult, error) {
	transactionID := strings.TrimSpace(cmd.TransactionID)
	if transactionID == "" {
		return PaymentResult{}, fmt.Errorf("%w: transaction id is required", ErrPaymentInvalidInput)
	}
	if err := s.validateMovement(cmd.OrderID, cmd.InvoiceID, cmd.Amount, cmd.Currency); err != nil {
		return PaymentResult{}, err
	}
	if s.gateway == nil {
		return PaymentResult{}, errors.New("payment service: gateway is not configured")
	}

	now := s.now()
	txn := domain.Transaction{
		ID:         transactionID,
		OrderRef:   strings.TrimSpace(cmd.OrderID),
		InvoiceRef: strings.TrimSpace(cmd.InvoiceID),
		Amount:     cmd.Amount,
		Currency:   strings.ToUpper(strings.TrimSpace(cmd.Currency)),
		Status:     domain.TransactionStatusPending,
		Type:       domain.TransactionTypeFinal,
		Method:     domain.PaymentMethodGateway,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	existing, replay, err := s.ensurePending(ctx, txn)
	if err != nil {
		return PaymentResult{}, err
	}
	if replay != nil {
		return *replay, replay.replayError()
	}
	txn = existing

	details, err := s.gateway.VerifyCharge(ctx, gateway.ChargeContext{
		PreferredProvider: strings.TrimSpace(cmd.Provider),
		Metadata:          textutil.NormalizeStringMap(cmd.Metadata),
	}, gateway.VerifyRequest{ChargeID: transactionID})
	if err != nil {
		// Verification did not complete; the transaction stays pending and
		// the webhook retry will pick it up.
		s.logger(ctx, "payment.verify.unavailable", map[string]any{
			"transaction": transactionID,
			"error":       err.Error(),
		})
		return PaymentResult{}, fmt.Errorf("payment: gateway verification unavailable: %w", err)
	}

	if details.Status == gateway.StatusPending {
		// The gateway has not finished processing; keep our record pending so
		// the next webhook delivery resumes it instead of replaying a failure.
		s.logger(ctx, "payment.verify.pending", map[string]any{
			"transaction": transactionID,
		})
		return PaymentResult{Transaction: txn}, fmt.Errorf("%w: charge %s", ErrPaymentPending, transactionID)
	}

	if reason := verificationMismatch(details, txn); reason != "" {
		failed, failErr := s.ledger.MarkTransactionFailed(ctx, repositories.LedgerFailRequest{
			TransactionID: transactionID,
			Reason:        reason,
			Now:           s.now(),
		})
		if failErr != nil {
			return PaymentResult{}, s.mapRepositoryError(failErr)
		}
		s.publishEvent(ctx, OrderEventMessage{
			EventID:       "evt_" + s.newID(),
			Type:          paymentEventFailed,
			OrderID:       txn.OrderRef,
			TransactionID: txn.ID,
			OccurredAt:    s.now(),
		})
		return PaymentResult{Transaction: failed}, fmt.Errorf("%w: %s", ErrPaymentVerificationFailed, reason)
	}

	result, err := s.applyCompleted(ctx, repositories.LedgerApplyRequest{
		TransactionID: transactionID,
		Gateway:       gatewayMetadata(details),
		Now:           s.now(),
	})
	if err != nil {
		return result, err
	}
	if result.Duplicate {
		// Another worker settled this id mid-flight; its commit already ran
		// the lifecycle transition and notification.
		return result, nil
	}

	s.afterSettlement(ctx, &result, paymentEventRecorded, "")
	return result, nil
}

func (s *paymentService) RecordManualTransfer(ctx context.Context, cmd ManualTransferCommand) (PaymentResult, error) {
	if err := s.validateMovement(cmd.OrderID, cmd.InvoiceID, cmd.Amount, cmd.Currency); err != nil {
		return PaymentResult{}, err
	}
	receiptPath := strings.TrimSpace(cmd.ReceiptPath)
	if receiptPath == "" {
		return PaymentResult{}, fmt.Errorf("%w: receipt path is required", ErrPaymentInvalidInput)
	}

	now := s.now()
	txn := domain.Transaction{
		ID:          transactionIDPrefix + s.newID(),
		OrderRef:    strings.TrimSpace(cmd.OrderID),
		InvoiceRef:  strings.TrimSpace(cmd.InvoiceID),
		Amount:      cmd.Amount,
		Currency:    strings.ToUpper(strings.TrimSpace(cmd.Currency)),
		Status:      domain.TransactionStatusPending,
		Type:        domain.TransactionTypeFinal,
		Method:      domain.PaymentMethodBankTransfer,
		ReceiptPath: receiptPath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.transactions.Create(ctx, txn); err != nil {
		return PaymentResult{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "payment.transfer.recorded", map[string]any{
		"transaction": txn.ID,
		"order":       txn.OrderRef,
	})
	return PaymentResult{Transaction: txn}, nil
}

func (s *paymentService) VerifyManualTransfer(ctx context.Context, cmd VerifyTransferCommand) (PaymentResult, error) {
	transactionID := strings.TrimSpace(cmd.TransactionID)
	if transactionID == "" {
		return PaymentResult{}, fmt.Errorf("%w: transaction id is required", ErrPaymentInvalidInput)
	}
	verifier := strings.TrimSpace(cmd.VerifiedBy)
	if verifier == "" {
		return PaymentResult{}, fmt.Errorf("%w: verifier id is required", ErrPaymentInvalidInput)
	}

	txn, err := s.transactions.FindByID(ctx, transactionID)
	if err != nil {
		return PaymentResult{}, s.mapRepositoryError(err)
	}
	if txn.Method != domain.PaymentMethodBankTransfer {
		return PaymentResult{}, fmt.Errorf("%w: transaction %s is not a bank transfer", ErrPaymentInvalidInput, txn.ID)
	}
	if txn.Status != domain.TransactionStatusPending {
		replay, err := s.replayResult(ctx, txn)
		return replay, err
	}

	if !cmd.Approve {
		reason := strings.TrimSpace(cmd.Reason)
		if reason == "" {
			reason = "receipt rejected by verifier"
		}
		failed, failErr := s.ledger.MarkTransactionFailed(ctx, repositories.LedgerFailRequest{
			TransactionID: transactionID,
			Reason:        reason,
			Now:           s.now(),
		})
		if failErr != nil {
			return PaymentResult{}, s.mapRepositoryError(failErr)
		}
		s.publishEvent(ctx, OrderEventMessage{
			EventID:       "evt_" + s.newID(),
			Type:          paymentEventFailed,
			OrderID:       txn.OrderRef,
			TransactionID: txn.ID,
			ActorID:       verifier,
			OccurredAt:    s.now(),
		})
		return PaymentResult{Transaction: failed}, fmt.Errorf("%w: %s", ErrPaymentVerificationFailed, reason)
	}

	result, err := s.applyCompleted(ctx, repositories.LedgerApplyRequest{
		TransactionID: transactionID,
		VerifiedBy:    valuePtr(verifier),
		Now:           s.now(),
	})
	if err != nil {
		return result, err
	}
	if result.Duplicate {
		return result, nil
	}

	s.afterSettlement(ctx, &result, paymentEventRecorded, verifier)
	return result, nil
}

func (s *paymentService) RecordRefund(ctx context.Context, cmd RefundCommand) (PaymentResult, error) {
	originalID := strings.TrimSpace(cmd.TransactionID)
	if originalID == "" {
		return PaymentResult{}, fmt.Errorf("%w: transaction id is required", ErrPaymentInvalidInput)
	}

	original, err := s.transactions.FindByID(ctx, originalID)
	if err != nil {
		return PaymentResult{}, s.mapRepositoryError(err)
	}
	if original.Status != domain.TransactionStatusCompleted {
		return PaymentResult{}, fmt.Errorf("%w: transaction %s is %s, only completed payments can be refunded",
			ErrPaymentInvalidInput, original.ID, original.Status)
	}
	if original.Type == domain.TransactionTypeRefund {
		return PaymentResult{}, fmt.Errorf("%w: transaction %s is itself a refund and cannot be reversed",
			ErrPaymentInvalidInput, original.ID)
	}

	amount := original.Amount
	if cmd.Amount != nil {
		amount = *cmd.Amount
	}
	if amount <= 0 || amount > original.Amount {
		return PaymentResult{}, fmt.Errorf("%w: refund amount %d must be positive and within the original %d",
			ErrPaymentInvalidInput, amount, original.Amount)
	}

	now := s.now()
	refund := domain.Transaction{
		ID:         transactionIDPrefix + s.newID(),
		OrderRef:   original.OrderRef,
		InvoiceRef: original.InvoiceRef,
		Amount:     amount,
		Currency:   original.Currency,
		Status:     domain.TransactionStatusPending,
		Type:       domain.TransactionTypeRefund,
		Method:     original.Method,
		RefundOf:   valuePtr(original.ID),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.transactions.Create(ctx, refund); err != nil {
		return PaymentResult{}, s.mapRepositoryError(err)
	}

	if original.Method == domain.PaymentMethodGateway {
		if s.gateway == nil {
			return PaymentResult{}, errors.New("payment service: gateway is not configured")
		}
		if _, err := s.gateway.Refund(ctx, gateway.ChargeContext{}, gateway.RefundRequest{
			ChargeID:       original.ID,
			Amount:         valuePtr(amount),
			Reason:         strings.TrimSpace(cmd.Reason),
			IdempotencyKey: refund.ID,
		}); err != nil {
			// The pending refund record stays; a retry reuses the same
			// idempotency key at the gateway.
			s.logger(ctx, "payment.refund.gateway.unavailable", map[string]any{
				"transaction": refund.ID,
				"original":    original.ID,
				"error":       err.Error(),
			})
			return PaymentResult{}, fmt.Errorf("payment: gateway refund unavailable: %w", err)
		}
	}

	var result PaymentResult
	var actor *string
	if a := strings.TrimSpace(cmd.ActorID); a != "" {
		actor = valuePtr(a)
	}
	resolved, applyErr := s.withConflictRetry(ctx, refund.ID, func() error {
		applied, err := s.ledger.ApplyRefundTransaction(ctx, repositories.LedgerRefundRequest{
			TransactionID: refund.ID,
			VerifiedBy:    actor,
			Now:           s.now(),
		})
		if err != nil {
			return err
		}
		result = PaymentResult{Transaction: applied.Transaction, Invoice: applied.Invoice, Order: applied.Order}
		return nil
	})
	if applyErr != nil {
		return PaymentResult{}, applyErr
	}
	if resolved != nil {
		return *resolved, resolved.replayError()
	}

	s.publishEvent(ctx, OrderEventMessage{
		EventID:       "evt_" + s.newID(),
		Type:          paymentEventRefunded,
		OrderID:       result.Order.ID,
		OrderNumber:   result.Order.OrderNumber,
		TransactionID: result.Transaction.ID,
		AmountDisplay: textutil.FormatAmount("", result.Transaction.Currency, result.Transaction.Amount),
		ActorID:       strings.TrimSpace(cmd.ActorID),
		OccurredAt:    s.now(),
	})

	return result, nil
}

func (s *paymentService) GetTransaction(ctx context.Context, transactionID string) (domain.Transaction, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return domain.Transaction{}, fmt.Errorf("%w: transaction id is required", ErrPaymentInvalidInput)
	}
	txn, err := s.transactions.FindByID(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, s.mapRepositoryError(err)
	}
	return txn, nil
}

// ensurePending creates the pending record or resolves a replay. The returned
// replay result is non-nil when the id already settled.
func (s *paymentService) ensurePending(ctx context.Context, txn domain.Transaction) (domain.Transaction, *PaymentResult, error) {
	err := s.transactions.Create(ctx, txn)
	if err == nil {
		return txn, nil, nil
	}
	if !isConflict(err) {
		return domain.Transaction{}, nil, s.mapRepositoryError(err)
	}

	existing, findErr := s.transactions.FindByID(ctx, txn.ID)
	if findErr != nil {
		return domain.Transaction{}, nil, s.mapRepositoryError(findErr)
	}
	if existing.Status == domain.TransactionStatusPending {
		// A prior attempt created the record but never settled it; resume.
		return existing, nil, nil
	}

	replay, replayErr := s.replayResult(ctx, existing)
	if replayErr != nil {
		return domain.Transaction{}, nil, replayErr
	}
	return domain.Transaction{}, &replay, nil
}

// replayResult assembles the prior outcome for an already-settled transaction
// id. Balances are not touched.
func (s *paymentService) replayResult(ctx context.Context, txn domain.Transaction) (PaymentResult, error) {
	result := PaymentResult{Transaction: txn, Duplicate: true}
	if txn.Status == domain.TransactionStatusFailed {
		return result, nil
	}

	invoice, err := s.invoices.FindByID(ctx, txn.InvoiceRef)
	if err != nil {
		return PaymentResult{}, s.mapRepositoryError(err)
	}
	order, err := s.orders.FindByID(ctx, txn.OrderRef)
	if err != nil {
		return PaymentResult{}, s.mapRepositoryError(err)
	}
	result.Invoice = invoice
	result.Order = order

	s.logger(ctx, "payment.replay", map[string]any{
		"transaction": txn.ID,
		"status":      string(txn.Status),
	})
	return result, nil
}

func (s *paymentService) applyCompleted(ctx context.Context, req repositories.LedgerApplyRequest) (PaymentResult, error) {
	var result PaymentResult
	resolved, err := s.withConflictRetry(ctx, req.TransactionID, func() error {
		applied, err := s.ledger.ApplyCompletedTransaction(ctx, req)
		if err != nil {
			return err
		}
		result = PaymentResult{Transaction: applied.Transaction, Invoice: applied.Invoice, Order: applied.Order}
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	if resolved != nil {
		return *resolved, resolved.replayError()
	}
	return result, nil
}

// withConflictRetry retries contention a bounded number of times. A conflict
// caused by the transaction leaving pending means another worker settled the
// same id; that resolves to the winner's outcome instead of an error.
func (s *paymentService) withConflictRetry(ctx context.Context, transactionID string, attempt func() error) (*PaymentResult, error) {
	var lastErr error
	for i := 0; i <= s.retries; i++ {
		err := attempt()
		if err == nil {
			return nil, nil
		}
		if errors.Is(err, domain.ErrBalanceInvariant) {
			s.logger(ctx, "payment.invariant.violated", map[string]any{
				"transaction": transactionID,
				"error":       err.Error(),
			})
			return nil, fmt.Errorf("%w: %v", ErrPaymentInvariant, err)
		}
		if !isConflict(err) {
			return nil, s.mapRepositoryError(err)
		}

		settled, findErr := s.transactions.FindByID(ctx, transactionID)
		if findErr == nil && settled.Status != domain.TransactionStatusPending {
			replay, replayErr := s.replayResult(ctx, settled)
			if replayErr != nil {
				return nil, replayErr
			}
			return &replay, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: retries exhausted: %v", ErrPaymentConflict, lastErr)
}

// afterSettlement feeds the controller the derived payment event and notifies.
// Both run after the durable commit; failures are logged and never unwind the
// settlement.
func (s *paymentService) afterSettlement(ctx context.Context, result *PaymentResult, eventType, actor string) {
	if event, ok := domain.PaymentEventFor(result.Order); ok && s.controller != nil {
		updated, err := s.controller.Transition(ctx, TransitionOrderCommand{
			OrderID: result.Order.ID,
			Event:   event,
			ActorID: actor,
		})
		if err != nil {
			s.logger(ctx, "payment.lifecycle.skip", map[string]any{
				"order":       result.Order.ID,
				"event":       string(event),
				"transaction": result.Transaction.ID,
				"error":       err.Error(),
			})
		} else {
			result.Order = updated
		}
	}

	s.publishEvent(ctx, OrderEventMessage{
		EventID:       "evt_" + s.newID(),
		Type:          eventType,
		OrderID:       result.Order.ID,
		OrderNumber:   result.Order.OrderNumber,
		TransactionID: result.Transaction.ID,
		CurrentStatus: string(result.Order.Status),
		AmountDisplay: textutil.FormatAmount("", result.Transaction.Currency, result.Transaction.Amount),
		ActorID:       actor,
		OccurredAt:    s.now(),
	})
}

func (s *paymentService) validateMovement(orderID, invoiceID string, amount int64, currency string) error {
	if strings.TrimSpace(orderID) == "" {
		return fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	if strings.TrimSpace(invoiceID) == "" {
		return fmt.Errorf("%w: invoice id is required", ErrPaymentInvalidInput)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrPaymentInvalidInput)
	}
	if strings.TrimSpace(currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrPaymentInvalidInput)
	}
	return nil
}

func (s *paymentService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPaymentNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrPaymentConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("payment: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *paymentService) now() time.Time {
	return s.clock()
}

func (s *paymentService) publishEvent(ctx context.Context, message OrderEventMessage) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, message); err != nil {
		s.logger(ctx, "payment.event.publish.failed", map[string]any{
			"type":        message.Type,
			"order":       message.OrderID,
			"transaction": message.TransactionID,
			"error":       err.Error(),
		})
	}
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// verificationMismatch returns a failure reason when the gateway's view of the
// charge does not match the recorded movement. Empty means verified. Pending
// gateway answers never reach here; the caller keeps those retryable.
func verificationMismatch(details gateway.ChargeDetails, txn domain.Transaction) string {
	if details.Status != gateway.StatusSucceeded {
		return fmt.Sprintf("gateway reports charge status %q", details.Status)
	}
	if !details.Captured {
		return "gateway reports the charge as not captured"
	}
	if details.Amount != txn.Amount {
		return fmt.Sprintf("gateway amount %d does not match recorded amount %d", details.Amount, txn.Amount)
	}
	if details.Currency != "" && !strings.EqualFold(details.Currency, txn.Currency) {
		return fmt.Sprintf("gateway currency %q does not match recorded currency %q", details.Currency, txn.Currency)
	}
	return ""
}

func gatewayMetadata(details gateway.ChargeDetails) map[string]any {
	meta := map[string]any{
		"provider": details.Provider,
		"status":   string(details.Status),
	}
	if details.CapturedAt != nil {
		meta["capturedAt"] = details.CapturedAt.UTC().Format(time.RFC3339)
	}
	if len(details.Raw) > 0 {
		meta["raw"] = details.Raw
	}
	return meta
}

// replayError mirrors the original outcome for replays of failed settlements.
func (r *PaymentResult) replayError() error {
	if r.Transaction.Status == domain.TransactionStatusFailed {
		reason := r.Transaction.FailureReason
		if reason == "" {
			reason = "previously recorded failure"
		}
		return fmt.Errorf("%w: %s", ErrPaymentVerificationFailed, reason)
	}
	return nil
}
