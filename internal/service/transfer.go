package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/midas-core/internal/domain"
	"github.com/ayo6706/midas-core/internal/models"
	"github.com/ayo6706/midas-core/internal/observability"
	"go.uber.org/zap"
)

// errSkip carries a skip outcome out of a unit of work so the transaction rolls back.
type errSkip struct {
	outcome string
	cause   error
}

func (e *errSkip) Error() string { return e.outcome + ": " + e.cause.Error() }
func (e *errSkip) Unwrap() error { return e.cause }

// ProcessResult describes what happened to one transfer event.
type ProcessResult struct {
	Outcome          string
	Reason           string
	Record           *models.TransferRecord
	Incentive        int64
	SenderBalance    int64
	RecipientBalance int64
}

// Skipped reports whether the event was dropped without any balance change.
func (r *ProcessResult) Skipped() bool {
	return domain.IsSkip(r.Outcome)
}

// TransferProcessor applies transfer events to account balances and the ledger.
// It is safe for concurrent use; serialisation per account is delegated to the
// store's unit of work.
type TransferProcessor struct {
	store            Store
	incentives       IncentiveClient
	incentiveTimeout time.Duration
	processed        ProcessedEvents
	logger           *zap.Logger
}

func NewTransferProcessor(store Store, incentives IncentiveClient, logger *zap.Logger) *TransferProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransferProcessor{
		store:      store,
		incentives: incentives,
		logger:     logger,
	}
}

// WithIncentiveTimeout bounds every incentive lookup. Zero leaves the bound to the client.
func (p *TransferProcessor) WithIncentiveTimeout(timeout time.Duration) *TransferProcessor {
	p.incentiveTimeout = timeout
	return p
}

// WithProcessedEvents enables the redelivery fast path.
func (p *TransferProcessor) WithProcessedEvents(processed ProcessedEvents) *TransferProcessor {
	p.processed = processed
	return p
}

// Process runs one event through validation, incentive lookup and the
// balance/ledger unit of work. Skips are returned as results with a nil error;
// a non-nil error means nothing was committed and the event may be redelivered.
func (p *TransferProcessor) Process(ctx context.Context, event models.TransferEvent) (*ProcessResult, error) {
	start := time.Now()
	result, err := p.process(ctx, event)

	outcome := domain.OutcomeFailed
	if err == nil {
		outcome = result.Outcome
	}
	observability.ObserveTransfer(outcome, time.Since(start))

	fields := []zap.Field{
		zap.String("event_key", event.EventKey),
		zap.Int64("sender_id", event.SenderID),
		zap.Int64("recipient_id", event.RecipientID),
		zap.String("amount", domain.FormatMicros(event.Amount)),
	}
	switch {
	case err != nil:
		p.logger.Error("transfer failed", append(fields, zap.Error(err))...)
	case result.Skipped():
		p.logger.Warn("transfer skipped", append(fields, zap.String("reason_code", result.Outcome), zap.String("reason", result.Reason))...)
	case result.Outcome == domain.OutcomeDuplicate:
		p.logger.Info("transfer already applied", fields...)
	default:
		p.logger.Info("transfer applied", append(fields,
			zap.Int64("transfer_id", result.Record.ID),
			zap.String("incentive", domain.FormatMicros(result.Incentive)),
		)...)
	}
	return result, err
}

func (p *TransferProcessor) process(ctx context.Context, event models.TransferEvent) (*ProcessResult, error) {
	if reason := validateEvent(event); reason != "" {
		return skipped(domain.OutcomeMalformed, reason), nil
	}

	if p.alreadyApplied(ctx, event.EventKey) {
		return &ProcessResult{Outcome: domain.OutcomeDuplicate}, nil
	}

	// 1. Resolve both parties and pre-check funds without holding locks.
	sender, err := p.store.GetAccount(ctx, event.SenderID)
	if err != nil {
		return resolveFailure("sender", event.SenderID, err)
	}
	if _, err := p.store.GetAccount(ctx, event.RecipientID); err != nil {
		return resolveFailure("recipient", event.RecipientID, err)
	}
	if sender.Balance < event.Amount {
		return skipped(domain.OutcomeInsufficientFunds, insufficientReason(sender.Balance, event.Amount)), nil
	}

	// 2. Incentive is non-authoritative and looked up before the unit of work
	// so that no lock is held across the network call.
	incentive := p.quote(ctx, event)

	// 3. Unit of work: lock, re-check, mutate both balances, append to the ledger.
	result := &ProcessResult{Outcome: domain.OutcomeApplied, Incentive: incentive}
	err = p.store.RunInTx(ctx, func(uow UnitOfWork) error {
		return p.apply(ctx, uow, event, incentive, result)
	})
	if err != nil {
		var skip *errSkip
		if errors.As(err, &skip) {
			return skipped(skip.outcome, skip.cause.Error()), nil
		}
		if errors.Is(err, models.ErrDuplicateTransfer) {
			return &ProcessResult{Outcome: domain.OutcomeDuplicate}, nil
		}
		return nil, fmt.Errorf("apply transfer: %w", err)
	}

	p.remember(ctx, event.EventKey, result.Record.ID)
	return result, nil
}

func (p *TransferProcessor) apply(ctx context.Context, uow UnitOfWork, event models.TransferEvent, incentive int64, result *ProcessResult) error {
	accounts, err := uow.LockAccounts(ctx, event.SenderID, event.RecipientID)
	if err != nil {
		return fmt.Errorf("lock accounts: %w", err)
	}
	sender, ok := accounts[event.SenderID]
	if !ok {
		return &errSkip{outcome: domain.OutcomeAccountNotFound, cause: fmt.Errorf("sender %d: %w", event.SenderID, models.ErrAccountNotFound)}
	}
	recipient, ok := accounts[event.RecipientID]
	if !ok {
		return &errSkip{outcome: domain.OutcomeAccountNotFound, cause: fmt.Errorf("recipient %d: %w", event.RecipientID, models.ErrAccountNotFound)}
	}

	if event.EventKey != "" {
		exists, err := uow.TransferExists(ctx, event.EventKey)
		if err != nil {
			return fmt.Errorf("check ledger for event: %w", err)
		}
		if exists {
			return models.ErrDuplicateTransfer
		}
	}

	// Balance may have moved since the unlocked pre-check.
	if sender.Balance < event.Amount {
		return &errSkip{outcome: domain.OutcomeInsufficientFunds, cause: fmt.Errorf("%s: %w", insufficientReason(sender.Balance, event.Amount), models.ErrInsufficientFunds)}
	}

	if incentive > 0 && domain.AddOverflows(recipient.Balance, event.Amount+incentive) {
		observability.IncrementIncentive(domain.IncentiveResultMalformed)
		p.logger.Warn("incentive would overflow recipient balance, using zero",
			zap.String("event_key", event.EventKey),
			zap.Int64("recipient_id", event.RecipientID),
			zap.Int64("incentive", incentive),
		)
		incentive = 0
		result.Incentive = 0
	}

	senderBalance, err := uow.AdjustBalance(ctx, event.SenderID, -event.Amount)
	if err != nil {
		return fmt.Errorf("debit sender: %w", err)
	}
	recipientBalance, err := uow.AdjustBalance(ctx, event.RecipientID, event.Amount+incentive)
	if err != nil {
		return fmt.Errorf("credit recipient: %w", err)
	}

	record := &models.TransferRecord{
		EventKey:    event.EventKey,
		SenderID:    event.SenderID,
		RecipientID: event.RecipientID,
		Amount:      event.Amount,
		Incentive:   incentive,
	}
	if err := uow.AppendTransfer(ctx, record); err != nil {
		return fmt.Errorf("append transfer record: %w", err)
	}

	result.Record = record
	result.SenderBalance = senderBalance
	result.RecipientBalance = recipientBalance
	return nil
}

func (p *TransferProcessor) quote(ctx context.Context, event models.TransferEvent) int64 {
	if p.incentives == nil {
		return 0
	}
	if p.incentiveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.incentiveTimeout)
		defer cancel()
	}
	q, err := p.incentives.Quote(ctx, event)
	if err != nil {
		observability.IncrementIncentive(domain.IncentiveResultDegraded)
		p.logger.Warn("incentive lookup failed, continuing without incentive",
			zap.String("event_key", event.EventKey),
			zap.Error(err),
		)
		return 0
	}
	if q.Amount < 0 {
		observability.IncrementIncentive(domain.IncentiveResultNegative)
		p.logger.Warn("incentive service returned a negative amount, using zero",
			zap.String("event_key", event.EventKey),
			zap.Int64("amount", q.Amount),
		)
		return 0
	}
	if domain.AddOverflows(event.Amount, q.Amount) {
		observability.IncrementIncentive(domain.IncentiveResultMalformed)
		p.logger.Warn("incentive service returned an out-of-range amount, using zero",
			zap.String("event_key", event.EventKey),
			zap.Int64("amount", q.Amount),
		)
		return 0
	}
	observability.IncrementIncentive(domain.IncentiveResultQuoted)
	return q.Amount
}

func (p *TransferProcessor) alreadyApplied(ctx context.Context, eventKey string) bool {
	if p.processed == nil || eventKey == "" {
		return false
	}
	seen, err := p.processed.Seen(ctx, eventKey)
	if err != nil {
		// The ledger's unique event key still guards against double application.
		p.logger.Warn("processed-event lookup failed", zap.String("event_key", eventKey), zap.Error(err))
		return false
	}
	return seen
}

func (p *TransferProcessor) remember(ctx context.Context, eventKey string, transferID int64) {
	if p.processed == nil || eventKey == "" {
		return
	}
	if err := p.processed.Remember(ctx, eventKey, transferID); err != nil {
		p.logger.Warn("remember processed event failed", zap.String("event_key", eventKey), zap.Error(err))
	}
}

func validateEvent(event models.TransferEvent) string {
	switch {
	case event.Amount <= 0:
		return fmt.Sprintf("amount must be positive, got %s", domain.FormatMicros(event.Amount))
	case event.SenderID <= 0:
		return "sender id is missing"
	case event.RecipientID <= 0:
		return "recipient id is missing"
	case event.SenderID == event.RecipientID:
		return "sender and recipient are the same account"
	default:
		return ""
	}
}

func resolveFailure(role string, id int64, err error) (*ProcessResult, error) {
	if errors.Is(err, models.ErrAccountNotFound) {
		return skipped(domain.OutcomeAccountNotFound, fmt.Sprintf("%s %d not found", role, id)), nil
	}
	return nil, fmt.Errorf("get %s account %d: %w", role, id, err)
}

func insufficientReason(balance, amount int64) string {
	return fmt.Sprintf("balance %s is below amount %s", domain.FormatMicros(balance), domain.FormatMicros(amount))
}

func skipped(outcome, reason string) *ProcessResult {
	return &ProcessResult{Outcome: outcome, Reason: reason}
}
