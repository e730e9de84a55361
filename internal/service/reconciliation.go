package service

import (
	"context"
	"fmt"

	"github.com/ayo6706/midas-core/internal/domain"
	"github.com/ayo6706/midas-core/internal/observability"
	"go.uber.org/zap"
)

// LedgerAuditor exposes the invariant queries reconciliation runs.
type LedgerAuditor interface {
	CountNegativeBalances(ctx context.Context) (int64, error)
	// CountInvalidTransfers counts records with a non-positive amount, a
	// negative incentive or identical parties.
	CountInvalidTransfers(ctx context.Context) (int64, error)
}

// ReconciliationReport summarises one reconciliation pass.
type ReconciliationReport struct {
	NegativeBalances int64
	InvalidTransfers int64
}

// Healthy reports whether no anomaly was found.
func (r ReconciliationReport) Healthy() bool {
	return r.NegativeBalances == 0 && r.InvalidTransfers == 0
}

// ReconciliationService verifies ledger integrity invariants.
type ReconciliationService struct {
	auditor LedgerAuditor
}

// NewReconciliationService creates a reconciliation service.
func NewReconciliationService(auditor LedgerAuditor) *ReconciliationService {
	return &ReconciliationService{auditor: auditor}
}

// Run checks that no balance is negative and that every ledger record is well formed.
func (s *ReconciliationService) Run(ctx context.Context) (ReconciliationReport, error) {
	var report ReconciliationReport

	negative, err := s.auditor.CountNegativeBalances(ctx)
	if err != nil {
		return report, fmt.Errorf("count negative balances: %w", err)
	}
	report.NegativeBalances = negative

	invalid, err := s.auditor.CountInvalidTransfers(ctx)
	if err != nil {
		return report, fmt.Errorf("count invalid transfers: %w", err)
	}
	report.InvalidTransfers = invalid

	if report.Healthy() {
		zap.L().Info("Ledger Balanced")
		return report, nil
	}

	observability.AddLedgerAnomalies(domain.AnomalyNegativeBalance, report.NegativeBalances)
	observability.AddLedgerAnomalies(domain.AnomalyInvalidTransfer, report.InvalidTransfers)
	zap.L().Error("CRITICAL: ledger anomalies detected",
		zap.Int64("negative_balances", report.NegativeBalances),
		zap.Int64("invalid_transfers", report.InvalidTransfers),
	)
	return report, nil
}
