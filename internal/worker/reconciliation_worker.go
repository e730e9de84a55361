package worker

import (
	"context"
	"time"

	"github.com/ayo6706/midas-core/internal/observability"
	"github.com/ayo6706/midas-core/internal/service"
	"go.uber.org/zap"
)

const workerName = "ledger_audit"

type Reconciler interface {
	Run(ctx context.Context) (service.ReconciliationReport, error)
}

// ReconciliationWorker audits the ledger once at startup and then on every tick.
type ReconciliationWorker struct {
	svc      Reconciler
	interval time.Duration
	logger   *zap.Logger
}

func NewReconciliationWorker(svc Reconciler, logger *zap.Logger) *ReconciliationWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationWorker{
		svc:      svc,
		interval: time.Hour,
		logger:   logger,
	}
}

// WithInterval updates the run interval.
func (w *ReconciliationWorker) WithInterval(interval time.Duration) *ReconciliationWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks until ctx is cancelled. Failed runs are logged and retried on
// the next tick, so it only ever returns nil.
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	w.logger.Info("reconciliation worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reconciliation worker context canceled")
			return nil
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *ReconciliationWorker) RunOnce(ctx context.Context) {
	report, err := w.svc.Run(ctx)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		observability.IncrementWorkerRun(workerName, "failed")
		w.logger.Error("reconciliation run failed", zap.Error(err))
	case !report.Healthy():
		observability.IncrementWorkerRun(workerName, "anomalies")
	default:
		observability.IncrementWorkerRun(workerName, "success")
	}
}
