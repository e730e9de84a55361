package service_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/midas-core/internal/domain"
	"github.com/ayo6706/midas-core/internal/incentive"
	"github.com/ayo6706/midas-core/internal/models"
	"github.com/ayo6706/midas-core/internal/service"
	"github.com/ayo6706/midas-core/internal/testutil/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const unit = domain.MicrosPerUnit

type stubIncentives struct {
	amount int64
	err    error
	delay  time.Duration

	mu    sync.Mutex
	calls int
}

func (s *stubIncentives) Quote(ctx context.Context, event models.TransferEvent) (models.IncentiveQuote, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return models.IncentiveQuote{}, ctx.Err()
		}
	}
	if s.err != nil {
		return models.IncentiveQuote{}, s.err
	}
	return models.IncentiveQuote{Amount: s.amount}, nil
}

func (s *stubIncentives) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubProcessed struct {
	mu      sync.Mutex
	seen    map[string]int64
	seenErr error
}

func newStubProcessed() *stubProcessed {
	return &stubProcessed{seen: make(map[string]int64)}
}

func (s *stubProcessed) Seen(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenErr != nil {
		return false, s.seenErr
	}
	_, ok := s.seen[key]
	return ok, nil
}

func (s *stubProcessed) Remember(ctx context.Context, key string, transferID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[key] = transferID
	return nil
}

func newStore(balances map[int64]int64) *memstore.Store {
	store := memstore.New()
	for id, balance := range balances {
		store.Put(models.Account{ID: id, Name: fmt.Sprintf("user-%d", id), Balance: balance})
	}
	return store
}

func event(sender, recipient, amount int64, key string) models.TransferEvent {
	return models.TransferEvent{SenderID: sender, RecipientID: recipient, Amount: amount, EventKey: key}
}

func TestProcess_AppliesTransferWithIncentive(t *testing.T) {
	store := newStore(map[int64]int64{1: 100 * unit, 2: 50 * unit})
	svc := service.NewTransferProcessor(store, &stubIncentives{amount: 5 * unit}, zap.NewNop())

	res, err := svc.Process(context.Background(), event(1, 2, 30*unit, "transfers/0/1"))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	assert.Equal(t, int64(70*unit), store.Balance(1))
	assert.Equal(t, int64(85*unit), store.Balance(2))
	assert.Equal(t, int64(70*unit), res.SenderBalance)
	assert.Equal(t, int64(85*unit), res.RecipientBalance)

	ledger := store.Transfers()
	require.Len(t, ledger, 1)
	assert.Equal(t, int64(30*unit), ledger[0].Amount)
	assert.Equal(t, int64(5*unit), ledger[0].Incentive)
	assert.Equal(t, int64(1), ledger[0].SenderID)
	assert.Equal(t, int64(2), ledger[0].RecipientID)
	assert.NotZero(t, ledger[0].ID)
	assert.Equal(t, ledger[0].ID, res.Record.ID)
}

func TestProcess_InsufficientFundsIsSkipped(t *testing.T) {
	store := newStore(map[int64]int64{1: 10 * unit, 2: 50 * unit})
	incentives := &stubIncentives{amount: 5 * unit}
	svc := service.NewTransferProcessor(store, incentives, zap.NewNop())

	res, err := svc.Process(context.Background(), event(1, 2, 30*unit, "k"))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeInsufficientFunds, res.Outcome)
	assert.True(t, res.Skipped())
	assert.Equal(t, int64(10*unit), store.Balance(1))
	assert.Equal(t, int64(50*unit), store.Balance(2))
	assert.Empty(t, store.Transfers())
	assert.Zero(t, incentives.Calls(), "incentive must not be requested for a rejected transfer")
}

func TestProcess_ExactBalanceIsAccepted(t *testing.T) {
	store := newStore(map[int64]int64{1: 30 * unit, 2: 0})
	svc := service.NewTransferProcessor(store, &stubIncentives{}, zap.NewNop())

	res, err := svc.Process(context.Background(), event(1, 2, 30*unit, "k"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	assert.Equal(t, int64(0), store.Balance(1))
	assert.Equal(t, int64(30*unit), store.Balance(2))
}

func TestProcess_MissingAccountIsSkipped(t *testing.T) {
	cases := []struct {
		name      string
		sender    int64
		recipient int64
	}{
		{name: "missing_sender", sender: 9, recipient: 2},
		{name: "missing_recipient", sender: 1, recipient: 9},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(map[int64]int64{1: 100 * unit, 2: 50 * unit})
			svc := service.NewTransferProcessor(store, &stubIncentives{amount: unit}, zap.NewNop())

			res, err := svc.Process(context.Background(), event(tc.sender, tc.recipient, 10*unit, "k"))
			require.NoError(t, err)
			assert.Equal(t, domain.OutcomeAccountNotFound, res.Outcome)
			assert.Equal(t, int64(100*unit), store.Balance(1))
			assert.Equal(t, int64(50*unit), store.Balance(2))
			assert.Empty(t, store.Transfers())
		})
	}
}

func TestProcess_MalformedEventsAreSkipped(t *testing.T) {
	cases := []struct {
		name  string
		event models.TransferEvent
	}{
		{name: "zero_amount", event: event(1, 2, 0, "k")},
		{name: "negative_amount", event: event(1, 2, -5*unit, "k")},
		{name: "missing_sender", event: event(0, 2, unit, "k")},
		{name: "missing_recipient", event: event(1, 0, unit, "k")},
		{name: "self_transfer", event: event(1, 1, unit, "k")},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(map[int64]int64{1: 100 * unit, 2: 50 * unit})
			svc := service.NewTransferProcessor(store, &stubIncentives{}, zap.NewNop())

			res, err := svc.Process(context.Background(), tc.event)
			require.NoError(t, err)
			assert.Equal(t, domain.OutcomeMalformed, res.Outcome)
			assert.NotEmpty(t, res.Reason)
			assert.Empty(t, store.Transfers())
			assert.Equal(t, int64(100*unit), store.Balance(1))
		})
	}
}

func TestProcess_IncentiveFailureDegradesToZero(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := newStore(map[int64]int64{1: 100 * unit, 2: 50 * unit})
	svc := service.NewTransferProcessor(store, &stubIncentives{err: errors.New("connection refused")}, zap.New(core))

	res, err := svc.Process(context.Background(), event(1, 2, 30*unit, "k"))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	assert.Equal(t, int64(70*unit), store.Balance(1))
	assert.Equal(t, int64(80*unit), store.Balance(2))
	ledger := store.Transfers()
	require.Len(t, ledger, 1)
	assert.Equal(t, int64(30*unit), ledger[0].Amount)
	assert.Zero(t, ledger[0].Incentive)
	assert.Equal(t, 1, logs.FilterMessage("incentive lookup failed, continuing without incentive").Len())
}

func TestProcess_IncentiveTimeoutDegradesToZero(t *testing.T) {
	store := newStore(map[int64]int64{1: 100 * unit, 2: 50 * unit})
	slow := &stubIncentives{amount: 5 * unit, delay: time.Second}
	svc := service.NewTransferProcessor(store, slow, zap.NewNop()).WithIncentiveTimeout(20 * time.Millisecond)

	start := time.Now()
	res, err := svc.Process(context.Background(), event(1, 2, 30*unit, "k"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	assert.Equal(t, int64(70*unit), store.Balance(1))
	assert.Equal(t, int64(80*unit), store.Balance(2))
	require.Len(t, store.Transfers(), 1)
	assert.Zero(t, store.Transfers()[0].Incentive)
}

func TestProcess_NegativeIncentiveTreatedAsZero(t *testing.T) {
	store := newStore(map[int64]int64{1: 100 * unit, 2: 50 * unit})
	svc := service.NewTransferProcessor(store, &stubIncentives{amount: -3 * unit}, zap.NewNop())

	res, err := svc.Process(context.Background(), event(1, 2, 30*unit, "k"))
	require.NoError(t, err)
	assert.Zero(t, res.Incentive)
	assert.Equal(t, int64(80*unit), store.Balance(2))
}

func TestProcess_NilIncentiveClient(t *testing.T) {
	store := newStore(map[int64]int64{1: 100 * unit, 2: 50 * unit})
	svc := service.NewTransferProcessor(store, nil, nil)

	res, err := svc.Process(context.Background(), event(1, 2, 30*unit, "k"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	assert.Zero(t, res.Incentive)
}

func TestProcess_TotalBalanceGrowsByIncentiveOnly(t *testing.T) {
	store := newStore(map[int64]int64{1: 100 * unit, 2: 50 * unit})
	svc := service.NewTransferProcessor(store, &stubIncentives{amount: 7 * unit}, zap.NewNop())

	before := store.Balance(1) + store.Balance(2)
	res, err := svc.Process(context.Background(), event(2, 1, 12*unit, "k"))
	require.NoError(t, err)
	after := store.Balance(1) + store.Balance(2)

	assert.Equal(t, res.Incentive, after-before)
	assert.Equal(t, int64(38*unit), store.Balance(2))
	assert.Equal(t, int64(119*unit), store.Balance(1))
}

func TestProcess_LedgerFailureRollsBackBalances(t *testing.T) {
	store := newStore(map[int64]int64{1: 100 * unit, 2: 50 * unit})
	store.FailAppend = errors.New("disk full")
	svc := service.NewTransferProcessor(store, &stubIncentives{amount: 5 * unit}, zap.NewNop())

	res, err := svc.Process(context.Background(), event(1, 2, 30*unit, "k"))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "disk full")

	assert.Equal(t, int64(100*unit), store.Balance(1))
	assert.Equal(t, int64(50*unit), store.Balance(2))
	assert.Empty(t, store.Transfers())

	// Redelivery after the store recovers applies the transfer exactly once.
	store.FailAppend = nil
	res, err = svc.Process(context.Background(), event(1, 2, 30*unit, "k"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	assert.Len(t, store.Transfers(), 1)
}

func TestProcess_BalanceWriteFailureRollsBack(t *testing.T) {
	store := newStore(map[int64]int64{1: 100 * unit, 2: 50 * unit})
	// The sender debit succeeds; the recipient credit fails.
	store.FailAdjust = func(id int64) error {
		if id == 2 {
			return errors.New("connection reset")
		}
		return nil
	}
	svc := service.NewTransferProcessor(store, &stubIncentives{}, zap.NewNop())

	_, err := svc.Process(context.Background(), event(1, 2, 30*unit, "k"))
	require.Error(t, err)
	assert.Equal(t, int64(100*unit), store.Balance(1))
	assert.Equal(t, int64(50*unit), store.Balance(2))
	assert.Empty(t, store.Transfers())
}

func TestProcess_RedeliveryIsDetectedByLedger(t *testing.T) {
	store := newStore(map[int64]int64{1: 100 * unit, 2: 50 * unit})
	svc := service.NewTransferProcessor(store, &stubIncentives{amount: 5 * unit}, zap.NewNop())

	_, err := svc.Process(context.Background(), event(1, 2, 30*unit, "transfers/3/42"))
	require.NoError(t, err)
	res, err := svc.Process(context.Background(), event(1, 2, 30*unit, "transfers/3/42"))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)
	assert.False(t, res.Skipped())
	assert.Equal(t, int64(70*unit), store.Balance(1))
	assert.Equal(t, int64(85*unit), store.Balance(2))
	assert.Len(t, store.Transfers(), 1)
}

func TestProcess_RedeliveryIsDetectedByProcessedEvents(t *testing.T) {
	store := newStore(map[int64]int64{1: 100 * unit, 2: 50 * unit})
	incentives := &stubIncentives{amount: 5 * unit}
	processed := newStubProcessed()
	svc := service.NewTransferProcessor(store, incentives, zap.NewNop()).WithProcessedEvents(processed)

	first, err := svc.Process(context.Background(), event(1, 2, 30*unit, "transfers/0/7"))
	require.NoError(t, err)
	assert.Equal(t, first.Record.ID, processed.seen["transfers/0/7"])

	res, err := svc.Process(context.Background(), event(1, 2, 30*unit, "transfers/0/7"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, 1, incentives.Calls(), "duplicate must short-circuit before the incentive call")
	assert.Len(t, store.Transfers(), 1)
}

func TestProcess_ProcessedEventsOutageFallsBackToLedger(t *testing.T) {
	store := newStore(map[int64]int64{1: 100 * unit, 2: 50 * unit})
	processed := newStubProcessed()
	processed.seenErr = errors.New("redis down")
	svc := service.NewTransferProcessor(store, &stubIncentives{}, zap.NewNop()).WithProcessedEvents(processed)

	_, err := svc.Process(context.Background(), event(1, 2, 30*unit, "k"))
	require.NoError(t, err)
	res, err := svc.Process(context.Background(), event(1, 2, 30*unit, "k"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)
	assert.Len(t, store.Transfers(), 1)
}

func TestProcess_AccountDeletedBeforeLockIsSkipped(t *testing.T) {
	store := newStore(map[int64]int64{1: 100 * unit, 2: 50 * unit})
	// The recipient disappears while the incentive call is in flight.
	incentives := &deletingIncentives{store: store, id: 2}
	svc := service.NewTransferProcessor(store, incentives, zap.NewNop())

	res, err := svc.Process(context.Background(), event(1, 2, 30*unit, "k"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAccountNotFound, res.Outcome)
	assert.Equal(t, int64(100*unit), store.Balance(1))
	assert.Empty(t, store.Transfers())
}

type deletingIncentives struct {
	store *memstore.Store
	id    int64
}

func (d *deletingIncentives) Quote(ctx context.Context, event models.TransferEvent) (models.IncentiveQuote, error) {
	d.store.Delete(d.id)
	return models.IncentiveQuote{}, nil
}

func TestProcess_ConcurrentTransfersAreSerializable(t *testing.T) {
	store := newStore(map[int64]int64{1: 1000 * unit, 2: 1000 * unit, 3: 1000 * unit})
	svc := service.NewTransferProcessor(store, &stubIncentives{amount: unit}, zap.NewNop())

	// Each round moves 10 along the cycle 1->2, 2->3, 3->1 and the reverse cycle.
	pairs := [][2]int64{{1, 2}, {2, 3}, {3, 1}, {2, 1}, {3, 2}, {1, 3}}
	const rounds = 25

	var wg sync.WaitGroup
	errs := make(chan error, rounds*len(pairs))
	for i := 0; i < rounds; i++ {
		for j, pair := range pairs {
			wg.Add(1)
			go func(i, j int, pair [2]int64) {
				defer wg.Done()
				res, err := svc.Process(context.Background(), event(pair[0], pair[1], 10*unit, fmt.Sprintf("t/%d/%d", i, j)))
				if err == nil && res.Outcome != domain.OutcomeApplied {
					err = fmt.Errorf("unexpected outcome %s", res.Outcome)
				}
				errs <- err
			}(i, j, pair)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Every account sent and received 2*rounds transfers of 10 and received
	// an incentive of 1 on each incoming transfer.
	expected := int64(1000*unit) + int64(2*rounds)*unit
	assert.Equal(t, expected, store.Balance(1))
	assert.Equal(t, expected, store.Balance(2))
	assert.Equal(t, expected, store.Balance(3))
	assert.Len(t, store.Transfers(), rounds*len(pairs))
}

func TestProcess_ConcurrentDrainNeverOverdraws(t *testing.T) {
	store := newStore(map[int64]int64{1: 100 * unit, 2: 0, 3: 0})
	svc := service.NewTransferProcessor(store, &stubIncentives{}, zap.NewNop())

	const n = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recipient := int64(2 + i%2)
			res, err := svc.Process(context.Background(), event(1, recipient, 10*unit, fmt.Sprintf("d/%d", i)))
			if !assert.NoError(t, err) {
				return
			}
			if res.Outcome == domain.OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, applied)
	assert.Equal(t, int64(0), store.Balance(1))
	assert.Equal(t, int64(100*unit), store.Balance(2)+store.Balance(3))
	assert.Len(t, store.Transfers(), 10)
}

func TestProcessResultSkipped(t *testing.T) {
	assert.True(t, (&service.ProcessResult{Outcome: domain.OutcomeMalformed}).Skipped())
	assert.False(t, (&service.ProcessResult{Outcome: domain.OutcomeApplied}).Skipped())
}

func TestProcess_OversizedIncentiveResponseTreatedAsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"amount": 20000000000000}`))
	}))
	defer srv.Close()

	store := newStore(map[int64]int64{1: 100, 2: 50})
	svc := service.NewTransferProcessor(store, incentive.NewHTTPClient(incentive.Config{URL: srv.URL}, nil), zap.NewNop())

	res, err := svc.Process(context.Background(), event(1, 2, 30, "k"))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	assert.Zero(t, res.Incentive)
	assert.Equal(t, int64(70), store.Balance(1))
	assert.Equal(t, int64(80), store.Balance(2))
}

func TestProcess_IncentiveOverflowingAmountTreatedAsZero(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := newStore(map[int64]int64{1: 100 * unit, 2: 50 * unit})
	svc := service.NewTransferProcessor(store, &stubIncentives{amount: math.MaxInt64 - 10*unit}, zap.New(core))

	res, err := svc.Process(context.Background(), event(1, 2, 30*unit, "k"))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	assert.Zero(t, res.Incentive)
	assert.Equal(t, int64(80*unit), store.Balance(2))
	require.Len(t, store.Transfers(), 1)
	assert.Zero(t, store.Transfers()[0].Incentive)
	assert.Equal(t, 1, logs.FilterMessage("incentive service returned an out-of-range amount, using zero").Len())
}

func TestProcess_IncentiveOverflowingRecipientBalanceIsDropped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := newStore(map[int64]int64{1: 100 * unit, 2: math.MaxInt64 - 40*unit})
	svc := service.NewTransferProcessor(store, &stubIncentives{amount: 20 * unit}, zap.New(core))

	res, err := svc.Process(context.Background(), event(1, 2, 30*unit, "k"))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	assert.Zero(t, res.Incentive)
	assert.Equal(t, int64(math.MaxInt64-10*unit), store.Balance(2))
	assert.Equal(t, int64(70*unit), store.Balance(1))
	assert.Zero(t, store.Transfers()[0].Incentive)
	assert.Equal(t, 1, logs.FilterMessage("incentive would overflow recipient balance, using zero").Len())
}
