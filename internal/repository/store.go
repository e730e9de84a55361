package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ayo6706/midas-core/internal/models"
	"github.com/ayo6706/midas-core/internal/service"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides access to queries and transaction scoping.
type Store struct {
	db      *pgxpool.Pool
	queries *Queries
}

// NewStore creates a store wrapper around a pgx connection pool.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{
		db:      db,
		queries: New(db),
	}
}

// Queries returns the non-transactional query set.
func (s *Store) Queries() *Queries {
	return s.queries
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.queries.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) CreateAccount(ctx context.Context, account *models.Account) error {
	if err := s.queries.CreateAccount(ctx, account); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	account, err := s.queries.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

func (s *Store) ListTransfers(ctx context.Context, accountID int64, limit, offset int) ([]models.TransferRecord, error) {
	items, err := s.queries.ListTransfersByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return items, nil
}

func (s *Store) CountNegativeBalances(ctx context.Context) (int64, error) {
	return s.queries.CountNegativeBalances(ctx)
}

func (s *Store) CountInvalidTransfers(ctx context.Context) (int64, error) {
	return s.queries.CountInvalidTransfers(ctx)
}

// RunInTx executes fn within a database transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(uow service.UnitOfWork) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txUnit{q: s.queries.WithTx(tx)}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type txUnit struct {
	q *Queries
}

// LockAccounts takes row locks one id at a time in ascending order so that
// concurrent transfers over the same pair can never deadlock.
func (u *txUnit) LockAccounts(ctx context.Context, ids ...int64) (map[int64]*models.Account, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make(map[int64]*models.Account, len(sorted))
	for _, id := range sorted {
		if _, ok := out[id]; ok {
			continue
		}
		account, err := u.q.GetAccountForUpdate(ctx, id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lock account %d: %w", id, err)
		}
		out[id] = &account
	}
	return out, nil
}

func (u *txUnit) AdjustBalance(ctx context.Context, id int64, delta int64) (int64, error) {
	balance, err := u.q.AddAccountBalance(ctx, id, delta)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, models.ErrAccountNotFound
		}
		return 0, fmt.Errorf("update balance of account %d: %w", id, err)
	}
	return balance, nil
}

func (u *txUnit) TransferExists(ctx context.Context, eventKey string) (bool, error) {
	return u.q.TransferExists(ctx, eventKey)
}

func (u *txUnit) AppendTransfer(ctx context.Context, rec *models.TransferRecord) error {
	if err := u.q.InsertTransfer(ctx, rec); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrDuplicateTransfer
		}
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}
