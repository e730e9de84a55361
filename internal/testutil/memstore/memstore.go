// Package memstore is an in-memory implementation of the service store
// contracts. Units of work lock accounts with per-account mutexes taken in
// ascending id order and stage all writes until commit, mirroring the row
// locking and rollback behaviour of the Postgres store.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ayo6706/midas-core/internal/domain"
	"github.com/ayo6706/midas-core/internal/models"
	"github.com/ayo6706/midas-core/internal/service"
)

var (
	ErrNegativeBalance = errors.New("balance would become negative")
	ErrOutOfRange      = errors.New("balance out of range")
)

type Store struct {
	mu        sync.Mutex
	accounts  map[int64]models.Account
	rowLocks  map[int64]*sync.Mutex
	transfers []models.TransferRecord
	eventKeys map[string]int64
	nextID    int64

	// FailAppend, when set, is returned by AppendTransfer.
	FailAppend error
	// FailAdjust, when set, is consulted before every balance adjustment.
	FailAdjust func(accountID int64) error
}

func New(accounts ...models.Account) *Store {
	s := &Store{
		accounts:  make(map[int64]models.Account),
		rowLocks:  make(map[int64]*sync.Mutex),
		eventKeys: make(map[string]int64),
	}
	for _, a := range accounts {
		s.Put(a)
	}
	return s
}

// Put creates or replaces an account.
func (s *Store) Put(a models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.accounts[a.ID] = a
}

// Delete removes an account, leaving its ledger history untouched.
func (s *Store) Delete(id int64) {
	l := s.rowLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, models.ErrAccountNotFound
	}
	return &a, nil
}

// Balance returns the committed balance of an account, or 0 when it does not exist.
func (s *Store) Balance(id int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id].Balance
}

// Transfers returns a copy of the ledger in append order.
func (s *Store) Transfers() []models.TransferRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TransferRecord, len(s.transfers))
	copy(out, s.transfers)
	return out
}

func (s *Store) ListTransfers(ctx context.Context, accountID int64, limit, offset int) ([]models.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []models.TransferRecord
	for i := len(s.transfers) - 1; i >= 0; i-- {
		rec := s.transfers[i]
		if rec.SenderID == accountID || rec.RecipientID == accountID {
			matched = append(matched, rec)
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) RunInTx(ctx context.Context, fn func(uow service.UnitOfWork) error) error {
	tx := &unit{store: s, deltas: make(map[int64]int64), keys: make(map[string]struct{})}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	tx.commit()
	return nil
}

func (s *Store) rowLock(id int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rowLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[id] = l
	}
	return l
}

type unit struct {
	store   *Store
	held    []*sync.Mutex
	locked  map[int64]bool
	deltas  map[int64]int64
	pending []*models.TransferRecord
	keys    map[string]struct{}
}

func (u *unit) LockAccounts(ctx context.Context, ids ...int64) (map[int64]*models.Account, error) {
	if u.locked != nil {
		return nil, errors.New("accounts already locked in this unit of work")
	}
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	u.locked = make(map[int64]bool)
	out := make(map[int64]*models.Account)
	for _, id := range sorted {
		if u.locked[id] {
			continue
		}
		l := u.store.rowLock(id)
		l.Lock()
		u.held = append(u.held, l)
		u.locked[id] = true

		if a, err := u.store.GetAccount(ctx, id); err == nil {
			out[id] = a
		}
	}
	return out, nil
}

func (u *unit) AdjustBalance(ctx context.Context, id int64, delta int64) (int64, error) {
	if !u.locked[id] {
		return 0, fmt.Errorf("account %d is not locked", id)
	}
	if fail := u.store.FailAdjust; fail != nil {
		if err := fail(id); err != nil {
			return 0, err
		}
	}
	a, err := u.store.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	current := a.Balance + u.deltas[id]
	if domain.AddOverflows(current, delta) {
		return 0, ErrOutOfRange
	}
	next := current + delta
	if next < 0 {
		return 0, ErrNegativeBalance
	}
	u.deltas[id] += delta
	return next, nil
}

func (u *unit) TransferExists(ctx context.Context, eventKey string) (bool, error) {
	if _, ok := u.keys[eventKey]; ok {
		return true, nil
	}
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	_, ok := u.store.eventKeys[eventKey]
	return ok, nil
}

func (u *unit) AppendTransfer(ctx context.Context, rec *models.TransferRecord) error {
	if u.store.FailAppend != nil {
		return u.store.FailAppend
	}
	if rec.EventKey != "" {
		exists, _ := u.TransferExists(ctx, rec.EventKey)
		if exists {
			return models.ErrDuplicateTransfer
		}
		u.keys[rec.EventKey] = struct{}{}
	}

	u.store.mu.Lock()
	u.store.nextID++
	rec.ID = u.store.nextID
	u.store.mu.Unlock()
	rec.CreatedAt = time.Now()

	u.pending = append(u.pending, rec)
	return nil
}

func (u *unit) commit() {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	for id, delta := range u.deltas {
		a := u.store.accounts[id]
		a.Balance += delta
		u.store.accounts[id] = a
	}
	for _, rec := range u.pending {
		u.store.transfers = append(u.store.transfers, *rec)
		if rec.EventKey != "" {
			u.store.eventKeys[rec.EventKey] = rec.ID
		}
	}
}

func (u *unit) release() {
	for i := len(u.held) - 1; i >= 0; i-- {
		u.held[i].Unlock()
	}
	u.held = nil
}

// AppendRaw writes a ledger record without touching balances.
func (s *Store) AppendRaw(rec models.TransferRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.transfers = append(s.transfers, rec)
}

func (s *Store) CountNegativeBalances(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, a := range s.accounts {
		if a.Balance < 0 {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountInvalidTransfers(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.transfers {
		if rec.Amount <= 0 || rec.Incentive < 0 || rec.SenderID == rec.RecipientID {
			n++
		}
	}
	return n, nil
}
