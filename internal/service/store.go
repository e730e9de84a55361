package service

import (
	"context"

	"github.com/ayo6706/midas-core/internal/models"
)

// AccountReader resolves accounts outside of a unit of work.
type AccountReader interface {
	// GetAccount returns models.ErrAccountNotFound when the id is unknown.
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
}

// LedgerReader lists recorded transfers touching an account, newest first.
type LedgerReader interface {
	ListTransfers(ctx context.Context, accountID int64, limit, offset int) ([]models.TransferRecord, error)
}

// UnitOfWork is the set of writes that commit or roll back together.
type UnitOfWork interface {
	// LockAccounts locks the given accounts in ascending id order and returns
	// the ones that exist. Call it once per unit of work.
	LockAccounts(ctx context.Context, ids ...int64) (map[int64]*models.Account, error)
	// AdjustBalance adds delta to a locked account and returns the new balance.
	AdjustBalance(ctx context.Context, id int64, delta int64) (int64, error)
	TransferExists(ctx context.Context, eventKey string) (bool, error)
	// AppendTransfer assigns rec.ID and rec.CreatedAt. A repeated event key
	// yields models.ErrDuplicateTransfer.
	AppendTransfer(ctx context.Context, rec *models.TransferRecord) error
}

// Store defines the minimal data access contract required by the transfer processor.
type Store interface {
	AccountReader
	RunInTx(ctx context.Context, fn func(uow UnitOfWork) error) error
}

// IncentiveClient quotes the bonus credited to a transfer's recipient.
type IncentiveClient interface {
	Quote(ctx context.Context, event models.TransferEvent) (models.IncentiveQuote, error)
}

// ProcessedEvents remembers event keys of applied transfers so redeliveries
// can be dropped before any database work.
type ProcessedEvents interface {
	Seen(ctx context.Context, eventKey string) (bool, error)
	Remember(ctx context.Context, eventKey string, transferID int64) error
}
