package service

import (
	"context"

	"github.com/ayo6706/midas-core/internal/models"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// AccountService serves read-only views over balances and the transfer ledger.
type AccountService struct {
	accounts AccountReader
	ledger   LedgerReader
}

func NewAccountService(accounts AccountReader, ledger LedgerReader) *AccountService {
	return &AccountService{
		accounts: accounts,
		ledger:   ledger,
	}
}

func (s *AccountService) GetBalance(ctx context.Context, accountID int64) (*models.Account, error) {
	return s.accounts.GetAccount(ctx, accountID)
}

// GetTransfers pages through the transfers an account took part in, newest first.
func (s *AccountService) GetTransfers(ctx context.Context, accountID int64, page, pageSize int) ([]models.TransferRecord, error) {
	if _, err := s.accounts.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	offset := (page - 1) * pageSize
	return s.ledger.ListTransfers(ctx, accountID, pageSize, offset)
}
