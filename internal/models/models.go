package models

import (
	"errors"
	"time"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDuplicateTransfer = errors.New("transfer already recorded")
)

// Account balances are stored as int64 micros (10^-6).
type Account struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// TransferEvent is one decoded message from the transfer stream.
type TransferEvent struct {
	SenderID    int64  `json:"sender_id"`
	RecipientID int64  `json:"recipient_id"`
	Amount      int64  `json:"amount"`    // micros
	EventKey    string `json:"event_key"` // stable across redeliveries of the same message
	Payload     []byte `json:"-"`
}

type IncentiveQuote struct {
	Amount int64 `json:"amount"` // micros
}

// TransferRecord is the immutable ledger entry of an applied transfer.
type TransferRecord struct {
	ID          int64     `json:"id"`
	EventKey    string    `json:"event_key,omitempty"`
	SenderID    int64     `json:"sender_id"`
	RecipientID int64     `json:"recipient_id"`
	Amount      int64     `json:"amount"`
	Incentive   int64     `json:"incentive"`
	CreatedAt   time.Time `json:"created_at"`
}
