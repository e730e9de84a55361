package repository

import (
	"context"
	_ "embed"

	"github.com/ayo6706/midas-core/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schemaSQL string

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// EnsureSchema creates the accounts and transfers tables when missing.
func (q *Queries) EnsureSchema(ctx context.Context) error {
	_, err := q.db.Exec(ctx, schemaSQL)
	return err
}

const createAccount = `-- name: CreateAccount :one
INSERT INTO accounts (id, name, balance, created_at)
VALUES ($1, $2, $3, NOW())
RETURNING created_at
`

func (q *Queries) CreateAccount(ctx context.Context, account *models.Account) error {
	return q.db.QueryRow(ctx, createAccount, account.ID, account.Name, account.Balance).Scan(&account.CreatedAt)
}

const getAccount = `-- name: GetAccount :one
SELECT id, name, balance, created_at FROM accounts WHERE id = $1
`

func (q *Queries) GetAccount(ctx context.Context, id int64) (models.Account, error) {
	row := q.db.QueryRow(ctx, getAccount, id)
	var a models.Account
	err := row.Scan(&a.ID, &a.Name, &a.Balance, &a.CreatedAt)
	return a, err
}

const getAccountForUpdate = `-- name: GetAccountForUpdate :one
SELECT id, name, balance, created_at FROM accounts WHERE id = $1 FOR UPDATE
`

func (q *Queries) GetAccountForUpdate(ctx context.Context, id int64) (models.Account, error) {
	row := q.db.QueryRow(ctx, getAccountForUpdate, id)
	var a models.Account
	err := row.Scan(&a.ID, &a.Name, &a.Balance, &a.CreatedAt)
	return a, err
}

const addAccountBalance = `-- name: AddAccountBalance :one
UPDATE accounts SET balance = balance + $2 WHERE id = $1
RETURNING balance
`

func (q *Queries) AddAccountBalance(ctx context.Context, id, delta int64) (int64, error) {
	var balance int64
	err := q.db.QueryRow(ctx, addAccountBalance, id, delta).Scan(&balance)
	return balance, err
}

const transferExists = `-- name: TransferExists :one
SELECT EXISTS (SELECT 1 FROM transfers WHERE event_key = $1)
`

func (q *Queries) TransferExists(ctx context.Context, eventKey string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, transferExists, eventKey).Scan(&exists)
	return exists, err
}

const insertTransfer = `-- name: InsertTransfer :one
INSERT INTO transfers (event_key, sender_id, recipient_id, amount, incentive, created_at)
VALUES (NULLIF($1, ''), $2, $3, $4, $5, NOW())
ON CONFLICT (event_key) DO NOTHING
RETURNING id, created_at
`

// InsertTransfer returns pgx.ErrNoRows when the event key is already recorded.
func (q *Queries) InsertTransfer(ctx context.Context, rec *models.TransferRecord) error {
	return q.db.QueryRow(ctx, insertTransfer,
		rec.EventKey, rec.SenderID, rec.RecipientID, rec.Amount, rec.Incentive,
	).Scan(&rec.ID, &rec.CreatedAt)
}

const listTransfersByAccount = `-- name: ListTransfersByAccount :many
SELECT id, COALESCE(event_key, ''), sender_id, recipient_id, amount, incentive, created_at
FROM transfers
WHERE sender_id = $1 OR recipient_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3
`

func (q *Queries) ListTransfersByAccount(ctx context.Context, accountID int64, limit, offset int) ([]models.TransferRecord, error) {
	rows, err := q.db.Query(ctx, listTransfersByAccount, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.TransferRecord
	for rows.Next() {
		var r models.TransferRecord
		if err := rows.Scan(&r.ID, &r.EventKey, &r.SenderID, &r.RecipientID, &r.Amount, &r.Incentive, &r.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

const countNegativeBalances = `-- name: CountNegativeBalances :one
SELECT COUNT(*) FROM accounts WHERE balance < 0
`

func (q *Queries) CountNegativeBalances(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countNegativeBalances).Scan(&n)
	return n, err
}

const countInvalidTransfers = `-- name: CountInvalidTransfers :one
SELECT COUNT(*) FROM transfers
WHERE amount <= 0 OR incentive < 0 OR sender_id = recipient_id
`

func (q *Queries) CountInvalidTransfers(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countInvalidTransfers).Scan(&n)
	return n, err
}
