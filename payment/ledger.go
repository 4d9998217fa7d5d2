// Package payment implements the value-transfer primitive backing dispute
// fees. Transfers run inside the caller's transaction so a failed dispute
// operation rolls its money movement back with it.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInsufficientFunds signals the source account cannot cover the amount.
	ErrInsufficientFunds = errors.New("payment: insufficient funds")
	// ErrUnknownAccount signals a handle with no account row.
	ErrUnknownAccount = errors.New("payment: unknown account")
	// ErrAmountTooLarge signals an amount outside the ledger's range.
	ErrAmountTooLarge = errors.New("payment: amount exceeds ledger range")
)

// Ledger is the transfer capability the dispute service consumes.
type Ledger interface {
	Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount uint64) (string, error)
}

// PGLedger keeps account balances in Postgres.
type PGLedger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

// Transfer moves amount between the two handles inside tx and records a
// transfers row. A zero amount is a no-op.
func (l *PGLedger) Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount uint64) (string, error) {
	if amount == 0 {
		return "", nil
	}
	if amount > math.MaxInt64 {
		return "", ErrAmountTooLarge
	}

	var fromID string
	err := tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance - $1
		WHERE handle = $2 AND balance >= $1
		RETURNING id
	`, int64(amount), from).Scan(&fromID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("payment: debit %s: %w", from, err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE handle = $1)`, from).Scan(&exists); err != nil {
			return "", fmt.Errorf("payment: check account %s: %w", from, err)
		}
		if !exists {
			return "", ErrUnknownAccount
		}
		return "", ErrInsufficientFunds
	}

	var toID string
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $1
		WHERE handle = $2
		RETURNING id
	`, int64(amount), to).Scan(&toID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUnknownAccount
		}
		return "", fmt.Errorf("payment: credit %s: %w", to, err)
	}

	ref := uuid.NewString()
	if _, err := tx.Exec(ctx, `
		INSERT INTO transfers (ref, from_account, to_account, amount)
		VALUES ($1, $2, $3, $4)
	`, ref, fromID, toID, int64(amount)); err != nil {
		return "", fmt.Errorf("payment: record transfer: %w", err)
	}
	return ref, nil
}

// BalanceOf reads the current balance for a handle.
func (l *PGLedger) BalanceOf(ctx context.Context, handle string) (uint64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE handle = $1`, handle).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUnknownAccount
		}
		return 0, fmt.Errorf("payment: balance of %s: %w", handle, err)
	}
	return uint64(balance), nil
}

// OpenAccount creates an account with an initial balance, used by
// bootstrap and test seeding.
func (l *PGLedger) OpenAccount(ctx context.Context, handle, role string, balance uint64) (string, error) {
	if balance > math.MaxInt64 {
		return "", ErrAmountTooLarge
	}
	var id string
	err := l.pool.QueryRow(ctx, `
		INSERT INTO accounts (handle, role, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (handle) DO UPDATE SET role = EXCLUDED.role
		RETURNING id
	`, handle, role, int64(balance)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("payment: open account %s: %w", handle, err)
	}
	return id, nil
}
