package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrAccountNotFound signals that the account does not exist.
	ErrAccountNotFound = errors.New("auth: account not found")
	// ErrDuplicateHandle signals that the handle is already registered.
	ErrDuplicateHandle = errors.New("auth: handle already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetByHandle(ctx context.Context, handle string) (Account, error)
	GetByID(ctx context.Context, id string) (Account, error)
}

// CreateAccountParams contains write parameters for creating accounts.
type CreateAccountParams struct {
	Handle       string
	Email        string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateAccount inserts a new account with a hashed password.
func (r *PGRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	const insertSQL = `
		INSERT INTO accounts (handle, email, password_hash, role)
		VALUES ($1, NULLIF($2, ''), $3, $4)
		RETURNING id, handle, email, password_hash, role, created_at
	`

	acc, err := scanAccount(r.pool.QueryRow(ctx, insertSQL, params.Handle, params.Email, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateHandle
		}
		return Account{}, fmt.Errorf("auth: create account: %w", err)
	}

	return acc, nil
}

// GetByHandle retrieves an account by its handle.
func (r *PGRepository) GetByHandle(ctx context.Context, handle string) (Account, error) {
	const selectSQL = `
		SELECT id, handle, email, password_hash, role, created_at
		FROM accounts
		WHERE handle = $1
	`

	acc, err := scanAccount(r.pool.QueryRow(ctx, selectSQL, handle))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by handle: %w", err)
	}

	return acc, nil
}

// GetByID retrieves an account by ID.
func (r *PGRepository) GetByID(ctx context.Context, id string) (Account, error) {
	const selectSQL = `
		SELECT id, handle, email, password_hash, role, created_at
		FROM accounts
		WHERE id = $1
	`

	acc, err := scanAccount(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by id: %w", err)
	}

	return acc, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		acc          Account
		email        *string
		passwordHash *string
	)
	err := row.Scan(&acc.ID, &acc.Handle, &email, &passwordHash, &acc.Role, &acc.CreatedAt)
	if err != nil {
		return Account{}, err
	}
	acc.Email = email
	if passwordHash != nil {
		acc.PasswordHash = *passwordHash
	}
	return acc, nil
}
