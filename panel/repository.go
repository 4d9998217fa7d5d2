package panel

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrUnknownRater is returned when a handle was never registered.
	ErrUnknownRater = errors.New("panel: unknown rater")
	// ErrRaterExists is returned when the handle is already on the panel.
	ErrRaterExists = errors.New("panel: rater already registered")
)

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert appends a rater at the end of the directory. Position is the
// current panel size, so directory order is insertion order. The whole
// thing runs in one transaction under an exclusive lock on the config
// row: dispute creation holds the same lock shared, so the waiting-gate
// and weight-budget checks here cannot race an in-flight creation.
func (r *PGRepository) Insert(ctx context.Context, handle string, weight int) (Rater, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Rater{}, fmt.Errorf("panel: begin insert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT id FROM config FOR UPDATE`); err != nil {
		return Rater{}, fmt.Errorf("panel: lock config: %w", err)
	}

	var waiting bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE status = 'waiting')`).Scan(&waiting); err != nil {
		return Rater{}, fmt.Errorf("panel: check waiting disputes: %w", err)
	}
	if waiting {
		return Rater{}, ErrPanelLocked
	}

	var sum int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(weight), 0) FROM raters`).Scan(&sum); err != nil {
		return Rater{}, fmt.Errorf("panel: sum weights: %w", err)
	}
	if sum+weight > WeightTotal {
		return Rater{}, ErrInvalidWeightConfig
	}

	const query = `
		INSERT INTO raters (handle, weight, position)
		VALUES ($1, $2, (SELECT COUNT(*) FROM raters))
		RETURNING id, handle, weight, position, created_at
	`

	var rec Rater
	err = tx.QueryRow(ctx, query, handle, weight).
		Scan(&rec.ID, &rec.Handle, &rec.Weight, &rec.Position, &rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Rater{}, ErrRaterExists
		}
		return Rater{}, fmt.Errorf("panel: insert rater: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Rater{}, fmt.Errorf("panel: commit insert: %w", err)
	}
	return rec, nil
}

// List returns the full panel in directory order.
func (r *PGRepository) List(ctx context.Context) ([]Rater, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, handle, weight, position, created_at FROM raters ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("panel: list: %w", err)
	}
	defer rows.Close()

	out := make([]Rater, 0, 8)
	for rows.Next() {
		var rec Rater
		if err := rows.Scan(&rec.ID, &rec.Handle, &rec.Weight, &rec.Position, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("panel: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("panel: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM raters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("panel: count: %w", err)
	}
	return n, nil
}

func (r *PGRepository) GetByHandle(ctx context.Context, handle string) (Rater, error) {
	const query = `SELECT id, handle, weight, position, created_at FROM raters WHERE handle = $1`

	var rec Rater
	err := r.pool.QueryRow(ctx, query, handle).
		Scan(&rec.ID, &rec.Handle, &rec.Weight, &rec.Position, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rater{}, ErrUnknownRater
		}
		return Rater{}, fmt.Errorf("panel: get rater: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) SumWeights(ctx context.Context) (int, error) {
	var sum int
	if err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(weight), 0) FROM raters`).Scan(&sum); err != nil {
		return 0, fmt.Errorf("panel: sum weights: %w", err)
	}
	return sum, nil
}

func (r *PGRepository) GetConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := r.pool.QueryRow(ctx, `SELECT quota, per_rater_fee FROM config`).Scan(&cfg.Quota, &cfg.PerRaterFee); err != nil {
		return Config{}, fmt.Errorf("panel: get config: %w", err)
	}
	return cfg, nil
}

func (r *PGRepository) SetQuota(ctx context.Context, quota int) error {
	if _, err := r.pool.Exec(ctx, `UPDATE config SET quota = $1`, quota); err != nil {
		return fmt.Errorf("panel: set quota: %w", err)
	}
	return nil
}
