package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no dispute exists for the identifier.
	ErrNotFound = errors.New("dispute: not found")
	// ErrDuplicateVote signals a rater resubmitting on the same dispute.
	ErrDuplicateVote = errors.New("dispute: duplicate vote")
	// ErrAlreadySolved signals a submission on a terminal dispute.
	ErrAlreadySolved = errors.New("dispute: already solved")
	// ErrInvalidVerdict signals a verdict outside the dispute's choice range.
	ErrInvalidVerdict = errors.New("dispute: invalid verdict")
	// ErrUnauthorized signals a verdict from a non-panel identity.
	ErrUnauthorized = errors.New("dispute: caller is not an authorized rater")
)

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// InsertDispute allocates the next sequential identifier and stores a
// waiting record inside tx.
func (r *PGRepository) InsertDispute(ctx context.Context, tx pgx.Tx, claimant string, choices int, paid uint64) (int64, error) {
	const query = `
		INSERT INTO disputes (claimant, choices, paid)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	var id int64
	if err := tx.QueryRow(ctx, query, claimant, choices, int64(paid)).Scan(&id); err != nil {
		return 0, fmt.Errorf("dispute: insert: %w", err)
	}
	return id, nil
}

// InsertSubDispute stores one correlation row at the rater's directory
// position, freezing the rater's weight for this dispute.
func (r *PGRepository) InsertSubDispute(ctx context.Context, tx pgx.Tx, sd SubDispute) error {
	const query = `
		INSERT INTO sub_disputes (dispute_id, position, rater_id, weight, sub_dispute_id, fee_paid)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if _, err := tx.Exec(ctx, query, sd.DisputeID, sd.Position, sd.RaterID, sd.Weight, sd.SubDisputeID, int64(sd.FeePaid)); err != nil {
		return fmt.Errorf("dispute: insert sub-dispute: %w", err)
	}
	return nil
}

// GetSubDisputeForRater returns the correlation row binding the rater to
// the dispute. No row means the rater was never delegated to, directory
// member or not: ErrUnauthorized.
func (r *PGRepository) GetSubDisputeForRater(ctx context.Context, tx pgx.Tx, disputeID int64, raterID string) (SubDispute, error) {
	const query = `
		SELECT dispute_id, position, rater_id, weight, sub_dispute_id, fee_paid
		FROM sub_disputes WHERE dispute_id = $1 AND rater_id = $2
	`

	var sd SubDispute
	var feePaid int64
	err := tx.QueryRow(ctx, query, disputeID, raterID).
		Scan(&sd.DisputeID, &sd.Position, &sd.RaterID, &sd.Weight, &sd.SubDisputeID, &feePaid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SubDispute{}, ErrUnauthorized
		}
		return SubDispute{}, fmt.Errorf("dispute: get sub-dispute for rater: %w", err)
	}
	sd.FeePaid = uint64(feePaid)
	return sd, nil
}

// LockPanelConfig takes a shared lock on the config row for the rest of
// the transaction. Registration takes the same lock exclusively, so a
// membership change can never interleave with an in-flight creation.
func (r *PGRepository) LockPanelConfig(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT id FROM config FOR SHARE`); err != nil {
		return fmt.Errorf("dispute: lock panel config: %w", err)
	}
	return nil
}

// GetForUpdate locks the dispute row for the rest of the transaction so
// racing submissions serialize on it.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Record, error) {
	const query = `
		SELECT id, claimant, choices, paid, ruling, status, underflow, created_at, solved_at
		FROM disputes WHERE id = $1 FOR UPDATE
	`
	return scanRecord(tx.QueryRow(ctx, query, id))
}

// InsertVote records one rater's verdict. The (dispute_id, rater_id)
// primary key turns a resubmission into ErrDuplicateVote.
func (r *PGRepository) InsertVote(ctx context.Context, tx pgx.Tx, v Vote) error {
	const query = `
		INSERT INTO votes (dispute_id, rater_id, verdict, weight)
		VALUES ($1, $2, $3, $4)
	`

	if _, err := tx.Exec(ctx, query, v.DisputeID, v.RaterID, v.Verdict, v.Weight); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateVote
		}
		return fmt.Errorf("dispute: insert vote: %w", err)
	}
	return nil
}

func (r *PGRepository) CountVotes(ctx context.Context, tx pgx.Tx, id int64) (int, error) {
	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM votes WHERE dispute_id = $1`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("dispute: count votes: %w", err)
	}
	return n, nil
}

func (r *PGRepository) CountSubDisputes(ctx context.Context, tx pgx.Tx, id int64) (int, error) {
	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM sub_disputes WHERE dispute_id = $1`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("dispute: count sub-disputes: %w", err)
	}
	return n, nil
}

func (r *PGRepository) ListVotes(ctx context.Context, tx pgx.Tx, id int64) ([]Vote, error) {
	rows, err := tx.Query(ctx, `
		SELECT dispute_id, rater_id, verdict, weight, created_at
		FROM votes WHERE dispute_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("dispute: list votes: %w", err)
	}
	defer rows.Close()

	out := make([]Vote, 0, 8)
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.DisputeID, &v.RaterID, &v.Verdict, &v.Weight, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan vote: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate votes: %w", err)
	}
	return out, nil
}

// MarkSolved transitions the dispute to its terminal state and returns
// the recorded solve time. The waiting guard keeps the transition one-way
// even if a caller slips past the row lock.
func (r *PGRepository) MarkSolved(ctx context.Context, tx pgx.Tx, id int64, ruling int, underflow bool) (time.Time, error) {
	var solvedAt time.Time
	err := tx.QueryRow(ctx, `
		UPDATE disputes
		SET ruling = $1, underflow = $2, status = 'solved', solved_at = now()
		WHERE id = $3 AND status = 'waiting'
		RETURNING solved_at
	`, ruling, underflow, id).Scan(&solvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrAlreadySolved
		}
		return time.Time{}, fmt.Errorf("dispute: mark solved: %w", err)
	}
	return solvedAt, nil
}

// AppendOutbox enqueues an event in the same transaction as the state
// change it announces.
func (r *PGRepository) AppendOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispute: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, b); err != nil {
		return fmt.Errorf("dispute: insert outbox: %w", err)
	}
	return nil
}

// Get reads a dispute outside any transaction.
func (r *PGRepository) Get(ctx context.Context, id int64) (Record, error) {
	const query = `
		SELECT id, claimant, choices, paid, ruling, status, underflow, created_at, solved_at
		FROM disputes WHERE id = $1
	`
	return scanRecord(r.pool.QueryRow(ctx, query, id))
}

// ListSubDisputes returns the correlation list in directory order.
func (r *PGRepository) ListSubDisputes(ctx context.Context, id int64) ([]SubDispute, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT sd.dispute_id, sd.position, sd.rater_id, ra.handle, sd.weight, sd.sub_dispute_id, sd.fee_paid
		FROM sub_disputes sd
		JOIN raters ra ON ra.id = sd.rater_id
		WHERE sd.dispute_id = $1
		ORDER BY sd.position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("dispute: list sub-disputes: %w", err)
	}
	defer rows.Close()

	out := make([]SubDispute, 0, 8)
	for rows.Next() {
		var sd SubDispute
		var feePaid int64
		if err := rows.Scan(&sd.DisputeID, &sd.Position, &sd.RaterID, &sd.RaterHandle, &sd.Weight, &sd.SubDisputeID, &feePaid); err != nil {
			return nil, fmt.Errorf("dispute: scan sub-dispute: %w", err)
		}
		sd.FeePaid = uint64(feePaid)
		out = append(out, sd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate sub-disputes: %w", err)
	}
	return out, nil
}

// AnyWaiting reports whether any dispute is still collecting verdicts. The
// panel service uses it to lock membership changes.
func (r *PGRepository) AnyWaiting(ctx context.Context) (bool, error) {
	var waiting bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE status = 'waiting')`).Scan(&waiting); err != nil {
		return false, fmt.Errorf("dispute: check waiting: %w", err)
	}
	return waiting, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var paid int64
	err := row.Scan(&rec.ID, &rec.Claimant, &rec.Choices, &paid, &rec.Ruling, &rec.Status, &rec.Underflow, &rec.CreatedAt, &rec.SolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: scan record: %w", err)
	}
	rec.Paid = uint64(paid)
	return rec, nil
}
