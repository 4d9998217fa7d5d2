package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"panelflow/dispute"
	"panelflow/panel"
	"panelflow/payment"
)

// Claimant keeps opening disputes at the currently required cost until its
// account runs dry.
func Claimant(ctx context.Context, svc *dispute.Service, panelSvc *panel.Service, claimant string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		cfg, err := panelSvc.Config(ctx)
		if err != nil {
			if transient(err) || ctx.Err() != nil {
				time.Sleep(30 * time.Millisecond)
				continue
			}
			return fmt.Errorf("claimant config: %w", err)
		}
		n, err := panelSvc.Count(ctx)
		if err != nil {
			if transient(err) || ctx.Err() != nil {
				continue
			}
			return fmt.Errorf("claimant panel size: %w", err)
		}

		_, err = svc.Create(ctx, claimant, dispute.Choices, uint64(n)*cfg.PerRaterFee, nil)
		if err != nil && !errors.Is(err, payment.ErrInsufficientFunds) && !transient(err) && ctx.Err() == nil {
			return fmt.Errorf("claimant create: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Voter submits random verdicts on random waiting disputes. Duplicate and
// stale submissions are expected under contention.
func Voter(ctx context.Context, svc *dispute.Service, pool *pgxpool.Pool, handle string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, ok, err := pickWaiting(ctx, pool)
		if err != nil {
			return fmt.Errorf("voter pick dispute: %w", err)
		}
		if !ok {
			time.Sleep(20 * time.Millisecond)
			continue
		}

		verdict := rand.Intn(dispute.Choices + 1) // includes the refusal verdict
		if _, err := svc.Rule(ctx, id, handle, verdict); err != nil && !expectedVoteError(err) {
			return fmt.Errorf("voter rule d=%d: %w", id, err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Duplicator tries to vote twice in a row on the same dispute; the second
// submission must never be accepted.
func Duplicator(ctx context.Context, svc *dispute.Service, pool *pgxpool.Pool, handle string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, ok, err := pickWaiting(ctx, pool)
		if err != nil {
			return fmt.Errorf("duplicator pick dispute: %w", err)
		}
		if !ok {
			time.Sleep(25 * time.Millisecond)
			continue
		}

		_, err1 := svc.Rule(ctx, id, handle, 1)
		_, err2 := svc.Rule(ctx, id, handle, 2)
		if err1 == nil && err2 == nil {
			return fmt.Errorf("duplicator: both votes accepted on dispute %d", id)
		}
		if err1 != nil && !expectedVoteError(err1) {
			return fmt.Errorf("duplicator first vote d=%d: %w", id, err1)
		}
		if err2 != nil && !expectedVoteError(err2) {
			return fmt.Errorf("duplicator second vote d=%d: %w", id, err2)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Intruder exercises the authorization guards: it votes without panel
// membership and administers without ownership, and fails the run if any
// of it is accepted.
func Intruder(ctx context.Context, svc *dispute.Service, panelSvc *panel.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := svc.Rule(ctx, int64(rand.Intn(50)), "intruder", 1); err == nil {
			return errors.New("intruder: vote from non-member accepted")
		} else if !errors.Is(err, dispute.ErrUnauthorized) && !errors.Is(err, dispute.ErrNotFound) && !transient(err) && ctx.Err() == nil {
			return fmt.Errorf("intruder rule: %w", err)
		}

		if _, err := panelSvc.Register(ctx, "intruder", "mole", 0); err == nil {
			return errors.New("intruder: register from non-owner accepted")
		} else if !errors.Is(err, panel.ErrUnauthorized) && !transient(err) && ctx.Err() == nil {
			return fmt.Errorf("intruder register: %w", err)
		}
		if err := panelSvc.ChangeQuota(ctx, "intruder", 80); err == nil {
			return errors.New("intruder: quota change from non-owner accepted")
		} else if !errors.Is(err, panel.ErrUnauthorized) && !transient(err) && ctx.Err() == nil {
			return fmt.Errorf("intruder quota: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Admin flips the quota between legal values as the owner and verifies a
// full panel rejects further members.
func Admin(ctx context.Context, panelSvc *panel.Service, owner string, stop <-chan struct{}) error {
	quotas := []int{55, 60, 75, 90}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if err := panelSvc.ChangeQuota(ctx, owner, quotas[rand.Intn(len(quotas))]); err != nil && !transient(err) && ctx.Err() == nil {
			return fmt.Errorf("admin quota: %w", err)
		}

		// the panel already carries the full weight total
		_, err := panelSvc.Register(ctx, owner, fmt.Sprintf("late-%d", rand.Int63()), 10)
		if err == nil {
			return errors.New("admin: register over the weight total accepted")
		}
		if !errors.Is(err, panel.ErrInvalidWeightConfig) && !errors.Is(err, panel.ErrPanelLocked) && !transient(err) && ctx.Err() == nil {
			return fmt.Errorf("admin register: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

func pickWaiting(ctx context.Context, pool *pgxpool.Pool) (int64, bool, error) {
	var id int64
	err := pool.QueryRow(ctx, `SELECT id FROM disputes WHERE status = 'waiting' ORDER BY random() LIMIT 1`).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || transient(err) || ctx.Err() != nil {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

func expectedVoteError(err error) bool {
	return errors.Is(err, dispute.ErrDuplicateVote) ||
		errors.Is(err, dispute.ErrAlreadySolved) ||
		errors.Is(err, dispute.ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		transient(err)
}

// transient reports connection-level failures caused by chaos killing
// backends mid-flight. Retrying on a fresh pool connection is always safe.
func transient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// admin_shutdown, crash_shutdown, connection failures
		return pgErr.Code == "57P01" || pgErr.Code == "57P02" || strings.HasPrefix(pgErr.Code, "08")
	}
	s := err.Error()
	return strings.Contains(s, "conn closed") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "unexpected EOF") ||
		strings.Contains(s, "broken pipe")
}
