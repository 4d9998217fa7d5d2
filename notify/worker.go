// Package notify delivers fused rulings to claimants. Delivery reads the
// outbox written by the dispute engine, so a claimant is only ever told
// about a ruling that is already committed; a callback that re-enters the
// ruling endpoint finds the dispute solved.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"panelflow/dispute"
)

// Claimant is the callback interface a dispute originator exposes.
type Claimant interface {
	NotifyRuling(ctx context.Context, disputeID int64, ruling int) error
}

// ClaimantResolver maps a claimant handle to its callback endpoint.
type ClaimantResolver interface {
	Resolve(handle string) (Claimant, error)
}

// MaxAttempts is how many deliveries are tried before a message is parked
// as dead.
const MaxAttempts = 5

// Worker drains dispute.resolved outbox rows.
type Worker struct {
	pool     *pgxpool.Pool
	resolver ClaimantResolver
	interval time.Duration
}

func NewWorker(pool *pgxpool.Pool, resolver ClaimantResolver, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Worker{pool: pool, resolver: resolver, interval: interval}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				delivered, err := w.DeliverOne(ctx)
				if err != nil {
					log.Printf("notify: deliver: %v", err)
					break
				}
				if !delivered {
					break
				}
			}
		}
	}
}

type resolvedEvent struct {
	DisputeID int64  `json:"dispute_id"`
	Claimant  string `json:"claimant"`
	Ruling    int    `json:"ruling"`
}

// DeliverOne claims the oldest pending resolved event and delivers it.
// Returns false when the outbox is drained. Claiming uses SKIP LOCKED so
// concurrent workers never double-deliver.
func (w *Worker) DeliverOne(ctx context.Context) (bool, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("notify: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		id       string
		payload  []byte
		attempts int
	)
	err = tx.QueryRow(ctx, `
		SELECT id, payload, attempts FROM outbox
		WHERE topic = $1 AND status = 'pending'
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, dispute.OutboxTopicResolved).Scan(&id, &payload, &attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("notify: claim outbox row: %w", err)
	}

	var event resolvedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'dead' WHERE id = $1`, id); err != nil {
			return false, fmt.Errorf("notify: park malformed event: %w", err)
		}
		return true, tx.Commit(ctx)
	}

	if err := w.deliver(ctx, event); err != nil {
		log.Printf("notify: dispute %d to %s failed (attempt %d): %v", event.DisputeID, event.Claimant, attempts+1, err)
		status := "pending"
		if attempts+1 >= MaxAttempts {
			status = "dead"
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, status = $1 WHERE id = $2`, status, id); err != nil {
			return false, fmt.Errorf("notify: record failed attempt: %w", err)
		}
		return true, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1 WHERE id = $1`, id); err != nil {
		return false, fmt.Errorf("notify: mark processed: %w", err)
	}
	return true, tx.Commit(ctx)
}

func (w *Worker) deliver(ctx context.Context, event resolvedEvent) error {
	endpoint, err := w.resolver.Resolve(event.Claimant)
	if err != nil {
		return err
	}
	return endpoint.NotifyRuling(ctx, event.DisputeID, event.Ruling)
}
