package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// SeedBalance is the total money seeded across all accounts; transfers
// only ever move it between accounts, so the sum must never drift.
const SeedBalance = 1_000_000

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_solved_means_full_quorum",
			SQL: `SELECT d.id FROM disputes d
                  WHERE d.status = 'solved'
                    AND (SELECT COUNT(*) FROM votes v WHERE v.dispute_id = d.id)
                     <> (SELECT COUNT(*) FROM sub_disputes s WHERE s.dispute_id = d.id)`,
		},
		{
			Name: "O2_no_missed_fusion",
			SQL: `SELECT d.id FROM disputes d
                  WHERE d.status = 'waiting'
                    AND (SELECT COUNT(*) FROM sub_disputes s WHERE s.dispute_id = d.id) > 0
                    AND (SELECT COUNT(*) FROM votes v WHERE v.dispute_id = d.id)
                     >= (SELECT COUNT(*) FROM sub_disputes s WHERE s.dispute_id = d.id)`,
		},
		{
			Name: "O3_no_excess_votes",
			SQL: `SELECT d.id FROM disputes d
                  WHERE (SELECT COUNT(*) FROM votes v WHERE v.dispute_id = d.id)
                      > (SELECT COUNT(*) FROM sub_disputes s WHERE s.dispute_id = d.id)`,
		},
		{
			Name: "O4_correlation_contiguous",
			SQL: `WITH spans AS (
                      SELECT dispute_id, COUNT(*) AS n, MIN(position) AS lo, MAX(position) AS hi
                      FROM sub_disputes GROUP BY dispute_id)
                  SELECT * FROM spans WHERE lo <> 0 OR hi <> n - 1`,
		},
		{
			Name: "O5_ruling_validity",
			SQL: `SELECT id, status, ruling FROM disputes
                  WHERE (status = 'solved' AND ruling NOT IN (1, 2))
                     OR (status = 'waiting' AND ruling <> 0)`,
		},
		{
			Name: "O6_money_conserved",
			SQL: fmt.Sprintf(`SELECT SUM(balance) FROM accounts
                  HAVING SUM(balance) <> %d`, SeedBalance),
		},
		{
			Name: "O7_resolution_event_per_solve",
			SQL: `SELECT d.id FROM disputes d
                  WHERE d.status = 'solved'
                    AND (SELECT COUNT(*) FROM outbox o
                         WHERE o.topic = 'dispute.resolved'
                           AND (o.payload->>'dispute_id')::bigint = d.id) <> 1`,
		},
		{
			Name: "O8_solve_after_create",
			SQL:  `SELECT id FROM disputes WHERE solved_at IS NOT NULL AND solved_at < created_at`,
		},
		{
			Name: "O9_weights_frozen_at_creation",
			SQL: `SELECT v.dispute_id, v.rater_id FROM votes v
                  JOIN sub_disputes s ON s.dispute_id = v.dispute_id AND s.rater_id = v.rater_id
                  WHERE v.weight <> s.weight`,
		},
		{
			Name: "O10_votes_only_from_delegated_raters",
			SQL: `SELECT v.dispute_id, v.rater_id FROM votes v
                  WHERE NOT EXISTS (
                      SELECT 1 FROM sub_disputes s
                      WHERE s.dispute_id = v.dispute_id AND s.rater_id = v.rater_id)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
