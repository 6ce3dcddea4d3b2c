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

// All returns queries that must yield no rows at any committed point.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_escrow_backed_by_balance",
			SQL: `SELECT e.job_id, e.amount, COALESCE(b.amount, 0) AS held
                  FROM escrows e LEFT JOIN balances b ON b.key = e.key
                  WHERE COALESCE(b.amount, 0) <> e.amount`,
		},
		{
			Name: "O2_value_conserved",
			SQL: `WITH dep AS (SELECT COALESCE(SUM(amount), 0) AS total FROM transfers WHERE kind = 'deposit'),
                       bal AS (SELECT COALESCE(SUM(amount), 0) AS total FROM balances)
                  SELECT dep.total, bal.total FROM dep, bal WHERE dep.total <> bal.total`,
		},
		{
			Name: "O3_journal_matches_balances",
			SQL: `WITH flows AS (
                      SELECT to_key AS key, amount FROM transfers
                      UNION ALL
                      SELECT from_key, -amount FROM transfers WHERE from_key IS NOT NULL),
                  net AS (SELECT key, SUM(amount) AS amount FROM flows GROUP BY key)
                  SELECT COALESCE(n.key, b.key), n.amount, b.amount
                  FROM net n FULL OUTER JOIN balances b ON b.key = n.key
                  WHERE COALESCE(n.amount, 0) <> COALESCE(b.amount, 0)`,
		},
		{
			Name: "O4_successful_jobs_counted",
			SQL: `SELECT a.key, a.successful_jobs, COUNT(e.key)
                  FROM agents a LEFT JOIN escrows e ON e.worker = a.key AND e.status = 3
                  GROUP BY a.key, a.successful_jobs
                  HAVING a.successful_jobs <> COUNT(e.key)`,
		},
		{
			Name: "O5_verified_iff_threshold",
			SQL:  `SELECT key, successful_jobs, verified FROM agents WHERE verified <> (successful_jobs >= 3)`,
		},
		{
			Name: "O6_deadline_follows_hire",
			SQL:  `SELECT job_id, status FROM escrows WHERE (deadline IS NULL) <> (worker IS NULL)`,
		},
		{
			Name: "O7_completed_jobs_paid",
			SQL: `SELECT e.job_id FROM escrows e
                  WHERE e.status = 3 AND NOT EXISTS (
                      SELECT 1 FROM transfers t WHERE t.from_key = e.key AND t.kind = 'worker_payout')`,
		},
		{
			Name: "O8_cancelled_jobs_refunded",
			SQL: `SELECT e.job_id FROM escrows e
                  WHERE e.status = 5 AND NOT EXISTS (
                      SELECT 1 FROM transfers t WHERE t.from_key = e.key AND t.kind = 'refund')`,
		},
		{
			Name: "O9_outbox_drained",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
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
