// Package chaos interrupts database sessions while the escrow workload runs.
package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ledgerTables are the tables an escrow transition writes under row locks.
var ledgerTables = []string{"escrows", "agents", "balances", "transfers", "outbox"}

// Interrupter terminates sessions of the test database on a timer. Most
// kills land on a session holding a lock on a ledger table, so the store is
// cut off between its debit and its credit.
type Interrupter struct {
	Pool     *pgxpool.Pool
	Interval time.Duration
	// OneIn is the chance, 1 in OneIn, that a tick kills anything.
	OneIn int

	mid    atomic.Int64
	random atomic.Int64
}

// Run kills sessions until ctx is done or stop is closed.
func (c *Interrupter) Run(ctx context.Context, stop <-chan struct{}) {
	interval := c.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if c.OneIn > 1 && rand.Intn(c.OneIn) != 0 {
				continue
			}
			if c.killLockHolder(ctx) {
				c.mid.Add(1)
				continue
			}
			if c.killAny(ctx) {
				c.random.Add(1)
			}
		}
	}
}

// Kills reports how many sessions were terminated inside a ledger
// transaction and how many were picked at random.
func (c *Interrupter) Kills() (midTx, random int64) {
	return c.mid.Load(), c.random.Load()
}

func (c *Interrupter) killLockHolder(ctx context.Context) bool {
	var killed bool
	err := c.Pool.QueryRow(ctx, `
		SELECT pg_terminate_backend(l.pid)
		FROM pg_locks l
		JOIN pg_class r ON r.oid = l.relation
		JOIN pg_stat_activity a ON a.pid = l.pid
		WHERE a.datname = current_database()
		  AND l.pid <> pg_backend_pid()
		  AND l.mode IN ('RowExclusiveLock', 'RowShareLock')
		  AND r.relname = ANY($1)
		ORDER BY random()
		LIMIT 1
	`, ledgerTables).Scan(&killed)
	return err == nil && killed
}

func (c *Interrupter) killAny(ctx context.Context) bool {
	var killed bool
	err := c.Pool.QueryRow(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = current_database() AND pid <> pg_backend_pid()
		ORDER BY random()
		LIMIT 1
	`).Scan(&killed)
	return err == nil && killed
}
