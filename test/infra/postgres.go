package infra

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnavailable signals that neither DATABASE_URL nor docker is available.
var ErrUnavailable = errors.New("infra: no postgres available")

// Harness owns a migrated Postgres schema for integration tests.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness prefers DATABASE_URL (isolated in a throwaway schema) and falls
// back to a Postgres 16 container. It returns ErrUnavailable when neither works.
func NewHarness(ctx context.Context) (*Harness, error) {
	h := &Harness{container: &PGContainer{}}
	isolate := false

	switch dsn := os.Getenv("DATABASE_URL"); {
	case dsn != "":
		h.dsn = dsn
		isolate = true
	case DockerAvailable(ctx):
		c, dsn, err := StartPostgres16(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("start postgres container: %w", err)
		}
		h.container, h.dsn = c, dsn
	default:
		return nil, ErrUnavailable
	}

	pool, teardown, err := ApplyMigrations(ctx, h.dsn, isolate)
	if err != nil {
		_ = h.container.Terminate(ctx)
		return nil, err
	}
	h.pool, h.teardown = pool, teardown
	return h, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close drops the schema, closes the pool and stops the container.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates every mutable table.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"outbox",
		"transfers",
		"escrows",
		"agents",
		"balances",
		"api_credentials",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
