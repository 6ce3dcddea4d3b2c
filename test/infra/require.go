package infra

import (
	"context"
	"errors"
	"testing"
	"time"
)

// Require starts a harness for t, skipping when no Postgres is reachable.
// The harness is closed when the test finishes.
func Require(t testing.TB) *Harness {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h, err := NewHarness(ctx)
	if errors.Is(err, ErrUnavailable) {
		t.Skip("DATABASE_URL is empty and docker is unavailable; skipping postgres integration test")
	}
	if err != nil {
		t.Fatalf("postgres harness: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		h.Close(ctx)
	})
	return h
}
