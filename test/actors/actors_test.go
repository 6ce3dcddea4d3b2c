package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/agent"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/safemath"
)

func TestFatal(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"nil", nil, false},
		{"lost race", fmt.Errorf("%w: job j is Completed", escrow.ErrInvalidJobStatus), false},
		{"early claim", escrow.ErrDeadlineNotReached, false},
		{"drained requester", fmt.Errorf("escrow: lock funds: %w", ledger.ErrInsufficientBalance), false},
		{"nothing to withdraw", agent.ErrNothingToWithdraw, false},
		{"stopped", context.Canceled, false},
		{"killed session", fmt.Errorf("db: get agent: %w", &pgconn.PgError{Code: "57P01"}), false},
		{"dropped connection", fmt.Errorf("db: transfer: %w", io.ErrUnexpectedEOF), false},
		{"deadlock", fmt.Errorf("db: get agent: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"overflow", fmt.Errorf("agent: total earned: %w", safemath.ErrOverflow), true},
		{"unauthorized", escrow.ErrUnauthorized, true},
		{"tx done", ledger.ErrTxDone, true},
		{"unknown", errors.New("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fatal(tt.err)
			if (got != nil) != tt.fatal {
				t.Fatalf("fatal(%v) = %v, want fatal=%v", tt.err, got, tt.fatal)
			}
		})
	}
}
