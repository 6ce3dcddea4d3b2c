// Package ledger defines the transactional keyed store the registry and the
// escrow state machine run against. Every operation executes inside one Tx;
// an operation that returns an error before Commit leaves no visible effect.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"escrowflow/identity"
	"escrowflow/models"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrKeyExists signals that a record with the same key is already stored.
	ErrKeyExists = errors.New("ledger: key already exists")
	// ErrInsufficientBalance signals that a debit exceeds the source balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInvalidTransfer signals a transfer with no destination or an unbacked source.
	ErrInvalidTransfer = errors.New("ledger: invalid transfer")
	// ErrTxDone signals use of a committed or rolled back transaction.
	ErrTxDone = errors.New("ledger: transaction already finished")
)

// Store opens transactions and serves the read-only listings.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	ListEscrows(ctx context.Context, filter EscrowFilter) ([]models.Escrow, error)
	ListTransfers(ctx context.Context, key identity.Key, limit int) ([]Entry, error)
}

// Tx is a single all-or-nothing unit of work. GetAgent and GetEscrow lock
// the record until the transaction finishes; PeekAgent does not.
type Tx interface {
	Balance(ctx context.Context, key identity.Key) (uint64, error)
	// Transfer debits From and credits To. A zero From mints funds and is
	// only accepted for deposits.
	Transfer(ctx context.Context, t models.Transfer) error

	InsertAgent(ctx context.Context, a models.Agent) error
	GetAgent(ctx context.Context, key identity.Key) (models.Agent, error)
	PeekAgent(ctx context.Context, key identity.Key) (models.Agent, error)
	UpdateAgent(ctx context.Context, a models.Agent) error

	InsertEscrow(ctx context.Context, e models.Escrow) error
	GetEscrow(ctx context.Context, key identity.Key) (models.Escrow, error)
	UpdateEscrow(ctx context.Context, e models.Escrow) error

	Enqueue(ctx context.Context, topic string, payload map[string]any) error
	PendingOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	MarkOutbox(ctx context.Context, id uuid.UUID, status models.OutboxStatus, attempts int) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// EscrowFilter narrows ListEscrows. Zero fields match everything.
type EscrowFilter struct {
	Status    *models.Status
	Requester identity.Key
	Worker    identity.Key
	Limit     int
}

// Match reports whether e satisfies the filter.
func (f EscrowFilter) Match(e models.Escrow) bool {
	if f.Status != nil && e.Status != *f.Status {
		return false
	}
	if !f.Requester.IsZero() && e.Requester != f.Requester {
		return false
	}
	if !f.Worker.IsZero() && e.Worker != f.Worker {
		return false
	}
	return true
}

// Entry is a committed row of the transfer journal.
type Entry struct {
	Seq       int64
	Transfer  models.Transfer
	CreatedAt time.Time
}

// CheckTransfer validates the shape of t before any balance is touched.
func CheckTransfer(t models.Transfer) error {
	if t.To.IsZero() {
		return ErrInvalidTransfer
	}
	if t.From.IsZero() && t.Kind != models.TransferDeposit {
		return ErrInvalidTransfer
	}
	return nil
}
