package dispute

import (
	"context"
	"errors"
	"fmt"

	"escrowflow/identity"
	"escrowflow/ledger"
	"escrowflow/models"
)

var (
	ErrNotFound    = errors.New("dispute: not found")
	ErrNotDisputed = errors.New("dispute: job is not disputed")
)

// Repository reads disputed escrows from the ledger store.
type Repository struct {
	store ledger.Store
}

func NewRepository(store ledger.Store) *Repository {
	return &Repository{store: store}
}

// List returns disputed escrows, newest first. A non-zero party narrows the
// list to jobs where it is the requester or the worker.
func (r *Repository) List(ctx context.Context, party identity.Key, limit int) ([]models.Escrow, error) {
	disputed := models.StatusDisputed
	if party.IsZero() {
		out, err := r.store.ListEscrows(ctx, ledger.EscrowFilter{Status: &disputed, Limit: limit})
		if err != nil {
			return nil, fmt.Errorf("dispute: list: %w", err)
		}
		return out, nil
	}

	asRequester, err := r.store.ListEscrows(ctx, ledger.EscrowFilter{Status: &disputed, Requester: party})
	if err != nil {
		return nil, fmt.Errorf("dispute: list as requester: %w", err)
	}
	asWorker, err := r.store.ListEscrows(ctx, ledger.EscrowFilter{Status: &disputed, Worker: party})
	if err != nil {
		return nil, fmt.Errorf("dispute: list as worker: %w", err)
	}

	out := make([]models.Escrow, 0, len(asRequester)+len(asWorker))
	i, j := 0, 0
	for i < len(asRequester) || j < len(asWorker) {
		switch {
		case j == len(asWorker) || (i < len(asRequester) && !asRequester[i].CreatedAt.Before(asWorker[j].CreatedAt)):
			out = append(out, asRequester[i])
			i++
		default:
			if asWorker[j].Requester != party {
				out = append(out, asWorker[j])
			}
			j++
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns the escrow for jobID if it is disputed.
func (r *Repository) Get(ctx context.Context, jobID string) (models.Escrow, error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return models.Escrow{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := tx.GetEscrow(ctx, identity.EscrowKey(jobID))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return models.Escrow{}, ErrNotFound
		}
		return models.Escrow{}, fmt.Errorf("dispute: get: %w", err)
	}
	if e.Status != models.StatusDisputed {
		return models.Escrow{}, ErrNotDisputed
	}
	return e, nil
}
