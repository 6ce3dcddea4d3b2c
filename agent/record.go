package agent

import (
	"context"
	"errors"
	"fmt"

	"escrowflow/identity"
	"escrowflow/ledger"
	"escrowflow/models"
	"escrowflow/reputation"
	"escrowflow/safemath"
)

// Load reads and locks an agent inside tx.
func Load(ctx context.Context, tx ledger.Tx, key identity.Key) (models.Agent, error) {
	a, err := tx.GetAgent(ctx, key)
	return loaded(a, key, err)
}

// Peek reads an agent inside tx without locking it. Use it when the record
// is only checked, never written.
func Peek(ctx context.Context, tx ledger.Tx, key identity.Key) (models.Agent, error) {
	a, err := tx.PeekAgent(ctx, key)
	return loaded(a, key, err)
}

func loaded(a models.Agent, key identity.Key, err error) (models.Agent, error) {
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return models.Agent{}, fmt.Errorf("%w: %s", ErrNotFound, key.Short())
		}
		return models.Agent{}, fmt.Errorf("agent: load %s: %w", key.Short(), err)
	}
	return a, nil
}

// AddSpent records amount locked by a as requester.
func AddSpent(a *models.Agent, amount uint64) error {
	spent, err := safemath.Add64(a.TotalSpent, amount)
	if err != nil {
		return fmt.Errorf("agent: total spent: %w", err)
	}
	a.TotalSpent = spent
	return nil
}

// RefundSpent reverses AddSpent for a cancelled job.
func RefundSpent(a *models.Agent, amount uint64) error {
	spent, err := safemath.Sub64(a.TotalSpent, amount)
	if err != nil {
		return fmt.Errorf("agent: total spent: %w", err)
	}
	a.TotalSpent = spent
	return nil
}

// RecordCompletedJob credits a with one successful job paying amount. The
// verification threshold is checked before the reputation is recomputed.
// It reports whether this job verified the agent.
func RecordCompletedJob(a *models.Agent, amount uint64) (bool, error) {
	jobs, err := safemath.Add32(a.SuccessfulJobs, 1)
	if err != nil {
		return false, fmt.Errorf("agent: successful jobs: %w", err)
	}
	earned, err := safemath.Add64(a.TotalEarned, amount)
	if err != nil {
		return false, fmt.Errorf("agent: total earned: %w", err)
	}
	a.SuccessfulJobs = jobs
	a.TotalEarned = earned

	verifiedNow := false
	if a.SuccessfulJobs >= models.VerificationThreshold && !a.Verified {
		a.Verified = true
		verifiedNow = true
	}
	a.ReputationScore = reputation.Score(a.SuccessfulJobs, a.TotalEarned)
	return verifiedNow, nil
}
