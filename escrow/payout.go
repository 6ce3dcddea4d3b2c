package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"escrowflow/agent"
	"escrowflow/identity"
	"escrowflow/ledger"
	"escrowflow/models"
	"escrowflow/payment"
)

type payoutResult struct {
	creatorAmount uint64
	workerAmount  uint64
	verifiedNow   bool
}

// payout releases e.Amount to the worker and its creator, credits the worker
// record and moves e to Completed. Any failure leaves the caller's tx to roll back.
func payout(ctx context.Context, tx ledger.Tx, e *models.Escrow, b Bindings, topic string) (payoutResult, error) {
	worker, err := agent.Load(ctx, tx, e.Worker)
	if err != nil {
		return payoutResult{}, err
	}
	if err := checkCreator(worker, b); err != nil {
		return payoutResult{}, err
	}

	amount := e.Amount
	creatorAmount, workerAmount, err := payment.Split(amount, worker.CreatorSplitBps)
	if err != nil {
		return payoutResult{}, fmt.Errorf("escrow: split payout: %w", err)
	}

	transfers := []models.Transfer{{
		From:   e.Key,
		To:     worker.Key,
		Amount: workerAmount,
		Kind:   models.TransferWorkerPayout,
	}}
	if creatorAmount > 0 {
		transfers = append(transfers, models.Transfer{
			From:   e.Key,
			To:     worker.Creator,
			Amount: creatorAmount,
			Kind:   models.TransferCreatorSplit,
		})
	}
	// Credits lock balance rows; take them in key order.
	sort.Slice(transfers, func(i, j int) bool {
		return bytes.Compare(transfers[i].To[:], transfers[j].To[:]) < 0
	})
	for _, t := range transfers {
		if err := tx.Transfer(ctx, t); err != nil {
			return payoutResult{}, fmt.Errorf("escrow: pay %s: %w", t.Kind, err)
		}
	}

	verifiedNow, err := agent.RecordCompletedJob(&worker, amount)
	if err != nil {
		return payoutResult{}, err
	}
	if err := tx.UpdateAgent(ctx, worker); err != nil {
		return payoutResult{}, fmt.Errorf("escrow: update worker: %w", err)
	}

	e.Amount = 0
	e.Status = models.StatusCompleted
	if err := tx.UpdateEscrow(ctx, *e); err != nil {
		return payoutResult{}, fmt.Errorf("escrow: update: %w", err)
	}

	if err := tx.Enqueue(ctx, topic, jobPayload(*e, map[string]any{
		"amount":           amount,
		"creator":          worker.Creator.Hex(),
		"creator_amount":   creatorAmount,
		"worker_amount":    workerAmount,
		"reputation_score": worker.ReputationScore,
	})); err != nil {
		return payoutResult{}, fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	if verifiedNow {
		if err := tx.Enqueue(ctx, models.TopicAgentVerified, map[string]any{
			"agent":           worker.Key.Hex(),
			"successful_jobs": worker.SuccessfulJobs,
		}); err != nil {
			return payoutResult{}, fmt.Errorf("escrow: enqueue outbox: %w", err)
		}
	}

	return payoutResult{
		creatorAmount: creatorAmount,
		workerAmount:  workerAmount,
		verifiedNow:   verifiedNow,
	}, nil
}

func loadEscrow(ctx context.Context, tx ledger.Tx, jobID string) (models.Escrow, error) {
	if jobID == "" || len(jobID) > models.MaxJobIDLen {
		return models.Escrow{}, ErrJobNotFound
	}
	e, err := tx.GetEscrow(ctx, identity.EscrowKey(jobID))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return models.Escrow{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return models.Escrow{}, fmt.Errorf("escrow: load %s: %w", jobID, err)
	}
	return e, nil
}

// authorize checks that caller is the authority of the agent at key.
func authorize(ctx context.Context, tx ledger.Tx, key, caller identity.Key) error {
	a, err := agent.Peek(ctx, tx, key)
	if err != nil {
		return err
	}
	if a.Authority != caller {
		return ErrUnauthorized
	}
	return nil
}

func checkRequester(e models.Escrow, b Bindings) error {
	if !b.Requester.IsZero() && b.Requester != e.Requester {
		return ErrInvalidRequester
	}
	return nil
}

func checkBindings(e models.Escrow, b Bindings) error {
	if err := checkRequester(e, b); err != nil {
		return err
	}
	if !b.Worker.IsZero() && b.Worker != e.Worker {
		return ErrInvalidWorker
	}
	return nil
}

func checkCreator(worker models.Agent, b Bindings) error {
	if !b.Creator.IsZero() && b.Creator != worker.Creator {
		return ErrInvalidCreator
	}
	return nil
}

// disputingParty resolves which side of e the caller acts for.
func disputingParty(ctx context.Context, tx ledger.Tx, e models.Escrow, p DisputeParams) (identity.Key, error) {
	candidates := []identity.Key{e.Requester, e.Worker}
	if !p.Agent.IsZero() {
		if p.Agent != e.Requester && p.Agent != e.Worker {
			return identity.Zero, ErrUnauthorized
		}
		candidates = []identity.Key{p.Agent}
	}
	for _, key := range candidates {
		if key.IsZero() {
			continue
		}
		a, err := agent.Peek(ctx, tx, key)
		if err != nil {
			return identity.Zero, err
		}
		if a.Authority == p.Caller {
			return a.Key, nil
		}
	}
	return identity.Zero, ErrUnauthorized
}

func statusErr(e models.Escrow, want ...models.Status) error {
	if e.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s and final", ErrInvalidJobStatus, e.JobID, e.Status)
	}
	names := make([]string, len(want))
	for i, s := range want {
		names[i] = s.String()
	}
	return fmt.Errorf("%w: job %s is %s, want %s", ErrInvalidJobStatus, e.JobID, e.Status, strings.Join(names, " or "))
}

func jobPayload(e models.Escrow, extra map[string]any) map[string]any {
	payload := map[string]any{
		"job_id":    e.JobID,
		"job_hash":  fmt.Sprintf("%x", e.JobHash),
		"requester": e.Requester.Hex(),
		"amount":    e.Amount,
		"status":    e.Status.String(),
	}
	if !e.Worker.IsZero() {
		payload["worker"] = e.Worker.Hex()
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}
