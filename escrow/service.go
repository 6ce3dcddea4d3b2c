// Package escrow runs the job lifecycle: funds are locked when a job is
// created and leave the escrow exactly once, as a payout on approval or
// timeout, or as a refund on cancellation.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"escrowflow/agent"
	"escrowflow/identity"
	"escrowflow/ledger"
	"escrowflow/models"
)

type Service struct {
	store ledger.Store
	now   func() time.Time
	log   logrus.FieldLogger
}

func NewService(store ledger.Store) *Service {
	return &Service{
		store: store,
		now:   time.Now,
		log:   logrus.StandardLogger(),
	}
}

// WithClock overrides the clock. Each operation reads it once.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) WithLogger(log logrus.FieldLogger) *Service {
	if log != nil {
		s.log = log
	}
	return s
}

// CreateJob locks p.Amount from the caller into a new Open escrow.
func (s *Service) CreateJob(ctx context.Context, p CreateJobParams) (models.Escrow, error) {
	if len(p.JobID) > models.MaxJobIDLen {
		return models.Escrow{}, ErrJobIDTooLong
	}
	if p.JobID == "" {
		return models.Escrow{}, ErrJobIDEmpty
	}
	if p.Amount == 0 {
		return models.Escrow{}, ErrInvalidAmount
	}
	if !models.ValidTimeout(p.TimeoutHours) {
		return models.Escrow{}, ErrInvalidTimeout
	}
	now := models.Unix(s.now())

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	requester, err := agent.Load(ctx, tx, p.Requester)
	if err != nil {
		return models.Escrow{}, err
	}
	if requester.Authority != p.Caller {
		return models.Escrow{}, ErrUnauthorized
	}

	e := models.Escrow{
		Key:          identity.EscrowKey(p.JobID),
		JobID:        p.JobID,
		JobHash:      p.JobHash,
		Requester:    requester.Key,
		Amount:       p.Amount,
		Status:       models.StatusOpen,
		TimeoutHours: p.TimeoutHours,
		CreatedAt:    now,
	}
	if err := tx.InsertEscrow(ctx, e); err != nil {
		if errors.Is(err, ledger.ErrKeyExists) {
			return models.Escrow{}, ErrJobExists
		}
		return models.Escrow{}, fmt.Errorf("escrow: insert: %w", err)
	}
	if err := tx.Transfer(ctx, models.Transfer{
		From:   p.Caller,
		To:     e.Key,
		Amount: e.Amount,
		Kind:   models.TransferEscrowLock,
	}); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: lock funds: %w", err)
	}
	if err := agent.AddSpent(&requester, e.Amount); err != nil {
		return models.Escrow{}, err
	}
	if err := tx.UpdateAgent(ctx, requester); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: update requester: %w", err)
	}
	if err := tx.Enqueue(ctx, models.TopicJobCreated, jobPayload(e, nil)); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: enqueue outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	s.logged(e).Info("job created")
	return e, nil
}

// HireAgent assigns p.Worker to an Open job and starts its deadline.
func (s *Service) HireAgent(ctx context.Context, p HireParams) (models.Escrow, error) {
	now := models.Unix(s.now())

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := loadEscrow(ctx, tx, p.JobID)
	if err != nil {
		return models.Escrow{}, err
	}
	if err := checkRequester(e, p.Bindings); err != nil {
		return models.Escrow{}, err
	}
	if err := authorize(ctx, tx, e.Requester, p.Caller); err != nil {
		return models.Escrow{}, err
	}
	if e.Status != models.StatusOpen {
		return models.Escrow{}, statusErr(e, models.StatusOpen)
	}

	worker, err := agent.Peek(ctx, tx, p.Worker)
	if err != nil {
		return models.Escrow{}, err
	}
	if !p.Creator.IsZero() && worker.Creator != p.Creator {
		return models.Escrow{}, ErrInvalidCreator
	}

	e.Worker = worker.Key
	e.Status = models.StatusInProgress
	e.Deadline = now.Add(time.Duration(e.TimeoutHours) * time.Hour)
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: update: %w", err)
	}
	if err := tx.Enqueue(ctx, models.TopicJobHired, jobPayload(e, map[string]any{
		"deadline": e.Deadline.Unix(),
	})); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: enqueue outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: commit hire: %w", err)
	}
	s.logged(e).WithField("deadline", e.Deadline).Info("agent hired")
	return e, nil
}

// CompleteJob is called by the worker's authority to submit the work.
func (s *Service) CompleteJob(ctx context.Context, p ActionParams) (models.Escrow, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := loadEscrow(ctx, tx, p.JobID)
	if err != nil {
		return models.Escrow{}, err
	}
	if err := checkBindings(e, p.Bindings); err != nil {
		return models.Escrow{}, err
	}
	if e.Worker.IsZero() {
		return models.Escrow{}, statusErr(e, models.StatusInProgress)
	}
	worker, err := agent.Peek(ctx, tx, e.Worker)
	if err != nil {
		return models.Escrow{}, err
	}
	if err := checkCreator(worker, p.Bindings); err != nil {
		return models.Escrow{}, err
	}
	if worker.Authority != p.Caller {
		return models.Escrow{}, ErrUnauthorized
	}
	if e.Status != models.StatusInProgress {
		return models.Escrow{}, statusErr(e, models.StatusInProgress)
	}

	e.Status = models.StatusPendingApproval
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: update: %w", err)
	}
	if err := tx.Enqueue(ctx, models.TopicJobCompleted, jobPayload(e, nil)); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: enqueue outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: commit complete: %w", err)
	}
	s.logged(e).Info("job completed")
	return e, nil
}

// ApproveJob releases the escrow to the worker on the requester's approval.
func (s *Service) ApproveJob(ctx context.Context, p ActionParams) (models.Escrow, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := loadEscrow(ctx, tx, p.JobID)
	if err != nil {
		return models.Escrow{}, err
	}
	if err := checkBindings(e, p.Bindings); err != nil {
		return models.Escrow{}, err
	}
	if err := authorize(ctx, tx, e.Requester, p.Caller); err != nil {
		return models.Escrow{}, err
	}
	if e.Status != models.StatusPendingApproval {
		return models.Escrow{}, statusErr(e, models.StatusPendingApproval)
	}

	res, err := payout(ctx, tx, &e, p.Bindings, models.TopicJobApproved)
	if err != nil {
		return models.Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: commit approve: %w", err)
	}
	s.logPayout(e, res).Info("job approved")
	return e, nil
}

// ClaimTimeout releases a job awaiting approval once its deadline has
// passed. Anyone may call it.
func (s *Service) ClaimTimeout(ctx context.Context, p ActionParams) (models.Escrow, error) {
	now := s.now()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := loadEscrow(ctx, tx, p.JobID)
	if err != nil {
		return models.Escrow{}, err
	}
	if err := checkBindings(e, p.Bindings); err != nil {
		return models.Escrow{}, err
	}
	if e.Status != models.StatusPendingApproval {
		return models.Escrow{}, statusErr(e, models.StatusPendingApproval)
	}
	if now.Unix() <= e.Deadline.Unix() {
		return models.Escrow{}, fmt.Errorf("%w: deadline %s", ErrDeadlineNotReached, e.Deadline.Format(time.RFC3339))
	}

	res, err := payout(ctx, tx, &e, p.Bindings, models.TopicJobTimeoutReleased)
	if err != nil {
		return models.Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: commit claim timeout: %w", err)
	}
	s.logPayout(e, res).WithField("claimed_by", p.Caller.Short()).Info("job released on timeout")
	return e, nil
}

// CancelJob refunds an Open job to the requester's authority.
func (s *Service) CancelJob(ctx context.Context, p ActionParams) (models.Escrow, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := loadEscrow(ctx, tx, p.JobID)
	if err != nil {
		return models.Escrow{}, err
	}
	if err := checkBindings(e, p.Bindings); err != nil {
		return models.Escrow{}, err
	}
	requester, err := agent.Load(ctx, tx, e.Requester)
	if err != nil {
		return models.Escrow{}, err
	}
	if requester.Authority != p.Caller {
		return models.Escrow{}, ErrUnauthorized
	}
	if e.Status != models.StatusOpen {
		return models.Escrow{}, statusErr(e, models.StatusOpen)
	}

	refund := e.Amount
	if err := tx.Transfer(ctx, models.Transfer{
		From:   e.Key,
		To:     p.Caller,
		Amount: refund,
		Kind:   models.TransferRefund,
	}); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: refund: %w", err)
	}
	if err := agent.RefundSpent(&requester, refund); err != nil {
		return models.Escrow{}, err
	}
	if err := tx.UpdateAgent(ctx, requester); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: update requester: %w", err)
	}

	e.Amount = 0
	e.Status = models.StatusCancelled
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: update: %w", err)
	}
	if err := tx.Enqueue(ctx, models.TopicJobCancelled, jobPayload(e, map[string]any{
		"refunded": refund,
	})); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: enqueue outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: commit cancel: %w", err)
	}
	s.logged(e).WithField("refunded", refund).Info("job cancelled")
	return e, nil
}

// DisputeJob freezes an active job. Disputed jobs keep their funds and have
// no automated exit.
func (s *Service) DisputeJob(ctx context.Context, p DisputeParams) (models.Escrow, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := loadEscrow(ctx, tx, p.JobID)
	if err != nil {
		return models.Escrow{}, err
	}
	if err := checkBindings(e, p.Bindings); err != nil {
		return models.Escrow{}, err
	}
	party, err := disputingParty(ctx, tx, e, p)
	if err != nil {
		return models.Escrow{}, err
	}
	if e.Status != models.StatusInProgress && e.Status != models.StatusPendingApproval {
		return models.Escrow{}, statusErr(e, models.StatusInProgress, models.StatusPendingApproval)
	}

	previous := e.Status
	e.Status = models.StatusDisputed
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: update: %w", err)
	}
	if err := tx.Enqueue(ctx, models.TopicJobDisputed, jobPayload(e, map[string]any{
		"disputed_by":     party.Hex(),
		"previous_status": previous.String(),
	})); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: enqueue outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: commit dispute: %w", err)
	}
	s.logged(e).WithField("disputed_by", party.Short()).Warn("job disputed")
	return e, nil
}

// Get returns the escrow for jobID.
func (s *Service) Get(ctx context.Context, jobID string) (models.Escrow, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return loadEscrow(ctx, tx, jobID)
}

// List returns escrows matching filter, newest first.
func (s *Service) List(ctx context.Context, filter ledger.EscrowFilter) ([]models.Escrow, error) {
	out, err := s.store.ListEscrows(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	return out, nil
}

func (s *Service) logged(e models.Escrow) logrus.FieldLogger {
	return s.log.WithFields(logrus.Fields{
		"job_id": e.JobID,
		"status": e.Status.String(),
		"amount": e.Amount,
	})
}

func (s *Service) logPayout(e models.Escrow, res payoutResult) logrus.FieldLogger {
	return s.logged(e).WithFields(logrus.Fields{
		"worker":         e.Worker.Short(),
		"creator_amount": res.creatorAmount,
		"worker_amount":  res.workerAmount,
		"verified_now":   res.verifiedNow,
	})
}
