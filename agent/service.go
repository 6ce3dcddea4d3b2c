// Package agent is the registry of worker and requester identities: it
// registers agents, configures their creator split and lets their authority
// withdraw accumulated earnings.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"escrowflow/identity"
	"escrowflow/ledger"
	"escrowflow/models"
	"escrowflow/safemath"
)

type Service struct {
	store ledger.Store
	cfg   Config
	now   func() time.Time
	log   logrus.FieldLogger
}

func NewService(store ledger.Store, cfg Config) *Service {
	return &Service{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		log:   logrus.StandardLogger(),
	}
}

// WithClock overrides the clock used to stamp registrations.
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

// Register creates the agent named p.Name for p.Owner and charges the
// registration cost from the owner into the agent record.
func (s *Service) Register(ctx context.Context, p RegisterParams) (models.Agent, error) {
	if p.Name == "" {
		return models.Agent{}, ErrNameEmpty
	}
	if len(p.Name) > models.MaxNameLen {
		return models.Agent{}, ErrNameTooLong
	}
	if p.Owner.IsZero() {
		return models.Agent{}, fmt.Errorf("agent: missing owner")
	}

	now := models.Unix(s.now())
	a := models.Agent{
		Key:             identity.AgentKey(p.Owner, p.Name),
		Name:            p.Name,
		Creator:         p.Owner,
		Authority:       p.Owner,
		CreatedAt:       now,
		CreatorSigned:   true,
		CreatorSplitBps: models.DefaultSplitBps,
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Agent{}, fmt.Errorf("agent: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.InsertAgent(ctx, a); err != nil {
		if errors.Is(err, ledger.ErrKeyExists) {
			return models.Agent{}, ErrAgentExists
		}
		return models.Agent{}, fmt.Errorf("agent: insert: %w", err)
	}
	if err := tx.Transfer(ctx, models.Transfer{
		From:   p.Owner,
		To:     a.Key,
		Amount: s.cfg.RegistrationCost,
		Kind:   models.TransferRegistration,
	}); err != nil {
		return models.Agent{}, fmt.Errorf("agent: fund record: %w", err)
	}
	if err := tx.Enqueue(ctx, models.TopicAgentRegistered, map[string]any{
		"agent":   a.Key.Hex(),
		"name":    a.Name,
		"creator": a.Creator.Hex(),
	}); err != nil {
		return models.Agent{}, fmt.Errorf("agent: enqueue outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Agent{}, fmt.Errorf("agent: commit register: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"agent":   a.Key.Short(),
		"name":    a.Name,
		"creator": a.Creator.Short(),
	}).Info("agent registered")
	return a, nil
}

// ConfigureSplit sets the share of each payout routed to the agent's creator.
func (s *Service) ConfigureSplit(ctx context.Context, p ConfigureSplitParams) (models.Agent, error) {
	if p.SplitBps > models.MaxSplitBps {
		return models.Agent{}, ErrSplitTooHigh
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Agent{}, fmt.Errorf("agent: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := Load(ctx, tx, p.Agent)
	if err != nil {
		return models.Agent{}, err
	}
	if a.Authority != p.Caller {
		return models.Agent{}, ErrUnauthorized
	}

	previous := a.CreatorSplitBps
	a.CreatorSplitBps = p.SplitBps
	if err := tx.UpdateAgent(ctx, a); err != nil {
		return models.Agent{}, fmt.Errorf("agent: update split: %w", err)
	}
	if err := tx.Enqueue(ctx, models.TopicAgentSplit, map[string]any{
		"agent":     a.Key.Hex(),
		"previous":  previous,
		"split_bps": a.CreatorSplitBps,
	}); err != nil {
		return models.Agent{}, fmt.Errorf("agent: enqueue outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Agent{}, fmt.Errorf("agent: commit split: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"agent":     a.Key.Short(),
		"split_bps": a.CreatorSplitBps,
	}).Info("creator split configured")
	return a, nil
}

// Withdraw moves earnings above the reserved minimum from the agent record to
// its authority and returns the amount moved.
func (s *Service) Withdraw(ctx context.Context, p WithdrawParams) (uint64, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("agent: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := Load(ctx, tx, p.Agent)
	if err != nil {
		return 0, err
	}
	if a.Authority != p.Caller {
		return 0, ErrUnauthorized
	}

	balance, err := tx.Balance(ctx, a.Key)
	if err != nil {
		return 0, fmt.Errorf("agent: read balance: %w", err)
	}
	available := safemath.SaturatingSub64(balance, s.cfg.ReservedMinimum)

	amount := p.Amount
	if amount == 0 {
		amount = available
	}
	if amount > available {
		return 0, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientFunds, amount, available)
	}
	if amount == 0 {
		return 0, ErrNothingToWithdraw
	}

	if err := tx.Transfer(ctx, models.Transfer{
		From:   a.Key,
		To:     a.Authority,
		Amount: amount,
		Kind:   models.TransferWithdrawal,
	}); err != nil {
		return 0, fmt.Errorf("agent: withdraw: %w", err)
	}
	if err := tx.Enqueue(ctx, models.TopicAgentWithdrawal, map[string]any{
		"agent":     a.Key.Hex(),
		"authority": a.Authority.Hex(),
		"amount":    amount,
	}); err != nil {
		return 0, fmt.Errorf("agent: enqueue outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("agent: commit withdraw: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"agent":  a.Key.Short(),
		"amount": amount,
	}).Info("agent withdrawal")
	return amount, nil
}

// Get returns the agent stored at key.
func (s *Service) Get(ctx context.Context, key identity.Key) (models.Agent, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Agent{}, fmt.Errorf("agent: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return Load(ctx, tx, key)
}

// Lookup returns the agent owner registered under name.
func (s *Service) Lookup(ctx context.Context, owner identity.Key, name string) (models.Agent, error) {
	return s.Get(ctx, identity.AgentKey(owner, name))
}

// Balance returns the ledger balance held at key.
func (s *Service) Balance(ctx context.Context, key identity.Key) (uint64, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("agent: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return tx.Balance(ctx, key)
}

// Transfers returns the most recent ledger movements touching key.
func (s *Service) Transfers(ctx context.Context, key identity.Key, limit int) ([]ledger.Entry, error) {
	return s.store.ListTransfers(ctx, key, limit)
}

// Deposit credits amount to key from outside the ledger. It backs the fund
// command used to seed identities. Escrow balances only move with their job.
func (s *Service) Deposit(ctx context.Context, key identity.Key, amount uint64) (uint64, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("agent: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.GetEscrow(ctx, key); err == nil {
		return 0, fmt.Errorf("%w: %s", ErrEscrowKey, key.Short())
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return 0, fmt.Errorf("agent: check escrow: %w", err)
	}

	if err := tx.Transfer(ctx, models.Transfer{To: key, Amount: amount, Kind: models.TransferDeposit}); err != nil {
		return 0, fmt.Errorf("agent: deposit: %w", err)
	}
	balance, err := tx.Balance(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("agent: read balance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("agent: commit deposit: %w", err)
	}

	s.log.WithFields(logrus.Fields{"key": key.Short(), "amount": amount}).Info("deposit")
	return balance, nil
}
