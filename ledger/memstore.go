package ledger

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"

	"escrowflow/identity"
	"escrowflow/models"
	"escrowflow/safemath"
)

// MemStore is an in-process Store. Transactions are serialized through a
// single-slot semaphore and mutate state in place; a journal of previous
// values is replayed in reverse when a transaction rolls back.
type MemStore struct {
	sem chan struct{}
	now func() time.Time

	balances    map[identity.Key]uint64
	agents      map[identity.Key]models.Agent
	escrows     map[identity.Key]models.Escrow
	transfers   []Entry
	outbox      []models.OutboxMessage
	outboxIndex map[uuid.UUID]int
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sem:         make(chan struct{}, 1),
		now:         time.Now,
		balances:    make(map[identity.Key]uint64),
		agents:      make(map[identity.Key]models.Agent),
		escrows:     make(map[identity.Key]models.Escrow),
		outboxIndex: make(map[uuid.UUID]int),
	}
}

// WithClock overrides the clock used to stamp transfers and outbox messages.
func (s *MemStore) WithClock(now func() time.Time) *MemStore {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *MemStore) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemStore) release() {
	<-s.sem
}

// Begin waits for the store to be free and opens a transaction.
func (s *MemStore) Begin(ctx context.Context) (Tx, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, fmt.Errorf("ledger: begin: %w", err)
	}
	return &memTx{store: s}, nil
}

// ListEscrows returns the escrows matching filter, newest first.
func (s *MemStore) ListEscrows(ctx context.Context, filter EscrowFilter) ([]models.Escrow, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, fmt.Errorf("ledger: list escrows: %w", err)
	}
	defer s.release()

	out := make([]models.Escrow, 0, 8)
	for _, e := range s.escrows {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListTransfers returns the journal entries touching key, newest first.
func (s *MemStore) ListTransfers(ctx context.Context, key identity.Key, limit int) ([]Entry, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, fmt.Errorf("ledger: list transfers: %w", err)
	}
	defer s.release()

	out := make([]Entry, 0, 8)
	for i := len(s.transfers) - 1; i >= 0; i-- {
		e := s.transfers[i]
		if e.Transfer.From != key && e.Transfer.To != key {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type memTx struct {
	store   *MemStore
	journal journal
	done    bool
}

func (tx *memTx) check() error {
	if tx.done {
		return ErrTxDone
	}
	return nil
}

func (tx *memTx) Balance(ctx context.Context, key identity.Key) (uint64, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	return tx.store.balances[key], nil
}

func (tx *memTx) setBalance(key identity.Key, amount uint64) {
	prev, existed := tx.store.balances[key]
	tx.journal.append(balanceChange{key: key, prev: prev, existed: existed})
	tx.store.balances[key] = amount
}

func (tx *memTx) Transfer(ctx context.Context, t models.Transfer) error {
	if err := tx.check(); err != nil {
		return err
	}
	if err := CheckTransfer(t); err != nil {
		return err
	}
	if t.Amount == 0 {
		return nil
	}

	s := tx.store
	if !t.From.IsZero() {
		from := s.balances[t.From]
		if from < t.Amount {
			return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientBalance, t.From.Short(), from, t.Amount)
		}
		tx.setBalance(t.From, from-t.Amount)
	}
	to, err := safemath.Add64(s.balances[t.To], t.Amount)
	if err != nil {
		return fmt.Errorf("ledger: credit %s: %w", t.To.Short(), err)
	}
	tx.setBalance(t.To, to)

	s.transfers = append(s.transfers, Entry{
		Seq:       int64(len(s.transfers) + 1),
		Transfer:  t,
		CreatedAt: s.now().UTC(),
	})
	tx.journal.append(transferAppend{})
	return nil
}

func (tx *memTx) InsertAgent(ctx context.Context, a models.Agent) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.store.agents[a.Key]; ok {
		return ErrKeyExists
	}
	tx.journal.append(agentChange{key: a.Key})
	tx.store.agents[a.Key] = a
	return nil
}

func (tx *memTx) GetAgent(ctx context.Context, key identity.Key) (models.Agent, error) {
	if err := tx.check(); err != nil {
		return models.Agent{}, err
	}
	a, ok := tx.store.agents[key]
	if !ok {
		return models.Agent{}, ErrNotFound
	}
	return a, nil
}

// PeekAgent is GetAgent: the store serializes whole transactions.
func (tx *memTx) PeekAgent(ctx context.Context, key identity.Key) (models.Agent, error) {
	return tx.GetAgent(ctx, key)
}

func (tx *memTx) UpdateAgent(ctx context.Context, a models.Agent) error {
	if err := tx.check(); err != nil {
		return err
	}
	prev, ok := tx.store.agents[a.Key]
	if !ok {
		return ErrNotFound
	}
	tx.journal.append(agentChange{key: a.Key, prev: prev, existed: true})
	tx.store.agents[a.Key] = a
	return nil
}

func (tx *memTx) InsertEscrow(ctx context.Context, e models.Escrow) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.store.escrows[e.Key]; ok {
		return ErrKeyExists
	}
	tx.journal.append(escrowChange{key: e.Key})
	tx.store.escrows[e.Key] = e
	return nil
}

func (tx *memTx) GetEscrow(ctx context.Context, key identity.Key) (models.Escrow, error) {
	if err := tx.check(); err != nil {
		return models.Escrow{}, err
	}
	e, ok := tx.store.escrows[key]
	if !ok {
		return models.Escrow{}, ErrNotFound
	}
	return e, nil
}

func (tx *memTx) UpdateEscrow(ctx context.Context, e models.Escrow) error {
	if err := tx.check(); err != nil {
		return err
	}
	prev, ok := tx.store.escrows[e.Key]
	if !ok {
		return ErrNotFound
	}
	tx.journal.append(escrowChange{key: e.Key, prev: prev, existed: true})
	tx.store.escrows[e.Key] = e
	return nil
}

func (tx *memTx) Enqueue(ctx context.Context, topic string, payload map[string]any) error {
	if err := tx.check(); err != nil {
		return err
	}
	s := tx.store
	msg := models.OutboxMessage{
		ID:        uuid.New(),
		Topic:     topic,
		Payload:   maps.Clone(payload),
		Status:    models.OutboxPending,
		CreatedAt: s.now().UTC(),
	}
	s.outboxIndex[msg.ID] = len(s.outbox)
	s.outbox = append(s.outbox, msg)
	tx.journal.append(outboxAppend{id: msg.ID})
	return nil
}

func (tx *memTx) PendingOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	out := make([]models.OutboxMessage, 0, limit)
	for _, msg := range tx.store.outbox {
		if msg.Status != models.OutboxPending {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (tx *memTx) MarkOutbox(ctx context.Context, id uuid.UUID, status models.OutboxStatus, attempts int) error {
	if err := tx.check(); err != nil {
		return err
	}
	s := tx.store
	idx, ok := s.outboxIndex[id]
	if !ok {
		return ErrNotFound
	}
	prev := s.outbox[idx]
	tx.journal.append(outboxChange{id: id, prev: prev})
	next := prev
	next.Status = status
	next.Attempts = attempts
	s.outbox[idx] = next
	return nil
}

func (tx *memTx) Commit(ctx context.Context) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.done = true
	tx.journal.entries = nil
	tx.store.release()
	return nil
}

func (tx *memTx) Rollback(ctx context.Context) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.done = true
	tx.journal.revert(tx.store)
	tx.store.release()
	return nil
}
