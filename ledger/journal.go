package ledger

import (
	"github.com/google/uuid"

	"escrowflow/identity"
	"escrowflow/models"
)

// journalEntry is a modification that can be undone on rollback.
type journalEntry interface {
	revert(*MemStore)
}

// journal lists the modifications applied by an open transaction.
type journal struct {
	entries []journalEntry
}

func (j *journal) append(entry journalEntry) {
	j.entries = append(j.entries, entry)
}

// revert undoes every entry, newest first.
func (j *journal) revert(s *MemStore) {
	for i := len(j.entries) - 1; i >= 0; i-- {
		j.entries[i].revert(s)
	}
	j.entries = nil
}

type (
	balanceChange struct {
		key     identity.Key
		prev    uint64
		existed bool
	}
	agentChange struct {
		key     identity.Key
		prev    models.Agent
		existed bool
	}
	escrowChange struct {
		key     identity.Key
		prev    models.Escrow
		existed bool
	}
	transferAppend struct{}
	outboxAppend   struct {
		id uuid.UUID
	}
	outboxChange struct {
		id   uuid.UUID
		prev models.OutboxMessage
	}
)

func (ch balanceChange) revert(s *MemStore) {
	if !ch.existed {
		delete(s.balances, ch.key)
		return
	}
	s.balances[ch.key] = ch.prev
}

func (ch agentChange) revert(s *MemStore) {
	if !ch.existed {
		delete(s.agents, ch.key)
		return
	}
	s.agents[ch.key] = ch.prev
}

func (ch escrowChange) revert(s *MemStore) {
	if !ch.existed {
		delete(s.escrows, ch.key)
		return
	}
	s.escrows[ch.key] = ch.prev
}

func (ch transferAppend) revert(s *MemStore) {
	s.transfers = s.transfers[:len(s.transfers)-1]
}

func (ch outboxAppend) revert(s *MemStore) {
	s.outbox = s.outbox[:len(s.outbox)-1]
	delete(s.outboxIndex, ch.id)
}

func (ch outboxChange) revert(s *MemStore) {
	s.outbox[s.outboxIndex[ch.id]] = ch.prev
}
