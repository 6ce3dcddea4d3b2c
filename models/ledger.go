package models

import (
	"time"

	"github.com/google/uuid"

	"escrowflow/identity"
)

// TransferKind labels a balance movement in the transfer journal.
type TransferKind string

const (
	TransferDeposit      TransferKind = "deposit"
	TransferRegistration TransferKind = "registration"
	TransferEscrowLock   TransferKind = "escrow_lock"
	TransferCreatorSplit TransferKind = "creator_split"
	TransferWorkerPayout TransferKind = "worker_payout"
	TransferRefund       TransferKind = "refund"
	TransferWithdrawal   TransferKind = "withdrawal"
)

// Transfer moves Amount base units from From to To. Deposits have a zero From.
type Transfer struct {
	From   identity.Key
	To     identity.Key
	Amount uint64
	Kind   TransferKind
}

// OutboxStatus tracks delivery of an outbox message.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxProcessed OutboxStatus = "processed"
	OutboxDead      OutboxStatus = "dead"
)

// OutboxMessage is an event written in the same transaction as the change it announces.
type OutboxMessage struct {
	ID        uuid.UUID
	Topic     string
	Payload   map[string]any
	Status    OutboxStatus
	Attempts  int
	CreatedAt time.Time
}

// Outbox topics.
const (
	TopicAgentRegistered    = "agent.registered"
	TopicAgentSplit         = "agent.split_configured"
	TopicAgentWithdrawal    = "agent.withdrawal"
	TopicAgentVerified      = "agent.verified"
	TopicJobCreated         = "job.created"
	TopicJobHired           = "job.hired"
	TopicJobCompleted       = "job.completed"
	TopicJobApproved        = "job.approved"
	TopicJobTimeoutReleased = "job.timeout_released"
	TopicJobCancelled       = "job.cancelled"
	TopicJobDisputed        = "job.disputed"
)
